package tester

import (
	"fmt"
	"slices"
	"strings"

	"bms-test-gateway/internal/models"
)

// spreadWarningV 活体单体压差超过该值给出警告，达到imbalanceAlertV时按失衡处理
const spreadWarningV = 0.30

// HealthLevel 电池包总体健康状态
type HealthLevel string

const (
	HealthUnknown  HealthLevel = "UNKNOWN"
	HealthNormal   HealthLevel = "NORMAL"
	HealthWarning  HealthLevel = "WARNING"
	HealthAbnormal HealthLevel = "ABNORMAL"
)

// 健康问题类型
const (
	IssueDeadCell        = "DEAD_CELL"
	IssueImbalance       = "IMBALANCE"
	IssueSpreadWarning   = "SPREAD_WARNING"
	IssueCriticalVoltage = "CRITICAL_VOLTAGE"
)

// 问题严重程度
const (
	SeverityHigh   = "HIGH"
	SeverityMedium = "MEDIUM"
)

// HealthIssue 单项健康问题，Cells从1开始编号
type HealthIssue struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Cells    []int  `json:"cells,omitempty"`
	Message  string `json:"message"`
}

// Health 当前遥测的健康评估
type Health struct {
	Overall  HealthLevel   `json:"overall"`
	AverageV float64       `json:"average_v"`
	SpreadV  float64       `json:"spread_v"`
	Issues   []HealthIssue `json:"issues,omitempty"`
}

// Clone 深拷贝
func (h Health) Clone() Health {
	issues := make([]HealthIssue, len(h.Issues))
	for i, is := range h.Issues {
		is.Cells = append([]int(nil), is.Cells...)
		issues[i] = is
	}
	if h.Issues == nil {
		issues = nil
	}
	h.Issues = issues
	return h
}

// HealthStatus 评估单条遥测：断线单体、偏离均值、压差警告、低于失效电压。
// 低于deadCellVoltage的单体视为断线，不参与均值与压差
func HealthStatus(t models.Telemetry, chem models.ChemistryProfile) Health {
	cells := t.CellVoltagesV
	if len(cells) == 0 {
		return Health{Overall: HealthUnknown}
	}

	var live []float64
	var dead []int
	var deadInfo []string
	for i, v := range cells {
		if v < deadCellVoltage {
			dead = append(dead, i+1)
			deadInfo = append(deadInfo, fmt.Sprintf("第%d节 %.3fV", i+1, v))
			continue
		}
		live = append(live, v)
	}
	if len(live) == 0 {
		return Health{
			Overall: HealthUnknown,
			Issues: []HealthIssue{{
				Type:     IssueDeadCell,
				Severity: SeverityHigh,
				Cells:    dead,
				Message:  "未检测到有效单体",
			}},
		}
	}

	var sum float64
	for _, v := range live {
		sum += v
	}
	h := Health{
		AverageV: sum / float64(len(live)),
		SpreadV:  slices.Max(live) - slices.Min(live),
	}

	if len(dead) > 0 {
		h.Issues = append(h.Issues, HealthIssue{
			Type:     IssueDeadCell,
			Severity: SeverityHigh,
			Cells:    dead,
			Message:  "检测到断线单体: " + strings.Join(deadInfo, ", "),
		})
	}

	var imbalanced, critical []int
	var criticalInfo []string
	for i, v := range cells {
		if v < deadCellVoltage {
			continue
		}
		if v-h.AverageV >= imbalanceAlertV || h.AverageV-v >= imbalanceAlertV {
			imbalanced = append(imbalanced, i+1)
		}
		if v < chem.FailVoltageV {
			critical = append(critical, i+1)
			criticalInfo = append(criticalInfo, fmt.Sprintf("第%d节 %.3fV", i+1, v))
		}
	}
	if len(imbalanced) > 0 {
		h.Issues = append(h.Issues, HealthIssue{
			Type:     IssueImbalance,
			Severity: SeverityHigh,
			Cells:    imbalanced,
			Message:  fmt.Sprintf("单体%v偏离均值%.2fV以上", imbalanced, imbalanceAlertV),
		})
	}
	if h.SpreadV > spreadWarningV && h.SpreadV < imbalanceAlertV {
		h.Issues = append(h.Issues, HealthIssue{
			Type:     IssueSpreadWarning,
			Severity: SeverityMedium,
			Message:  fmt.Sprintf("压差%.3fV", h.SpreadV),
		})
	}
	if len(critical) > 0 {
		h.Issues = append(h.Issues, HealthIssue{
			Type:     IssueCriticalVoltage,
			Severity: SeverityHigh,
			Cells:    critical,
			Message:  fmt.Sprintf("低于%.2fV: %s", chem.FailVoltageV, strings.Join(criticalInfo, ", ")),
		})
	}

	h.Overall = HealthNormal
	for _, is := range h.Issues {
		if is.Severity == SeverityHigh {
			h.Overall = HealthAbnormal
			break
		}
		h.Overall = HealthWarning
	}
	return h
}
