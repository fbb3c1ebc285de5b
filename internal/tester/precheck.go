package tester

import (
	"fmt"
	"slices"

	"bms-test-gateway/internal/models"
)

// 预检阈值，与化学体系无关
const (
	ChargedFloorV   = 3.80
	MaxCellSpreadV  = 0.050
	voltageEpsilon  = 1e-9
	deadCellVoltage = 2.0
)

// PrecheckResult 单次预检结果，Messages供界面显示
type PrecheckResult struct {
	AllCellsFound bool     `json:"all_cells_found"`
	CellsCharged  bool     `json:"cells_charged"`
	CellsBalanced bool     `json:"cells_balanced"`
	CellCount     int      `json:"cell_count"`
	MinVoltageV   float64  `json:"min_voltage_v"`
	MaxVoltageV   float64  `json:"max_voltage_v"`
	SpreadV       float64  `json:"spread_v"`
	Messages      []string `json:"messages"`
}

// Passed 三项全部满足
func (r PrecheckResult) Passed() bool {
	return r.AllCellsFound && r.CellsCharged && r.CellsBalanced
}

// RunPrecheck 根据最新遥测判断电池是否可以开始放电
func RunPrecheck(t models.Telemetry, expectedCells int) PrecheckResult {
	cells := t.CellVoltagesV
	r := PrecheckResult{CellCount: len(cells)}

	if len(cells) == 0 {
		r.Messages = append(r.Messages, "❌ 未收到单体电压数据")
		return r
	}

	r.AllCellsFound = len(cells) == expectedCells
	if r.AllCellsFound {
		r.Messages = append(r.Messages, fmt.Sprintf("✅ 检测到全部%d节单体", expectedCells))
	} else {
		r.Messages = append(r.Messages, fmt.Sprintf("❌ 应有%d节单体，实际%d节", expectedCells, len(cells)))
	}

	r.MinVoltageV = slices.Min(cells)
	r.MaxVoltageV = slices.Max(cells)
	r.SpreadV = r.MaxVoltageV - r.MinVoltageV

	r.CellsCharged = r.MinVoltageV > ChargedFloorV
	if r.CellsCharged {
		r.Messages = append(r.Messages, fmt.Sprintf("✅ 单体已充满 (最低%.3fV > %.2fV)", r.MinVoltageV, ChargedFloorV))
	} else {
		r.Messages = append(r.Messages, fmt.Sprintf("❌ 存在未充满单体 (最低%.3fV ≤ %.2fV)", r.MinVoltageV, ChargedFloorV))
	}

	r.CellsBalanced = r.SpreadV <= MaxCellSpreadV+voltageEpsilon
	if r.CellsBalanced {
		r.Messages = append(r.Messages, fmt.Sprintf("✅ 单体均衡 (压差%.3fV)", r.SpreadV))
	} else {
		r.Messages = append(r.Messages, fmt.Sprintf("❌ 单体不均衡 (压差%.3fV > %.3fV)", r.SpreadV, MaxCellSpreadV))
	}
	return r
}
