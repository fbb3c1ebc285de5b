package tester

import (
	"testing"

	"bms-test-gateway/internal/config"
	"bms-test-gateway/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthStatus(t *testing.T) {
	nmc := config.DefaultChemistries()["NMC"]

	withCells := func(base float64, set map[int]float64) models.Telemetry {
		cells := uniformCells(14, base)
		for i, v := range set {
			cells[i] = v
		}
		return models.Telemetry{CellVoltagesV: cells}
	}

	tests := []struct {
		name    string
		tel     models.Telemetry
		overall HealthLevel
		issues  []string
		cells   map[string][]int
	}{
		{
			name:    "无单体数据",
			tel:     models.Telemetry{},
			overall: HealthUnknown,
		},
		{
			name:    "全部断线",
			tel:     models.Telemetry{CellVoltagesV: uniformCells(14, 0.1)},
			overall: HealthUnknown,
			issues:  []string{IssueDeadCell},
		},
		{
			name:    "正常",
			tel:     withCells(3.90, map[int]float64{3: 3.95}),
			overall: HealthNormal,
		},
		{
			name:    "断线单体",
			tel:     withCells(3.90, map[int]float64{5: 0.8}),
			overall: HealthAbnormal,
			issues:  []string{IssueDeadCell},
			cells:   map[string][]int{IssueDeadCell: {6}},
		},
		{
			name:    "压差警告",
			tel:     withCells(3.90, map[int]float64{0: 3.55}),
			overall: HealthWarning,
			issues:  []string{IssueSpreadWarning},
		},
		{
			name:    "单体失衡",
			tel:     withCells(3.90, map[int]float64{13: 3.30}),
			overall: HealthAbnormal,
			issues:  []string{IssueImbalance},
			cells:   map[string][]int{IssueImbalance: {14}},
		},
		{
			name:    "低于失效电压",
			tel:     withCells(3.10, map[int]float64{1: 2.95}),
			overall: HealthAbnormal,
			issues:  []string{IssueCriticalVoltage},
			cells:   map[string][]int{IssueCriticalVoltage: {2}},
		},
		{
			name:    "断线与失效同时出现",
			tel:     withCells(3.10, map[int]float64{0: 1.5, 1: 2.95}),
			overall: HealthAbnormal,
			issues:  []string{IssueDeadCell, IssueCriticalVoltage},
			cells:   map[string][]int{IssueDeadCell: {1}, IssueCriticalVoltage: {2}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := HealthStatus(tt.tel, nmc)
			assert.Equal(t, tt.overall, h.Overall)

			var types []string
			for _, is := range h.Issues {
				types = append(types, is.Type)
				assert.NotEmpty(t, is.Message)
				if want, ok := tt.cells[is.Type]; ok {
					assert.Equal(t, want, is.Cells, is.Type)
				}
			}
			assert.Equal(t, tt.issues, types)
		})
	}
}

func TestHealthStatus_IgnoresDeadCellsInStatistics(t *testing.T) {
	cells := uniformCells(14, 3.80)
	cells[7] = 0.2
	h := HealthStatus(models.Telemetry{CellVoltagesV: cells}, config.DefaultChemistries()["NMC"])

	assert.InDelta(t, 3.80, h.AverageV, 1e-9)
	assert.InDelta(t, 0, h.SpreadV, 1e-9)
	require.Len(t, h.Issues, 1)
	assert.Equal(t, SeverityHigh, h.Issues[0].Severity)
}

func TestHealth_CloneIsIndependent(t *testing.T) {
	h := Health{Overall: HealthAbnormal, Issues: []HealthIssue{{Type: IssueDeadCell, Cells: []int{1}}}}
	c := h.Clone()
	c.Issues[0].Cells[0] = 9

	assert.Equal(t, 1, h.Issues[0].Cells[0])
	assert.Nil(t, Health{}.Clone().Issues)
}
