package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"bms-test-gateway/internal/models"
	"bms-test-gateway/internal/tester"

	"github.com/rs/zerolog"
)

// CSVGenerator 测试完成后在Dir下生成CSV报告，实现tester.ReportGenerator
type CSVGenerator struct {
	Dir    string
	Now    func() time.Time
	Logger zerolog.Logger
}

// NewCSVGenerator 创建CSV报告生成器
func NewCSVGenerator(dir string, logger zerolog.Logger) *CSVGenerator {
	return &CSVGenerator{Dir: dir, Now: time.Now, Logger: logger}
}

// Filename <序列号>_<yyyymmdd_hhmmss>_<结果>.csv
func Filename(result models.TestResult, at time.Time) string {
	return fmt.Sprintf("%s_%s_%s.csv", result.Config.SerialNumber, at.Format("20060102_150405"), result.FinalVerdict())
}

// GenerateReport 写入报告文件；人工复判后会再次生成一份
func (g *CSVGenerator) GenerateReport(result models.TestResult, samples []models.Telemetry) error {
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	at := now()

	if err := os.MkdirAll(g.Dir, 0o755); err != nil {
		return fmt.Errorf("创建报告目录失败: %w", err)
	}
	path := filepath.Join(g.Dir, Filename(result, at))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("创建报告文件失败: %w", err)
	}
	if err := Write(f, result, samples, at); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("关闭报告文件失败: %w", err)
	}

	g.Logger.Info().Str("path", path).Str("result", string(result.FinalVerdict())).Msg("📄 CSV报告已生成")
	return nil
}

// Write 报告内容：表头信息、健康事件、样本明细
func Write(w io.Writer, result models.TestResult, samples []models.Telemetry, generated time.Time) error {
	cw := csv.NewWriter(w)

	rows := [][]string{
		{"Battery Test Report"},
		{"Generated", generated.Format("2006-01-02 15:04:05")},
		{"Battery Serial", result.Config.SerialNumber},
		{"Chemistry", result.Chemistry.Name},
		{"Rated Capacity (Ah)", fmt.Sprintf("%.1f", result.Config.RatedCapacityAh)},
		{"Measured Capacity (Ah)", fmt.Sprintf("%.4f", result.MeasuredCapacityAh)},
		{"Measured Capacity (mAh)", fmt.Sprintf("%.1f", result.MeasuredCapacityAh*1000)},
		{"Capacity (%)", fmt.Sprintf("%.1f", result.PercentOfRated)},
		{"Pass Threshold (%)", fmt.Sprintf("%.0f", result.Config.PassThresholdPct)},
		{"Result", string(result.FinalVerdict())},
	}
	if o := result.Override; o != nil {
		rows = append(rows,
			[]string{"Measured Result", string(result.Verdict)},
			[]string{"Override Reason", o.Reason},
		)
	}
	rows = append(rows,
		[]string{"Stop Reason", string(result.StopReason)},
		[]string{"Runtime", tester.FormatRuntime(result.Runtime())},
		[]string{"Storage Voltage (V)", fmt.Sprintf("%.2f", result.Chemistry.StorageVoltageV)},
		[]string{"BMS Cycle Count", strconv.Itoa(result.CycleCount)},
		[]string{"Initial SOC (%)", strconv.Itoa(result.InitialSOC)},
	)
	if result.Config.TechInitials != "" {
		rows = append(rows, []string{"Technician", result.Config.TechInitials})
	}
	rows = append(rows, nil)

	if len(result.HealthEvents) > 0 {
		rows = append(rows,
			[]string{"Health Events"},
			[]string{"Time (s)", "Type", "Cell", "Voltage (V)", "Message"},
		)
		for _, ev := range result.HealthEvents {
			rows = append(rows, []string{
				fmt.Sprintf("%.1f", ev.ElapsedS),
				ev.Type,
				strconv.Itoa(ev.Cell),
				fmt.Sprintf("%.3f", ev.VoltageV),
				ev.Message,
			})
		}
		rows = append(rows, nil)
	}

	if len(samples) > 0 {
		header := []string{"Time (s)", "Current (mA)"}
		for i := range samples[0].CellVoltagesV {
			header = append(header, fmt.Sprintf("Cell %d (V)", i+1))
		}
		rows = append(rows, header)

		for _, s := range samples {
			row := []string{
				fmt.Sprintf("%.1f", s.Timestamp.Sub(result.StartTime).Seconds()),
				strconv.Itoa(s.CurrentMa),
			}
			for _, v := range s.CellVoltagesV {
				row = append(row, fmt.Sprintf("%.4f", v))
			}
			rows = append(rows, row)
		}
	}

	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("写入CSV失败: %w", err)
	}
	return nil
}
