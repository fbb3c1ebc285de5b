package report

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"bms-test-gateway/internal/config"
	"bms-test-gateway/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func sampleResult() models.TestResult {
	return models.TestResult{
		SessionID: "s1",
		Config: models.TestConfig{
			Chemistry:        "NMC",
			RatedCapacityAh:  10,
			PassThresholdPct: 95,
			SerialNumber:     "B14S007",
			TechInitials:     "LW",
		},
		Chemistry:          config.DefaultChemistries()["NMC"],
		StartTime:          start,
		EndTime:            start.Add(time.Hour + 2*time.Minute + 3*time.Second),
		MeasuredCapacityAh: 9.6,
		PercentOfRated:     96,
		Verdict:            models.VerdictPass,
		StopReason:         models.StopStorageVoltageReached,
		InitialSOC:         99,
		CycleCount:         12,
		HealthEvents: []models.HealthEvent{
			{ElapsedS: 30, Type: models.HealthImbalance, Cell: 4, VoltageV: 3.2, Message: "第4节偏离均值0.650V"},
		},
	}
}

func samples() []models.Telemetry {
	return []models.Telemetry{
		{Timestamp: start.Add(time.Second), CurrentMa: -2000, CellVoltagesV: []float64{3.9, 3.91}},
		{Timestamp: start.Add(2 * time.Second), CurrentMa: -2010, CellVoltagesV: []float64{3.89, 3.9}},
	}
}

func TestFilename(t *testing.T) {
	r := sampleResult()
	at := time.Date(2026, 3, 1, 9, 2, 3, 0, time.UTC)
	assert.Equal(t, "B14S007_20260301_090203_PASS.csv", Filename(r, at))

	r.Override = &models.Override{Decision: models.VerdictFail, Reason: "外观破损"}
	assert.Equal(t, "B14S007_20260301_090203_FAIL.csv", Filename(r, at))
}

func TestWrite(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleResult(), samples(), start))

	r := csv.NewReader(strings.NewReader(buf.String()))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	require.NoError(t, err)

	fields := map[string]string{}
	for _, rec := range records {
		if len(rec) == 2 {
			fields[rec[0]] = rec[1]
		}
	}
	assert.Equal(t, "B14S007", fields["Battery Serial"])
	assert.Equal(t, "NMC Prismatic", fields["Chemistry"])
	assert.Equal(t, "9.6000", fields["Measured Capacity (Ah)"])
	assert.Equal(t, "9600.0", fields["Measured Capacity (mAh)"])
	assert.Equal(t, "96.0", fields["Capacity (%)"])
	assert.Equal(t, "PASS", fields["Result"])
	assert.Equal(t, "StorageVoltageReached", fields["Stop Reason"])
	assert.Equal(t, "1h 02m 03s", fields["Runtime"])
	assert.Equal(t, "3.60", fields["Storage Voltage (V)"])
	assert.Equal(t, "12", fields["BMS Cycle Count"])
	assert.NotContains(t, fields, "Override Reason")

	last := records[len(records)-1]
	assert.Equal(t, []string{"2.0", "-2010", "3.8900", "3.9000"}, last)
	assert.Contains(t, buf.String(), "Time (s),Current (mA),Cell 1 (V),Cell 2 (V)")
	assert.Contains(t, buf.String(), "30.0,IMBALANCE,4,3.200,")
}

func TestWrite_Override(t *testing.T) {
	res := sampleResult()
	res.Override = &models.Override{Decision: models.VerdictFail, Reason: "外观破损"}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, res, nil, start))
	out := buf.String()
	assert.Contains(t, out, "Result,FAIL")
	assert.Contains(t, out, "Measured Result,PASS")
	assert.Contains(t, out, "Override Reason,外观破损")
	assert.NotContains(t, out, "Current (mA)")
}

func TestCSVGenerator_GenerateReport(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	at := time.Date(2026, 3, 1, 9, 2, 3, 0, time.UTC)
	g := &CSVGenerator{Dir: dir, Now: func() time.Time { return at }, Logger: zerolog.Nop()}

	require.NoError(t, g.GenerateReport(sampleResult(), samples()))

	data, err := os.ReadFile(filepath.Join(dir, "B14S007_20260301_090203_PASS.csv"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "Battery Test Report\n"))
}
