package parser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// basicInfoPayload 构造0x03载荷，temps为原始0.1K值
func basicInfoPayload(protection uint16, cellCount byte, temps ...uint16) []byte {
	p := []byte{
		0x01, 0x2C, // 总电压 300 -> 3000mV
		0xFF, 0x38, // 电流 -200 -> -2000mA
		0x17, 0x70, // 剩余容量 6000 -> 60000mAh
		0x18, 0x38, // 标称容量 6200 -> 62000mAh
		0x00, 0x2A, // 循环 42
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // 生产日期/均衡状态
		byte(protection >> 8), byte(protection),
		0x10,      // 软件版本
		0x5F,      // RSOC 95
		0x03,      // FET
		cellCount, // 串数
		byte(len(temps)),
	}
	for _, t := range temps {
		p = append(p, byte(t>>8), byte(t))
	}
	return p
}

func TestParseBasicInfo(t *testing.T) {
	info, err := ParseBasicInfo(basicInfoPayload(0x0000, 14, 2981, 3031))
	require.NoError(t, err)

	assert.Equal(t, 3000, info.TotalVoltageMv)
	assert.Equal(t, -2000, info.CurrentMa)
	assert.Equal(t, 60000, info.ResidualCapacityMah)
	assert.Equal(t, 62000, info.NominalCapacityMah)
	assert.Equal(t, 42, info.CycleLife)
	assert.Equal(t, byte(0x10), info.SoftwareVersion)
	assert.Equal(t, 95, info.RSOC)
	assert.Equal(t, byte(0x03), info.FETStatus)
	assert.Equal(t, 14, info.CellCount)
	assert.Equal(t, 2, info.NTCCount)
	require.Len(t, info.TemperaturesC, 2)
	assert.InDelta(t, 24.95, info.TemperaturesC[0], 1e-6)
	assert.InDelta(t, 29.95, info.TemperaturesC[1], 1e-6)
	assert.False(t, info.UndervoltageProtectionActive())
}

func TestParseBasicInfo_ProtectionBit(t *testing.T) {
	tests := []struct {
		bitmask uint16
		active  bool
	}{
		{0x0000, false},
		{0x0002, true},
		{0x0001, false},
		{0x0803, true},
	}
	for _, tt := range tests {
		info, err := ParseBasicInfo(basicInfoPayload(tt.bitmask, 14))
		require.NoError(t, err)
		assert.Equal(t, tt.active, info.UndervoltageProtectionActive(), "bitmask 0x%04X", tt.bitmask)
		assert.Equal(t, tt.bitmask, info.ProtectionBitmask)
	}
}

func TestParseBasicInfo_Errors(t *testing.T) {
	_, err := ParseBasicInfo(make([]byte, 22))
	assert.ErrorIs(t, err, ErrTooShort)

	truncated := basicInfoPayload(0, 14, 2981, 2981)
	_, err = ParseBasicInfo(truncated[:len(truncated)-1])
	assert.ErrorIs(t, err, ErrTruncatedTemperatureData)

	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 27, pe.Want)
}

func TestParseBasicInfo_IgnoresExtraBytes(t *testing.T) {
	payload := append(basicInfoPayload(0, 14, 2981), 0xAA, 0xBB, 0xCC)
	info, err := ParseBasicInfo(payload)
	require.NoError(t, err)
	assert.Len(t, info.TemperaturesC, 1)
}

func TestParseCellVoltages(t *testing.T) {
	v, err := ParseCellVoltages([]byte{0x0C, 0x80, 0x0C, 0x85})
	require.NoError(t, err)
	require.Len(t, v, 2)
	assert.InDelta(t, 3.200, v[0], 1e-9)
	assert.InDelta(t, 3.205, v[1], 1e-9)

	v, err = ParseCellVoltages(nil)
	require.NoError(t, err)
	assert.Empty(t, v)

	_, err = ParseCellVoltages([]byte{0x0C, 0x80, 0x0C})
	assert.ErrorIs(t, err, ErrOddLength)
}

func TestParseCellVoltages_CountNotEnforced(t *testing.T) {
	payload := make([]byte, 0, 26)
	for i := 0; i < 13; i++ {
		payload = append(payload, 0x0F, 0x3C)
	}
	v, err := ParseCellVoltages(payload)
	require.NoError(t, err)
	assert.Len(t, v, 13)
	assert.InDelta(t, 3.900, v[12], 1e-9)
}

func TestMerge(t *testing.T) {
	info, err := ParseBasicInfo(basicInfoPayload(0x0002, 14, 2981))
	require.NoError(t, err)
	cells := []float64{3.9, 3.91}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	tel := Merge(at, info, cells)
	cells[0] = 0
	assert.Equal(t, at, tel.Timestamp)
	assert.Equal(t, -2000, tel.CurrentMa)
	assert.True(t, tel.UndervoltageProtectionActive)
	assert.Equal(t, []float64{3.9, 3.91}, tel.CellVoltagesV)
	assert.InDelta(t, 3.905, tel.AverageCellVoltage(), 1e-9)
}
