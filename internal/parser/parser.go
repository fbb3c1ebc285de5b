package parser

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"bms-test-gateway/internal/models"
)

// 载荷解析错误：单次轮询的局部失败
var (
	ErrTooShort                 = errors.New("载荷长度不足")
	ErrOddLength                = errors.New("载荷长度为奇数")
	ErrTruncatedTemperatureData = errors.New("温度数据不完整")
)

// BasicInfoMinSize 0x03应答固定部分长度
const BasicInfoMinSize = 23

// ParseError 载荷解析错误
type ParseError struct {
	Kind   error
	Length int
	Want   int
}

func (e *ParseError) Error() string {
	if e.Want > 0 {
		return fmt.Sprintf("%v: 长度%d，至少需要%d", e.Kind, e.Length, e.Want)
	}
	return fmt.Sprintf("%v: 长度%d", e.Kind, e.Length)
}

func (e *ParseError) Unwrap() error {
	return e.Kind
}

// ParseBasicInfo 解析0x03基本信息，所有多字节字段为大端
//
//	0:2 总电压(10mV) 2:4 电流(10mA,有符号) 4:6 剩余容量(10mAh) 6:8 标称容量(10mAh)
//	8:10 循环次数 16:18 保护状态 18 软件版本 19 RSOC 20 FET 21 串数 22 NTC数
//	23.. NTC温度(0.1K)
func ParseBasicInfo(payload []byte) (*models.BasicInfo, error) {
	if len(payload) < BasicInfoMinSize {
		return nil, &ParseError{Kind: ErrTooShort, Length: len(payload), Want: BasicInfoMinSize}
	}

	info := &models.BasicInfo{
		TotalVoltageMv:      int(binary.BigEndian.Uint16(payload[0:2])) * 10,
		CurrentMa:           int(int16(binary.BigEndian.Uint16(payload[2:4]))) * 10,
		ResidualCapacityMah: int(binary.BigEndian.Uint16(payload[4:6])) * 10,
		NominalCapacityMah:  int(binary.BigEndian.Uint16(payload[6:8])) * 10,
		CycleLife:           int(binary.BigEndian.Uint16(payload[8:10])),
		ProtectionBitmask:   binary.BigEndian.Uint16(payload[16:18]),
		SoftwareVersion:     payload[18],
		RSOC:                int(payload[19]),
		FETStatus:           payload[20],
		CellCount:           int(payload[21]),
		NTCCount:            int(payload[22]),
	}

	want := BasicInfoMinSize + 2*info.NTCCount
	if len(payload) < want {
		return nil, &ParseError{Kind: ErrTruncatedTemperatureData, Length: len(payload), Want: want}
	}

	info.TemperaturesC = make([]float64, 0, info.NTCCount)
	for off := BasicInfoMinSize; off < want; off += 2 {
		raw := binary.BigEndian.Uint16(payload[off : off+2])
		info.TemperaturesC = append(info.TemperaturesC, float64(raw)*0.1-273.15)
	}
	return info, nil
}

// ParseCellVoltages 解析0x04单体电压，每节2字节(mV)；不校验节数，由预检负责
func ParseCellVoltages(payload []byte) ([]float64, error) {
	if len(payload)%2 != 0 {
		return nil, &ParseError{Kind: ErrOddLength, Length: len(payload)}
	}

	voltages := make([]float64, 0, len(payload)/2)
	for i := 0; i < len(payload); i += 2 {
		mv := binary.BigEndian.Uint16(payload[i : i+2])
		voltages = append(voltages, float64(mv)/1000.0)
	}
	return voltages, nil
}

// Merge 合并同一周期的基本信息与单体电压为一条遥测记录
func Merge(at time.Time, info *models.BasicInfo, cells []float64) models.Telemetry {
	t := models.Telemetry{
		Timestamp:     at,
		CellVoltagesV: append([]float64(nil), cells...),
	}
	if info != nil {
		t.TotalVoltageMv = info.TotalVoltageMv
		t.CurrentMa = info.CurrentMa
		t.ResidualCapacityMah = info.ResidualCapacityMah
		t.NominalCapacityMah = info.NominalCapacityMah
		t.CycleLife = info.CycleLife
		t.ProtectionBitmask = info.ProtectionBitmask
		t.UndervoltageProtectionActive = info.UndervoltageProtectionActive()
		t.RSOC = info.RSOC
		t.FETStatus = info.FETStatus
		t.CellCount = info.CellCount
		t.NTCCount = info.NTCCount
		t.TemperaturesC = append([]float64(nil), info.TemperaturesC...)
	}
	return t
}
