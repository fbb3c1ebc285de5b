package models

import (
	"encoding/json"
	"time"
)

// BasicInfo 0x03命令解析结果（基本信息）
type BasicInfo struct {
	TotalVoltageMv      int       `json:"total_voltage_mv"`
	CurrentMa           int       `json:"current_ma"` // 有符号，默认负值表示放电
	ResidualCapacityMah int       `json:"residual_capacity_mah"`
	NominalCapacityMah  int       `json:"nominal_capacity_mah"`
	CycleLife           int       `json:"cycle_life"`
	ProtectionBitmask   uint16    `json:"protection_bitmask"` // 原始保护位，仅用于诊断
	SoftwareVersion     byte      `json:"software_version"`
	RSOC                int       `json:"rsoc"`
	FETStatus           byte      `json:"fet_status"`
	CellCount           int       `json:"cell_count"`
	NTCCount            int       `json:"ntc_count"`
	TemperaturesC       []float64 `json:"temperatures_c"`
}

// ProtectionUndervoltage 单体欠压保护位
const ProtectionUndervoltage uint16 = 0x0002

// UndervoltageProtectionActive 欠压保护是否触发
func (b *BasicInfo) UndervoltageProtectionActive() bool {
	return b.ProtectionBitmask&ProtectionUndervoltage != 0
}

// Telemetry 单个轮询周期的遥测快照，发布后不可修改
type Telemetry struct {
	Timestamp                    time.Time `json:"timestamp"`
	TotalVoltageMv               int       `json:"total_voltage_mv"`
	CurrentMa                    int       `json:"current_ma"`
	ResidualCapacityMah          int       `json:"residual_capacity_mah"`
	NominalCapacityMah           int       `json:"nominal_capacity_mah"`
	CycleLife                    int       `json:"cycle_life"`
	ProtectionBitmask            uint16    `json:"protection_bitmask"`
	UndervoltageProtectionActive bool      `json:"undervoltage_protection_active"`
	RSOC                         int       `json:"rsoc"`
	FETStatus                    byte      `json:"fet_status"`
	CellCount                    int       `json:"cell_count"`
	NTCCount                     int       `json:"ntc_count"`
	TemperaturesC                []float64 `json:"temperatures_c"`
	CellVoltagesV                []float64 `json:"cell_voltages_v"`
}

// Clone 深拷贝，避免切片被共享修改
func (t Telemetry) Clone() Telemetry {
	t.TemperaturesC = append([]float64(nil), t.TemperaturesC...)
	t.CellVoltagesV = append([]float64(nil), t.CellVoltagesV...)
	return t
}

// AverageCellVoltage 单体平均电压，无数据时返回0
func (t Telemetry) AverageCellVoltage() float64 {
	if len(t.CellVoltagesV) == 0 {
		return 0
	}
	var sum float64
	for _, v := range t.CellVoltagesV {
		sum += v
	}
	return sum / float64(len(t.CellVoltagesV))
}

// ChemistryProfile 电池化学体系阈值
type ChemistryProfile struct {
	Name               string  `yaml:"name"                 json:"name"`
	StorageVoltageV    float64 `yaml:"storage_voltage"      json:"storage_voltage_v"`
	FullChargeVoltageV float64 `yaml:"full_charge_voltage"  json:"full_charge_voltage_v"`
	FailVoltageV       float64 `yaml:"cell_fail_voltage"    json:"fail_voltage_v"`
	RatedCapacityAh    float64 `yaml:"rated_capacity_ah"    json:"rated_capacity_ah"`
}

// TestConfig 单次放电测试配置
type TestConfig struct {
	Chemistry        string  `json:"chemistry"`
	RatedCapacityAh  float64 `json:"rated_capacity_ah"`
	PassThresholdPct float64 `json:"pass_threshold_pct"`
	SerialNumber     string  `json:"serial_number"`
	TechInitials     string  `json:"tech_initials,omitempty"`
}

// Verdict 测试判定
type Verdict string

const (
	VerdictPass Verdict = "PASS"
	VerdictFail Verdict = "FAIL"
)

// StopReason 测试结束原因
type StopReason string

const (
	StopProtectionTriggered   StopReason = "ProtectionTriggered"
	StopStorageVoltageReached StopReason = "StorageVoltageReached"
	StopManual                StopReason = "ManualStop"
	StopAborted               StopReason = "Aborted"
	StopCommunicationFault    StopReason = "CommunicationFault"
)

// Override 人工复判
type Override struct {
	Decision Verdict   `json:"decision"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// HealthEvent 测试过程中记录的单体异常
type HealthEvent struct {
	ElapsedS float64 `json:"elapsed_s"`
	Type     string  `json:"type"`
	Cell     int     `json:"cell"`
	VoltageV float64 `json:"voltage_v"`
	Message  string  `json:"message"`
}

// 健康事件类型
const (
	HealthImbalance = "IMBALANCE"
	HealthCritical  = "CRITICAL"
)

// TestResult 测试最终结果（仅COMPLETED会产生）
type TestResult struct {
	SessionID          string           `json:"session_id"`
	Config             TestConfig       `json:"config"`
	Chemistry          ChemistryProfile `json:"chemistry"`
	StartTime          time.Time        `json:"start_time"`
	EndTime            time.Time        `json:"end_time"`
	MeasuredCapacityAh float64          `json:"measured_capacity_ah"`
	PercentOfRated     float64          `json:"percent_of_rated"`
	Verdict            Verdict          `json:"verdict"`
	StopReason         StopReason       `json:"stop_reason"`
	Override           *Override        `json:"override,omitempty"`
	InitialSOC         int              `json:"initial_soc"`
	CycleCount         int              `json:"cycle_count"`
	HealthEvents       []HealthEvent    `json:"health_events,omitempty"`
}

// FinalVerdict 有人工复判时以复判为准
func (r TestResult) FinalVerdict() Verdict {
	if r.Override != nil {
		return r.Override.Decision
	}
	return r.Verdict
}

// Runtime 测试时长
func (r TestResult) Runtime() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// MQTT消息类型
const (
	MQTTMsgTypeTelemetry = "telemetry"
	MQTTMsgTypeResult    = "result"
	MQTTMsgTypeState     = "state"
)

// 设备在线状态
const (
	DeviceStateOnline  = "online"
	DeviceStateOffline = "offline"
)

// MQTTMessage 统一的MQTT消息封装
type MQTTMessage struct {
	DeviceID  string    `json:"device_id"`
	Model     string    `json:"model"`
	MsgType   string    `json:"msg_type"`
	State     string    `json:"state,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// NewMQTTMessage 构建MQTT消息
func NewMQTTMessage(deviceID, model, msgType string, payload any) *MQTTMessage {
	return &MQTTMessage{
		DeviceID:  deviceID,
		Model:     model,
		MsgType:   msgType,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

// NewStateMessage 构建设备状态消息
func NewStateMessage(deviceID, model, state string) *MQTTMessage {
	msg := NewMQTTMessage(deviceID, model, MQTTMsgTypeState, nil)
	msg.State = state
	return msg
}

// ToJSON 序列化
func (m *MQTTMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}
