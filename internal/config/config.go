package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"bms-test-gateway/internal/models"

	"gopkg.in/yaml.v3"
)

// 默认值（与BMS通用协议及14串电池包测试工位一致）
const (
	DefaultChemistry        = "NMC"
	DefaultRatedCapacityAh  = 62.0
	DefaultPassThresholdPct = 95.0
	DefaultCellCount        = 14
	DefaultMaxSamples       = 100000
	SerialNumberPrefix      = "B14S"
)

// serialNumberPattern 电池序列号：B14S + 3位数字
var serialNumberPattern = regexp.MustCompile(`^B14S\d{3}$`)

// ErrUnknownChemistry 未配置的化学体系
var ErrUnknownChemistry = errors.New("未知的电池化学体系")

// Config 项目总配置
type Config struct {
	Device      DeviceConfig                       `yaml:"device"      comment:"测试工位配置"`
	Serial      SerialConfig                       `yaml:"serial"      comment:"BMS串口配置"`
	MQTT        MQTTConfig                         `yaml:"mqtt"        comment:"MQTT配置，broker为空则不上报"`
	Log         LogConfig                          `yaml:"log"         comment:"日志配置"`
	Test        TestConfig                         `yaml:"test"        comment:"放电测试参数"`
	Chemistries map[string]models.ChemistryProfile `yaml:"chemistries" comment:"化学体系阈值表"`
}

// DeviceConfig 测试工位标识
type DeviceConfig struct {
	DeviceID string `yaml:"device_id" comment:"工位唯一编号（必填）"`
	Model    string `yaml:"model"     comment:"BMS型号"`
}

// SerialConfig BMS串口配置（通用协议：9600/8/1/none）
type SerialConfig struct {
	Port      string `yaml:"port"       comment:"串口名：Linux-/dev/ttyUSBx，Windows-COMx"`
	Driver    string `yaml:"driver"     comment:"串口驱动：bugst（默认）/tarm"`
	BaudRate  int    `yaml:"baud_rate"  comment:"波特率，默认9600"`
	DataBits  int    `yaml:"data_bits"  comment:"数据位，固定8"`
	StopBits  int    `yaml:"stop_bits"  comment:"停止位，固定1"`
	Parity    string `yaml:"parity"     comment:"校验位，默认none"`
	TimeoutMs int    `yaml:"timeout_ms" comment:"单次请求应答超时，单位毫秒，默认1000"`
	RetryCnt  int    `yaml:"retry_cnt"  comment:"串口打开重试次数，默认3"`
	RetryInt  int    `yaml:"retry_int"  comment:"串口打开重试间隔，单位秒，默认2"`
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Broker       string `yaml:"broker"        comment:"MQTT服务端：tcp://ip:port"`
	ClientID     string `yaml:"client_id"     comment:"客户端ID，为空则使用device_id"`
	Username     string `yaml:"username"      comment:"MQTT用户名，无则留空"`
	Password     string `yaml:"password"      comment:"MQTT密码，无则留空"`
	TopicPrefix  string `yaml:"topic_prefix"  comment:"主题前缀，最终：前缀/device_id/类型"`
	QoS          int    `yaml:"qos"           comment:"QoS级别，默认1"`
	KeepAlive    int    `yaml:"keep_alive"    comment:"保活时间，单位秒，默认30"`
	ReconnectInt int    `yaml:"reconnect_int" comment:"重连基础间隔，单位秒，默认2"`
	WillTopic    string `yaml:"will_topic"    comment:"遗嘱主题，为空则自动生成"`
	WillMsg      string `yaml:"will_msg"      comment:"遗嘱消息，默认offline"`
	WillQoS      int    `yaml:"will_qos"      comment:"遗嘱QoS，默认1"`
	WillRetain   *bool  `yaml:"will_retain"   comment:"遗嘱是否保留，默认true"`
}

// LogConfig 日志配置
type LogConfig struct {
	Path    string `yaml:"path"    comment:"日志文件路径，为空则仅输出到控制台"`
	Level   string `yaml:"level"   comment:"日志级别：DEBUG/INFO/WARN/ERROR，默认INFO"`
	Console *bool  `yaml:"console" comment:"是否同时输出到控制台，默认true"`
}

// TestConfig 放电测试参数
type TestConfig struct {
	SerialNumber        string  `yaml:"serial_number"         comment:"电池序列号，格式B14S+3位数字，可在启动时输入"`
	Chemistry           string  `yaml:"chemistry"             comment:"化学体系，默认NMC"`
	RatedCapacityAh     float64 `yaml:"rated_capacity_ah"     comment:"额定容量Ah，为0则取化学体系默认值"`
	PassThresholdPct    float64 `yaml:"pass_threshold_pct"    comment:"合格阈值百分比，默认95"`
	TechInitials        string  `yaml:"tech_initials"         comment:"测试员缩写"`
	ExpectedCells       int     `yaml:"expected_cells"        comment:"电池串数，默认14"`
	PollIntervalMs      int     `yaml:"poll_interval_ms"      comment:"轮询周期，单位毫秒，默认1000"`
	PrecheckRetryBudget int     `yaml:"precheck_retry_budget" comment:"预检阶段允许连续通信失败次数，默认10"`
	RunningRetryBudget  int     `yaml:"running_retry_budget"  comment:"放电阶段允许连续通信失败次数，默认3"`
	DischargeNegative   *bool   `yaml:"discharge_negative"    comment:"电流负值表示放电，默认true"`
	AutoStart           bool    `yaml:"auto_start"            comment:"预检通过后自动开始放电"`
	ReportDir           string  `yaml:"report_dir"            comment:"CSV报告目录，默认reports"`
	MaxSamples          int     `yaml:"max_samples"           comment:"单次测试保留的样本上限，超出丢弃最早样本，默认100000，-1不限"`
}

// LoadConfig 加载配置文件：读取YAML→默认值→环境变量覆盖→合法性校验
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return Parse(data)
}

// Parse 从YAML内容构建配置
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析YAML失败: %w", err)
	}

	setDefaults(&cfg)
	overrideByEnv(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}
	return &cfg, nil
}

// setDefaults 配置缺失时自动兜底
func setDefaults(cfg *Config) {
	if cfg.Device.Model == "" {
		cfg.Device.Model = "JBD-BMS"
	}

	if cfg.Serial.Driver == "" {
		cfg.Serial.Driver = "bugst"
	}
	if cfg.Serial.BaudRate == 0 {
		cfg.Serial.BaudRate = 9600
	}
	if cfg.Serial.DataBits == 0 {
		cfg.Serial.DataBits = 8
	}
	if cfg.Serial.StopBits == 0 {
		cfg.Serial.StopBits = 1
	}
	if cfg.Serial.Parity == "" {
		cfg.Serial.Parity = "none"
	}
	if cfg.Serial.TimeoutMs == 0 {
		cfg.Serial.TimeoutMs = 1000
	}
	if cfg.Serial.RetryCnt == 0 {
		cfg.Serial.RetryCnt = 3
	}
	if cfg.Serial.RetryInt == 0 {
		cfg.Serial.RetryInt = 2
	}

	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "bms/discharge"
	}
	if cfg.MQTT.QoS == 0 {
		cfg.MQTT.QoS = 1
	}
	if cfg.MQTT.KeepAlive == 0 {
		cfg.MQTT.KeepAlive = 30
	}
	if cfg.MQTT.ReconnectInt == 0 {
		cfg.MQTT.ReconnectInt = 2
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = cfg.Device.DeviceID
	}
	if cfg.MQTT.WillTopic == "" {
		cfg.MQTT.WillTopic = fmt.Sprintf("%s/%s/state", cfg.MQTT.TopicPrefix, cfg.Device.DeviceID)
	}
	if cfg.MQTT.WillMsg == "" {
		cfg.MQTT.WillMsg = models.DeviceStateOffline
	}
	if cfg.MQTT.WillQoS == 0 {
		cfg.MQTT.WillQoS = 1
	}
	if cfg.MQTT.WillRetain == nil {
		cfg.MQTT.WillRetain = boolPtr(true)
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "INFO"
	}
	cfg.Log.Level = strings.ToUpper(cfg.Log.Level)
	if cfg.Log.Console == nil {
		cfg.Log.Console = boolPtr(true)
	}

	if len(cfg.Chemistries) == 0 {
		cfg.Chemistries = DefaultChemistries()
	}
	if cfg.Test.Chemistry == "" {
		cfg.Test.Chemistry = DefaultChemistry
	}
	if cfg.Test.RatedCapacityAh == 0 {
		if chem, ok := cfg.Chemistries[cfg.Test.Chemistry]; ok && chem.RatedCapacityAh > 0 {
			cfg.Test.RatedCapacityAh = chem.RatedCapacityAh
		} else {
			cfg.Test.RatedCapacityAh = DefaultRatedCapacityAh
		}
	}
	if cfg.Test.PassThresholdPct == 0 {
		cfg.Test.PassThresholdPct = DefaultPassThresholdPct
	}
	if cfg.Test.ExpectedCells == 0 {
		cfg.Test.ExpectedCells = DefaultCellCount
	}
	if cfg.Test.PollIntervalMs == 0 {
		cfg.Test.PollIntervalMs = 1000
	}
	if cfg.Test.PrecheckRetryBudget == 0 {
		cfg.Test.PrecheckRetryBudget = 10
	}
	if cfg.Test.RunningRetryBudget == 0 {
		cfg.Test.RunningRetryBudget = 3
	}
	if cfg.Test.DischargeNegative == nil {
		cfg.Test.DischargeNegative = boolPtr(true)
	}
	if cfg.Test.ReportDir == "" {
		cfg.Test.ReportDir = "reports"
	}
	if cfg.Test.MaxSamples == 0 {
		cfg.Test.MaxSamples = DefaultMaxSamples
	}
}

// overrideByEnv 环境变量覆盖配置，格式：BMS_模块_字段
func overrideByEnv(cfg *Config) {
	if v := os.Getenv("BMS_DEVICE_DEVICEID"); v != "" {
		cfg.Device.DeviceID = v
	}
	if v := os.Getenv("BMS_SERIAL_PORT"); v != "" {
		cfg.Serial.Port = v
	}
	if v := os.Getenv("BMS_SERIAL_BAUDRATE"); v != "" {
		if br, err := strconv.Atoi(v); err == nil {
			cfg.Serial.BaudRate = br
		}
	}
	if v := os.Getenv("BMS_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("BMS_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("BMS_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("BMS_TEST_SERIAL"); v != "" {
		cfg.Test.SerialNumber = v
	}
}

// validate 合法性校验，非法配置直接返回错误
func validate(cfg *Config) error {
	if cfg.Device.DeviceID == "" {
		return errors.New("device.device_id 为必填项")
	}

	if cfg.Serial.Port == "" {
		return errors.New("serial.port 为必填项（Linux:/dev/ttyUSBx，Windows:COMx）")
	}
	if cfg.Serial.Driver != "bugst" && cfg.Serial.Driver != "tarm" {
		return fmt.Errorf("serial.driver 仅支持bugst/tarm，当前%q", cfg.Serial.Driver)
	}
	switch cfg.Serial.BaudRate {
	case 9600, 19200, 38400, 57600, 115200:
	default:
		return fmt.Errorf("serial.baud_rate 不支持%d", cfg.Serial.BaudRate)
	}
	if cfg.Serial.DataBits != 8 {
		return errors.New("serial.data_bits 必须为8")
	}
	if cfg.Serial.StopBits != 1 && cfg.Serial.StopBits != 2 {
		return errors.New("serial.stop_bits 仅支持1/2")
	}
	if cfg.Serial.TimeoutMs < 0 {
		return errors.New("serial.timeout_ms 不能为负")
	}

	if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 {
		return errors.New("mqtt.qos 仅支持0/1/2")
	}

	validLevels := map[string]bool{"DEBUG": true, "INFO": true, "WARN": true, "ERROR": true, "FATAL": true}
	if !validLevels[cfg.Log.Level] {
		return errors.New("log.level 仅支持DEBUG/INFO/WARN/ERROR/FATAL")
	}

	for name, chem := range cfg.Chemistries {
		if chem.StorageVoltageV <= 0 || chem.FailVoltageV <= 0 || chem.FullChargeVoltageV <= chem.StorageVoltageV {
			return fmt.Errorf("chemistries.%s 电压阈值不合法", name)
		}
	}
	if _, ok := cfg.Chemistries[cfg.Test.Chemistry]; !ok {
		return fmt.Errorf("test.chemistry %q: %w", cfg.Test.Chemistry, ErrUnknownChemistry)
	}
	if cfg.Test.RatedCapacityAh <= 0 {
		return errors.New("test.rated_capacity_ah 必须大于0")
	}
	if cfg.Test.PassThresholdPct <= 0 || cfg.Test.PassThresholdPct > 100 {
		return errors.New("test.pass_threshold_pct 取值范围(0,100]")
	}
	if cfg.Test.SerialNumber != "" && !ValidSerialNumber(cfg.Test.SerialNumber) {
		return fmt.Errorf("test.serial_number %q 格式应为%s+3位数字", cfg.Test.SerialNumber, SerialNumberPrefix)
	}
	if cfg.Test.PollIntervalMs < 100 {
		return errors.New("test.poll_interval_ms 不能小于100")
	}
	if cfg.Test.MaxSamples < -1 {
		return errors.New("test.max_samples 取值为正数或-1")
	}
	return nil
}

// DefaultChemistries 内置化学体系阈值
func DefaultChemistries() map[string]models.ChemistryProfile {
	return map[string]models.ChemistryProfile{
		"NMC": {
			Name:               "NMC Prismatic",
			StorageVoltageV:    3.60,
			FullChargeVoltageV: 4.15,
			FailVoltageV:       3.00,
			RatedCapacityAh:    62.0,
		},
		"LiPo": {
			Name:               "LiPo",
			StorageVoltageV:    3.80,
			FullChargeVoltageV: 4.15,
			FailVoltageV:       3.00,
			RatedCapacityAh:    46.0,
		},
	}
}

// ValidSerialNumber 校验电池序列号格式
func ValidSerialNumber(sn string) bool {
	return serialNumberPattern.MatchString(sn)
}

// Chemistry 按名称查询化学体系阈值
func (c *Config) Chemistry(name string) (models.ChemistryProfile, error) {
	chem, ok := c.Chemistries[name]
	if !ok {
		return models.ChemistryProfile{}, fmt.Errorf("%q: %w", name, ErrUnknownChemistry)
	}
	return chem, nil
}

// TestConfig 生成单次测试配置，serial为空时使用配置文件中的序列号
func (c *Config) TestConfig(serial string) models.TestConfig {
	if serial == "" {
		serial = c.Test.SerialNumber
	}
	return models.TestConfig{
		Chemistry:        c.Test.Chemistry,
		RatedCapacityAh:  c.Test.RatedCapacityAh,
		PassThresholdPct: c.Test.PassThresholdPct,
		SerialNumber:     serial,
		TechInitials:     c.Test.TechInitials,
	}
}

// RequestTimeout 单次请求超时
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Serial.TimeoutMs) * time.Millisecond
}

// PollInterval 轮询周期
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Test.PollIntervalMs) * time.Millisecond
}

func boolPtr(b bool) *bool {
	return &b
}
