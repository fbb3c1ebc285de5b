package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bms-test-gateway/internal/config"
	"bms-test-gateway/internal/models"
	"bms-test-gateway/internal/tester"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// ErrNotConnected 未建立有效连接
var ErrNotConnected = errors.New("MQTT客户端未建立有效连接")

// Topics 工位发布主题
type Topics struct {
	Telemetry string
	Result    string
	State     string
}

// NewTopics 前缀/device_id/类型，state主题与遗嘱主题一致
func NewTopics(cfg *config.Config) Topics {
	base := fmt.Sprintf("%s/%s", cfg.MQTT.TopicPrefix, cfg.Device.DeviceID)
	state := cfg.MQTT.WillTopic
	if state == "" {
		state = base + "/state"
	}
	return Topics{
		Telemetry: base + "/" + models.MQTTMsgTypeTelemetry,
		Result:    base + "/" + models.MQTTMsgTypeResult,
		State:     state,
	}
}

// Topic 按消息类型取主题
func (t Topics) Topic(msgType string) (string, error) {
	switch msgType {
	case models.MQTTMsgTypeTelemetry:
		return t.Telemetry, nil
	case models.MQTTMsgTypeResult:
		return t.Result, nil
	case models.MQTTMsgTypeState:
		return t.State, nil
	default:
		return "", fmt.Errorf("无效的MQTT消息类型%q，仅支持telemetry/result/state", msgType)
	}
}

// TelemetryPayload 遥测消息载荷
type TelemetryPayload struct {
	TestState tester.State     `json:"test_state"`
	Telemetry models.Telemetry `json:"telemetry"`
	Health    tester.Health    `json:"health"`
}

// ResultPayload 测试结果消息载荷，样本明细见CSV报告
type ResultPayload struct {
	Result       models.TestResult `json:"result"`
	FinalVerdict models.Verdict    `json:"final_verdict"`
	RuntimeS     float64           `json:"runtime_s"`
	SampleCount  int               `json:"sample_count"`
}

// Client MQTT客户端，实现tester.TelemetrySink与tester.ReportGenerator
type Client struct {
	client      MQTT.Client
	cfg         *config.Config
	logger      zerolog.Logger
	topics      Topics
	ctx         context.Context
	cancel      context.CancelFunc
	mu          sync.Mutex
	isConnected bool
}

// NewClient 新建客户端并连接（遗嘱+QoS+重连协程）
func NewClient(cfg *config.Config, logger zerolog.Logger) (*Client, error) {
	m := newClient(cfg, logger)

	if err := m.connectWithRetry(); err != nil {
		m.cancel()
		return nil, fmt.Errorf("连接失败: %w", err)
	}

	go m.reconnectLoop()
	return m, nil
}

// newClient 仅构建，不连接
func newClient(cfg *config.Config, logger zerolog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Client{
		cfg:    cfg,
		logger: logger,
		topics: NewTopics(cfg),
		ctx:    ctx,
		cancel: cancel,
	}

	willRetain := cfg.MQTT.WillRetain != nil && *cfg.MQTT.WillRetain

	opts := MQTT.NewClientOptions()
	opts.AddBroker(cfg.MQTT.Broker)
	opts.SetClientID(cfg.MQTT.ClientID)
	opts.SetUsername(cfg.MQTT.Username)
	opts.SetPassword(cfg.MQTT.Password)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(time.Duration(cfg.MQTT.KeepAlive) * time.Second)
	opts.SetAutoReconnect(false) // 使用自定义指数退避
	opts.SetConnectTimeout(10 * time.Second)

	// 遗嘱：工位异常离线时平台收到offline
	opts.SetWill(m.topics.State, cfg.MQTT.WillMsg, byte(cfg.MQTT.WillQoS), willRetain)

	opts.SetOnConnectHandler(func(c MQTT.Client) {
		m.logger.Info().Str("broker", cfg.MQTT.Broker).Str("client_id", cfg.MQTT.ClientID).Msg("MQTT连接成功")
		if err := m.reportState(c, models.DeviceStateOnline); err != nil {
			m.logger.Warn().Err(err).Msg("上报在线状态失败")
		}
	})
	opts.SetConnectionLostHandler(func(c MQTT.Client, err error) {
		m.logger.Error().Err(err).Msg("MQTT连接丢失")
		m.mu.Lock()
		m.isConnected = false
		m.mu.Unlock()
	})

	m.client = MQTT.NewClient(opts)
	return m
}

// connectWithRetry 带基础重试的连接
func (m *Client) connectWithRetry() error {
	retryCnt := 3
	retryInt := time.Duration(m.cfg.MQTT.ReconnectInt) * time.Second
	for i := 1; i <= retryCnt; i++ {
		token := m.client.Connect()
		if token.Wait() && token.Error() != nil {
			m.logger.Error().Err(token.Error()).Msgf("MQTT连接重试%d/%d", i, retryCnt)
			select {
			case <-m.ctx.Done():
				return m.ctx.Err()
			case <-time.After(retryInt):
			}
			continue
		}
		m.mu.Lock()
		m.isConnected = true
		m.mu.Unlock()
		return nil
	}
	return fmt.Errorf("重试%d次后失败", retryCnt)
}

// reconnectLoop 指数退避重连：基础间隔翻倍，最大10倍，成功后重置
func (m *Client) reconnectLoop() {
	baseInt := time.Duration(m.cfg.MQTT.ReconnectInt) * time.Second
	maxInt := baseInt * 10
	curInt := baseInt

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info().Msg("MQTT重连协程退出")
			return
		case <-time.After(curInt):
		}

		if m.IsConnected() {
			curInt = baseInt
			continue
		}
		m.logger.Warn().Dur("interval", curInt).Msg("MQTT开始重连")
		if err := m.connectWithRetry(); err != nil {
			curInt = min(curInt*2, maxInt)
			continue
		}
		curInt = baseInt
	}
}

// reportState 上报工位在线/离线状态（保留消息）
func (m *Client) reportState(c MQTT.Client, state string) error {
	payload, err := models.NewStateMessage(m.cfg.Device.DeviceID, m.cfg.Device.Model, state).ToJSON()
	if err != nil {
		return fmt.Errorf("序列化失败: %w", err)
	}
	willRetain := m.cfg.MQTT.WillRetain != nil && *m.cfg.MQTT.WillRetain
	token := c.Publish(m.topics.State, byte(m.cfg.MQTT.WillQoS), willRetain, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return errors.New("发布超时")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("发布失败: %w", err)
	}
	m.logger.Info().Str("topic", m.topics.State).Str("state", state).Msg("已上报工位状态")
	return nil
}

// PublishTelemetry 每个轮询周期发布一次遥测，失败仅记录日志
func (m *Client) PublishTelemetry(t models.Telemetry, state tester.State, health tester.Health) {
	msg := models.NewMQTTMessage(m.cfg.Device.DeviceID, m.cfg.Device.Model, models.MQTTMsgTypeTelemetry,
		TelemetryPayload{TestState: state, Telemetry: t, Health: health})
	if err := m.Publish(msg, false); err != nil {
		m.logger.Debug().Err(err).Msg("遥测未发布")
	}
}

// GenerateReport 发布测试结果（保留消息，平台可随时读取最近一次结果）
func (m *Client) GenerateReport(result models.TestResult, samples []models.Telemetry) error {
	msg := models.NewMQTTMessage(m.cfg.Device.DeviceID, m.cfg.Device.Model, models.MQTTMsgTypeResult, ResultPayload{
		Result:       result,
		FinalVerdict: result.FinalVerdict(),
		RuntimeS:     result.Runtime().Seconds(),
		SampleCount:  len(samples),
	})
	return m.Publish(msg, true)
}

// Publish 异步发布，结果在独立协程中记录，不阻塞轮询
func (m *Client) Publish(msg *models.MQTTMessage, retained bool) error {
	topic, err := m.topics.Topic(msg.MsgType)
	if err != nil {
		return err
	}
	payload, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("消息序列化失败: %w", err)
	}

	m.mu.Lock()
	connected := m.isConnected && m.client.IsConnectionOpen()
	m.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	qos := byte(m.cfg.MQTT.QoS)
	tk := m.client.Publish(topic, qos, retained, payload)
	if tk == nil {
		return errors.New("Publish返回nil Token")
	}

	go func() {
		tk.Wait()
		if err := tk.Error(); err != nil {
			m.logger.Error().Err(err).Str("topic", topic).Uint8("qos", qos).Msg("MQTT消息发布失败")
			return
		}
		m.logger.Debug().Str("topic", topic).Int("bytes", len(payload)).Msg("MQTT消息发布成功")
	}()
	return nil
}

// Close 上报offline后断开并结束重连协程
func (m *Client) Close() {
	m.cancel()
	if m.IsConnected() {
		if err := m.reportState(m.client, models.DeviceStateOffline); err != nil {
			m.logger.Warn().Err(err).Msg("发布离线状态失败")
		}
		m.client.Disconnect(250)
		m.mu.Lock()
		m.isConnected = false
		m.mu.Unlock()
		m.logger.Info().Str("broker", m.cfg.MQTT.Broker).Msg("MQTT客户端已关闭")
	}
}

// IsConnected 连接状态
func (m *Client) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isConnected
}
