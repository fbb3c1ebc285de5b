package tester

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"bms-test-gateway/internal/config"
	"bms-test-gateway/internal/models"
	"bms-test-gateway/internal/parser"
	"bms-test-gateway/internal/protocol"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Requester BMS读命令，由protocol.Client实现
type Requester interface {
	RequestBasicInfo(ctx context.Context) (*protocol.Response, error)
	RequestCellVoltages(ctx context.Context) (*protocol.Response, error)
}

// ChemistryProvider 化学体系阈值来源，由config.Config实现
type ChemistryProvider interface {
	Chemistry(name string) (models.ChemistryProfile, error)
}

// TelemetrySink 每个成功的轮询周期接收一次遥测快照
type TelemetrySink interface {
	PublishTelemetry(t models.Telemetry, state State, health Health)
}

// ReportGenerator 接收最终结果与完整样本序列
type ReportGenerator interface {
	GenerateReport(result models.TestResult, samples []models.Telemetry) error
}

// Snapshot 每周期结束时原子发布的只读状态
type Snapshot struct {
	State      State
	Telemetry  *models.Telemetry
	Health     Health
	Precheck   PrecheckResult
	CapacityAh float64
	Elapsed    time.Duration
	Failures   int
	LastError  string
}

// Engine 放电测试状态机，单个实例独占一个会话
type Engine struct {
	client Requester
	chem   ChemistryProvider
	opts   options

	mu        sync.Mutex
	state     State
	cfg       models.TestConfig
	chemistry models.ChemistryProfile
	latest    *models.Telemetry
	health    Health
	precheck  PrecheckResult
	session   *Session
	result    *models.TestResult
	failures  int
	lastErr   error
	// gen 每次Connect/Reset递增，丢弃跨代的轮询结果
	gen uint64

	abortReason atomic.Pointer[string]
	stopReq     atomic.Bool
	snapshot    atomic.Pointer[Snapshot]
}

// New 创建状态机，初始为IDLE
func New(client Requester, chem ChemistryProvider, opts ...Option) *Engine {
	if client == nil || chem == nil {
		panic("tester: client和chemistry provider不能为空")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	e := &Engine{client: client, chem: chem, opts: o}
	e.publishLocked()
	return e
}

// State 当前状态
func (e *Engine) State() State {
	return e.Snapshot().State
}

// Snapshot 最近一次发布的快照
func (e *Engine) Snapshot() Snapshot {
	return *e.snapshot.Load()
}

// Session 当前或最近一次会话的副本
func (e *Engine) Session() (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, false
	}
	return e.session.clone(), true
}

// Result 已完成测试的结果；ABORTED/FAULT不产生结果
func (e *Engine) Result() (models.TestResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.result == nil {
		return models.TestResult{}, false
	}
	return cloneResult(*e.result), true
}

// Connect 设备已连接且录入测试配置：IDLE→PRECHECK
func (e *Engine) Connect(cfg models.TestConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateIdle {
		return &SessionError{Op: "connect", State: e.state, Err: ErrInvalidTransition}
	}
	chem, err := e.validateConfig(cfg)
	if err != nil {
		return &SessionError{Op: "connect", State: e.state, Err: err}
	}

	e.cfg = cfg
	e.chemistry = chem
	e.failures = 0
	e.lastErr = nil
	e.precheck = PrecheckResult{}
	e.gen++
	e.setStateLocked(StatePrecheck)
	e.publishLocked()
	return nil
}

// Start 开始放电：READY→RUNNING，serial为空时使用Connect时录入的序列号
func (e *Engine) Start(serial string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.startLocked(serial); err != nil {
		return err
	}
	e.publishLocked()
	return nil
}

func (e *Engine) startLocked(serial string) error {
	switch e.state {
	case StateReady:
	case StatePrecheck:
		return &SessionError{Op: "start", State: e.state, Err: ErrPrecheckFailed}
	default:
		return &SessionError{Op: "start", State: e.state, Err: ErrInvalidTransition}
	}

	cfg := e.cfg
	if serial != "" {
		cfg.SerialNumber = strings.TrimSpace(serial)
	}
	if !config.ValidSerialNumber(cfg.SerialNumber) {
		return &SessionError{Op: "start", State: e.state,
			Err: fmt.Errorf("%w: %q", ErrInvalidSerialNumber, cfg.SerialNumber)}
	}
	chem, err := e.validateConfig(cfg)
	if err != nil {
		return &SessionError{Op: "start", State: e.state, Err: err}
	}

	now := e.opts.now()
	e.cfg = cfg
	e.session = newSession(uuid.NewString(), cfg, chem, now)
	e.session.maxSamples = e.opts.maxSamples
	e.result = nil
	e.failures = 0
	e.stopReq.Store(false)
	e.abortReason.Store(nil)
	e.setStateLocked(StateRunning)

	e.opts.logger.Info().
		Str("session", e.session.ID).
		Str("serial", cfg.SerialNumber).
		Str("chemistry", cfg.Chemistry).
		Float64("rated_ah", cfg.RatedCapacityAh).
		Msg("▶️ 开始放电测试")
	return nil
}

// Abort 请求人工中止，下一周期开始时生效；中止不产生判定结果
func (e *Engine) Abort(reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRunning {
		return &SessionError{Op: "abort", State: e.state, Err: ErrInvalidTransition}
	}
	if reason == "" {
		reason = "人工中止"
	}
	e.abortReason.Store(&reason)
	return nil
}

// Stop 请求人工结束，下一周期开始时生效，按已积分容量判定
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRunning {
		return &SessionError{Op: "stop", State: e.state, Err: ErrInvalidTransition}
	}
	e.stopReq.Store(true)
	return nil
}

// Reset 回到IDLE；放电中必须先中止或结束
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateRunning || e.state == StateStopping {
		return &SessionError{Op: "reset", State: e.state, Err: ErrInvalidTransition}
	}
	e.session = nil
	e.result = nil
	e.latest = nil
	e.health = Health{}
	e.failures = 0
	e.lastErr = nil
	e.precheck = PrecheckResult{}
	e.gen++
	e.setStateLocked(StateIdle)
	e.publishLocked()
	return nil
}

// Shutdown 程序退出前调用：放电中的测试按中止处理并执行一个周期使其落定
func (e *Engine) Shutdown(reason string) State {
	if err := e.Abort(reason); err != nil {
		return e.State()
	}
	// 中止标志在周期开始时生效，不会再轮询设备
	_ = e.Step(context.Background())
	return e.State()
}

// Override 人工复判，只附加决定与原因，不修改实测百分比
func (e *Engine) Override(decision models.Verdict, reason string) error {
	e.mu.Lock()
	if e.state != StateCompleted || e.result == nil {
		state := e.state
		e.mu.Unlock()
		return &SessionError{Op: "override", State: state, Err: ErrInvalidTransition}
	}
	if decision != models.VerdictPass && decision != models.VerdictFail {
		e.mu.Unlock()
		return &SessionError{Op: "override", State: e.state, Err: fmt.Errorf("%w: 无效判定%q", ErrInvalidTransition, decision)}
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		e.mu.Unlock()
		return &SessionError{Op: "override", State: e.state, Err: ErrOverrideReasonRequired}
	}

	e.result.Override = &models.Override{Decision: decision, Reason: reason, At: e.opts.now()}
	result := cloneResult(*e.result)
	samples := e.session.clone().Samples
	e.mu.Unlock()

	e.opts.logger.Info().Str("decision", string(decision)).Str("reason", reason).Msg("人工复判")
	e.emitReport(result, samples)
	return nil
}

// Run 按轮询周期驱动Step，直到ctx取消。进入终态后继续空转，
// 以便Reset/Connect开始下一次测试
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.pollInterval)
	defer ticker.Stop()

	for {
		_ = e.Step(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Step 执行一个轮询周期。返回值为本周期的通信/解析错误，状态机已自行处理
func (e *Engine) Step(ctx context.Context) error {
	e.mu.Lock()
	finished := e.applyRequestsLocked()
	state := e.state
	if !state.polling() {
		e.publishLocked()
		e.mu.Unlock()
		e.emitFinished(finished)
		return nil
	}
	gen := e.gen
	e.mu.Unlock()

	tel, pollErr := e.poll(ctx)

	e.mu.Lock()
	if e.gen != gen || !e.state.polling() {
		// 轮询期间被重置或重新连接
		e.mu.Unlock()
		e.emitFinished(finished)
		return pollErr
	}
	var health Health
	switch {
	case pollErr != nil && ctx.Err() != nil:
		// 主动取消不计入重试预算
		e.lastErr = pollErr
	case pollErr != nil:
		e.handlePollErrorLocked(pollErr)
	default:
		e.failures = 0
		e.lastErr = nil
		e.latest = &tel
		e.health = HealthStatus(tel, e.chemistry)
		health = e.health.Clone()
		if f := e.applyTelemetryLocked(tel); f != nil {
			finished = f
		}
	}
	state = e.state
	e.publishLocked()
	e.mu.Unlock()

	if pollErr == nil {
		for _, sink := range e.opts.sinks {
			sink.PublishTelemetry(tel.Clone(), state, health.Clone())
		}
	}
	e.emitFinished(finished)
	return pollErr
}

// poll 依次读取单体电压与基本信息，每个请求受单次超时约束
func (e *Engine) poll(ctx context.Context) (models.Telemetry, error) {
	cellsResp, err := e.client.RequestCellVoltages(ctx)
	if err != nil {
		return models.Telemetry{}, fmt.Errorf("读取单体电压: %w", err)
	}
	cells, err := parser.ParseCellVoltages(cellsResp.Payload)
	if err != nil {
		return models.Telemetry{}, fmt.Errorf("解析单体电压: %w", err)
	}

	infoResp, err := e.client.RequestBasicInfo(ctx)
	if err != nil {
		return models.Telemetry{}, fmt.Errorf("读取基本信息: %w", err)
	}
	info, err := parser.ParseBasicInfo(infoResp.Payload)
	if err != nil {
		return models.Telemetry{}, fmt.Errorf("解析基本信息: %w", err)
	}

	return parser.Merge(e.opts.now(), info, cells), nil
}

// handlePollErrorLocked 协议错误计入重试预算，超出即FAULT；帧/解析错误仅记录
func (e *Engine) handlePollErrorLocked(err error) {
	e.lastErr = err
	if !protocol.IsProtocolError(err) {
		e.opts.logger.Warn().Err(err).Str("state", e.state.String()).Msg("本周期数据无效，下周期重试")
		return
	}

	e.failures++
	budget := e.opts.precheckBudget
	if e.state == StateRunning {
		budget = e.opts.runningBudget
	}
	if e.failures <= budget {
		e.opts.logger.Warn().Err(err).Msgf("通信失败 %d/%d", e.failures, budget)
		return
	}

	e.opts.logger.Error().Err(err).Int("failures", e.failures).Msg("❌ 通信失败超出重试预算，进入FAULT")
	e.setStateLocked(StateFault)
	if e.session != nil && !e.session.frozen {
		e.session.finalize(e.opts.now(), models.StopCommunicationFault)
	}
}

// applyRequestsLocked 周期开始时检查人工中止/结束标志
func (e *Engine) applyRequestsLocked() *finishedTest {
	if e.state != StateRunning {
		return nil
	}
	if reason := e.abortReason.Swap(nil); reason != nil {
		e.opts.logger.Warn().Str("reason", *reason).Msg("⏹ 测试已中止，不产生判定")
		e.setStateLocked(StateAborted)
		e.session.finalize(e.opts.now(), models.StopAborted)
		return nil
	}
	if e.stopReq.Swap(false) {
		return e.completeLocked(models.StopManual)
	}
	return nil
}

// applyTelemetryLocked 按当前状态处理一条有效遥测
func (e *Engine) applyTelemetryLocked(t models.Telemetry) *finishedTest {
	switch e.state {
	case StatePrecheck, StateReady:
		e.precheck = RunPrecheck(t, e.opts.expectedCells)
		switch {
		case e.precheck.Passed() && e.state == StatePrecheck:
			e.opts.logger.Info().Float64("spread_v", e.precheck.SpreadV).Msg("✅ 预检通过")
			e.setStateLocked(StateReady)
		case !e.precheck.Passed() && e.state == StateReady:
			e.opts.logger.Warn().Strs("messages", e.precheck.Messages).Msg("预检条件不再满足")
			e.setStateLocked(StatePrecheck)
		}
		if e.state == StateReady && e.opts.autoStart {
			if err := e.startLocked(""); err != nil {
				e.opts.logger.Error().Err(err).Msg("自动开始失败")
			}
		}
		return nil

	case StateRunning:
		e.session.record(t, e.opts.polarity)

		if t.UndervoltageProtectionActive {
			e.opts.logger.Info().Uint16("protection", t.ProtectionBitmask).Msg("🛑 BMS欠压保护触发，停止放电")
			return e.completeLocked(models.StopProtectionTriggered)
		}
		if len(t.CellVoltagesV) > 0 {
			if avg := t.AverageCellVoltage(); avg <= e.chemistry.StorageVoltageV+voltageEpsilon {
				e.opts.logger.Info().Float64("avg_v", avg).Float64("storage_v", e.chemistry.StorageVoltageV).Msg("🛑 平均单体电压到达存储电压，停止放电")
				return e.completeLocked(models.StopStorageVoltageReached)
			}
		}
	}
	return nil
}

type finishedTest struct {
	result  models.TestResult
	samples []models.Telemetry
}

// completeLocked RUNNING→STOPPING→COMPLETED并计算判定
func (e *Engine) completeLocked(reason models.StopReason) *finishedTest {
	e.setStateLocked(StateStopping)
	e.session.finalize(e.opts.now(), reason)
	e.setStateLocked(StateCompleted)

	result := e.session.score()
	e.result = &result

	e.opts.logger.Info().
		Str("session", result.SessionID).
		Str("reason", string(reason)).
		Float64("capacity_ah", result.MeasuredCapacityAh).
		Float64("percent", result.PercentOfRated).
		Str("verdict", string(result.Verdict)).
		Msg("✅ 测试完成")

	return &finishedTest{result: cloneResult(result), samples: e.session.clone().Samples}
}

func (e *Engine) emitFinished(f *finishedTest) {
	if f != nil {
		e.emitReport(f.result, f.samples)
	}
}

func (e *Engine) emitReport(result models.TestResult, samples []models.Telemetry) {
	for _, r := range e.opts.reports {
		if err := r.GenerateReport(result, samples); err != nil {
			e.opts.logger.Error().Err(err).Msg("生成报告失败")
		}
	}
}

func (e *Engine) setStateLocked(to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	if e.session != nil && (to == StateRunning || from == StateRunning || from == StateStopping) {
		e.session.transition(from, to, e.opts.now())
	}
	e.opts.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("状态变更")
}

func (e *Engine) publishLocked() {
	s := &Snapshot{
		State:    e.state,
		Precheck: e.precheck,
		Failures: e.failures,
	}
	if e.latest != nil {
		t := e.latest.Clone()
		s.Telemetry = &t
		s.Health = e.health.Clone()
	}
	if e.session != nil {
		s.CapacityAh = e.session.IntegratedCapacityAh
		s.Elapsed = e.session.Runtime(e.opts.now())
	}
	if e.lastErr != nil {
		s.LastError = e.lastErr.Error()
	}
	e.snapshot.Store(s)
}

func (e *Engine) validateConfig(cfg models.TestConfig) (models.ChemistryProfile, error) {
	if cfg.RatedCapacityAh <= 0 {
		return models.ChemistryProfile{}, fmt.Errorf("%w: 额定容量必须大于0", ErrIncompleteConfig)
	}
	if cfg.PassThresholdPct <= 0 || cfg.PassThresholdPct > 100 {
		return models.ChemistryProfile{}, fmt.Errorf("%w: 合格阈值应在(0,100]", ErrIncompleteConfig)
	}
	chem, err := e.chem.Chemistry(cfg.Chemistry)
	if err != nil {
		return models.ChemistryProfile{}, errors.Join(ErrIncompleteConfig, err)
	}
	return chem, nil
}

func cloneResult(r models.TestResult) models.TestResult {
	r.HealthEvents = append([]models.HealthEvent(nil), r.HealthEvents...)
	if r.Override != nil {
		o := *r.Override
		r.Override = &o
	}
	return r
}

// options 状态机可选配置
type options struct {
	expectedCells  int
	precheckBudget int
	runningBudget  int
	pollInterval   time.Duration
	polarity       Polarity
	autoStart      bool
	maxSamples     int
	now            func() time.Time
	logger         zerolog.Logger
	sinks          []TelemetrySink
	reports        []ReportGenerator
}

func defaultOptions() options {
	return options{
		expectedCells:  config.DefaultCellCount,
		precheckBudget: 10,
		runningBudget:  3,
		pollInterval:   time.Second,
		polarity:       DischargeNegative,
		maxSamples:     config.DefaultMaxSamples,
		now:            time.Now,
		logger:         zerolog.Nop(),
	}
}

// Option 状态机可选配置
type Option func(*options)

// WithExpectedCells 电池包串数
func WithExpectedCells(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.expectedCells = n
		}
	}
}

// WithRetryBudget 预检与放电阶段允许的连续通信失败次数
func WithRetryBudget(precheck, running int) Option {
	return func(o *options) {
		if precheck >= 0 {
			o.precheckBudget = precheck
		}
		if running >= 0 {
			o.runningBudget = running
		}
	}
}

// WithPollInterval 轮询周期
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithPolarity 电流极性约定
func WithPolarity(p Polarity) Option {
	return func(o *options) {
		o.polarity = p
	}
}

// WithAutoStart 预检通过后以Connect时录入的序列号自动开始
func WithAutoStart(enabled bool) Option {
	return func(o *options) {
		o.autoStart = enabled
	}
}

// WithMaxSamples 会话保留的样本上限，超出后丢弃最早的样本，n<=0表示不限
func WithMaxSamples(n int) Option {
	return func(o *options) {
		o.maxSamples = n
	}
}

// WithClock 注入时钟，测试使用
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger 设置日志
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithTelemetrySink 添加遥测接收方
func WithTelemetrySink(s TelemetrySink) Option {
	return func(o *options) {
		o.sinks = append(o.sinks, s)
	}
}

// WithReportGenerator 添加报告生成器
func WithReportGenerator(r ReportGenerator) Option {
	return func(o *options) {
		o.reports = append(o.reports, r)
	}
}
