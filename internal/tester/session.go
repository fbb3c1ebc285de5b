package tester

import (
	"fmt"
	"math"
	"time"

	"bms-test-gateway/internal/models"
)

// 健康检查阈值
const imbalanceAlertV = 0.50

// Polarity 电流极性约定
type Polarity int

const (
	// DischargeNegative 负电流表示放电（默认）
	DischargeNegative Polarity = iota
	// DischargePositive 正电流表示放电
	DischargePositive
)

// Discharging 判断该电流读数是否为放电
func (p Polarity) Discharging(currentMa int) bool {
	if p == DischargePositive {
		return currentMa > 0
	}
	return currentMa < 0
}

// Transition 状态变更记录
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Session 单次放电测试会话，仅由轮询任务修改，进入终态后冻结
type Session struct {
	ID                   string
	Config               models.TestConfig
	Chemistry            models.ChemistryProfile
	StartTime            time.Time
	EndTime              time.Time
	Samples              []models.Telemetry
	IntegratedCapacityAh float64
	StopReason           models.StopReason
	HealthEvents         []models.HealthEvent
	Transitions          []Transition
	InitialSOC           int
	CycleCount           int
	// DroppedSamples 超出样本上限被丢弃的最早样本数，容量积分不受影响
	DroppedSamples int

	maxSamples     int
	lastSampleTime time.Time
	frozen         bool
	seenEvents     map[string]bool
}

func newSession(id string, cfg models.TestConfig, chem models.ChemistryProfile, start time.Time) *Session {
	return &Session{
		ID:             id,
		Config:         cfg,
		Chemistry:      chem,
		StartTime:      start,
		lastSampleTime: start,
		seenEvents:     make(map[string]bool),
	}
}

// record 追加样本并积分容量：deltaAh = |mA|/1000 * dt(h)，仅放电时累加
func (s *Session) record(t models.Telemetry, polarity Polarity) {
	if s.frozen {
		return
	}
	if len(s.Samples) == 0 && s.DroppedSamples == 0 {
		s.InitialSOC = t.RSOC
	}
	s.CycleCount = t.CycleLife
	if s.maxSamples > 0 && len(s.Samples) >= s.maxSamples {
		n := len(s.Samples) - s.maxSamples + 1
		s.Samples = append(s.Samples[:0], s.Samples[n:]...)
		s.DroppedSamples += n
	}
	s.Samples = append(s.Samples, t)

	dt := t.Timestamp.Sub(s.lastSampleTime)
	if dt > 0 {
		if polarity.Discharging(t.CurrentMa) {
			s.IntegratedCapacityAh += math.Abs(float64(t.CurrentMa)) / 1000.0 * dt.Hours()
		}
		s.lastSampleTime = t.Timestamp
	}

	s.checkHealth(t)
}

// checkHealth 记录单体偏离均值和低于失效电压的事件，同一单体同类事件只记一次
func (s *Session) checkHealth(t models.Telemetry) {
	var sum float64
	var live int
	for _, v := range t.CellVoltagesV {
		if v >= deadCellVoltage {
			sum += v
			live++
		}
	}
	if live == 0 {
		return
	}
	avg := sum / float64(live)
	elapsed := t.Timestamp.Sub(s.StartTime).Seconds()

	for i, v := range t.CellVoltagesV {
		if v < deadCellVoltage {
			continue
		}
		cell := i + 1
		if math.Abs(v-avg) >= imbalanceAlertV {
			s.addHealthEvent(models.HealthEvent{
				ElapsedS: elapsed,
				Type:     models.HealthImbalance,
				Cell:     cell,
				VoltageV: v,
				Message:  fmt.Sprintf("第%d节偏离均值%.3fV", cell, math.Abs(v-avg)),
			})
		}
		if s.Chemistry.FailVoltageV > 0 && v < s.Chemistry.FailVoltageV {
			s.addHealthEvent(models.HealthEvent{
				ElapsedS: elapsed,
				Type:     models.HealthCritical,
				Cell:     cell,
				VoltageV: v,
				Message:  fmt.Sprintf("第%d节低于%.2fV", cell, s.Chemistry.FailVoltageV),
			})
		}
	}
}

func (s *Session) addHealthEvent(ev models.HealthEvent) {
	key := fmt.Sprintf("%s/%d", ev.Type, ev.Cell)
	if s.seenEvents[key] {
		return
	}
	s.seenEvents[key] = true
	s.HealthEvents = append(s.HealthEvents, ev)
}

func (s *Session) transition(from, to State, at time.Time) {
	if s.frozen {
		return
	}
	s.Transitions = append(s.Transitions, Transition{From: from, To: to, At: at})
}

// finalize 进入终态：记录结束时间与原因后冻结
func (s *Session) finalize(at time.Time, reason models.StopReason) {
	if s.frozen {
		return
	}
	s.EndTime = at
	s.StopReason = reason
	s.frozen = true
}

// PercentOfRated 实测容量占额定容量百分比
func (s *Session) PercentOfRated() float64 {
	if s.Config.RatedCapacityAh <= 0 {
		return 0
	}
	return s.IntegratedCapacityAh / s.Config.RatedCapacityAh * 100
}

// score 计算判定，仅在COMPLETED时调用
func (s *Session) score() models.TestResult {
	pct := s.PercentOfRated()
	verdict := models.VerdictFail
	if pct >= s.Config.PassThresholdPct {
		verdict = models.VerdictPass
	}
	return models.TestResult{
		SessionID:          s.ID,
		Config:             s.Config,
		Chemistry:          s.Chemistry,
		StartTime:          s.StartTime,
		EndTime:            s.EndTime,
		MeasuredCapacityAh: s.IntegratedCapacityAh,
		PercentOfRated:     pct,
		Verdict:            verdict,
		StopReason:         s.StopReason,
		InitialSOC:         s.InitialSOC,
		CycleCount:         s.CycleCount,
		HealthEvents:       append([]models.HealthEvent(nil), s.HealthEvents...),
	}
}

// clone 对外只暴露副本
func (s *Session) clone() *Session {
	c := *s
	c.Samples = make([]models.Telemetry, len(s.Samples))
	for i, t := range s.Samples {
		c.Samples[i] = t.Clone()
	}
	c.HealthEvents = append([]models.HealthEvent(nil), s.HealthEvents...)
	c.Transitions = append([]Transition(nil), s.Transitions...)
	c.seenEvents = nil
	return &c
}

// Runtime 测试时长，未结束时以now计算
func (s *Session) Runtime(now time.Time) time.Duration {
	end := s.EndTime
	if end.IsZero() {
		end = now
	}
	return end.Sub(s.StartTime)
}

// FormatRuntime 格式化为 1h 02m 03s / 2m 03s
func FormatRuntime(d time.Duration) string {
	sec := int(d.Seconds())
	h, rem := sec/3600, sec%3600
	m, s := rem/60, rem%60
	if h > 0 {
		return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
	}
	return fmt.Sprintf("%dm %02ds", m, s)
}
