package tester

// State 测试生命周期状态
type State int

const (
	StateIdle State = iota
	StatePrecheck
	StateReady
	StateRunning
	StateStopping
	StateCompleted
	StateAborted
	StateFault
)

var stateNames = [...]string{
	StateIdle:      "idle",
	StatePrecheck:  "precheck",
	StateReady:     "ready",
	StateRunning:   "running",
	StateStopping:  "stopping",
	StateCompleted: "completed",
	StateAborted:   "aborted",
	StateFault:     "fault",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal COMPLETED/ABORTED/FAULT为终态，会话不可再修改
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted || s == StateFault
}

// polling 需要轮询BMS的状态
func (s State) polling() bool {
	return s == StatePrecheck || s == StateReady || s == StateRunning
}

// MarshalText 便于JSON/日志输出
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
