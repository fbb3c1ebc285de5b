package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"bms-test-gateway/internal/config"
	"bms-test-gateway/internal/models"
	"bms-test-gateway/internal/tester"
)

const consoleHelp = `命令:
  connect [序列号]              IDLE→PRECHECK
  start [序列号]                READY→RUNNING
  stop                          结束放电并判定
  abort [原因]                  中止，不产生判定
  override PASS|FAIL <原因>     人工复判
  reset                         回到IDLE
  status                        当前状态
  help`

var errUnknownCommand = errors.New("未知命令，输入 help 查看")

// runConsole 逐行读取操作命令，输入结束或ctx取消时返回
func runConsole(ctx context.Context, in io.Reader, out io.Writer, engine *tester.Engine, cfg *config.Config) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		reply, err := handleCommand(engine, cfg, line)
		if err != nil {
			fmt.Fprintf(out, "❌ %v\n", err)
			continue
		}
		fmt.Fprintln(out, reply)
	}
}

func handleCommand(engine *tester.Engine, cfg *config.Config, line string) (string, error) {
	fields := strings.Fields(line)
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "help", "?":
		return consoleHelp, nil

	case "connect":
		serial := ""
		if len(args) > 0 {
			serial = args[0]
		}
		if err := engine.Connect(cfg.TestConfig(serial)); err != nil {
			return "", err
		}
		return "已连接，开始预检", nil

	case "start":
		serial := ""
		if len(args) > 0 {
			serial = args[0]
		}
		if err := engine.Start(serial); err != nil {
			return "", err
		}
		return "▶️ 已开始放电", nil

	case "stop":
		if err := engine.Stop(); err != nil {
			return "", err
		}
		return "已请求结束，下一周期生效", nil

	case "abort":
		if err := engine.Abort(strings.Join(args, " ")); err != nil {
			return "", err
		}
		return "已请求中止，下一周期生效", nil

	case "override":
		if len(args) < 1 {
			return "", errors.New("用法: override PASS|FAIL <原因>")
		}
		decision := models.Verdict(strings.ToUpper(args[0]))
		if err := engine.Override(decision, strings.Join(args[1:], " ")); err != nil {
			return "", err
		}
		return fmt.Sprintf("已复判为%s", decision), nil

	case "reset":
		if err := engine.Reset(); err != nil {
			return "", err
		}
		return "已复位", nil

	case "status":
		return formatStatus(engine), nil

	default:
		return "", fmt.Errorf("%w: %s", errUnknownCommand, cmd)
	}
}

func formatStatus(engine *tester.Engine) string {
	snap := engine.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "状态: %s", snap.State)

	switch snap.State {
	case tester.StatePrecheck, tester.StateReady:
		for _, m := range snap.Precheck.Messages {
			fmt.Fprintf(&b, "\n  %s", m)
		}
	case tester.StateRunning, tester.StateStopping:
		fmt.Fprintf(&b, "\n  已放电 %.4f Ah，用时 %s", snap.CapacityAh, tester.FormatRuntime(snap.Elapsed))
	}
	if t := snap.Telemetry; t != nil {
		fmt.Fprintf(&b, "\n  总压 %.2f V，电流 %d mA，SOC %d%%，平均单体 %.3f V",
			float64(t.TotalVoltageMv)/1000, t.CurrentMa, t.RSOC, t.AverageCellVoltage())
		fmt.Fprintf(&b, "\n  健康: %s，压差 %.3f V", snap.Health.Overall, snap.Health.SpreadV)
		for _, is := range snap.Health.Issues {
			fmt.Fprintf(&b, "\n    [%s] %s", is.Severity, is.Message)
		}
	}
	if snap.LastError != "" {
		fmt.Fprintf(&b, "\n  最近错误: %s (连续%d次)", snap.LastError, snap.Failures)
	}
	if r, ok := engine.Result(); ok {
		fmt.Fprintf(&b, "\n  结果: %s，%.4f Ah，%.1f%% (%s)", r.FinalVerdict(), r.MeasuredCapacityAh, r.PercentOfRated, r.StopReason)
	}
	return b.String()
}
