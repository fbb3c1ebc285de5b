package serial

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"bms-test-gateway/internal/config"

	"github.com/rs/zerolog"
	tarm "github.com/tarm/serial"
	bugst "go.bug.st/serial"
)

// readPollTimeout 单次Read最长阻塞时间，整帧超时由协议客户端控制
const readPollTimeout = 50 * time.Millisecond

// Port BMS字节通道：允许短读，支持清空接收缓冲区
type Port interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
}

// GetAvailablePorts 获取可用串口列表
func GetAvailablePorts() ([]string, error) {
	return bugst.GetPortsList()
}

// Open 按配置的驱动打开串口
func Open(cfg *config.SerialConfig) (Port, error) {
	switch cfg.Driver {
	case "", "bugst":
		return openBugst(cfg)
	case "tarm":
		return openTarm(cfg)
	default:
		return nil, fmt.Errorf("不支持的串口驱动: %s", cfg.Driver)
	}
}

// OpenWithRetry 按retry_cnt/retry_int重试打开串口
func OpenWithRetry(cfg *config.SerialConfig, logger zerolog.Logger) (Port, error) {
	attempts := max(cfg.RetryCnt, 1)
	var lastErr error
	for i := 1; i <= attempts; i++ {
		port, err := Open(cfg)
		if err == nil {
			logger.Info().Str("port", cfg.Port).Str("driver", cfg.Driver).Int("baud", cfg.BaudRate).Msg("✅ 串口打开成功")
			return port, nil
		}
		lastErr = err
		logger.Warn().Err(err).Msgf("串口打开失败(尝试 %d/%d)", i, attempts)
		if i < attempts {
			time.Sleep(time.Duration(cfg.RetryInt) * time.Second)
		}
	}
	return nil, fmt.Errorf("无法打开串口%s: %w", cfg.Port, lastErr)
}

func openBugst(cfg *config.SerialConfig) (Port, error) {
	mode := &bugst.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: bugst.OneStopBit,
	}
	if cfg.StopBits == 2 {
		mode.StopBits = bugst.TwoStopBits
	}

	switch strings.ToUpper(cfg.Parity) {
	case "O", "ODD":
		mode.Parity = bugst.OddParity
	case "E", "EVEN":
		mode.Parity = bugst.EvenParity
	default:
		mode.Parity = bugst.NoParity
	}

	port, err := bugst.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("打开串口失败: %w (端口=%s)", err, cfg.Port)
	}
	if err := port.SetReadTimeout(readPollTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("设置读超时失败: %w", err)
	}
	return port, nil
}

type tarmPort struct {
	*tarm.Port
}

// ResetInputBuffer tarm的Flush同时丢弃未读输入
func (p *tarmPort) ResetInputBuffer() error {
	return p.Flush()
}

// Read tarm在读超时时返回io.EOF，统一为短读
func (p *tarmPort) Read(b []byte) (int, error) {
	n, err := p.Port.Read(b)
	if errors.Is(err, io.EOF) {
		return n, nil
	}
	return n, err
}

func openTarm(cfg *config.SerialConfig) (Port, error) {
	c := &tarm.Config{
		Name:        cfg.Port,
		Baud:        cfg.BaudRate,
		ReadTimeout: readPollTimeout,
		Size:        byte(cfg.DataBits),
		StopBits:    tarm.Stop1,
	}
	if cfg.StopBits == 2 {
		c.StopBits = tarm.Stop2
	}

	switch strings.ToUpper(cfg.Parity) {
	case "O", "ODD":
		c.Parity = tarm.ParityOdd
	case "E", "EVEN":
		c.Parity = tarm.ParityEven
	default:
		c.Parity = tarm.ParityNone
	}

	port, err := tarm.OpenPort(c)
	if err != nil {
		return nil, fmt.Errorf("打开串口失败: %w (端口=%s)", err, cfg.Port)
	}
	return &tarmPort{Port: port}, nil
}
