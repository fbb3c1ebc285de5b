package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTimeout 单次请求默认超时
const DefaultTimeout = time.Second

// inputResetter 可选：支持清空接收缓冲区的通道（如串口）
type inputResetter interface {
	ResetInputBuffer() error
}

// Client 半双工主从协议客户端，同一时刻仅有一个请求在途
type Client struct {
	ch      io.ReadWriter
	timeout time.Duration
	logger  zerolog.Logger

	mu       sync.Mutex // 串行化通道访问
	buf      []byte
	deadline deadlineReader // 通道支持读截止时间时使用
	pump     *pumpReader    // 否则由后台协程独占Read
}

// Option 客户端可选配置
type Option func(*Client)

// WithTimeout 设置单次请求超时
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger 设置日志
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient 基于外部提供的字节通道创建客户端。
//
// 通道的Read允许短读，也允许一直阻塞：支持SetReadDeadline的通道（net.Conn、*os.File）
// 按请求截止时间设置读超时，其余通道由一个后台协程独占读取。两种情况下单次请求
// 都不会超过超时时间或ctx。客户端创建后通道不应再被其他读取方使用。
func NewClient(ch io.ReadWriter, opts ...Option) *Client {
	if ch == nil {
		panic("protocol: 通道不能为空")
	}
	c := &Client{
		ch:      ch,
		timeout: DefaultTimeout,
		logger:  zerolog.Nop(),
		buf:     make([]byte, MinFrameSize+MaxPayloadSize),
	}
	for _, opt := range opts {
		opt(c)
	}
	if dr, ok := ch.(deadlineReader); ok {
		c.deadline = dr
	}
	return c
}

// RequestBasicInfo 读取基本信息（0x03）
func (c *Client) RequestBasicInfo(ctx context.Context) (*Response, error) {
	return c.Request(ctx, CmdBasicInfo)
}

// RequestCellVoltages 读取单体电压（0x04）
func (c *Client) RequestCellVoltages(ctx context.Context) (*Response, error) {
	return c.Request(ctx, CmdCellVoltages)
}

// Request 发送空载荷读命令并等待对应应答，不做重试
func (c *Client) Request(ctx context.Context, cmd byte) (*Response, error) {
	frame, err := EncodeRequest(cmd, false, nil)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if r, ok := c.ch.(inputResetter); ok {
		if err := r.ResetInputBuffer(); err != nil {
			c.logger.Warn().Err(err).Msg("清空接收缓冲区失败")
		}
	}
	if c.pump != nil {
		c.pump.discard()
	}

	c.logger.Debug().Hex("frame", frame).Msgf("→ 发送命令0x%02X", cmd)
	if _, err := c.ch.Write(frame); err != nil {
		return nil, &ProtocolError{Command: cmd, Kind: ErrUnreachable, Cause: err}
	}

	raw, err := c.readFrame(ctx, cmd)
	if err != nil {
		return nil, err
	}
	c.logger.Debug().Hex("frame", raw).Msgf("← 命令0x%02X应答 %d字节", cmd, len(raw))

	resp, err := DecodeResponse(raw)
	if err != nil {
		return nil, err
	}
	if resp.Command != cmd {
		return nil, newFrameError(ErrMalformed, "应答命令0x%02X与请求0x%02X不匹配", resp.Command, cmd)
	}
	if resp.Status != StatusOK {
		return nil, &ProtocolError{Command: cmd, Kind: ErrDeviceError, Status: resp.Status}
	}
	return resp, nil
}

// readFrame 累积短读直到收齐一帧、超时或ctx结束
func (c *Client) readFrame(ctx context.Context, cmd byte) ([]byte, error) {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	read, done := c.reader(ctx, deadline)
	defer done()

	n := 0
	want := MinFrameSize
	for n < want {
		if err := ctx.Err(); err != nil {
			return nil, &ProtocolError{Command: cmd, Kind: ErrTimeout, Cause: err}
		}
		if !time.Now().Before(deadline) {
			return nil, &ProtocolError{Command: cmd, Kind: ErrTimeout,
				Cause: fmt.Errorf("%v内仅收到%d/%d字节", c.timeout, n, want)}
		}

		m, err := read(c.buf[n:want])
		if err != nil {
			return nil, &ProtocolError{Command: cmd, Kind: ErrUnreachable, Cause: err}
		}
		n += m

		if n >= HeaderSize && want == MinFrameSize {
			if c.buf[0] != StartByte {
				return nil, newFrameError(ErrMalformed, "起始符错误: 0x%02X", c.buf[0])
			}
			want = MinFrameSize + int(c.buf[3])
		}
		if m == 0 {
			// 无数据可读时避免空转
			time.Sleep(time.Millisecond)
		}
	}
	return append([]byte(nil), c.buf[:n]...), nil
}

// reader 选择本次请求的读取方式。返回的read在超时或ctx结束时返回(0, nil)，
// 只有通道失效时返回错误
func (c *Client) reader(ctx context.Context, deadline time.Time) (read func([]byte) (int, error), done func()) {
	if c.deadline != nil {
		if err := c.deadline.SetReadDeadline(deadline); err == nil {
			fired := make(chan struct{})
			stop := context.AfterFunc(ctx, func() {
				_ = c.deadline.SetReadDeadline(time.Now())
				close(fired)
			})
			read = func(b []byte) (int, error) {
				m, err := c.ch.Read(b)
				if errors.Is(err, os.ErrDeadlineExceeded) {
					return m, nil
				}
				return m, err
			}
			done = func() {
				if !stop() {
					// 回调已触发，等它写完截止时间再清除
					<-fired
				}
				_ = c.deadline.SetReadDeadline(time.Time{})
			}
			return read, done
		}
		// 不支持截止时间（如普通文件），改用后台读取
		c.deadline = nil
	}

	if c.pump == nil {
		c.pump = newPumpReader(c.ch)
	}
	read = func(b []byte) (int, error) {
		return c.pump.read(ctx, b, deadline)
	}
	return read, func() {}
}
