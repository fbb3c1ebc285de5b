package protocol

import (
	"context"
	"errors"
	"io"
	"time"
)

// deadlineReader 支持读截止时间的通道（net.Conn、*os.File）
type deadlineReader interface {
	SetReadDeadline(t time.Time) error
}

type chunk struct {
	data []byte
	err  error
}

// pumpReader 独占通道Read的后台读协程。通道Read可以一直阻塞，
// 请求方只在chunks、截止时间和ctx之间select
type pumpReader struct {
	r       io.Reader
	chunks  chan chunk
	pending []byte
	err     error
}

func newPumpReader(r io.Reader) *pumpReader {
	p := &pumpReader{r: r, chunks: make(chan chunk, 16)}
	go p.run()
	return p
}

func (p *pumpReader) run() {
	buf := make([]byte, MinFrameSize+MaxPayloadSize)
	for {
		n, err := p.r.Read(buf)
		if n > 0 {
			p.chunks <- chunk{data: append([]byte(nil), buf[:n]...)}
		}
		if err != nil && !errors.Is(err, io.EOF) {
			p.chunks <- chunk{err: err}
			close(p.chunks)
			return
		}
		if n == 0 {
			// 串口读超时或EOF时返回0字节
			time.Sleep(time.Millisecond)
		}
	}
}

// discard 丢弃上一请求残留的字节
func (p *pumpReader) discard() {
	p.pending = nil
	for {
		select {
		case c, ok := <-p.chunks:
			if !ok {
				return
			}
			if c.err != nil {
				p.err = c.err
			}
		default:
			return
		}
	}
}

// read 最多等待到deadline；超时或ctx结束返回(0, nil)，由调用方判断
func (p *pumpReader) read(ctx context.Context, dst []byte, deadline time.Time) (int, error) {
	if len(p.pending) > 0 {
		n := copy(dst, p.pending)
		p.pending = p.pending[n:]
		return n, nil
	}
	if p.err != nil {
		return 0, p.err
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case c, ok := <-p.chunks:
		if !ok {
			return 0, p.err
		}
		if c.err != nil {
			p.err = c.err
			return 0, c.err
		}
		n := copy(dst, c.data)
		p.pending = c.data[n:]
		return n, nil
	case <-timer.C:
		return 0, nil
	case <-ctx.Done():
		return 0, nil
	}
}
