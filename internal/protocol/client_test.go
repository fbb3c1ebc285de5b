package protocol

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockDevice 模拟BMS：收到请求后按队列返回应答，可按chunk模拟短读
type mockDevice struct {
	mu        sync.Mutex
	written   bytes.Buffer
	pending   []byte
	responses [][]byte
	chunk     int
	writeErr  error
	readErr   error
	resets    int
}

func (m *mockDevice) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	m.written.Write(p)
	if len(m.responses) > 0 {
		m.pending = append(m.pending, m.responses[0]...)
		m.responses = m.responses[1:]
	}
	return len(p), nil
}

func (m *mockDevice) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return 0, m.readErr
	}
	n := len(p)
	if m.chunk > 0 && n > m.chunk {
		n = m.chunk
	}
	n = copy(p[:n], m.pending)
	m.pending = m.pending[n:]
	return n, nil
}

func (m *mockDevice) ResetInputBuffer() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets++
	m.pending = nil
	return nil
}

func (m *mockDevice) respond(t *testing.T, cmd, status byte, payload []byte) {
	t.Helper()
	frame, err := EncodeResponse(cmd, status, payload)
	require.NoError(t, err)
	m.responses = append(m.responses, frame)
}

func TestClient_RequestCellVoltages(t *testing.T) {
	dev := &mockDevice{chunk: 3}
	dev.respond(t, CmdCellVoltages, StatusOK, []byte{0x0C, 0x80, 0x0C, 0x85})

	c := NewClient(dev, WithTimeout(200*time.Millisecond))
	resp, err := c.RequestCellVoltages(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []byte{0xDD, 0xA5, 0x04, 0x00, 0xFF, 0xFC, 0x77}, dev.written.Bytes())
	assert.Equal(t, CmdCellVoltages, resp.Command)
	assert.Equal(t, []byte{0x0C, 0x80, 0x0C, 0x85}, resp.Payload)
	assert.Equal(t, 1, dev.resets)
}

func TestClient_RequestBasicInfo(t *testing.T) {
	dev := &mockDevice{}
	payload := make([]byte, 23)
	dev.respond(t, CmdBasicInfo, StatusOK, payload)

	c := NewClient(dev)
	resp, err := c.RequestBasicInfo(context.Background())
	require.NoError(t, err)
	assert.Len(t, resp.Payload, 23)
	assert.Equal(t, []byte{0xDD, 0xA5, 0x03, 0x00, 0xFF, 0xFD, 0x77}, dev.written.Bytes())
}

func TestClient_Timeout(t *testing.T) {
	dev := &mockDevice{}
	c := NewClient(dev, WithTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := c.RequestBasicInfo(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, IsProtocolError(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestClient_PartialFrameTimesOut(t *testing.T) {
	dev := &mockDevice{}
	frame, err := EncodeResponse(CmdCellVoltages, StatusOK, []byte{0x0C, 0x80})
	require.NoError(t, err)
	dev.responses = append(dev.responses, frame[:5])

	c := NewClient(dev, WithTimeout(20*time.Millisecond))
	_, err = c.RequestCellVoltages(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestClient_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient(&mockDevice{})
	_, err := c.RequestBasicInfo(ctx)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_DeviceError(t *testing.T) {
	dev := &mockDevice{}
	dev.respond(t, CmdBasicInfo, 0x80, nil)

	c := NewClient(dev)
	_, err := c.RequestBasicInfo(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeviceError)

	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, byte(0x80), pe.Status)
}

func TestClient_ChecksumMismatchSurfacesFrameError(t *testing.T) {
	dev := &mockDevice{}
	frame, err := EncodeResponse(CmdCellVoltages, StatusOK, []byte{0x0C, 0x80})
	require.NoError(t, err)
	frame[4] ^= 0x01
	dev.responses = append(dev.responses, frame)

	c := NewClient(dev)
	_, err = c.RequestCellVoltages(context.Background())
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	assert.False(t, IsProtocolError(err))
}

func TestClient_CommandMismatch(t *testing.T) {
	dev := &mockDevice{}
	dev.respond(t, CmdBasicInfo, StatusOK, nil)

	c := NewClient(dev)
	_, err := c.RequestCellVoltages(context.Background())
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestClient_BadStartByte(t *testing.T) {
	dev := &mockDevice{}
	dev.responses = append(dev.responses, []byte{0x00, 0x04, 0x00, 0x00, 0xFF, 0xFC, 0x77})

	c := NewClient(dev)
	_, err := c.RequestCellVoltages(context.Background())
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestClient_ChannelErrors(t *testing.T) {
	ioErr := errors.New("端口已断开")

	c := NewClient(&mockDevice{writeErr: ioErr})
	_, err := c.RequestBasicInfo(context.Background())
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.ErrorIs(t, err, ioErr)

	c = NewClient(&mockDevice{readErr: ioErr})
	_, err = c.RequestBasicInfo(context.Background())
	assert.ErrorIs(t, err, ErrUnreachable)
}

// silentPeer 读走一帧请求后不应答
func silentPeer(conn net.Conn) {
	buf := make([]byte, MinFrameSize)
	_, _ = io.ReadFull(conn, buf)
}

func TestClient_DeadlineChannelNeverAnswers(t *testing.T) {
	gw, dev := net.Pipe()
	defer gw.Close()
	defer dev.Close()
	go silentPeer(dev)

	c := NewClient(gw, WithTimeout(100*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.RequestBasicInfo(ctx)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)

	// 截止时间已清除，下一次请求仍可正常收发
	go func() {
		buf := make([]byte, MinFrameSize)
		if _, err := io.ReadFull(dev, buf); err != nil {
			return
		}
		frame, _ := EncodeResponse(CmdCellVoltages, StatusOK, []byte{0x0C, 0x80})
		_, _ = dev.Write(frame)
	}()
	resp, err := c.RequestCellVoltages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0C, 0x80}, resp.Payload)
}

func TestClient_DeadlineChannelCancelled(t *testing.T) {
	gw, dev := net.Pipe()
	defer gw.Close()
	defer dev.Close()
	go silentPeer(dev)

	c := NewClient(gw, WithTimeout(5*time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := c.RequestBasicInfo(ctx)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

// pipeDevice Read一直阻塞且不支持截止时间
type pipeDevice struct {
	r *io.PipeReader
	w io.Writer
}

func (d *pipeDevice) Read(p []byte) (int, error)  { return d.r.Read(p) }
func (d *pipeDevice) Write(p []byte) (int, error) { return d.w.Write(p) }

func TestClient_BlockingChannelTimesOut(t *testing.T) {
	r, w := io.Pipe()
	defer w.CloseWithError(io.ErrClosedPipe)
	dev := &pipeDevice{r: r, w: io.Discard}

	c := NewClient(dev, WithTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := c.RequestBasicInfo(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	c = NewClient(&pipeDevice{r: r, w: io.Discard}, WithTimeout(5*time.Second))
	_, err = c.RequestBasicInfo(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_BlockingChannelLateAnswer(t *testing.T) {
	r, w := io.Pipe()
	defer w.CloseWithError(io.ErrClosedPipe)
	c := NewClient(&pipeDevice{r: r, w: io.Discard}, WithTimeout(time.Second))

	frame, err := EncodeResponse(CmdCellVoltages, StatusOK, []byte{0x0C, 0x80, 0x0C, 0x85})
	require.NoError(t, err)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = w.Write(frame[:3])
		time.Sleep(10 * time.Millisecond)
		_, _ = w.Write(frame[3:])
	}()

	resp, err := c.RequestCellVoltages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0C, 0x80, 0x0C, 0x85}, resp.Payload)
}
