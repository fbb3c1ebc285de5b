package main

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"bms-test-gateway/internal/parser"
	"bms-test-gateway/internal/protocol"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPack_Discharge(t *testing.T) {
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	now := start
	p := &pack{start: start, now: func() time.Time { return now }, speed: 1, currentMa: 10000, capacityAh: 10}

	cells, err := parser.ParseCellVoltages(p.cellPayload())
	require.NoError(t, err)
	require.Len(t, cells, simCells)
	assert.InDelta(t, simFullV, cells[0], 1e-9)

	info, err := parser.ParseBasicInfo(p.basicInfo())
	require.NoError(t, err)
	assert.Equal(t, -10000, info.CurrentMa)
	assert.Equal(t, 100, info.RSOC)
	assert.False(t, info.UndervoltageProtectionActive())
	require.Len(t, info.TemperaturesC, 2)
	assert.InDelta(t, 24.95, info.TemperaturesC[0], 1e-6)

	now = start.Add(time.Hour)
	info, err = parser.ParseBasicInfo(p.basicInfo())
	require.NoError(t, err)
	assert.True(t, info.UndervoltageProtectionActive())
	assert.Zero(t, info.CurrentMa)
	assert.Zero(t, info.RSOC)
}

func TestServe_AnswersClient(t *testing.T) {
	gw, dev := net.Pipe()
	defer gw.Close()

	start := time.Now()
	sim := &pack{start: start, now: func() time.Time { return start }, speed: 1, currentMa: 20000, capacityAh: 62}
	done := make(chan error, 1)
	go func() { done <- serve(dev, sim) }()

	client := protocol.NewClient(gw, protocol.WithTimeout(2*time.Second))

	resp, err := client.RequestCellVoltages(context.Background())
	require.NoError(t, err)
	cells, err := parser.ParseCellVoltages(resp.Payload)
	require.NoError(t, err)
	assert.Len(t, cells, simCells)

	resp, err = client.RequestBasicInfo(context.Background())
	require.NoError(t, err)
	info, err := parser.ParseBasicInfo(resp.Payload)
	require.NoError(t, err)
	assert.Equal(t, simCells, info.CellCount)

	_, err = client.Request(context.Background(), protocol.CmdVersion)
	assert.ErrorIs(t, err, protocol.ErrDeviceError)

	gw.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve未退出")
	}
}

func TestServe_LogsInvalidRequest(t *testing.T) {
	var buf bytes.Buffer
	logger = zerolog.New(&buf)
	t.Cleanup(func() { logger = zerolog.Nop() })

	gw, dev := net.Pipe()
	start := time.Now()
	sim := &pack{start: start, now: func() time.Time { return start }, speed: 1, currentMa: 20000, capacityAh: 62}
	done := make(chan error, 1)
	go func() { done <- serve(dev, sim) }()

	frame, err := protocol.EncodeRequest(protocol.CmdBasicInfo, false, nil)
	require.NoError(t, err)
	frame[protocol.HeaderSize] ^= 0xFF // 破坏校验和
	_, err = gw.Write(frame)
	require.NoError(t, err)
	gw.Close()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve未退出")
	}
	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), "丢弃无效请求")
}
