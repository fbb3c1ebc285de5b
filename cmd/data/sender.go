package main

import (
	"encoding/binary"
	"errors"
	"flag"
	"io"
	"math"
	"time"

	"bms-test-gateway/internal/config"
	"bms-test-gateway/internal/logging"
	"bms-test-gateway/internal/models"
	"bms-test-gateway/internal/protocol"
	"bms-test-gateway/internal/serial"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// logger main中初始化日志后替换
var logger = zerolog.Nop()

// 模拟14串电池包：从满电线性放电到截止电压
const (
	simCells      = 14
	simFullV      = 4.10
	simCutoffV    = 2.95
	simProtectV   = 3.00
	simCellOffset = 0.005
)

// pack 按放电时长计算单体电压的模拟电池包
type pack struct {
	start      time.Time
	now        func() time.Time
	speed      float64
	currentMa  int
	capacityAh float64
	cycles     uint16
}

// usedFraction 已放出容量占比，0~1
func (p *pack) usedFraction() float64 {
	hours := p.now().Sub(p.start).Hours() * p.speed
	used := float64(p.currentMa) / 1000 * hours
	return math.Min(math.Max(used/p.capacityAh, 0), 1)
}

func (p *pack) cellVoltages() []float64 {
	base := simFullV - (simFullV-simCutoffV)*p.usedFraction()
	cells := make([]float64, simCells)
	for i := range cells {
		cells[i] = base + float64(i%3)*simCellOffset
	}
	return cells
}

func (p *pack) basicInfo() []byte {
	cells := p.cellVoltages()
	var totalMv float64
	protection := uint16(0)
	for _, v := range cells {
		totalMv += v * 1000
		if v < simProtectV {
			protection |= models.ProtectionUndervoltage
		}
	}
	frac := p.usedFraction()
	current := -p.currentMa
	if protection != 0 {
		current = 0
	}
	nominalMah := p.capacityAh * 1000

	b := make([]byte, 0, 27)
	b = binary.BigEndian.AppendUint16(b, uint16(totalMv/10))
	b = binary.BigEndian.AppendUint16(b, uint16(int16(current/10)))
	b = binary.BigEndian.AppendUint16(b, uint16(nominalMah*(1-frac)/10))
	b = binary.BigEndian.AppendUint16(b, uint16(nominalMah/10))
	b = binary.BigEndian.AppendUint16(b, p.cycles)
	b = append(b, 0, 0, 0, 0, 0, 0) // 生产日期、均衡状态
	b = binary.BigEndian.AppendUint16(b, protection)
	b = append(b, 0x10, byte(math.Round(100*(1-frac))), 0x03, simCells, 2)
	b = binary.BigEndian.AppendUint16(b, 2981) // 25.0℃
	b = binary.BigEndian.AppendUint16(b, 3011) // 28.0℃
	return b
}

func (p *pack) cellPayload() []byte {
	b := make([]byte, 0, 2*simCells)
	for _, v := range p.cellVoltages() {
		b = binary.BigEndian.AppendUint16(b, uint16(math.Round(v*1000)))
	}
	return b
}

// reply 生成应答帧，未知命令返回错误状态
func (p *pack) reply(req *protocol.Request) ([]byte, error) {
	switch req.Command {
	case protocol.CmdBasicInfo:
		return protocol.EncodeResponse(req.Command, protocol.StatusOK, p.basicInfo())
	case protocol.CmdCellVoltages:
		return protocol.EncodeResponse(req.Command, protocol.StatusOK, p.cellPayload())
	default:
		return protocol.EncodeResponse(req.Command, 0x80, nil)
	}
}

// serve 从通道读取请求帧并应答，直到读出错
func serve(ch io.ReadWriter, p *pack) error {
	var buf []byte
	chunk := make([]byte, 64)
	for {
		n, err := ch.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if n == 0 {
			// 串口读超时返回0字节
			time.Sleep(time.Millisecond)
		}

		for {
			// 丢弃帧头前的杂散字节
			for len(buf) > 0 && buf[0] != protocol.StartByte {
				buf = buf[1:]
			}
			if len(buf) < protocol.HeaderSize {
				break
			}
			total := protocol.MinFrameSize + int(buf[3])
			if len(buf) < total {
				break
			}
			frame := buf[:total]
			buf = buf[total:]

			req, err := protocol.DecodeRequest(frame)
			if err != nil {
				logger.Warn().Err(err).Msg("丢弃无效请求")
				continue
			}
			resp, err := p.reply(req)
			if err != nil {
				return err
			}
			if _, err := ch.Write(resp); err != nil {
				return err
			}
		}
	}
}

func main() {
	port := flag.String("port", "/dev/ttyUSB1", "模拟器串口（与网关串口对接）")
	driver := flag.String("driver", "bugst", "串口驱动：bugst/tarm")
	current := flag.Int("current", 20000, "放电电流，单位mA")
	capacity := flag.Float64("capacity", 62, "模拟电池容量Ah")
	speed := flag.Float64("speed", 1, "时间倍速")
	level := flag.String("log-level", "INFO", "日志级别：DEBUG/INFO/WARN/ERROR")
	flag.Parse()

	if _, err := logging.Init(&config.LogConfig{Level: *level}); err != nil {
		log.Fatal().Err(err).Msg("初始化日志失败")
	}
	logger = logging.Component("sim")

	p, err := serial.Open(&config.SerialConfig{
		Port:     *port,
		Driver:   *driver,
		BaudRate: 9600,
		DataBits: 8,
		StopBits: 1,
		Parity:   "none",
	})
	if err != nil {
		logger.Fatal().Err(err).Str("port", *port).Msg("打开模拟器串口失败")
	}
	defer p.Close()

	sim := &pack{
		start:      time.Now(),
		now:        time.Now,
		speed:      *speed,
		currentMa:  *current,
		capacityAh: *capacity,
		cycles:     12,
	}
	logger.Info().
		Str("port", *port).
		Int("cells", simCells).
		Float64("capacity_ah", *capacity).
		Int("current_ma", *current).
		Float64("speed", *speed).
		Msg("BMS模拟器已启动")

	if err := serve(p, sim); err != nil {
		logger.Fatal().Err(err).Msg("模拟器退出")
	}
}
