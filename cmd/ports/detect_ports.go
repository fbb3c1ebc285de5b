package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"bms-test-gateway/internal/config"
	"bms-test-gateway/internal/logging"
	"bms-test-gateway/internal/parser"
	"bms-test-gateway/internal/protocol"
	"bms-test-gateway/internal/serial"

	"github.com/rs/zerolog/log"
)

func main() {
	baud := flag.Int("baud", 9600, "波特率")
	driver := flag.String("driver", "bugst", "串口驱动：bugst/tarm")
	timeout := flag.Duration("timeout", time.Second, "单次应答超时")
	flag.Parse()

	if _, err := logging.Init(&config.LogConfig{Level: "WARN"}); err != nil {
		log.Fatal().Err(err).Msg("初始化日志失败")
	}
	logger := logging.Component("ports")

	fmt.Println("=== BMS 串口检测工具 ===")

	ports, err := serial.GetAvailablePorts()
	if err != nil {
		logger.Fatal().Err(err).Msg("获取串口列表失败")
	}
	if len(ports) == 0 {
		fmt.Println("未找到任何串口设备")
		return
	}

	fmt.Printf("找到 %d 个串口设备:\n", len(ports))
	for i, port := range ports {
		fmt.Printf("%d. %s\n", i+1, port)
	}

	fmt.Printf("\n=== 发送0x03基本信息请求 (%d/8/1/none) ===\n", *baud)
	for _, port := range ports {
		fmt.Printf("测试串口 %s: ", port)
		checkPort(&config.SerialConfig{
			Port:     port,
			Driver:   *driver,
			BaudRate: *baud,
			DataBits: 8,
			StopBits: 1,
			Parity:   "none",
		}, *timeout)
	}
}

func checkPort(cfg *config.SerialConfig, timeout time.Duration) {
	p, err := serial.Open(cfg)
	if err != nil {
		fmt.Printf("❌ 打开失败 - %v\n", err)
		return
	}
	defer p.Close()

	client := protocol.NewClient(p, protocol.WithTimeout(timeout))
	resp, err := client.RequestBasicInfo(context.Background())
	if err != nil {
		fmt.Printf("❌ 无应答 - %v\n", err)
		return
	}
	info, err := parser.ParseBasicInfo(resp.Payload)
	if err != nil {
		fmt.Printf("⚠️ 有应答但解析失败 - %v\n", err)
		return
	}
	fmt.Printf("✅ BMS在线：%d串，总压%.2fV，SOC %d%%，循环%d次\n",
		info.CellCount, float64(info.TotalVoltageMv)/1000, info.RSOC, info.CycleLife)
}
