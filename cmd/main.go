package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bms-test-gateway/internal/config"
	"bms-test-gateway/internal/logging"
	"bms-test-gateway/internal/mqtt"
	"bms-test-gateway/internal/protocol"
	"bms-test-gateway/internal/report"
	"bms-test-gateway/internal/serial"
	"bms-test-gateway/internal/tester"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	serialNumber := flag.String("serial", "", "电池序列号，覆盖配置文件中的test.serial_number")
	flag.Parse()

	// 1.加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("加载配置失败")
	}

	// 2.初始化日志
	logFile, err := logging.Init(&cfg.Log)
	if err != nil {
		log.Fatal().Err(err).Msg("初始化日志失败")
	}
	defer logFile.Close()

	logger := logging.Component("main")
	logger.Info().Str("device", cfg.Device.DeviceID).Str("model", cfg.Device.Model).Msg("启动BMS放电测试网关")

	// 3.打开BMS串口
	port, err := serial.OpenWithRetry(&cfg.Serial, logging.Component("serial"))
	if err != nil {
		logger.Fatal().Err(err).Msg("无法打开串口")
	}
	defer port.Close()

	client := protocol.NewClient(port,
		protocol.WithTimeout(cfg.RequestTimeout()),
		protocol.WithLogger(logging.Component("protocol")),
	)

	// 4.状态机选项
	polarity := tester.DischargeNegative
	if !*cfg.Test.DischargeNegative {
		polarity = tester.DischargePositive
	}
	opts := []tester.Option{
		tester.WithExpectedCells(cfg.Test.ExpectedCells),
		tester.WithRetryBudget(cfg.Test.PrecheckRetryBudget, cfg.Test.RunningRetryBudget),
		tester.WithPollInterval(cfg.PollInterval()),
		tester.WithPolarity(polarity),
		tester.WithAutoStart(cfg.Test.AutoStart),
		tester.WithMaxSamples(cfg.Test.MaxSamples),
		tester.WithLogger(logging.Component("tester")),
		tester.WithReportGenerator(report.NewCSVGenerator(cfg.Test.ReportDir, logging.Component("report"))),
	}

	// 5.MQTT上报（可选）
	if cfg.MQTT.Broker != "" {
		mqttClient, err := mqtt.NewClient(cfg, logging.Component("mqtt"))
		if err != nil {
			logger.Warn().Err(err).Msg("MQTT连接失败，继续运行，仅生成本地报告")
		} else {
			defer mqttClient.Close()
			opts = append(opts, tester.WithTelemetrySink(mqttClient), tester.WithReportGenerator(mqttClient))
		}
	} else {
		logger.Info().Msg("未配置MQTT Broker，跳过MQTT上报")
	}

	engine := tester.New(client, cfg, opts...)
	if err := engine.Connect(cfg.TestConfig(*serialNumber)); err != nil {
		logger.Fatal().Err(err).Msg("测试配置无效")
	}

	// 6.运行：轮询 + 心跳 + 操作台，收到信号后退出
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(gctx)
	})
	g.Go(func() error {
		return heartbeat(gctx, engine)
	})
	go runConsole(gctx, os.Stdin, os.Stdout, engine, cfg)

	logger.Info().Msg("测试服务已启动，输入 help 查看操作命令")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("运行异常退出")
	}
	logger.Info().Msg("正在关闭...")
	state := engine.Shutdown("程序退出")
	logger.Info().Str("state", state.String()).Msg("测试状态已落定")
}

// heartbeat 定期输出运行状态
func heartbeat(ctx context.Context, engine *tester.Engine) error {
	logger := logging.Component("main")
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			snap := engine.Snapshot()
			logger.Info().
				Str("state", snap.State.String()).
				Float64("capacity_ah", snap.CapacityAh).
				Str("elapsed", tester.FormatRuntime(snap.Elapsed)).
				Msg("服务运行中...")
		}
	}
}
