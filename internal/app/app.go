package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"atr-trader/internal/broker"
	brokeralpaca "atr-trader/internal/broker/alpaca"
	"atr-trader/internal/broker/paper"
	"atr-trader/internal/config"
	"atr-trader/internal/monitor"
	"atr-trader/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 组装各组件并运行至退出信号。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("交易系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("broker", a.cfg.Broker.Name),
		zap.String("symbol", a.cfg.Trading.Symbol),
	)

	gateway, err := a.newGateway()
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := gateway.Close(); closeErr != nil {
			a.logger.Warn("关闭券商网关失败", zap.Error(closeErr))
		}
	}()

	hub := monitor.NewHub(a.logger)
	monitorSvc, err := monitor.NewService(a.store, hub, a.logger)
	if err != nil {
		return fmt.Errorf("初始化监控服务失败: %w", err)
	}

	orch, err := newOrchestrator(a.cfg, gateway, a.store, monitorSvc, a.logger)
	if err != nil {
		return err
	}

	server := newMonitorServer(orch, monitorSvc, a.store, hub, a.logger)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return orch.Run(groupCtx)
	})
	group.Go(func() error {
		return server.Run(groupCtx, a.cfg.Monitor.Port)
	})

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	a.logger.Info("系统收到退出信号，正在停止")
	return nil
}

func (a *App) newGateway() (broker.Gateway, error) {
	switch strings.ToLower(a.cfg.Broker.Name) {
	case "alpaca":
		return brokeralpaca.New(a.cfg.Broker, a.cfg.Monitor.EventBuffer, a.logger), nil
	case "paper":
		a.logger.Warn("使用模拟券商网关，仅用于干跑与联调")
		return paper.New(a.logger), nil
	default:
		return nil, fmt.Errorf("未知券商网关 %q", a.cfg.Broker.Name)
	}
}
