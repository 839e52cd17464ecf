package overnight

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"atr-trader/internal/broker"
	"atr-trader/internal/execution"
)

// Guard 管理收盘封存与开盘前的跳空检查。
// 收盘时撤掉止损让持仓过夜，保护价落盘；
// 开盘前若现价已跳空击穿落盘保护价则立即清仓，否则恢复止损。
type Guard struct {
	symbol    string
	statePath string
	gateway   broker.Gateway
	exec      *execution.Manager
	logger    *zap.Logger
	now       func() time.Time
	location  *time.Location
}

// NewGuard 构造隔夜防护。
func NewGuard(
	symbol string,
	statePath string,
	gateway broker.Gateway,
	exec *execution.Manager,
	location *time.Location,
	logger *zap.Logger,
) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	if location == nil {
		location = time.UTC
	}
	return &Guard{
		symbol:    symbol,
		statePath: statePath,
		gateway:   gateway,
		exec:      exec,
		logger:    logger,
		now:       time.Now,
		location:  location,
	}
}

// EndOfDayResult 描述一次收盘封存的结果。
type EndOfDayResult struct {
	Persisted bool    `json:"persisted"`
	StopPrice float64 `json:"stop_price"`
}

// EndOfDay 执行收盘封存。空仓时清除遗留状态文件。
func (g *Guard) EndOfDay(ctx context.Context) (EndOfDayResult, error) {
	book := g.exec.Book()
	if !book.HasPosition() {
		if err := Clear(g.statePath); err != nil {
			return EndOfDayResult{}, err
		}
		return EndOfDayResult{}, nil
	}
	if !book.HasStop() {
		return EndOfDayResult{}, fmt.Errorf("overnight: 持仓无止损, 拒绝封存")
	}

	stop, err := g.exec.DetachStop(ctx)
	if err != nil {
		return EndOfDayResult{}, err
	}

	state := State{
		Date:         g.now().In(g.location).Format("2006-01-02"),
		LastStopLoss: stop.Price,
		Symbol:       g.symbol,
	}
	if err := Save(g.statePath, state); err != nil {
		// 落盘失败时立即恢复止损，不能让持仓裸奔过夜。
		if _, restoreErr := g.exec.PlaceProtectiveStop(ctx, stop.Shares, stop.Price); restoreErr != nil {
			g.logger.Error("状态落盘失败且止损恢复失败，持仓无保护",
				zap.Error(err), zap.NamedError("restore_error", restoreErr))
		}
		return EndOfDayResult{}, err
	}

	g.logger.Info("收盘封存完成",
		zap.String("date", state.Date),
		zap.Float64("stop_price", state.LastStopLoss),
	)
	return EndOfDayResult{Persisted: true, StopPrice: stop.Price}, nil
}

// PreMarketResult 描述一次开盘前检查的结果。
type PreMarketResult struct {
	Loaded       bool    `json:"loaded"`
	GapDetected  bool    `json:"gap_detected"`
	StopRestored bool    `json:"stop_restored"`
	StopPrice    float64 `json:"stop_price"`
	Quote        float64 `json:"quote"`
}

// PreMarket 执行开盘前跳空检查。状态文件在消费后一律删除，
// 跳空清仓只会执行一次。
func (g *Guard) PreMarket(ctx context.Context) (PreMarketResult, error) {
	state, ok, err := Load(g.statePath)
	if err != nil {
		return PreMarketResult{}, err
	}
	if !ok {
		return PreMarketResult{}, nil
	}
	result := PreMarketResult{Loaded: true, StopPrice: state.LastStopLoss}

	if state.Symbol != g.symbol {
		g.logger.Warn("状态文件标的不匹配，丢弃",
			zap.String("state_symbol", state.Symbol),
			zap.String("symbol", g.symbol),
		)
		return result, Clear(g.statePath)
	}

	positions, err := g.gateway.GetPositions(ctx)
	if err != nil {
		return result, fmt.Errorf("overnight: 查询持仓失败: %w", err)
	}
	var shares int64
	for _, p := range positions {
		if p.Symbol == g.symbol {
			shares = p.Shares
			break
		}
	}
	if shares <= 0 {
		// 持仓已在场外消失（券商强平等），状态失效。
		g.logger.Warn("状态文件对应持仓已不存在，丢弃")
		return result, Clear(g.statePath)
	}

	quote, err := g.gateway.GetQuote(ctx, g.symbol)
	if err != nil {
		return result, fmt.Errorf("overnight: 获取开盘前报价失败: %w", err)
	}
	result.Quote = quote

	if quote < state.LastStopLoss {
		result.GapDetected = true
		g.logger.Warn("检测到隔夜跳空击穿保护价，立即清仓",
			zap.Float64("quote", quote),
			zap.Float64("last_stop_loss", state.LastStopLoss),
		)
		if err := g.exec.CloseAllPositions(ctx, execution.ReasonOvernightGap); err != nil {
			return result, err
		}
		return result, Clear(g.statePath)
	}

	if _, err := g.exec.PlaceProtectiveStop(ctx, shares, state.LastStopLoss); err != nil {
		return result, err
	}
	result.StopRestored = true
	g.logger.Info("隔夜止损已恢复",
		zap.Float64("stop_price", state.LastStopLoss),
		zap.Int64("shares", shares),
	)
	return result, Clear(g.statePath)
}
