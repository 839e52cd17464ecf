package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"atr-trader/internal/broker"
	"atr-trader/internal/config"
)

// stubGateway 只实现风控用到的账户与保证金接口。
type stubGateway struct {
	broker.Gateway

	netLiquidation  float64
	availableFunds  float64
	availableErr    error
	availableCalls  int
	marginRequired  float64
	marginErr       error
	marginLastReq   broker.OrderRequest
	availableAfterN int // 第N次调用起可用资金才可读
}

func (s *stubGateway) GetAccountValue(ctx context.Context, tag broker.AccountTag) (float64, error) {
	switch tag {
	case broker.TagNetLiquidation:
		return s.netLiquidation, nil
	case broker.TagAvailableFunds:
		s.availableCalls++
		if s.availableAfterN > 0 && s.availableCalls < s.availableAfterN {
			return 0, errors.New("farm unavailable")
		}
		if s.availableErr != nil {
			return 0, s.availableErr
		}
		return s.availableFunds, nil
	}
	return 0, errors.New("unknown tag")
}

func (s *stubGateway) SimulateMargin(ctx context.Context, req broker.OrderRequest) (float64, error) {
	s.marginLastReq = req
	return s.marginRequired, s.marginErr
}

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		RiskPerTradePct:     0.02,
		MaxLeverage:         4.0,
		MarginHeadroom:      0.95,
		AvailabilityRetries: 3,
		AvailabilityDelay:   time.Millisecond,
	}
}

func TestShares(t *testing.T) {
	cases := []struct {
		name           string
		capital        float64
		entry, stop    float64
		riskPct, lever float64
		want           int64
	}{
		{"风险预算主导", 100000, 100, 95, 0.02, 4.0, 400},
		{"杠杆上限主导", 10000, 100, 99.9, 0.02, 4.0, 400},
		{"止损距离过近", 100000, 100, 99.995, 0.02, 4.0, 0},
		{"资金为零", 0, 100, 95, 0.02, 4.0, 0},
		{"入场价非正", 100000, 0, -5, 0.02, 4.0, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Shares(tc.capital, tc.entry, tc.stop, tc.riskPct, tc.lever)
			if got != tc.want {
				t.Fatalf("Shares() = %d, 期望 %d", got, tc.want)
			}
		})
	}
}

func TestSharesLeverageCap(t *testing.T) {
	// 风险预算允许2000股，但4倍杠杆只允许400股。
	got := Shares(10000, 100, 99.9, 0.02, 4.0)
	if got > 400 {
		t.Fatalf("杠杆上限失效: %d", got)
	}
}

func TestRefresh(t *testing.T) {
	gw := &stubGateway{netLiquidation: 50000}
	m := NewManager(testRiskConfig(), gw, nil)

	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh 失败: %v", err)
	}
	if m.Capital() != 50000 {
		t.Fatalf("Capital = %v, 期望 50000", m.Capital())
	}

	gw.netLiquidation = -1
	if err := m.Refresh(context.Background()); err == nil {
		t.Fatal("净值非正时 Refresh 应报错")
	}
}

func TestValidateOrderSizePassThrough(t *testing.T) {
	gw := &stubGateway{availableFunds: 100000, marginRequired: 5000}
	m := NewManager(testRiskConfig(), gw, nil)

	got, err := m.ValidateOrderSize(context.Background(), "SPY", 200)
	if err != nil {
		t.Fatalf("ValidateOrderSize 失败: %v", err)
	}
	if got != 200 {
		t.Fatalf("保证金充足时不应缩股: %d", got)
	}
	if gw.marginLastReq.Shares != 200 || gw.marginLastReq.Side != broker.SideBuy {
		t.Fatalf("试算请求不正确: %+v", gw.marginLastReq)
	}
}

func TestValidateOrderSizeShrinks(t *testing.T) {
	// 限额 = 10000*0.95 = 9500, 需求 19000 → 比例 0.5 → 100*0.5-1 = 49
	gw := &stubGateway{availableFunds: 10000, marginRequired: 19000}
	m := NewManager(testRiskConfig(), gw, nil)

	got, err := m.ValidateOrderSize(context.Background(), "SPY", 100)
	if err != nil {
		t.Fatalf("ValidateOrderSize 失败: %v", err)
	}
	if got != 49 {
		t.Fatalf("缩股结果 = %d, 期望 49", got)
	}
}

func TestValidateOrderSizeInsufficient(t *testing.T) {
	gw := &stubGateway{availableFunds: 100, marginRequired: 100000}
	m := NewManager(testRiskConfig(), gw, nil)

	if _, err := m.ValidateOrderSize(context.Background(), "SPY", 2); !errors.Is(err, broker.ErrInsufficientMargin) {
		t.Fatalf("期望 ErrInsufficientMargin, 实际 %v", err)
	}
}

func TestValidateOrderSizeAvailabilityRetry(t *testing.T) {
	// 前两次读取失败，第三次成功。
	gw := &stubGateway{availableFunds: 100000, marginRequired: 5000, availableAfterN: 3}
	m := NewManager(testRiskConfig(), gw, nil)

	got, err := m.ValidateOrderSize(context.Background(), "SPY", 100)
	if err != nil {
		t.Fatalf("ValidateOrderSize 失败: %v", err)
	}
	if got != 100 {
		t.Fatalf("重试成功后不应缩股: %d", got)
	}
	if gw.availableCalls != 3 {
		t.Fatalf("期望3次可用资金读取, 实际 %d", gw.availableCalls)
	}
}

func TestValidateOrderSizeFallsBackToCapital(t *testing.T) {
	gw := &stubGateway{netLiquidation: 50000, availableErr: errors.New("pacing violation"), marginRequired: 5000}
	m := NewManager(testRiskConfig(), gw, nil)
	if err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh 失败: %v", err)
	}

	// 可用资金不可读时退回缓存净值 50000，限额 47500 > 5000，不缩股。
	got, err := m.ValidateOrderSize(context.Background(), "SPY", 100)
	if err != nil {
		t.Fatalf("ValidateOrderSize 失败: %v", err)
	}
	if got != 100 {
		t.Fatalf("退回缓存净值后不应缩股: %d", got)
	}
	if gw.availableCalls != 3 {
		t.Fatalf("期望重试3次, 实际 %d", gw.availableCalls)
	}
}
