package position

import (
	"testing"
	"time"
)

func TestBookLifecycle(t *testing.T) {
	book := NewBook("SPY")
	if book.HasPosition() || book.HasStop() {
		t.Fatal("新账本应为空仓")
	}
	if got := book.Position(); got.Symbol != "SPY" || got.Shares != 0 {
		t.Fatalf("空仓快照不正确: %+v", got)
	}

	openedAt := time.Now()
	book.SetPosition(400, 100.5, openedAt)
	if !book.HasPosition() {
		t.Fatal("应判定持仓")
	}
	pos := book.Position()
	if pos.Shares != 400 || pos.AvgCost != 100.5 || !pos.OpenedAt.Equal(openedAt) {
		t.Fatalf("持仓快照不正确: %+v", pos)
	}

	book.SetStop(ProtectiveStop{OrderID: "o-1", Price: 95, Shares: 400, OwnerSession: "s1"})
	if !book.HasStop() || book.Stop().OrderID != "o-1" {
		t.Fatalf("止损快照不正确: %+v", book.Stop())
	}

	book.ClearStop()
	if book.HasStop() {
		t.Fatal("止损应已清除")
	}
	if !book.HasPosition() {
		t.Fatal("清除止损不应影响持仓")
	}

	book.ResetFlat()
	if book.HasPosition() || book.HasStop() {
		t.Fatal("清账后应为空仓")
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	book := NewBook("SPY")
	book.SetPosition(100, 50, time.Now())
	book.SetStop(ProtectiveStop{OrderID: "o-1", Price: 45, Shares: 100})

	snap := book.Snapshot()
	snap.Position.Shares = 1
	snap.Stop.Price = 1

	if book.Position().Shares != 100 || book.Stop().Price != 45 {
		t.Fatal("快照修改不得影响账本")
	}
}
