package mesh

import (
	"testing"
	"time"
)

func TestSelectWinnerHighestValue(t *testing.T) {
	now := time.Now()
	bids := map[string]bidRecord{
		"a": {from: "a", value: 3, receivedAt: now},
		"b": {from: "b", value: 9, receivedAt: now},
		"c": {from: "c", value: 5, receivedAt: now},
	}
	if got := selectWinner(bids); got != "b" {
		t.Errorf("selectWinner() = %q, want %q", got, "b")
	}
}

func TestSelectWinnerTieBreaksByArrivalThenIdentity(t *testing.T) {
	now := time.Now()
	bids := map[string]bidRecord{
		"z": {from: "z", value: 5, receivedAt: now},
		"a": {from: "a", value: 5, receivedAt: now.Add(time.Millisecond)},
	}
	if got := selectWinner(bids); got != "z" {
		t.Errorf("selectWinner() = %q, want %q (earlier arrival should win)", got, "z")
	}

	exactTie := map[string]bidRecord{
		"z": {from: "z", value: 5, receivedAt: now},
		"a": {from: "a", value: 5, receivedAt: now},
	}
	if got := selectWinner(exactTie); got != "a" {
		t.Errorf("selectWinner() = %q, want %q (identity order breaks an exact tie)", got, "a")
	}
}

func TestAuctioneerResolveDeadline(t *testing.T) {
	a := &auctioneer{defaultDeadline: 2 * time.Second}
	if got := a.resolveDeadline(-1); got != 2*time.Second {
		t.Errorf("resolveDeadline(-1) = %v, want default", got)
	}
	if got := a.resolveDeadline(0); got != 0 {
		t.Errorf("resolveDeadline(0) = %v, want 0", got)
	}
	if got := a.resolveDeadline(5 * time.Second); got != 5*time.Second {
		t.Errorf("resolveDeadline(5s) = %v, want 5s", got)
	}
}
