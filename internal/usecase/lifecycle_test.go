package usecase

import (
	"errors"
	"testing"
)

func TestLifecycleStartStopOnce(t *testing.T) {
	var seen []State
	l := newLifecycle(func(s State) { seen = append(seen, s) })

	if err := l.start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := l.start(); !errors.Is(err, ErrIllegalState) {
		t.Fatalf("expected ErrIllegalState, got %v", err)
	}
	if err := l.stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := l.stop(); !errors.Is(err, ErrIllegalState) {
		t.Fatalf("expected ErrIllegalState, got %v", err)
	}
	if l.transition(StateConnected) {
		t.Fatalf("stopped is terminal")
	}
	if l.current() != StateStopped {
		t.Fatalf("expected stopped, got %s", l.current())
	}
	if len(seen) != 2 || seen[0] != StateConnecting || seen[1] != StateStopped {
		t.Fatalf("unexpected observed states %v", seen)
	}
}

func TestLifecycleRefreshGuards(t *testing.T) {
	l := newLifecycle(nil)
	if err := l.beginRefresh(false); !errors.Is(err, ErrIllegalState) {
		t.Fatalf("refresh before start: %v", err)
	}
	_ = l.start()

	l.tickerLock.TryLock()
	if err := l.beginRefresh(false); !errors.Is(err, ErrRefreshRejected) {
		t.Fatalf("expected rejection while ticker starting, got %v", err)
	}
	l.tickerLock.Unlock()

	if err := l.beginRefresh(true); err != nil {
		t.Fatalf("begin refresh: %v", err)
	}
	if err := l.beginRefresh(false); !errors.Is(err, ErrRefreshRejected) {
		t.Fatalf("expected rejection while refreshing, got %v", err)
	}
	if l.current() != StateReconnecting {
		t.Fatalf("expected reconnecting, got %s", l.current())
	}

	refreshing, ok := l.tickerLost()
	if !ok || !refreshing {
		t.Fatalf("disconnect during refresh should report refreshing")
	}
	if l.current() != StateReconnecting {
		t.Fatalf("state should stay reconnecting")
	}

	ended, silent, ok := l.tickerConnected()
	if !ok || !ended || !silent {
		t.Fatalf("expected silent refresh to end, got ended=%v silent=%v ok=%v", ended, silent, ok)
	}
	snap := l.snapshot()
	if snap.Refreshing || !snap.StartedAndConnected || snap.State != StateConnected {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	ended, _, _ = l.tickerConnected()
	if ended {
		t.Fatalf("plain reconnect must not report a finished refresh")
	}
}

func TestLifecycleDisconnectOutsideRefresh(t *testing.T) {
	l := newLifecycle(nil)
	_ = l.start()
	l.tickerConnected()
	refreshing, ok := l.tickerLost()
	if !ok || refreshing {
		t.Fatalf("unexpected refreshing=%v ok=%v", refreshing, ok)
	}
	if l.current() != StateReconnecting || l.snapshot().StartedAndConnected {
		t.Fatalf("expected reconnecting and not connected")
	}
	_ = l.stop()
	if _, _, ok := l.tickerConnected(); ok {
		t.Fatalf("callbacks after stop must be ignored")
	}
}

func TestPhaseLockRefusesSecondHolder(t *testing.T) {
	var p phaseLock
	if !p.TryLock() {
		t.Fatalf("first lock should succeed")
	}
	if p.TryLock() {
		t.Fatalf("second lock should fail")
	}
	p.Unlock()
	if p.Locked() {
		t.Fatalf("expected unlocked")
	}
}
