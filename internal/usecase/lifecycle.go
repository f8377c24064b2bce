package usecase

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// State is the engine lifecycle position.
type State int32

const (
	StateNotStarted State = iota
	StateConnecting
	StateFetchingPairs
	StateFetchingChartData
	StateFetchingAdditionalChartData
	StateStartingTicker
	StateConnected
	StateReconnecting
	StateNoPairs
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateConnecting:
		return "connecting"
	case StateFetchingPairs:
		return "fetching_pairs"
	case StateFetchingChartData:
		return "fetching_chart_data"
	case StateFetchingAdditionalChartData:
		return "fetching_additional_chart_data"
	case StateStartingTicker:
		return "starting_ticker"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateNoPairs:
		return "no_pairs"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// phaseLock is a non-blocking mutex: a second holder is refused, never queued.
type phaseLock struct {
	held atomic.Bool
}

func (p *phaseLock) TryLock() bool { return p.held.CompareAndSwap(false, true) }
func (p *phaseLock) Unlock()       { p.held.Store(false) }
func (p *phaseLock) Locked() bool  { return p.held.Load() }

// lifecycle owns every engine flag. All transitions go through its methods;
// Stopped is terminal and ignores later transitions.
type lifecycle struct {
	mu                  sync.Mutex
	state               State
	started             bool
	stopped             bool
	refreshing          bool
	silentRefresh       bool
	waitingForTicker    bool
	startedAndConnected bool

	fetchLock  phaseLock
	tickerLock phaseLock

	observer func(State)
}

// lifecycleSnapshot is a consistent copy of the flags.
type lifecycleSnapshot struct {
	State               State
	Started             bool
	Stopped             bool
	Refreshing          bool
	SilentRefresh       bool
	WaitingForTicker    bool
	StartedAndConnected bool
}

func newLifecycle(observer func(State)) *lifecycle {
	if observer == nil {
		observer = func(State) {}
	}
	return &lifecycle{state: StateNotStarted, observer: observer}
}

func (l *lifecycle) start() error {
	l.mu.Lock()
	if l.started || l.stopped {
		l.mu.Unlock()
		return fmt.Errorf("%w: start called twice or after stop", ErrIllegalState)
	}
	l.started = true
	l.state = StateConnecting
	l.mu.Unlock()
	l.observer(StateConnecting)
	return nil
}

// stop may be called from any state, once.
func (l *lifecycle) stop() error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return fmt.Errorf("%w: stop called twice", ErrIllegalState)
	}
	l.stopped = true
	l.refreshing = false
	l.startedAndConnected = false
	l.waitingForTicker = false
	l.state = StateStopped
	l.mu.Unlock()
	l.observer(StateStopped)
	return nil
}

// transition moves to s unless the engine is stopped.
func (l *lifecycle) transition(s State) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.state = s
	l.mu.Unlock()
	l.observer(s)
	return true
}

func (l *lifecycle) isStarted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started
}

func (l *lifecycle) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

func (l *lifecycle) isRefreshing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refreshing
}

func (l *lifecycle) current() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *lifecycle) snapshot() lifecycleSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return lifecycleSnapshot{
		State:               l.state,
		Started:             l.started,
		Stopped:             l.stopped,
		Refreshing:          l.refreshing,
		SilentRefresh:       l.silentRefresh,
		WaitingForTicker:    l.waitingForTicker,
		StartedAndConnected: l.startedAndConnected,
	}
}

// beginRefresh claims the refresh slot and moves to Reconnecting.
func (l *lifecycle) beginRefresh(silent bool) error {
	l.mu.Lock()
	if !l.started || l.stopped {
		l.mu.Unlock()
		return fmt.Errorf("%w: refresh outside a running engine", ErrIllegalState)
	}
	if l.refreshing || l.fetchLock.Locked() || l.tickerLock.Locked() {
		l.mu.Unlock()
		return ErrRefreshRejected
	}
	l.refreshing = true
	l.silentRefresh = silent
	l.state = StateReconnecting
	l.mu.Unlock()
	l.observer(StateReconnecting)
	return nil
}

// abandonRefresh clears the refresh flag when no new ticker connection will follow.
func (l *lifecycle) abandonRefresh() {
	l.mu.Lock()
	l.refreshing = false
	l.mu.Unlock()
}

func (l *lifecycle) awaitTicker() {
	l.mu.Lock()
	l.waitingForTicker = true
	l.mu.Unlock()
}

// tickerConnected records a Connected event and reports whether it ended a
// refresh and whether that refresh was silent.
func (l *lifecycle) tickerConnected() (endedRefresh, silent bool, ok bool) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false, false, false
	}
	endedRefresh = l.refreshing
	silent = l.silentRefresh
	l.refreshing = false
	l.waitingForTicker = false
	l.startedAndConnected = true
	l.state = StateConnected
	l.mu.Unlock()
	l.observer(StateConnected)
	return endedRefresh, silent, true
}

// tickerLost records a Disconnected event. While refreshing the state is left
// alone and refreshing is reported so the caller can stay quiet.
func (l *lifecycle) tickerLost() (refreshing bool, ok bool) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false, false
	}
	refreshing = l.refreshing
	l.startedAndConnected = false
	if !refreshing {
		l.state = StateReconnecting
	}
	l.mu.Unlock()
	if !refreshing {
		l.observer(StateReconnecting)
	}
	return refreshing, true
}
