package convergence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/duetlabs/ritual/backend/internal/cycles"
)

// ConnState is the convergence state machine's connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateLive         ConnState = "live"
	StateDegraded     ConnState = "degraded"
)

const (
	defaultGeneratingPoll   = 4 * time.Second
	defaultReconcileEvery   = 8 * time.Second
	defaultSynthesisTimeout = 30 * time.Second
	defaultResubscribeDelay = 2 * time.Second
)

var (
	errMissingStore  = errors.New("store is required")
	errMissingFeed   = errors.New("feed is required")
	errMissingCycle  = errors.New("cycle identifier is required")
	errMissingUserID = errors.New("user identifier is required")
	noOpLogger       = zap.NewNop()
)

// MonitorConfig describes one client's convergence dependencies. Couple and
// user identity arrive here explicitly so monitors are independently testable.
type MonitorConfig struct {
	Store     Store
	Feed      Feed
	CycleID   string
	UserID    string
	PartnerID string
	Clock     func() time.Time
	Logger    *zap.Logger

	GeneratingPoll   time.Duration
	ReconcileEvery   time.Duration
	SynthesisTimeout time.Duration
	ResubscribeDelay time.Duration
}

// Monitor keeps one client's local view converged with the authoritative
// store. Push delivery and polling run side by side: a silently dropped feed
// subscription looks exactly like "nothing happened yet", and a redundant
// read is far cheaper than a stuck view.
type Monitor struct {
	store     Store
	feed      Feed
	cycleID   string
	userID    string
	partnerID string
	clock     func() time.Time
	logger    *zap.Logger

	generatingPoll   time.Duration
	reconcileEvery   time.Duration
	synthesisTimeout time.Duration
	resubscribeDelay time.Duration

	mu    sync.Mutex
	view  View
	state ConnState
	alive bool

	generatingSince time.Time
	forcedRetry     bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor constructs a monitor for one client session and cycle.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("convergence: %w", errMissingStore)
	}
	if cfg.Feed == nil {
		return nil, fmt.Errorf("convergence: %w", errMissingFeed)
	}
	if cfg.CycleID == "" {
		return nil, fmt.Errorf("convergence: %w", errMissingCycle)
	}
	if cfg.UserID == "" {
		return nil, fmt.Errorf("convergence: %w", errMissingUserID)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Monitor{
		store:            newRetryingStore(cfg.Store),
		feed:             cfg.Feed,
		cycleID:          cfg.CycleID,
		userID:           cfg.UserID,
		partnerID:        cfg.PartnerID,
		clock:            clock,
		logger:           logger,
		generatingPoll:   durationOr(cfg.GeneratingPoll, defaultGeneratingPoll),
		reconcileEvery:   durationOr(cfg.ReconcileEvery, defaultReconcileEvery),
		synthesisTimeout: durationOr(cfg.SynthesisTimeout, defaultSynthesisTimeout),
		resubscribeDelay: durationOr(cfg.ResubscribeDelay, defaultResubscribeDelay),
		state:            StateDisconnected,
	}, nil
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

// Start loads the initial view and begins feed consumption plus background
// reconciliation. It returns once the initial state is loaded.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.alive {
		m.mu.Unlock()
		return fmt.Errorf("convergence: monitor already started")
	}
	m.alive = true
	m.state = StateConnecting
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	if err := m.resync(runCtx); err != nil {
		m.setState(StateDisconnected)
		m.mu.Lock()
		m.alive = false
		m.mu.Unlock()
		cancel()
		close(m.done)
		return err
	}

	go m.run(runCtx)
	return nil
}

// Stop tears down timers and the feed subscription. In-flight store calls are
// not cancelled forcibly; their results are dropped by the liveness check.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.alive {
		m.mu.Unlock()
		return
	}
	m.alive = false
	m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}
	<-m.done
	m.setState(StateDisconnected)
}

// State reports the connection state.
func (m *Monitor) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// View returns a copy of the current local view.
func (m *Monitor) View() View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view.clone()
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	reconcile := time.NewTicker(m.reconcileEvery)
	defer reconcile.Stop()
	poll := time.NewTicker(m.generatingPoll)
	defer poll.Stop()

	var (
		feedCh      <-chan FeedEvent
		feedCancel  func()
		resubscribe <-chan time.Time
	)
	subscribe := func() {
		ch, cancelFn, err := m.feed.Subscribe(ctx, m.cycleID)
		if err != nil {
			m.logger.Warn("feed subscription failed, falling back to polling",
				zap.String("cycle_id", m.cycleID), zap.Error(err))
			m.setState(StateDegraded)
			resubscribe = time.After(m.resubscribeDelay)
			return
		}
		feedCh = ch
		feedCancel = cancelFn
		resubscribe = nil
		m.setState(StateLive)
	}
	subscribe()
	defer func() {
		if feedCancel != nil {
			feedCancel()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-feedCh:
			if !ok {
				// Dropped subscription: degrade to polling and try again.
				if feedCancel != nil {
					feedCancel()
					feedCancel = nil
				}
				feedCh = nil
				m.setState(StateDegraded)
				resubscribe = time.After(m.resubscribeDelay)
				continue
			}
			m.applyFeedEvent(event)

		case <-resubscribe:
			subscribe()

		case <-poll.C:
			m.pollGenerating(ctx)

		case <-reconcile.C:
			m.reconcileTick(ctx)
		}
	}
}

// applyFeedEvent replaces the relevant local slice verbatim. Feed payloads are
// authoritative full after-states, never merged field by field.
func (m *Monitor) applyFeedEvent(event FeedEvent) {
	if event.CycleID != m.cycleID {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.alive {
		return
	}

	switch event.Table {
	case "cycles":
		if event.Cycle != nil {
			m.view.Cycle = *event.Cycle
			m.observeStatusLocked()
		}
	case "preferences":
		if event.UserID == m.userID {
			m.view.MyPreferences = event.Preferences
		} else {
			m.view.PartnerPrefs = event.Preferences
		}
	case "availability":
		if event.UserID == m.userID {
			m.view.MySlots = event.Availability
		} else {
			m.view.PartnerSlots = event.Availability
		}
	}
}

// pollGenerating is the short-interval check that detects synthesis completion
// even when the feed is silently dead. It also owns the synthesis watchdog:
// one forced retry after the timeout, then a user-visible stuck state; never
// an unattended retry loop.
func (m *Monitor) pollGenerating(ctx context.Context) {
	m.mu.Lock()
	status := m.view.Cycle.Status
	generatingSince := m.generatingSince
	forcedRetry := m.forcedRetry
	stuck := m.view.SynthesisStuck
	m.mu.Unlock()

	if status != cycles.StatusGenerating || stuck {
		return
	}

	cycle, err := m.store.FetchCycle(ctx, m.cycleID)
	if err != nil {
		m.logger.Warn("generating poll failed", zap.String("cycle_id", m.cycleID), zap.Error(err))
		return
	}
	if cycle.CandidatesJSON != nil || cycle.Status != cycles.StatusGenerating {
		if err := m.resync(ctx); err != nil {
			m.logger.Warn("resync after synthesis completion failed", zap.Error(err))
		}
		return
	}

	if generatingSince.IsZero() || m.clock().Sub(generatingSince) < m.synthesisTimeout {
		return
	}

	if !forcedRetry {
		m.logger.Info("synthesis timeout reached, forcing one retry", zap.String("cycle_id", m.cycleID))
		m.mu.Lock()
		m.forcedRetry = true
		m.generatingSince = m.clock()
		m.mu.Unlock()
		if _, err := m.store.TriggerSynthesis(ctx, m.cycleID, true); err != nil {
			m.logger.Warn("forced synthesis retry failed", zap.Error(err))
		}
		return
	}

	m.mu.Lock()
	m.view.SynthesisStuck = true
	m.view.StatusMessage = "We couldn't put your ideas together. Tap retry to try again."
	m.mu.Unlock()
	m.logger.Warn("synthesis stuck after forced retry, awaiting manual retry",
		zap.String("cycle_id", m.cycleID))
}

// RetrySynthesis is the manual retry affordance surfaced when the watchdog
// gave up. It re-arms the watchdog for one more automatic retry round.
func (m *Monitor) RetrySynthesis(ctx context.Context) error {
	m.mu.Lock()
	m.view.SynthesisStuck = false
	m.view.StatusMessage = ""
	m.forcedRetry = false
	m.generatingSince = m.clock()
	m.mu.Unlock()

	if _, err := m.store.TriggerSynthesis(ctx, m.cycleID, true); err != nil {
		return err
	}
	return m.resync(ctx)
}

// reconcileTick is the long-interval full-state check that runs for the whole
// lifetime of the cycle view. Divergence on the fingerprint triggers an
// unconditional overwrite from server state plus a ledger reload.
func (m *Monitor) reconcileTick(ctx context.Context) {
	cycle, err := m.store.FetchCycle(ctx, m.cycleID)
	if err != nil {
		m.logger.Warn("reconciliation fetch failed", zap.String("cycle_id", m.cycleID), zap.Error(err))
		return
	}

	m.mu.Lock()
	diverged := fingerprintOf(&m.view.Cycle) != fingerprintOf(cycle)
	m.mu.Unlock()

	if !diverged {
		return
	}
	m.logger.Info("local view diverged from store, reconciling",
		zap.String("cycle_id", m.cycleID),
		zap.String("server_status", string(cycle.Status)))
	if err := m.resync(ctx); err != nil {
		m.logger.Warn("reconciliation resync failed", zap.Error(err))
	}
}

// resync re-fetches the full cycle row and both ledgers and overwrites local
// state wholesale.
func (m *Monitor) resync(ctx context.Context) error {
	cycle, err := m.store.FetchCycle(ctx, m.cycleID)
	if err != nil {
		return err
	}
	myPrefs, err := m.store.FetchPreferences(ctx, m.cycleID, m.userID)
	if err != nil {
		return err
	}
	partnerPrefs, err := m.store.FetchPreferences(ctx, m.cycleID, m.partnerID)
	if err != nil {
		return err
	}
	mySlots, err := m.store.FetchAvailability(ctx, m.cycleID, m.userID)
	if err != nil {
		return err
	}
	partnerSlots, err := m.store.FetchAvailability(ctx, m.cycleID, m.partnerID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.alive {
		return nil
	}
	m.view.Cycle = *cycle
	m.view.MyPreferences = myPrefs
	m.view.PartnerPrefs = partnerPrefs
	m.view.MySlots = mySlots
	m.view.PartnerSlots = partnerSlots
	m.observeStatusLocked()
	return nil
}

// observeStatusLocked maintains the synthesis watchdog clock across status
// changes. Called with m.mu held.
func (m *Monitor) observeStatusLocked() {
	if m.view.Cycle.Status == cycles.StatusGenerating {
		if m.generatingSince.IsZero() {
			m.generatingSince = m.clock()
		}
		return
	}
	m.generatingSince = time.Time{}
	m.forcedRetry = false
	if m.view.Cycle.Status != cycles.StatusGenerationFailed {
		m.view.SynthesisStuck = false
		m.view.StatusMessage = ""
	}
}

func (m *Monitor) setState(state ConnState) {
	m.mu.Lock()
	previous := m.state
	m.state = state
	m.mu.Unlock()
	if previous != state {
		m.logger.Info("convergence state changed",
			zap.String("cycle_id", m.cycleID),
			zap.String("from", string(previous)),
			zap.String("to", string(state)))
	}
}
