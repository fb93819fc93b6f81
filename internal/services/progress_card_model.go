package services

import (
	"context"
	"sync"
	"time"

	"github.com/coursesync/server/internal/events"
	"github.com/coursesync/server/internal/models"
	"github.com/coursesync/server/internal/observability"
)

// DefaultDismissDelay is how long a success card stays visible
const DefaultDismissDelay = time.Second

// Retrier re-runs the last sync session
type Retrier interface {
	Retry(ctx context.Context) error
}

// ProgressCardModel drives the dashboard card of a sync session:
// hidden, then progress, then success (auto dismissed) or error.
// An error stays until Retry or Dismiss. A cancelled session hides the
// card and a newly triggered one shows it again.
type ProgressCardModel struct {
	aggregator   *DownloadProgressAggregator
	tracker      *StateProgressTracker
	bus          *events.EventBus
	retrier      Retrier
	dismissDelay time.Duration
	logger       *observability.Logger

	mu           sync.Mutex
	state        models.ProgressCardState
	latest       *models.CourseSyncDownloadProgress
	states       []models.CourseSyncStateProgress
	dismissed    bool
	dismissTimer *time.Timer
	dismissGen   int
	subscribers  map[chan models.ProgressCardState]struct{}
}

// NewProgressCardModel creates a hidden card. Call Run to start following
// the session.
func NewProgressCardModel(
	aggregator *DownloadProgressAggregator,
	tracker *StateProgressTracker,
	bus *events.EventBus,
	retrier Retrier,
	dismissDelay time.Duration,
	logger *observability.Logger,
) *ProgressCardModel {
	if logger == nil {
		logger = observability.GetLogger()
	}
	return &ProgressCardModel{
		aggregator:   aggregator,
		tracker:      tracker,
		bus:          bus,
		retrier:      retrier,
		dismissDelay: dismissDelay,
		logger:       logger.WithField("component", "progress_card"),
		state:        models.HiddenCard(),
		subscribers:  make(map[chan models.ProgressCardState]struct{}),
	}
}

// Run follows the stores and the bus until ctx ends
func (m *ProgressCardModel) Run(ctx context.Context) {
	downloads := m.aggregator.ObserveDownloadProgress(ctx)
	states := m.tracker.ObserveStateProgress(ctx)

	var triggered, cancelled <-chan events.Event
	if m.bus != nil {
		triggered = m.bus.Subscribe(events.EventSyncTriggered)
		cancelled = m.bus.Subscribe(events.EventSyncCancelled)
		defer m.bus.Unsubscribe(events.EventSyncTriggered, triggered)
		defer m.bus.Unsubscribe(events.EventSyncCancelled, cancelled)
	}

	defer m.stopTimer()

	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-downloads:
			if !ok {
				return
			}
			m.mu.Lock()
			m.latest = &p
			m.updateLocked()
			m.mu.Unlock()
		case s, ok := <-states:
			if !ok {
				return
			}
			m.mu.Lock()
			m.states = s
			m.updateLocked()
			m.mu.Unlock()
		case _, ok := <-triggered:
			if !ok {
				triggered = nil
				continue
			}
			m.onTriggered()
		case _, ok := <-cancelled:
			if !ok {
				cancelled = nil
				continue
			}
			m.mu.Lock()
			m.dismissLocked()
			m.mu.Unlock()
		}
	}
}

// State returns the current card state
func (m *ProgressCardModel) State() models.ProgressCardState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// States streams card states, current one first. Slow readers only see
// the latest state. The channel is closed when ctx ends.
func (m *ProgressCardModel) States(ctx context.Context) <-chan models.ProgressCardState {
	ch := make(chan models.ProgressCardState, 1)

	m.mu.Lock()
	m.subscribers[ch] = struct{}{}
	ch <- m.state
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subscribers, ch)
		close(ch)
		m.mu.Unlock()
	}()

	return ch
}

// Dismiss hides the card. A finished session is cleared as well. A running
// one keeps its records and re-shows the card on the next trigger.
func (m *ProgressCardModel) Dismiss(ctx context.Context) error {
	m.mu.Lock()
	finished := m.latest != nil && m.latest.IsFinished
	m.dismissLocked()
	m.mu.Unlock()

	if !finished {
		return nil
	}
	return m.tracker.CleanUpPreviousDownloadProgress(ctx)
}

// Retry shows the card again and re-runs the last session
func (m *ProgressCardModel) Retry(ctx context.Context) error {
	m.mu.Lock()
	m.stopTimerLocked()
	m.dismissed = false
	m.latest = &models.CourseSyncDownloadProgress{}
	m.updateLocked()
	m.mu.Unlock()

	if m.retrier == nil {
		return models.ErrNoSyncPlan
	}
	return m.retrier.Retry(ctx)
}

func (m *ProgressCardModel) onTriggered() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopTimerLocked()
	m.dismissed = false
	// A finished record belongs to the previous session
	if m.latest != nil && m.latest.IsFinished {
		m.latest = &models.CourseSyncDownloadProgress{}
	}
	m.updateLocked()
}

func (m *ProgressCardModel) dismissLocked() {
	m.stopTimerLocked()
	m.dismissed = true
	m.updateLocked()
}

func (m *ProgressCardModel) updateLocked() {
	next := m.compute()
	if next.Status == models.CardSuccess && m.dismissTimer == nil {
		m.dismissGen++
		gen := m.dismissGen
		m.dismissTimer = time.AfterFunc(m.dismissDelay, func() { m.autoDismiss(gen) })
	}
	m.setLocked(next)
}

func (m *ProgressCardModel) compute() models.ProgressCardState {
	if m.dismissed || m.latest == nil {
		return models.HiddenCard()
	}
	p := *m.latest
	switch {
	case p.IsFailure():
		return models.ProgressCardState{Status: models.CardError, Fraction: p.Fraction(), Text: SyncFailureText}
	case p.IsSuccess():
		return models.ProgressCardState{Status: models.CardSuccess, Fraction: 1, Text: SyncSuccessText}
	}
	return models.ProgressCardState{Status: models.CardProgress, Fraction: p.Fraction(), Text: StatusText(p, m.states)}
}

func (m *ProgressCardModel) autoDismiss(gen int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.dismissGen {
		return
	}
	m.dismissTimer = nil
	if m.state.Status != models.CardSuccess {
		return
	}
	m.dismissed = true
	m.updateLocked()
}

func (m *ProgressCardModel) setLocked(next models.ProgressCardState) {
	if next == m.state {
		return
	}
	m.state = next
	m.logger.WithField("status", string(next.Status)).Debug("Progress card changed")

	for ch := range m.subscribers {
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
}

func (m *ProgressCardModel) stopTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopTimerLocked()
}

func (m *ProgressCardModel) stopTimerLocked() {
	if m.dismissTimer != nil {
		m.dismissTimer.Stop()
		m.dismissTimer = nil
	}
	m.dismissGen++
}
