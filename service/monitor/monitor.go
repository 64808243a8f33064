package monitor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/campuspay/service/metrics"
)

// DefaultPollInterval is used when Config.PollInterval is zero.
const DefaultPollInterval = 2 * time.Second

// ConfirmationStatus is the commitment level the ledger reports for a signature.
type ConfirmationStatus string

const (
	ConfirmationProcessing ConfirmationStatus = "processing"
	ConfirmationConfirmed  ConfirmationStatus = "confirmed"
	ConfirmationFinalized  ConfirmationStatus = "finalized"
)

// SignatureStatus is one answer from the ledger about a signature.
type SignatureStatus struct {
	ConfirmationStatus ConfirmationStatus `json:"confirmation_status"`
	// Confirmations is nil once the block is rooted.
	Confirmations *uint64 `json:"confirmations,omitempty"`
	Slot          uint64  `json:"slot"`
	// Err is the ledger's execution error for the transaction, if any.
	Err string `json:"err,omitempty"`
}

// LedgerClient answers signature status queries.
type LedgerClient interface {
	SignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error)
}

// Config controls polling. Zero MaxAttempts and Timeout mean unbounded.
type Config struct {
	PollInterval time.Duration
	MaxAttempts  int
	Timeout      time.Duration
}

// Update is delivered to the caller on every status transition.
type Update struct {
	Signature     string  `json:"signature"`
	Status        Status  `json:"status"`
	Confirmations *uint64 `json:"confirmations,omitempty"`
	Steps         []Step  `json:"steps"`
	Err           error   `json:"-"`
}

// Monitor polls the ledger for one signature. A Monitor is single use.
type Monitor struct {
	ledger  LedgerClient
	config  Config
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu        sync.Mutex
	tracker   *Tracker
	signature string
	started   bool
	stopped   bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a Monitor. metrics and logger may be nil.
func New(ledger LedgerClient, config Config, m *metrics.Metrics, logger *slog.Logger) *Monitor {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Monitor{
		ledger:  ledger,
		config:  config,
		metrics: m,
		logger:  logger,
		tracker: NewTracker(time.Now),
		done:    make(chan struct{}),
	}
}

// Start marks the transaction submitted, reports the processing update and
// begins polling in the background. onUpdate is called from the polling
// goroutine (and once from Start itself); it must not block for long.
//
// Cancelling ctx stops polling without a final update, the same as Stop.
func (m *Monitor) Start(ctx context.Context, signature string, onUpdate func(Update)) error {
	if signature == "" {
		return fmt.Errorf("signature is required")
	}
	if onUpdate == nil {
		onUpdate = func(Update) {}
	}

	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.signature = signature
	ctx, m.cancel = context.WithCancel(ctx)
	m.tracker.Begin()
	first := m.updateLocked(nil, nil)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordMonitorActive(1)
	}
	m.logger.InfoContext(ctx, "monitoring transaction",
		"signature", signature,
		"poll_interval", m.config.PollInterval,
		"max_attempts", m.config.MaxAttempts,
		"timeout", m.config.Timeout,
	)

	onUpdate(first)
	go m.run(ctx, onUpdate)
	return nil
}

// Stop ends polling. It is safe to call more than once, before Start, or
// after monitoring finished on its own. A poll in flight when Stop is
// called has its result discarded.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	if m.cancel != nil {
		m.cancel()
	}
	if !m.started {
		close(m.done)
	}
}

// Done is closed when the polling goroutine has exited.
func (m *Monitor) Done() <-chan struct{} { return m.done }

// Status returns the current status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracker.Status()
}

// Steps returns a snapshot of the confirmation steps.
func (m *Monitor) Steps() []Step {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracker.Steps()
}

func (m *Monitor) run(ctx context.Context, onUpdate func(Update)) {
	defer close(m.done)
	defer func() {
		if m.metrics != nil {
			m.metrics.RecordMonitorActive(-1)
		}
	}()

	timer := time.NewTimer(m.config.PollInterval)
	defer timer.Stop()

	var deadline <-chan time.Time
	if m.config.Timeout > 0 {
		t := time.NewTimer(m.config.Timeout)
		defer t.Stop()
		deadline = t.C
	}

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			m.finish(ctx, onUpdate, ErrTimeout)
			return
		case <-timer.C:
		}

		status, err := m.ledger.SignatureStatus(ctx, m.signature)
		if m.handle(ctx, status, err, onUpdate) {
			return
		}

		if m.config.MaxAttempts > 0 && attempt >= m.config.MaxAttempts {
			m.finish(ctx, onUpdate, ErrTimeout)
			return
		}
		// Re-armed only after the poll returns so polls never overlap.
		timer.Reset(m.config.PollInterval)
	}
}

// handle applies one poll result and reports whether monitoring is over.
func (m *Monitor) handle(ctx context.Context, status *SignatureStatus, err error, onUpdate func(Update)) bool {
	m.mu.Lock()
	if m.stopped || ctx.Err() != nil {
		m.mu.Unlock()
		return true
	}

	if err != nil {
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.RecordMonitorPoll("error")
		}
		m.finish(ctx, onUpdate, &NetworkError{Signature: m.signature, Err: err})
		return true
	}
	if m.metrics != nil {
		m.metrics.RecordMonitorPoll("ok")
	}

	if status == nil {
		m.mu.Unlock()
		return false
	}
	if status.Err != "" {
		m.mu.Unlock()
		m.finish(ctx, onUpdate, fmt.Errorf("%w: %s", ErrTransactionFailed, status.Err))
		return true
	}

	next, changed := m.tracker.Observe(status.ConfirmationStatus)
	if !changed {
		m.mu.Unlock()
		return false
	}
	update := m.updateLocked(status.Confirmations, nil)
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "transaction status changed",
		"signature", m.signature,
		"status", next,
		"slot", status.Slot,
	)
	onUpdate(update)

	if next.Terminal() {
		if m.metrics != nil {
			m.metrics.RecordMonitorOutcome(string(next), Reason(nil))
		}
		return true
	}
	return false
}

// finish moves the transaction to failed and reports it, unless it already
// reached a terminal state or the monitor was stopped.
func (m *Monitor) finish(ctx context.Context, onUpdate func(Update), cause error) {
	m.mu.Lock()
	if m.stopped || !m.tracker.Fail() {
		m.mu.Unlock()
		return
	}
	update := m.updateLocked(nil, cause)
	m.mu.Unlock()

	m.logger.WarnContext(ctx, "transaction monitoring failed",
		"signature", m.signature,
		"reason", Reason(cause),
		"error", cause,
	)
	if m.metrics != nil {
		m.metrics.RecordMonitorOutcome(string(StatusFailed), Reason(cause))
	}
	onUpdate(update)
}

func (m *Monitor) updateLocked(confirmations *uint64, err error) Update {
	return Update{
		Signature:     m.signature,
		Status:        m.tracker.Status(),
		Confirmations: confirmations,
		Steps:         m.tracker.Steps(),
		Err:           err,
	}
}
