// Package payments drives a payment from request to settlement: it builds
// the request URI, records the pending transaction and tracks confirmation.
package payments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/brojonat/campuspay/service/metrics"
	"github.com/brojonat/campuspay/service/monitor"
	"github.com/brojonat/campuspay/service/payreq"
	"github.com/brojonat/campuspay/service/store"
	"github.com/shopspring/decimal"
)

var (
	ErrSignatureRequired = errors.New("signature is required")
	ErrRecordNotFound    = errors.New("transaction not found")
	ErrAlreadyTracking   = errors.New("transaction is already being tracked")
	ErrNotTracking       = errors.New("transaction is not being tracked")
	ErrShutdown          = errors.New("payments service is shut down")
)

// CreateRequestParams describes a payment to request.
type CreateRequestParams struct {
	Recipient string          `json:"recipient"`
	Amount    decimal.Decimal `json:"amount"`
	SPLToken  string          `json:"spl_token,omitempty"`
	Label     string          `json:"label,omitempty"`
	Message   string          `json:"message,omitempty"`
	Memo      string          `json:"memo,omitempty"`
	Category  string          `json:"category,omitempty"`

	// Payer is recorded as the sender when known.
	Payer string     `json:"payer,omitempty"`
	Type  store.Type `json:"type,omitempty"`
}

// CreatedRequest is a validated payment request and the pending record
// created for it.
type CreatedRequest struct {
	Request *payreq.PaymentRequest `json:"request"`
	URI     string                 `json:"uri"`
	Record  store.Record           `json:"record"`
}

// Service is safe for concurrent use.
type Service struct {
	codec      *payreq.Codec
	store      *store.Store
	ledger     monitor.LedgerClient
	recorder   *Recorder
	monitorCfg monitor.Config
	metrics    *metrics.Metrics
	logger     *slog.Logger

	// ctx outlives the requests that start tracking; Shutdown cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	tracked  map[string]*tracking
	shutdown bool
}

type tracking struct {
	monitor   *monitor.Monitor
	signature string
}

// New creates a Service. ledger may be nil, in which case Track is
// unavailable. metrics and logger may be nil.
func New(
	codec *payreq.Codec,
	s *store.Store,
	ledger monitor.LedgerClient,
	recorder *Recorder,
	monitorCfg monitor.Config,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if recorder == nil {
		recorder = NewRecorder(s, nil, logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		codec:      codec,
		store:      s,
		ledger:     ledger,
		recorder:   recorder,
		monitorCfg: monitorCfg,
		metrics:    m,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		tracked:    make(map[string]*tracking),
	}
}

// Codec returns the payment request codec.
func (s *Service) Codec() *payreq.Codec { return s.codec }

// CreateRequest validates params, mints a fresh reference, renders the URI
// and records a pending transaction for it. Nothing is recorded when
// validation fails.
func (s *Service) CreateRequest(ctx context.Context, params CreateRequestParams) (*CreatedRequest, error) {
	req, err := payreq.NewRequest(params.Recipient, params.Amount, params.Label)
	if err != nil {
		s.recordOutcome("error")
		return nil, err
	}
	req.SPLToken = params.SPLToken
	req.Message = params.Message
	req.Memo = params.Memo
	req.Category = params.Category

	uri, err := s.codec.BuildURI(req)
	if err != nil {
		s.recordOutcome("invalid")
		return nil, err
	}

	description := params.Label
	if params.Message != "" {
		description = params.Message
	}
	rec, err := s.store.Add(ctx, store.NewRecord{
		Amount:      params.Amount,
		FromAddress: params.Payer,
		ToAddress:   params.Recipient,
		Status:      store.StatusPending,
		Type:        params.Type,
		Category:    params.Category,
		Description: description,
	})
	if err != nil {
		s.recordOutcome("error")
		return nil, fmt.Errorf("failed to record payment request: %w", err)
	}

	s.recordOutcome("created")
	s.logger.InfoContext(ctx, "created payment request",
		"record_id", rec.ID,
		"recipient", params.Recipient,
		"amount", params.Amount.String(),
		"reference", req.Reference,
	)

	return &CreatedRequest{Request: req, URI: uri, Record: rec}, nil
}

func (s *Service) recordOutcome(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordPaymentRequest(outcome)
	}
}

// Track starts monitoring signature for the record with recordID. Each
// status transition is written to the store and published. Tracking runs
// until the transaction settles, fails, or StopTracking/Shutdown is called;
// it is not tied to ctx.
func (s *Service) Track(ctx context.Context, recordID, signature string) error {
	if s.ledger == nil {
		return store.ErrNoLedger
	}
	if signature == "" {
		return ErrSignatureRequired
	}

	rec, ok := s.store.Get(ctx, recordID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, recordID)
	}
	if !rec.Editable() {
		return fmt.Errorf("%w: %s", store.ErrNotEditable, recordID)
	}
	if rec.Signature != "" && rec.Signature != signature {
		return fmt.Errorf("%w: record %s", store.ErrSignatureImmutable, recordID)
	}
	if rec.Status.Terminal() {
		return fmt.Errorf("%w: record %s is already %s", store.ErrInvalidTransition, recordID, rec.Status)
	}

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrShutdown
	}
	if t, ok := s.tracked[recordID]; ok && !isDone(t.monitor) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyTracking, recordID)
	}
	m := monitor.New(s.ledger, s.monitorCfg, s.metrics, s.logger)
	s.tracked[recordID] = &tracking{monitor: m, signature: signature}
	s.wg.Add(1)
	s.mu.Unlock()

	onUpdate := func(u monitor.Update) {
		if err := s.recorder.Record(s.ctx, recordID, u); err != nil {
			s.logger.WarnContext(s.ctx, "failed to record status update",
				"record_id", recordID,
				"status", u.Status,
				"error", err,
			)
		}
	}

	if err := m.Start(s.ctx, signature, onUpdate); err != nil {
		s.mu.Lock()
		delete(s.tracked, recordID)
		s.mu.Unlock()
		s.wg.Done()
		return fmt.Errorf("failed to start monitor: %w", err)
	}

	go func() {
		defer s.wg.Done()
		<-m.Done()
		s.logger.DebugContext(s.ctx, "tracking finished",
			"record_id", recordID,
			"status", m.Status(),
		)
	}()

	return nil
}

func isDone(m *monitor.Monitor) bool {
	select {
	case <-m.Done():
		return true
	default:
		return false
	}
}

// StopTracking stops monitoring the record. Its last known steps stay
// available until tracking is started again.
func (s *Service) StopTracking(recordID string) error {
	s.mu.Lock()
	t, ok := s.tracked[recordID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotTracking, recordID)
	}
	t.monitor.Stop()
	return nil
}

// Progress is a snapshot of a tracked transaction.
type Progress struct {
	RecordID  string         `json:"record_id"`
	Signature string         `json:"signature"`
	Status    monitor.Status `json:"status"`
	Steps     []monitor.Step `json:"steps"`
	Active    bool           `json:"active"`
}

// Steps returns the confirmation progress of the record.
func (s *Service) Steps(recordID string) (Progress, bool) {
	s.mu.Lock()
	t, ok := s.tracked[recordID]
	s.mu.Unlock()
	if !ok {
		return Progress{}, false
	}
	return Progress{
		RecordID:  recordID,
		Signature: t.signature,
		Status:    t.monitor.Status(),
		Steps:     t.monitor.Steps(),
		Active:    !isDone(t.monitor),
	}, true
}

// Shutdown stops every monitor and waits for them to exit or for ctx to
// expire.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	monitors := make([]*monitor.Monitor, 0, len(s.tracked))
	for _, t := range s.tracked {
		monitors = append(monitors, t.monitor)
	}
	s.mu.Unlock()

	for _, m := range monitors {
		m.Stop()
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("payments service stopped", "monitors", len(monitors))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
