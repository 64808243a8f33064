package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/campuspay/service/metrics"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

const (
	// LocalKey is the backend key holding the local record list.
	LocalKey = "transactions"

	// CacheKeyPrefix namespaces per-address ledger snapshots.
	CacheKeyPrefix = "ledger-cache:"

	DefaultCacheTTL     = 60 * time.Second
	DefaultHistoryLimit = 50
	DefaultFetchTimeout = 30 * time.Second
)

// ErrNoLedger is returned by Refresh when the store has no HistoryClient.
var ErrNoLedger = errors.New("no ledger client configured")

// HistoryClient fetches ledger history for an address.
type HistoryClient interface {
	TransactionsForAddress(ctx context.Context, address string, limit int) ([]Record, error)
}

// Config tunes the ledger cache.
type Config struct {
	CacheTTL     time.Duration
	HistoryLimit int
	// FetchTimeout bounds one ledger fetch. The fetch is shared by every
	// caller waiting on the address, so it does not follow any caller's
	// cancellation.
	FetchTimeout time.Duration
}

// Store is the source of truth for transaction records. Local records are
// persisted under LocalKey; ledger history is cached per address.
//
// Writes are serialised within one process. Two processes sharing a backend
// can still lose each other's updates.
type Store struct {
	backend Backend
	ledger  HistoryClient
	config  Config
	metrics *metrics.Metrics
	logger  *slog.Logger

	now   func() time.Time
	newID func() string

	mu    sync.Mutex
	group singleflight.Group
}

type cacheEntry struct {
	Records   []Record  `json:"records"`
	FetchedAt time.Time `json:"fetched_at"`
}

// New creates a Store. ledger, metrics and logger may be nil; without a
// ledger, All always returns local records only.
func New(backend Backend, ledger HistoryClient, config Config, m *metrics.Metrics, logger *slog.Logger) *Store {
	if config.CacheTTL <= 0 {
		config.CacheTTL = DefaultCacheTTL
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = DefaultHistoryLimit
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = DefaultFetchTimeout
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{
		backend: backend,
		ledger:  ledger,
		config:  config,
		metrics: m,
		logger:  logger,
		now:     time.Now,
		newID:   newID,
	}
}

// newID returns a time-ordered UUID.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Add stores a new local record at the head of the list.
func (s *Store) Add(ctx context.Context, n NewRecord) (Record, error) {
	if err := n.validate(); err != nil {
		return Record{}, err
	}

	r := Record{
		ID:          s.newID(),
		Signature:   n.Signature,
		Amount:      n.Amount,
		FromAddress: n.FromAddress,
		ToAddress:   n.ToAddress,
		Timestamp:   n.Timestamp,
		Status:      n.Status,
		Type:        n.Type,
		Category:    n.Category,
		Description: n.Description,
		Fees:        n.Fees,
		Origin:      OriginLocal,
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = s.now()
	}
	if r.Status == "" {
		r.Status = StatusPending
	}
	if r.Type == "" {
		r.Type = TypeOutgoing
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.loadLocal(ctx)
	records = append([]Record{r}, records...)
	if err := s.saveLocal(ctx, records); err != nil {
		return Record{}, err
	}

	s.logger.DebugContext(ctx, "added transaction", "id", r.ID, "status", r.Status, "amount", r.Amount.String())
	return r, nil
}

// Update patches the local record with the given id. An unknown id is not
// an error. The status may only move forward, and a signature cannot be
// replaced once set.
func (s *Store) Update(ctx context.Context, id string, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.loadLocal(ctx)
	for i := range records {
		if records[i].ID != id {
			continue
		}
		if !records[i].Editable() {
			return fmt.Errorf("%w: %s", ErrNotEditable, id)
		}
		updated := records[i]
		if err := patch.apply(&updated); err != nil {
			return err
		}
		records[i] = updated
		return s.saveLocal(ctx, records)
	}

	s.logger.DebugContext(ctx, "update for unknown transaction ignored", "id", id)
	return nil
}

// Get returns the local record with the given id.
func (s *Store) Get(ctx context.Context, id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.loadLocal(ctx) {
		if r.ID == id {
			return r, true
		}
	}
	return Record{}, false
}

// Delete removes the local record with the given id and reports whether it existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.loadLocal(ctx)
	for i := range records {
		if records[i].ID == id {
			records = append(records[:i], records[i+1:]...)
			return true, s.saveLocal(ctx, records)
		}
	}
	return false, nil
}

// Clear removes every local record. Cached ledger history is kept.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Delete(ctx, LocalKey); err != nil {
		return fmt.Errorf("failed to clear transactions: %w", err)
	}
	s.logger.InfoContext(ctx, "cleared local transactions")
	return nil
}

// All returns the records visible for address, newest first. With an empty
// address only local records are returned. Otherwise local records are
// reconciled with the address's ledger history; if the history cannot be
// fetched the local records are returned alone.
func (s *Store) All(ctx context.Context, address string) []Record {
	s.mu.Lock()
	local := s.loadLocal(ctx)
	s.mu.Unlock()
	sortNewestFirst(local)

	if address == "" || s.ledger == nil {
		return local
	}

	ledger, err := s.history(ctx, address, false)
	if err != nil {
		s.logger.WarnContext(ctx, "falling back to local transactions",
			"address", address,
			"error", err,
		)
		if s.metrics != nil {
			s.metrics.RecordLedgerFallback()
		}
		return local
	}

	merged := Reconcile(local, ledger)
	if s.metrics != nil {
		s.metrics.RecordReconciliation(len(merged), len(local)+len(ledger)-len(merged))
	}
	return merged
}

// Refresh drops the cached history for address and fetches it again.
func (s *Store) Refresh(ctx context.Context, address string) error {
	if s.ledger == nil {
		return ErrNoLedger
	}
	if err := s.backend.Delete(ctx, cacheKey(address)); err != nil {
		return fmt.Errorf("failed to invalidate cache for %s: %w", address, err)
	}
	_, err := s.history(ctx, address, true)
	return err
}

// history returns ledger records for address from the cache when fresh,
// otherwise from the ledger. Concurrent misses for one address share a fetch.
func (s *Store) history(ctx context.Context, address string, force bool) ([]Record, error) {
	if !force {
		entry, ok := s.readCache(ctx, address)
		switch {
		case ok && s.now().Sub(entry.FetchedAt) < s.config.CacheTTL:
			s.recordCacheLookup("hit")
			return entry.Records, nil
		case ok:
			s.recordCacheLookup("expired")
		default:
			s.recordCacheLookup("miss")
		}
	}

	ch := s.group.DoChan(address, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.FetchTimeout)
		defer cancel()

		records, err := s.ledger.TransactionsForAddress(fetchCtx, address, s.config.HistoryLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch history for %s: %w", address, err)
		}
		for i := range records {
			records[i].Origin = OriginLedger
		}
		s.writeCache(fetchCtx, address, cacheEntry{Records: records, FetchedAt: s.now()})
		return records, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}
	if res.Shared {
		s.logger.DebugContext(ctx, "shared in-flight history fetch", "address", address)
	}

	records := res.Val.([]Record)
	out := make([]Record, len(records))
	copy(out, records)
	return out, nil
}

func cacheKey(address string) string {
	return CacheKeyPrefix + address
}

func (s *Store) readCache(ctx context.Context, address string) (cacheEntry, bool) {
	raw, ok, err := s.backend.Get(ctx, cacheKey(address))
	if err != nil {
		s.logger.WarnContext(ctx, "failed to read history cache", "address", address, "error", err)
		return cacheEntry{}, false
	}
	if !ok {
		return cacheEntry{}, false
	}
	var entry cacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		s.corrupt(ctx, "cache", cacheKey(address), err)
		return cacheEntry{}, false
	}
	return entry, true
}

// writeCache is best effort; a failed write only costs a refetch.
func (s *Store) writeCache(ctx context.Context, address string, entry cacheEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to encode history cache", "address", address, "error", err)
		return
	}
	if err := s.backend.Set(ctx, cacheKey(address), string(data)); err != nil {
		s.logger.WarnContext(ctx, "failed to write history cache", "address", address, "error", err)
	}
}

// loadLocal reads the local list. Unreadable or corrupt data reads as empty.
// Callers hold s.mu.
func (s *Store) loadLocal(ctx context.Context) []Record {
	raw, ok, err := s.backend.Get(ctx, LocalKey)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to read transactions", "error", err)
		return nil
	}
	if !ok || raw == "" {
		return nil
	}
	var records []Record
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		s.corrupt(ctx, "local", LocalKey, err)
		return nil
	}
	return records
}

func (s *Store) saveLocal(ctx context.Context, records []Record) error {
	if records == nil {
		records = []Record{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to encode transactions: %w", err)
	}
	if err := s.backend.Set(ctx, LocalKey, string(data)); err != nil {
		return fmt.Errorf("failed to persist transactions: %w", err)
	}
	return nil
}

func (s *Store) corrupt(ctx context.Context, kind, key string, err error) {
	s.logger.ErrorContext(ctx, "discarding corrupt persisted data",
		"key", key,
		"error", fmt.Errorf("%w: %v", ErrCorruptBlob, err),
	)
	if s.metrics != nil {
		s.metrics.RecordCorruptBlob(kind)
	}
}

func (s *Store) recordCacheLookup(result string) {
	if s.metrics != nil {
		s.metrics.RecordCacheLookup(result)
	}
}
