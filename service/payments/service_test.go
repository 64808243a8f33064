package payments

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/campuspay/service/monitor"
	"github.com/brojonat/campuspay/service/nats"
	"github.com/brojonat/campuspay/service/payreq"
	"github.com/brojonat/campuspay/service/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLedger replays statuses in order and repeats the last one.
type fakeLedger struct {
	mu       sync.Mutex
	statuses []*monitor.SignatureStatus
	calls    int
}

func (f *fakeLedger) SignatureStatus(ctx context.Context, signature string) (*monitor.SignatureStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	return f.statuses[i], nil
}

func ledgerStatus(cs monitor.ConfirmationStatus) *monitor.SignatureStatus {
	return &monitor.SignatureStatus{ConfirmationStatus: cs}
}

type fixture struct {
	svc       *Service
	store     *store.Store
	publisher *nats.MockPublisher
}

func newFixture(t *testing.T, ledger monitor.LedgerClient) *fixture {
	t.Helper()
	codec := payreq.NewCodec(
		payreq.WithAddressValidator(payreq.Base58Syntax),
		payreq.WithCategoryLimit("food", decimal.NewFromInt(20)),
	)
	st := store.New(store.NewMemoryBackend(), nil, store.Config{}, nil, nil)
	pub := nats.NewMockPublisher()
	svc := New(codec, st, ledger, NewRecorder(st, pub, nil), monitor.Config{PollInterval: 5 * time.Millisecond}, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return &fixture{svc: svc, store: st, publisher: pub}
}

func (f *fixture) createRecord(t *testing.T) store.Record {
	t.Helper()
	created, err := f.svc.CreateRequest(context.Background(), CreateRequestParams{
		Recipient: "Vendor1",
		Amount:    decimal.RequireFromString("4.5"),
		Label:     "Lunch",
		Category:  "food",
		Payer:     "Student1",
	})
	require.NoError(t, err)
	return created.Record
}

func waitInactive(t *testing.T, svc *Service, recordID string) Progress {
	t.Helper()
	var progress Progress
	require.Eventually(t, func() bool {
		p, ok := svc.Steps(recordID)
		progress = p
		return ok && !p.Active
	}, 2*time.Second, 5*time.Millisecond)
	return progress
}

func TestCreateRequest(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	created, err := f.svc.CreateRequest(ctx, CreateRequestParams{
		Recipient: "Vendor1",
		Amount:    decimal.RequireFromString("0.5"),
		Label:     "Lunch",
		Memo:      "order-7",
		Category:  "food",
	})
	require.NoError(t, err)

	assert.Contains(t, created.URI, "solana:Vendor1?amount=0.5&label=Lunch&memo=order-7&reference=")
	assert.NotEmpty(t, created.Request.Reference)
	assert.Equal(t, "food", created.Request.Category)

	rec := created.Record
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, store.StatusPending, rec.Status)
	assert.Equal(t, store.TypeOutgoing, rec.Type)
	assert.Equal(t, "Vendor1", rec.ToAddress)
	assert.Equal(t, "Lunch", rec.Description)
	assert.Empty(t, rec.Signature)

	got, ok := f.store.Get(ctx, rec.ID)
	require.True(t, ok)
	assert.Equal(t, rec.ID, got.ID)

	// the URI parses back to the same request
	parsed, err := f.svc.Codec().ParseURI(created.URI)
	require.NoError(t, err)
	require.NotNil(t, parsed)
	assert.Equal(t, created.Request.Reference, parsed.Reference)
}

func TestCreateRequest_ValidationRecordsNothing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.CreateRequest(ctx, CreateRequestParams{
		Recipient: "Vendor1",
		Amount:    decimal.NewFromInt(25),
		Category:  "food",
	})
	require.Error(t, err)
	assert.Equal(t, payreq.CodeAmountExceedsLimit, payreq.ErrorCode(err))

	_, err = f.svc.CreateRequest(ctx, CreateRequestParams{Recipient: "Vendor1"})
	assert.Equal(t, payreq.CodeInvalidAmount, payreq.ErrorCode(err))

	assert.Empty(t, f.store.All(ctx, ""))
}

func TestTrack_Finalized(t *testing.T) {
	ledger := &fakeLedger{statuses: []*monitor.SignatureStatus{
		ledgerStatus(monitor.ConfirmationConfirmed),
		ledgerStatus(monitor.ConfirmationFinalized),
	}}
	f := newFixture(t, ledger)
	ctx := context.Background()
	rec := f.createRecord(t)

	require.NoError(t, f.svc.Track(ctx, rec.ID, "sig1"))
	progress := waitInactive(t, f.svc, rec.ID)

	assert.Equal(t, monitor.StatusFinalized, progress.Status)
	for _, step := range progress.Steps {
		assert.Equal(t, monitor.StepCompleted, step.Status, step.ID)
	}

	got, ok := f.store.Get(ctx, rec.ID)
	require.True(t, ok)
	assert.Equal(t, store.StatusFinalized, got.Status)
	assert.Equal(t, "sig1", got.Signature)

	events := f.publisher.GetPublishedEventsForRecord(rec.ID)
	require.Len(t, events, 3)
	assert.Equal(t, monitor.StatusProcessing, events[0].Status)
	assert.Equal(t, monitor.StatusConfirmed, events[1].Status)
	assert.Equal(t, monitor.StatusFinalized, events[2].Status)
}

func TestTrack_LedgerError(t *testing.T) {
	ledger := &fakeLedger{statuses: []*monitor.SignatureStatus{
		{ConfirmationStatus: monitor.ConfirmationProcessing, Err: "InstructionError"},
	}}
	f := newFixture(t, ledger)
	ctx := context.Background()
	rec := f.createRecord(t)

	require.NoError(t, f.svc.Track(ctx, rec.ID, "sig1"))
	progress := waitInactive(t, f.svc, rec.ID)
	assert.Equal(t, monitor.StatusFailed, progress.Status)

	got, _ := f.store.Get(ctx, rec.ID)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Empty(t, got.Signature)

	events := f.publisher.GetPublishedEventsForRecord(rec.ID)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, monitor.StatusFailed, last.Status)
	assert.Equal(t, "ledger_error", last.Reason)
}

func TestTrack_Errors(t *testing.T) {
	ledger := &fakeLedger{statuses: []*monitor.SignatureStatus{ledgerStatus(monitor.ConfirmationProcessing)}}
	f := newFixture(t, ledger)
	ctx := context.Background()

	err := f.svc.Track(ctx, "missing", "sig1")
	assert.ErrorIs(t, err, ErrRecordNotFound)

	rec := f.createRecord(t)
	assert.Error(t, f.svc.Track(ctx, rec.ID, ""))

	sig := "sig1"
	require.NoError(t, f.store.Update(ctx, rec.ID, store.Patch{Signature: &sig}))
	assert.ErrorIs(t, f.svc.Track(ctx, rec.ID, "sig2"), store.ErrSignatureImmutable)

	require.NoError(t, f.svc.Track(ctx, rec.ID, "sig1"))
	assert.ErrorIs(t, f.svc.Track(ctx, rec.ID, "sig1"), ErrAlreadyTracking)

	require.NoError(t, f.svc.StopTracking(rec.ID))
	progress := waitInactive(t, f.svc, rec.ID)
	assert.Equal(t, monitor.StatusProcessing, progress.Status)

	assert.ErrorIs(t, f.svc.StopTracking("missing"), ErrNotTracking)

	failed := store.StatusFailed
	require.NoError(t, f.store.Update(ctx, rec.ID, store.Patch{Status: &failed}))
	assert.ErrorIs(t, f.svc.Track(ctx, rec.ID, "sig1"), store.ErrInvalidTransition)
}

func TestTrack_NoLedger(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.createRecord(t)
	assert.Error(t, f.svc.Track(context.Background(), rec.ID, "sig1"))
}

func TestShutdown(t *testing.T) {
	ledger := &fakeLedger{statuses: []*monitor.SignatureStatus{ledgerStatus(monitor.ConfirmationProcessing)}}
	f := newFixture(t, ledger)
	ctx := context.Background()

	a := f.createRecord(t)
	b := f.createRecord(t)
	require.NoError(t, f.svc.Track(ctx, a.ID, "sigA"))
	require.NoError(t, f.svc.Track(ctx, b.ID, "sigB"))

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, f.svc.Shutdown(shutdownCtx))

	for _, id := range []string{a.ID, b.ID} {
		p, ok := f.svc.Steps(id)
		require.True(t, ok)
		assert.False(t, p.Active)
	}
	assert.ErrorIs(t, f.svc.Track(ctx, a.ID, "sigA"), ErrShutdown)
}

func TestRecorder(t *testing.T) {
	ctx := context.Background()
	st := store.New(store.NewMemoryBackend(), nil, store.Config{}, nil, nil)
	pub := nats.NewMockPublisher()
	r := NewRecorder(st, pub, nil)

	rec, err := st.Add(ctx, store.NewRecord{Amount: decimal.NewFromInt(1)})
	require.NoError(t, err)

	t.Run("processing leaves record pending", func(t *testing.T) {
		require.NoError(t, r.Record(ctx, rec.ID, monitor.Update{Signature: "s", Status: monitor.StatusProcessing}))
		got, _ := st.Get(ctx, rec.ID)
		assert.Equal(t, store.StatusPending, got.Status)
		assert.Empty(t, got.Signature)
	})

	t.Run("publish failures are not fatal", func(t *testing.T) {
		pub.SetPublishError(errors.New("nats down"))
		defer pub.SetPublishError(nil)
		require.NoError(t, r.Record(ctx, rec.ID, monitor.Update{Signature: "s", Status: monitor.StatusConfirmed}))
		got, _ := st.Get(ctx, rec.ID)
		assert.Equal(t, store.StatusConfirmed, got.Status)
		assert.Equal(t, "s", got.Signature)
	})

	t.Run("backwards transition is reported", func(t *testing.T) {
		require.NoError(t, r.Record(ctx, rec.ID, monitor.Update{Signature: "s", Status: monitor.StatusFinalized}))
		err := r.Record(ctx, rec.ID, monitor.Update{Signature: "s", Status: monitor.StatusFailed})
		assert.ErrorIs(t, err, store.ErrInvalidTransition)
	})
}

func TestPatchFor(t *testing.T) {
	tests := []struct {
		status     monitor.Status
		want       store.Status
		wantPatch  bool
		wantSigSet bool
	}{
		{status: monitor.StatusSubmitted},
		{status: monitor.StatusProcessing},
		{status: monitor.StatusConfirmed, want: store.StatusConfirmed, wantPatch: true, wantSigSet: true},
		{status: monitor.StatusFinalized, want: store.StatusFinalized, wantPatch: true, wantSigSet: true},
		{status: monitor.StatusFailed, want: store.StatusFailed, wantPatch: true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			patch, ok := patchFor(monitor.Update{Signature: "sig", Status: tt.status})
			assert.Equal(t, tt.wantPatch, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.want, *patch.Status)
			assert.Equal(t, tt.wantSigSet, patch.Signature != nil)
		})
	}
}
