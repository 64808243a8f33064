package temporal

import (
	"context"
	"errors"
	"testing"

	"github.com/brojonat/campuspay/service/monitor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockLedger implements monitor.LedgerClient.
type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) SignatureStatus(ctx context.Context, signature string) (*monitor.SignatureStatus, error) {
	args := m.Called(ctx, signature)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*monitor.SignatureStatus), args.Error(1)
}

// MockRecorder implements StatusRecorder.
type MockRecorder struct {
	mock.Mock
}

func (m *MockRecorder) Record(ctx context.Context, recordID string, u monitor.Update) error {
	args := m.Called(ctx, recordID, u)
	return args.Error(0)
}

func TestCheckSignatureStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("returns ledger status", func(t *testing.T) {
		ledger := new(MockLedger)
		ledger.On("SignatureStatus", mock.Anything, testSignature).
			Return(confirmation(monitor.ConfirmationConfirmed), nil)

		activities := NewActivities(ledger, new(MockRecorder), nil, nil)
		status, err := activities.CheckSignatureStatus(ctx, CheckSignatureStatusInput{Signature: testSignature})
		require.NoError(t, err)
		assert.Equal(t, monitor.ConfirmationConfirmed, status.ConfirmationStatus)
		ledger.AssertExpectations(t)
	})

	t.Run("wraps ledger errors", func(t *testing.T) {
		ledger := new(MockLedger)
		ledger.On("SignatureStatus", mock.Anything, testSignature).
			Return(nil, assert.AnError)

		activities := NewActivities(ledger, new(MockRecorder), nil, nil)
		status, err := activities.CheckSignatureStatus(ctx, CheckSignatureStatusInput{Signature: testSignature})
		require.Error(t, err)
		assert.ErrorIs(t, err, assert.AnError)
		assert.Nil(t, status)
	})
}

func TestRecordStatus(t *testing.T) {
	ctx := context.Background()
	confirmations := uint64(3)

	t.Run("passes the update through", func(t *testing.T) {
		recorder := new(MockRecorder)
		recorder.On("Record", mock.Anything, "rec-1", mock.MatchedBy(func(u monitor.Update) bool {
			return u.Status == monitor.StatusConfirmed &&
				u.Signature == testSignature &&
				u.Confirmations != nil && *u.Confirmations == 3 &&
				u.Err == nil
		})).Return(nil)

		activities := NewActivities(new(MockLedger), recorder, nil, nil)
		err := activities.RecordStatus(ctx, RecordStatusInput{
			RecordID:      "rec-1",
			Signature:     testSignature,
			Status:        monitor.StatusConfirmed,
			Confirmations: &confirmations,
		})
		require.NoError(t, err)
		recorder.AssertExpectations(t)
	})

	t.Run("failure keeps its reason", func(t *testing.T) {
		recorder := new(MockRecorder)
		recorder.On("Record", mock.Anything, "rec-1", mock.MatchedBy(func(u monitor.Update) bool {
			return u.Status == monitor.StatusFailed && monitor.Reason(u.Err) == "timeout"
		})).Return(nil)

		activities := NewActivities(new(MockLedger), recorder, nil, nil)
		err := activities.RecordStatus(ctx, RecordStatusInput{
			RecordID:  "rec-1",
			Signature: testSignature,
			Status:    monitor.StatusFailed,
			Error:     "confirmation timed out after 3 attempts",
			Reason:    "timeout",
		})
		require.NoError(t, err)
		recorder.AssertExpectations(t)
	})

	t.Run("returns recorder errors", func(t *testing.T) {
		recorder := new(MockRecorder)
		recorder.On("Record", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("record not found"))

		activities := NewActivities(new(MockLedger), recorder, nil, nil)
		err := activities.RecordStatus(ctx, RecordStatusInput{RecordID: "missing", Status: monitor.StatusProcessing})
		assert.EqualError(t, err, "record not found")
	})
}

func TestCauseFromReason(t *testing.T) {
	tests := []struct {
		reason string
		msg    string
		want   string
	}{
		{reason: "timeout", msg: "gave up", want: "timeout"},
		{reason: "ledger_error", msg: "InstructionError", want: "ledger_error"},
		{reason: "network", msg: "connection refused", want: "network"},
		{reason: "", msg: "something else", want: "unknown"},
		{reason: "timeout", msg: "", want: "none"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			err := causeFromReason(tt.reason, testSignature, tt.msg)
			assert.Equal(t, tt.want, monitor.Reason(err))
		})
	}
}
