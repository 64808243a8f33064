package temporal

import (
	"context"
	"fmt"
	"sync"
)

// MockConfirmer is an in-memory stand-in for Client's confirmation methods.
type MockConfirmer struct {
	mu        sync.Mutex
	running   map[string]ConfirmTransactionInput // map[workflowID]input
	startErr  error
	cancelErr error
}

// NewMockConfirmer creates a new MockConfirmer.
func NewMockConfirmer() *MockConfirmer {
	return &MockConfirmer{
		running: make(map[string]ConfirmTransactionInput),
	}
}

// StartConfirmation records the input. Starting a record twice fails like
// the real client does.
func (m *MockConfirmer) StartConfirmation(ctx context.Context, input ConfirmTransactionInput) (string, error) {
	if m.startErr != nil {
		return "", m.startErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := WorkflowID(input.RecordID)
	if _, exists := m.running[id]; exists {
		return "", fmt.Errorf("%w: %s", ErrConfirmationRunning, id)
	}
	m.running[id] = input
	return "run-" + input.RecordID, nil
}

// CancelConfirmation forgets the record's confirmation.
func (m *MockConfirmer) CancelConfirmation(ctx context.Context, recordID string) error {
	if m.cancelErr != nil {
		return m.cancelErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := WorkflowID(recordID)
	if _, exists := m.running[id]; !exists {
		return fmt.Errorf("workflow %q not found", id)
	}
	delete(m.running, id)
	return nil
}

// SetStartError makes StartConfirmation return an error.
func (m *MockConfirmer) SetStartError(err error) {
	m.startErr = err
}

// SetCancelError makes CancelConfirmation return an error.
func (m *MockConfirmer) SetCancelError(err error) {
	m.cancelErr = err
}

// Started returns the input a record's confirmation was started with.
func (m *MockConfirmer) Started(recordID string) (ConfirmTransactionInput, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.running[WorkflowID(recordID)]
	return in, ok
}

// Count returns the number of running confirmations.
func (m *MockConfirmer) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}
