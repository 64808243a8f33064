package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
)

// ErrConfirmationRunning is returned by StartConfirmation when a workflow for
// the same record is already running.
var ErrConfirmationRunning = errors.New("confirmation already running")

// Client starts and inspects confirmation workflows on Temporal.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

// WorkflowID is the workflow ID used for a record's confirmation. At most one
// confirmation per record runs at a time.
func WorkflowID(recordID string) string {
	return "confirm-" + recordID
}

// StartConfirmation starts ConfirmTransactionWorkflow for the record and
// returns the run ID.
func (c *Client) StartConfirmation(ctx context.Context, input ConfirmTransactionInput) (string, error) {
	id := WorkflowID(input.RecordID)

	c.logger.DebugContext(ctx, "starting confirmation workflow",
		"workflow_id", id,
		"signature", input.Signature,
	)

	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        id,
		TaskQueue: c.taskQueue,
	}, ConfirmTransactionWorkflow, input)
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			return "", fmt.Errorf("%w: %s", ErrConfirmationRunning, id)
		}
		c.logger.ErrorContext(ctx, "failed to start confirmation workflow",
			"workflow_id", id,
			"error", err,
		)
		return "", fmt.Errorf("failed to start workflow %q: %w", id, err)
	}

	c.logger.InfoContext(ctx, "confirmation workflow started",
		"workflow_id", id,
		"run_id", run.GetRunID(),
	)
	return run.GetRunID(), nil
}

// GetConfirmationResult blocks until the record's latest confirmation run
// completes and returns its result.
func (c *Client) GetConfirmationResult(ctx context.Context, recordID string) (*ConfirmTransactionResult, error) {
	var result ConfirmTransactionResult
	if err := c.client.GetWorkflow(ctx, WorkflowID(recordID), "").Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("failed to get confirmation result: %w", err)
	}
	return &result, nil
}

// CancelConfirmation requests cancellation of the record's confirmation.
func (c *Client) CancelConfirmation(ctx context.Context, recordID string) error {
	id := WorkflowID(recordID)
	if err := c.client.CancelWorkflow(ctx, id, ""); err != nil {
		return fmt.Errorf("failed to cancel workflow %q: %w", id, err)
	}
	c.logger.InfoContext(ctx, "confirmation workflow cancelled", "workflow_id", id)
	return nil
}

// SDKClient returns the underlying Temporal SDK client for direct workflow operations.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
