// Package client provides a NATS client for the workflow service. It publishes
// chat requests to the service's request subject, collects the per-fragment
// responses from a reply inbox, and exposes cancellation of in-flight
// requests by request id.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	natsclient "github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wehubfusion/daedalus/internal/nats"
	"github.com/wehubfusion/daedalus/pkg/conversation"
	dderrors "github.com/wehubfusion/daedalus/pkg/errors"
	"github.com/wehubfusion/daedalus/pkg/service"
)

// defaultFragmentTimeout bounds the wait for the next response message of a
// run. The service sends a terminal Done message on every path, so a gap this
// long means the service or the connection is gone.
const defaultFragmentTimeout = 2 * time.Minute

// Config holds the client configuration
type Config struct {
	// RequestSubject is the service's chat request subject
	RequestSubject string

	// CancelSubject is the service's cancellation subject
	CancelSubject string

	// FragmentTimeout bounds the wait between response messages
	FragmentTimeout time.Duration
}

// DefaultConfig returns a configuration matching the service defaults
func DefaultConfig() Config {
	svc := service.DefaultConfig()
	return Config{
		RequestSubject:  svc.RequestSubject,
		CancelSubject:   svc.CancelSubject,
		FragmentTimeout: defaultFragmentTimeout,
	}
}

// Client talks to a workflow service over NATS
type Client struct {
	conn   *natsclient.Conn
	config Config
	logger *zap.Logger
}

// NewClient creates a client and connects to the NATS server at url
func NewClient(ctx context.Context, url string, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := nats.Connect(ctx, nats.DefaultConnectionConfig(url), logger)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, config: DefaultConfig(), logger: logger}, nil
}

// NewClientWithConn creates a client over an existing connection
func NewClientWithConn(conn *natsclient.Conn, config Config, logger *zap.Logger) (*Client, error) {
	if conn == nil {
		return nil, errors.New("connection cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.FragmentTimeout <= 0 {
		config.FragmentTimeout = defaultFragmentTimeout
	}
	return &Client{conn: conn, config: config, logger: logger}, nil
}

// Close drains the underlying connection
func (c *Client) Close() {
	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Drain(); err != nil {
			c.logger.Warn("failed to drain connection", zap.Error(err))
		}
	}
}

// Chat runs a workflow and returns the full response text. The returned
// request id can be passed to Cancel while the run is in flight.
func (c *Client) Chat(ctx context.Context, workflowName string, messages []conversation.Message) (string, string, error) {
	requestID := uuid.NewString()
	var out string
	err := c.run(ctx, service.ChatRequest{
		RequestID: requestID,
		Workflow:  workflowName,
		Messages:  messages,
	}, func(token string) { out += token })
	return out, requestID, err
}

// ChatStream runs a workflow in streaming mode, invoking onToken for every
// fragment as it arrives. It returns once the service reports the run done.
func (c *Client) ChatStream(ctx context.Context, workflowName string, messages []conversation.Message, onToken func(token string)) (string, error) {
	requestID := uuid.NewString()
	err := c.run(ctx, service.ChatRequest{
		RequestID: requestID,
		Workflow:  workflowName,
		Messages:  messages,
		Stream:    true,
	}, onToken)
	return requestID, err
}

// Cancel flags a request id for cooperative cancellation
func (c *Client) Cancel(requestID string) error {
	data, err := json.Marshal(service.CancelRequest{RequestID: requestID})
	if err != nil {
		return fmt.Errorf("failed to marshal cancel request: %w", err)
	}
	if err := c.conn.Publish(c.config.CancelSubject, data); err != nil {
		return fmt.Errorf("failed to publish cancel request: %w", err)
	}
	return nil
}

func (c *Client) run(ctx context.Context, req service.ChatRequest, onToken func(token string)) error {
	inbox := natsclient.NewInbox()
	sub, err := c.conn.SubscribeSync(inbox)
	if err != nil {
		return fmt.Errorf("failed to subscribe to reply inbox: %w", err)
	}
	defer sub.Unsubscribe()

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal chat request: %w", err)
	}
	if err := c.conn.PublishRequest(c.config.RequestSubject, inbox, data); err != nil {
		return fmt.Errorf("failed to publish chat request: %w", err)
	}

	for {
		fragCtx, cancel := context.WithTimeout(ctx, c.config.FragmentTimeout)
		msg, err := sub.NextMsgWithContext(fragCtx)
		cancel()
		if err != nil {
			return c.waitError(ctx, err)
		}
		var resp service.ChatResponse
		if err := json.Unmarshal(msg.Data, &resp); err != nil {
			return fmt.Errorf("malformed response: %w", err)
		}
		if resp.Token != "" && onToken != nil {
			onToken(resp.Token)
		}
		if resp.Error != "" {
			return fmt.Errorf("workflow run failed: %s", resp.Error)
		}
		if resp.Done {
			return nil
		}
	}
}

// waitError classifies a reply-inbox wait failure. The service sends a
// terminal Done message on every path, so a per-fragment deadline with the
// caller's context still live means the response sequence stalled for good.
func (c *Client) waitError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: no response for %s", dderrors.ErrStreamClosed, c.config.FragmentTimeout)
	}
	return fmt.Errorf("failed waiting for response: %w", err)
}
