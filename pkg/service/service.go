// Package service provides the NATS front door for the workflow engine. It
// subscribes to a request subject, runs the requested workflow through the
// manager, and publishes the responder's output to the request's reply
// subject: a single message for single-shot runs, one message per fragment
// for streaming runs. A companion cancel subject lets any client flag a
// request id for cooperative cancellation.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/daedalus/internal/tracing"
	"github.com/wehubfusion/daedalus/pkg/conversation"
	dderrors "github.com/wehubfusion/daedalus/pkg/errors"
	"github.com/wehubfusion/daedalus/pkg/workflow"
)

// ChatRequest is the wire format of one workflow run request
type ChatRequest struct {
	// RequestID identifies the run stack; generated when empty
	RequestID string `json:"requestId"`

	// DiscussionID identifies the persistent conversation; optional
	DiscussionID string `json:"discussionId,omitempty"`

	// Workflow names the pipeline to run
	Workflow string `json:"workflow"`

	// Stream requests per-fragment responses
	Stream bool `json:"stream"`

	// Messages is the conversation history
	Messages []conversation.Message `json:"messages"`
}

// ChatResponse is the wire format of one response message. Streaming runs
// produce a sequence of them, terminated by Done; single-shot runs produce
// exactly one with Done set.
type ChatResponse struct {
	RequestID string `json:"requestId"`
	Token     string `json:"token,omitempty"`
	Done      bool   `json:"done"`
	Error     string `json:"error,omitempty"`
}

// CancelRequest is the wire format of a cancellation request
type CancelRequest struct {
	RequestID string `json:"requestId"`
}

// Config holds the service configuration
type Config struct {
	// RequestSubject is the subject chat requests arrive on
	RequestSubject string

	// CancelSubject is the subject cancellation requests arrive on
	CancelSubject string

	// QueueGroup distributes requests across service instances
	QueueGroup string

	// NumWorkers is the number of concurrent request workers
	NumWorkers int

	// RunTimeout bounds a single workflow run
	RunTimeout time.Duration
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestSubject: "daedalus.chat.request",
		CancelSubject:  "daedalus.chat.cancel",
		QueueGroup:     "daedalus",
		NumWorkers:     4,
		RunTimeout:     5 * time.Minute,
	}
}

// Validate checks the configuration and applies defaults
func (c *Config) Validate() error {
	if c.RequestSubject == "" {
		return errors.New("request subject cannot be empty")
	}
	if c.CancelSubject == "" {
		return errors.New("cancel subject cannot be empty")
	}
	if c.NumWorkers <= 0 {
		c.NumWorkers = 1
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 5 * time.Minute
	}
	return nil
}

// Service consumes chat requests from NATS and runs workflows
type Service struct {
	conn            *nats.Conn
	manager         *workflow.Manager
	config          Config
	logger          *zap.Logger
	tracer          trace.Tracer
	tracingShutdown func(context.Context) error
}

// NewService creates a service over a connected NATS connection.
// tracingConfig is optional; when provided, tracing is configured and cleaned
// up with the service.
func NewService(conn *nats.Conn, manager *workflow.Manager, config Config, logger *zap.Logger, tracingConfig *TracingConfig) (*Service, error) {
	if conn == nil {
		return nil, errors.New("connection cannot be nil")
	}
	if manager == nil {
		return nil, errors.New("manager cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid service config: %w", err)
	}

	svc := &Service{
		conn:    conn,
		manager: manager,
		config:  config,
		logger:  logger,
		tracer:  otel.Tracer("daedalus/service"),
	}

	if tracingConfig != nil {
		shutdown, err := tracing.Setup(context.Background(), tracingConfig.toInternalConfig(), logger)
		if err != nil {
			logger.Warn("Failed to setup tracing, continuing without tracing", zap.Error(err))
		} else {
			svc.tracingShutdown = shutdown
			logger.Info("Tracing setup complete",
				zap.String("service", tracingConfig.ServiceName),
				zap.String("endpoint", tracingConfig.OTLPEndpoint))
		}
	}

	return svc, nil
}

// Close shuts down the service's tracing resources
func (s *Service) Close() error {
	if s.tracingShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.tracingShutdown(ctx); err != nil {
			s.logger.Error("Error shutting down tracing", zap.Error(err))
			return err
		}
		s.logger.Info("Tracing shutdown complete")
	}
	return nil
}

// Run starts consuming requests. It blocks until the context is cancelled and
// all workers have finished.
func (s *Service) Run(ctx context.Context) error {
	msgChan := make(chan *nats.Msg, s.config.NumWorkers*4)

	sub, err := s.conn.ChanQueueSubscribe(s.config.RequestSubject, s.config.QueueGroup, msgChan)
	if err != nil {
		return fmt.Errorf("failed to subscribe to '%s': %w", s.config.RequestSubject, err)
	}
	defer sub.Unsubscribe()

	cancelSub, err := s.conn.Subscribe(s.config.CancelSubject, s.handleCancel)
	if err != nil {
		return fmt.Errorf("failed to subscribe to '%s': %w", s.config.CancelSubject, err)
	}
	defer cancelSub.Unsubscribe()

	s.logger.Info("Service started",
		zap.String("request_subject", s.config.RequestSubject),
		zap.String("cancel_subject", s.config.CancelSubject),
		zap.Int("workers", s.config.NumWorkers))

	var wg sync.WaitGroup
	for i := 0; i < s.config.NumWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID, msgChan)
		}(i)
	}

	<-ctx.Done()
	s.logger.Info("Shutting down service...")
	sub.Unsubscribe()
	close(msgChan)
	wg.Wait()
	s.logger.Info("Service stopped")
	return ctx.Err()
}

func (s *Service) worker(ctx context.Context, workerID int, msgChan <-chan *nats.Msg) {
	s.logger.Info("Worker started", zap.Int("workerID", workerID))
	defer s.logger.Info("Worker stopped", zap.Int("workerID", workerID))

	for msg := range msgChan {
		s.handleRequest(ctx, workerID, msg)
	}
}

func (s *Service) handleCancel(msg *nats.Msg) {
	var req CancelRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("Ignoring malformed cancel request", zap.Error(err))
		return
	}
	if req.RequestID == "" {
		return
	}
	s.manager.Coordinator().Request(req.RequestID)
	s.logger.Info("Cancellation requested", zap.String("request_id", req.RequestID))
}

func (s *Service) handleRequest(ctx context.Context, workerID int, msg *nats.Msg) {
	var req ChatRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Error("Ignoring malformed chat request", zap.Int("workerID", workerID), zap.Error(err))
		return
	}
	if msg.Reply == "" {
		s.logger.Warn("Chat request without reply subject",
			zap.Int("workerID", workerID),
			zap.String("request_id", req.RequestID))
		return
	}

	ctx, span := s.tracer.Start(ctx, "service.handleRequest",
		trace.WithAttributes(
			attribute.Int("worker.id", workerID),
			attribute.String("request.id", req.RequestID),
			attribute.String("workflow.name", req.Workflow),
			attribute.Bool("request.stream", req.Stream),
		))
	defer span.End()

	runCtx, cancel := context.WithTimeout(ctx, s.config.RunTimeout)
	defer cancel()

	start := time.Now()
	s.logger.Info("Worker processing chat request",
		zap.Int("workerID", workerID),
		zap.String("request_id", req.RequestID),
		zap.String("workflow", req.Workflow))

	result, err := s.manager.Run(runCtx, workflow.RunOptions{
		Workflow:     req.Workflow,
		RequestID:    req.RequestID,
		DiscussionID: req.DiscussionID,
		Thread:       conversation.NewThread(req.Messages),
		Stream:       req.Stream,
	})
	if err != nil {
		s.reportError(msg.Reply, req, err)
		if dderrors.IsEarlyTermination(err) {
			span.SetStatus(codes.Ok, "Run terminated early")
		} else {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return
	}

	if result.IsStream() {
		forwardFragments(result.Stream, func(token string) {
			s.publish(msg.Reply, ChatResponse{RequestID: req.RequestID, Token: token})
		})
		s.publish(msg.Reply, ChatResponse{RequestID: req.RequestID, Done: true})
	} else {
		s.publish(msg.Reply, ChatResponse{RequestID: req.RequestID, Token: result.Value, Done: true})
	}

	duration := time.Since(start)
	span.SetAttributes(attribute.Int64("processing.duration_ms", duration.Milliseconds()))
	span.SetStatus(codes.Ok, "Request processed successfully")
	s.logger.Info("Successfully processed chat request",
		zap.Int("workerID", workerID),
		zap.String("request_id", req.RequestID),
		zap.Duration("processingTime", duration))
}

// forwardFragments emits every token of a fragment stream, including one
// carried by the terminal fragment itself: some backends deliver their last
// content chunk together with the finish reason.
func forwardFragments(stream <-chan workflow.Fragment, emit func(token string)) {
	for frag := range stream {
		if frag.Token != "" {
			emit(frag.Token)
		}
		if frag.FinishReason != "" {
			return
		}
	}
}

func (s *Service) reportError(reply string, req ChatRequest, err error) {
	message := err.Error()
	if dderrors.IsEarlyTermination(err) {
		message = "workflow terminated early"
	}
	s.logger.Error("Error processing chat request",
		zap.String("request_id", req.RequestID),
		zap.String("workflow", req.Workflow),
		zap.Error(err))
	s.publish(reply, ChatResponse{RequestID: req.RequestID, Done: true, Error: message})
}

func (s *Service) publish(subject string, resp ChatResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("Failed to marshal response", zap.Error(err))
		return
	}
	if err := s.conn.Publish(subject, data); err != nil {
		s.logger.Error("Failed to publish response",
			zap.String("subject", subject), zap.Error(err))
	}
}
