package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/wehubfusion/daedalus/pkg/cancellation"
	"github.com/wehubfusion/daedalus/pkg/conversation"
	dderrors "github.com/wehubfusion/daedalus/pkg/errors"
)

// FinishReasonStop is the conventional terminal finish reason
const FinishReasonStop = "stop"

// Delta is one streamed token fragment from a backend. A non-empty
// FinishReason marks the final fragment of a stream.
type Delta struct {
	Content      string `json:"content"`
	FinishReason string `json:"finishReason,omitempty"`
}

// StreamInfo describes the stream a dispatch produced, letting the engine's
// assembler decide how to post-process fragments.
type StreamInfo struct {
	// ChatStyle is true for chat-format backends, which never need the
	// speaker-prefix repair heuristic.
	ChatStyle bool

	// Stop lists the stop markers to strip from the assembled output
	Stop []string
}

// Request describes one dispatch to a backend
type Request struct {
	// RequestID scopes cooperative cancellation polling mid-stream
	RequestID string

	// EndpointName selects the backend
	EndpointName string

	// PresetName selects sampling parameters; empty means backend defaults
	PresetName string

	// SystemPrompt is prepended as a system message (chat) or transcript
	// header (completions) when non-empty
	SystemPrompt string

	// Prompt, when non-empty, replaces the conversation as the user turn
	Prompt string

	// Messages is the conversation history sent when Prompt is empty
	Messages []conversation.Message
}

// Dispatcher sends requests to configured OpenAI-compatible backends.
// It holds one lazily-created client per endpoint.
type Dispatcher struct {
	endpoints   map[string]Endpoint
	presets     map[string]Preset
	coordinator *cancellation.Coordinator
	logger      *zap.Logger

	mu      sync.Mutex
	clients map[string]*openai.Client
}

// NewDispatcher creates a dispatcher over the given configuration.
// The coordinator is polled between streamed fragments so a cancelled request
// stops yielding promptly instead of draining the backend.
func NewDispatcher(cfg *Config, coordinator *cancellation.Coordinator, logger *zap.Logger) (*Dispatcher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	endpoints := make(map[string]Endpoint, len(cfg.Endpoints))
	for _, e := range cfg.Endpoints {
		endpoints[e.Name] = e
	}
	presets := make(map[string]Preset, len(cfg.Presets))
	for _, p := range cfg.Presets {
		presets[p.Name] = p
	}

	return &Dispatcher{
		endpoints:   endpoints,
		presets:     presets,
		coordinator: coordinator,
		logger:      logger,
		clients:     make(map[string]*openai.Client),
	}, nil
}

// PresetStops returns the configured stop markers of a preset, or nil if the
// preset name is empty or unknown.
func (d *Dispatcher) PresetStops(presetName string) []string {
	if p, ok := d.presets[presetName]; ok {
		return p.Stop
	}
	return nil
}

func (d *Dispatcher) endpoint(name string) (Endpoint, error) {
	ep, ok := d.endpoints[name]
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: '%s'", dderrors.ErrEndpointNotFound, name)
	}
	return ep, nil
}

func (d *Dispatcher) preset(name string) (Preset, error) {
	if name == "" {
		return Preset{}, nil
	}
	p, ok := d.presets[name]
	if !ok {
		return Preset{}, fmt.Errorf("%w: '%s'", dderrors.ErrPresetNotFound, name)
	}
	return p, nil
}

func (d *Dispatcher) client(ep Endpoint) *openai.Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.clients[ep.Name]; ok {
		return c
	}
	clientCfg := openai.DefaultConfig(ep.APIKey)
	clientCfg.BaseURL = ep.BaseURL
	c := openai.NewClientWithConfig(clientCfg)
	d.clients[ep.Name] = c
	return c
}

// Complete performs a single-shot dispatch and returns the full response text
func (d *Dispatcher) Complete(ctx context.Context, req Request) (string, error) {
	ep, err := d.endpoint(req.EndpointName)
	if err != nil {
		return "", err
	}
	preset, err := d.preset(req.PresetName)
	if err != nil {
		return "", err
	}
	client := d.client(ep)

	d.logger.Debug("dispatching completion",
		zap.String("endpoint", ep.Name),
		zap.String("model", ep.Model),
		zap.String("api_type", ep.APIType))

	if ep.APIType == APITypeCompletions {
		resp, err := client.CreateCompletion(ctx, d.completionRequest(ep, preset, req, false))
		if err != nil {
			return "", fmt.Errorf("completion request to '%s' failed: %w", ep.Name, err)
		}
		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("completion request to '%s' returned no choices", ep.Name)
		}
		return resp.Choices[0].Text, nil
	}

	resp, err := client.CreateChatCompletion(ctx, d.chatRequest(ep, preset, req, false))
	if err != nil {
		return "", fmt.Errorf("chat request to '%s' failed: %w", ep.Name, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat request to '%s' returned no choices", ep.Name)
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream performs a streaming dispatch. Fragments are delivered on the
// returned channel as produced; the final fragment carries a non-empty finish
// reason and the channel is then closed. The producer polls the cancellation
// coordinator between fragments and stops yielding once the request is
// flagged, leaving acknowledgement to the engine.
func (d *Dispatcher) Stream(ctx context.Context, req Request) (<-chan Delta, StreamInfo, error) {
	ep, err := d.endpoint(req.EndpointName)
	if err != nil {
		return nil, StreamInfo{}, err
	}
	preset, err := d.preset(req.PresetName)
	if err != nil {
		return nil, StreamInfo{}, err
	}
	client := d.client(ep)
	info := StreamInfo{
		ChatStyle: ep.APIType == APITypeChat,
		Stop:      preset.Stop,
	}

	d.logger.Debug("dispatching streaming completion",
		zap.String("endpoint", ep.Name),
		zap.String("model", ep.Model),
		zap.String("api_type", ep.APIType))

	out := make(chan Delta)

	if ep.APIType == APITypeCompletions {
		stream, err := client.CreateCompletionStream(ctx, d.completionRequest(ep, preset, req, true))
		if err != nil {
			return nil, StreamInfo{}, fmt.Errorf("completion stream to '%s' failed: %w", ep.Name, err)
		}
		go func() {
			defer close(out)
			defer stream.Close()
			for {
				if d.cancelled(req.RequestID) {
					return
				}
				resp, err := stream.Recv()
				if errors.Is(err, io.EOF) {
					out <- Delta{FinishReason: FinishReasonStop}
					return
				}
				if err != nil {
					d.logger.Warn("completion stream aborted",
						zap.String("endpoint", ep.Name), zap.Error(err))
					return
				}
				if len(resp.Choices) == 0 {
					continue
				}
				choice := resp.Choices[0]
				if choice.FinishReason != "" {
					out <- Delta{Content: choice.Text, FinishReason: choice.FinishReason}
					return
				}
				out <- Delta{Content: choice.Text}
			}
		}()
		return out, info, nil
	}

	stream, err := client.CreateChatCompletionStream(ctx, d.chatRequest(ep, preset, req, true))
	if err != nil {
		return nil, StreamInfo{}, fmt.Errorf("chat stream to '%s' failed: %w", ep.Name, err)
	}
	go func() {
		defer close(out)
		defer stream.Close()
		for {
			if d.cancelled(req.RequestID) {
				return
			}
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				out <- Delta{FinishReason: FinishReasonStop}
				return
			}
			if err != nil {
				d.logger.Warn("chat stream aborted",
					zap.String("endpoint", ep.Name), zap.Error(err))
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]
			if choice.FinishReason != "" {
				out <- Delta{Content: choice.Delta.Content, FinishReason: string(choice.FinishReason)}
				return
			}
			out <- Delta{Content: choice.Delta.Content}
		}
	}()
	return out, info, nil
}

func (d *Dispatcher) cancelled(requestID string) bool {
	return requestID != "" && d.coordinator != nil && d.coordinator.IsCancelled(requestID)
}

func (d *Dispatcher) chatRequest(ep Endpoint, preset Preset, req Request, stream bool) openai.ChatCompletionRequest {
	var messages []openai.ChatCompletionMessage
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	if req.Prompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: req.Prompt,
		})
	} else {
		for _, m := range req.Messages {
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    m.Role,
				Content: m.Content,
			})
		}
	}
	return openai.ChatCompletionRequest{
		Model:       ep.Model,
		Messages:    messages,
		Temperature: preset.Temperature,
		TopP:        preset.TopP,
		MaxTokens:   preset.MaxTokens,
		Stop:        preset.Stop,
		Stream:      stream,
	}
}

func (d *Dispatcher) completionRequest(ep Endpoint, preset Preset, req Request, stream bool) openai.CompletionRequest {
	var b strings.Builder
	if req.SystemPrompt != "" {
		b.WriteString(req.SystemPrompt)
		b.WriteString("\n\n")
	}
	if req.Prompt != "" {
		b.WriteString(req.Prompt)
	} else {
		b.WriteString(conversation.NewThread(req.Messages).Render())
	}
	return openai.CompletionRequest{
		Model:       ep.Model,
		Prompt:      b.String(),
		Temperature: preset.Temperature,
		TopP:        preset.TopP,
		MaxTokens:   preset.MaxTokens,
		Stop:        preset.Stop,
		Stream:      stream,
	}
}
