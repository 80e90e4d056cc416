package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/stellarlinkco/caseintake/internal/config"
)

// ErrCollaborator matches every CollaboratorError via errors.Is.
var ErrCollaborator = errors.New("collaborator error")

// CollaboratorError reports a failed call to an external service
// (network, timeout, authentication, empty reply).
type CollaboratorError struct {
	Op  string
	Err error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("collaborator %s: %v", e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

func (e *CollaboratorError) Is(target error) bool { return target == ErrCollaborator }

// Request is one reasoning round trip: system instructions plus ordered history.
type Request struct {
	Model       string
	System      string
	Messages    []model.Message
	Temperature *float64
}

// Client is the reasoning collaborator. It returns the raw reply text.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// ProviderClient adapts an agentsdk-go model provider to Client.
type ProviderClient struct {
	provider model.Provider
	timeout  time.Duration
}

// NewProviderClient builds the provider named by cfg.Provider.Type.
func NewProviderClient(cfg *config.Config) (*ProviderClient, error) {
	if strings.TrimSpace(cfg.Provider.APIKey) == "" {
		return nil, fmt.Errorf("API key not set. Run 'caseintake onboard' or set CASEINTAKE_API_KEY / OPENAI_API_KEY")
	}

	var provider model.Provider
	switch cfg.Provider.Type {
	case "anthropic":
		provider = &model.AnthropicProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Models.Reasoning,
			MaxTokens: cfg.Models.MaxTokens,
			CacheTTL:  time.Hour,
		}
	default: // "openai" or empty
		provider = &model.OpenAIProvider{
			APIKey:    cfg.Provider.APIKey,
			BaseURL:   cfg.Provider.BaseURL,
			ModelName: cfg.Models.Reasoning,
			MaxTokens: cfg.Models.MaxTokens,
			CacheTTL:  time.Hour,
		}
	}
	return NewClientWithProvider(provider, cfg.Models.Timeout()), nil
}

// NewClientWithProvider wraps an arbitrary provider (for testing).
func NewClientWithProvider(p model.Provider, timeout time.Duration) *ProviderClient {
	return &ProviderClient{provider: p, timeout: timeout}
}

func (c *ProviderClient) Complete(ctx context.Context, req Request) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	mdl, err := c.provider.Model(ctx)
	if err != nil {
		return "", &CollaboratorError{Op: "init model", Err: err}
	}

	resp, err := mdl.Complete(ctx, model.Request{
		Model:       req.Model,
		System:      req.System,
		Messages:    req.Messages,
		Temperature: req.Temperature,
	})
	if err != nil {
		return "", &CollaboratorError{Op: "complete", Err: err}
	}
	if resp == nil || strings.TrimSpace(resp.Message.Content) == "" {
		return "", &CollaboratorError{Op: "complete", Err: errors.New("empty reply")}
	}
	return resp.Message.Content, nil
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// UserText builds a plain user message.
func UserText(content string) model.Message {
	return model.Message{Role: "user", Content: content}
}

// AssistantText builds a plain assistant message.
func AssistantText(content string) model.Message {
	return model.Message{Role: "assistant", Content: content}
}
