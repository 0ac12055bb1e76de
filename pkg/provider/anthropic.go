package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/sentinelops/aegis/pkg/config"
	"github.com/sentinelops/aegis/pkg/errs"
)

// AnthropicTransport drives the Anthropic Messages API.
type AnthropicTransport struct {
	id     string
	model  string
	client anthropic.Client
}

// NewAnthropicTransport builds a transport for one configured provider entry.
func NewAnthropicTransport(cfg config.ProviderConfig, apiKey string) *AnthropicTransport {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicTransport{
		id:     cfg.ID,
		model:  cfg.Model,
		client: anthropic.NewClient(opts...),
	}
}

func (t *AnthropicTransport) Invoke(ctx context.Context, req Request) (Response, *Usage, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(t.model),
		MaxTokens: req.MaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := t.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, nil, t.classify(err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	usage := &Usage{
		TokensIn:  msg.Usage.InputTokens,
		TokensOut: msg.Usage.OutputTokens,
	}
	return Response{Text: sb.String()}, usage, nil
}

// classify maps SDK failures onto the shared taxonomy, preserving the HTTP
// status for the retry layer.
func (t *AnthropicTransport) classify(err error) error {
	if kind := errs.KindOf(err); kind == errs.Timeout || kind == errs.Cancelled {
		return errs.FromContext(err)
	}
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		wrapped := &TransportError{Provider: t.id, StatusCode: apierr.StatusCode, Err: err}
		switch {
		case apierr.StatusCode == 429:
			return errs.Wrap(errs.Throttled, "anthropic rate limited", wrapped)
		case apierr.StatusCode >= 500:
			return errs.Wrap(errs.Internal, "anthropic server error", wrapped)
		case apierr.StatusCode == 400:
			return errs.Wrap(errs.Validation, "anthropic rejected request", wrapped)
		default:
			return errs.Wrap(errs.Internal, "anthropic request failed", wrapped)
		}
	}
	return errs.Wrap(errs.Internal, "anthropic call failed",
		&TransportError{Provider: t.id, StatusCode: 0, Err: err})
}
