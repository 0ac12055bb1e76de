package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/sentinelops/aegis/pkg/config"
	"github.com/sentinelops/aegis/pkg/errs"
)

// OpenAITransport drives OpenAI-compatible chat completion endpoints.
type OpenAITransport struct {
	id  string
	llm *openai.LLM
}

// NewOpenAITransport builds a transport for one configured provider entry.
// BaseURL supports OpenAI-compatible gateways.
func NewOpenAITransport(cfg config.ProviderConfig, apiKey string) (*OpenAITransport, error) {
	opts := []openai.Option{
		openai.WithToken(apiKey),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}
	return &OpenAITransport{id: cfg.ID, llm: llm}, nil
}

func (t *OpenAITransport) Invoke(ctx context.Context, req Request) (Response, *Usage, error) {
	content := make([]llms.MessageContent, 0, 2)
	if req.System != "" {
		content = append(content, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	content = append(content, llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt))

	var opts []llms.CallOption
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(int(req.MaxTokens)))
	}

	resp, err := t.llm.GenerateContent(ctx, content, opts...)
	if err != nil {
		return Response{}, nil, t.classify(err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, nil, errs.Newf(errs.Internal, "openai returned no choices")
	}

	choice := resp.Choices[0]
	usage := &Usage{}
	if n, ok := choice.GenerationInfo["PromptTokens"].(int); ok {
		usage.TokensIn = int64(n)
	}
	if n, ok := choice.GenerationInfo["CompletionTokens"].(int); ok {
		usage.TokensOut = int64(n)
	}
	return Response{Text: choice.Content}, usage, nil
}

// classify maps client failures onto the shared taxonomy. The client does not
// expose typed HTTP errors, so the status is recovered from the message.
func (t *OpenAITransport) classify(err error) error {
	if kind := errs.KindOf(err); kind == errs.Timeout || kind == errs.Cancelled {
		return errs.FromContext(err)
	}
	msg := err.Error()
	status := statusFromMessage(msg)
	wrapped := &TransportError{Provider: t.id, StatusCode: status, Err: err}
	switch {
	case status == 429 || strings.Contains(msg, "rate limit"):
		return errs.Wrap(errs.Throttled, "openai rate limited", wrapped)
	case status >= 500:
		return errs.Wrap(errs.Internal, "openai server error", wrapped)
	case status == 400:
		return errs.Wrap(errs.Validation, "openai rejected request", wrapped)
	default:
		return errs.Wrap(errs.Internal, "openai call failed", wrapped)
	}
}

func statusFromMessage(msg string) int {
	for _, code := range []int{400, 401, 403, 404, 429, 500, 502, 503, 529} {
		if strings.Contains(msg, fmt.Sprintf("status code: %d", code)) {
			return code
		}
	}
	return 0
}
