package provider

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// StubFunc lets tests script a transport without a type definition.
type StubFunc func(ctx context.Context, req Request) (Response, *Usage, error)

func (f StubFunc) Invoke(ctx context.Context, req Request) (Response, *Usage, error) {
	return f(ctx, req)
}

// StubTransport is the built-in offline provider. It returns a deterministic,
// well-formed agent response derived from the prompt so pipelines exercise end
// to end without network access.
type StubTransport struct {
	fn StubFunc
}

// NewStubTransport creates a stub. A nil fn uses the deterministic default.
func NewStubTransport(fn StubFunc) *StubTransport {
	return &StubTransport{fn: fn}
}

func (s *StubTransport) Invoke(ctx context.Context, req Request) (Response, *Usage, error) {
	if s.fn != nil {
		return s.fn(ctx, req)
	}
	if err := ctx.Err(); err != nil {
		return Response{}, nil, err
	}

	// Confidence is a stable function of the prompt so repeated runs agree.
	sum := sha256.Sum256([]byte(req.Prompt))
	frac := float64(binary.BigEndian.Uint16(sum[:2])) / 65535.0
	confidence := 0.80 + 0.15*frac

	body, _ := json.Marshal(map[string]any{
		"confidence": confidence,
		"summary":    fmt.Sprintf("stub analysis (%x)", sum[:4]),
		"evidence":   []any{},
	})
	usage := &Usage{
		TokensIn:  int64(len(req.System)+len(req.Prompt)) / 4,
		TokensOut: int64(len(body)) / 4,
	}
	return Response{Text: string(body)}, usage, nil
}
