package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"golang.org/x/time/rate"

	"github.com/oca-labs/oca/internal/log"
)

// ErrGenerationFailed indicates the model runtime rejected or aborted a
// generation call.
var ErrGenerationFailed = errors.New("generation failed")

// StreamFunc receives one output fragment. Returning an error stops the
// generator; fragments already delivered stay valid.
type StreamFunc func(ctx context.Context, fragment string) error

// Generator produces model output for an assembled message sequence.
//
// With a nil stream the call is synchronous accumulate-then-return. With a
// stream, fragments are forwarded as they arrive and the accumulated text is
// returned at the end. On error the returned text holds whatever fragments
// were produced before the failure, so callers can archive partial output.
type Generator interface {
	Generate(ctx context.Context, msgs []*ai.Message, stream StreamFunc) (string, error)
}

// GenkitGenerator runs generation through a Genkit model.
type GenkitGenerator struct {
	g         *genkit.Genkit
	modelName string
	limiter   *rate.Limiter
	logger    log.Logger
}

// NewGenkitGenerator creates a generator for the named model. limiter may be
// nil to disable proactive rate limiting.
func NewGenkitGenerator(g *genkit.Genkit, modelName string, limiter *rate.Limiter, logger log.Logger) *GenkitGenerator {
	if logger == nil {
		logger = log.NewNop()
	}
	return &GenkitGenerator{g: g, modelName: modelName, limiter: limiter, logger: logger}
}

func (gg *GenkitGenerator) Generate(ctx context.Context, msgs []*ai.Message, stream StreamFunc) (string, error) {
	if gg.limiter != nil {
		if err := gg.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("%w: rate limit wait: %v", ErrGenerationFailed, err)
		}
	}

	var accumulated strings.Builder

	opts := []ai.GenerateOption{
		ai.WithModelName(gg.modelName),
		ai.WithMessages(msgs...),
	}
	if stream != nil {
		opts = append(opts, ai.WithStreaming(func(cbCtx context.Context, chunk *ai.ModelResponseChunk) error {
			text := chunk.Text()
			if text == "" {
				return nil
			}
			if err := stream(cbCtx, text); err != nil {
				return err
			}
			accumulated.WriteString(text)
			return nil
		}))
	}

	resp, err := genkit.Generate(ctx, gg.g, opts...)
	if err != nil {
		// Partial text survives so the exchange can still be archived.
		return accumulated.String(), fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	if stream != nil {
		return accumulated.String(), nil
	}
	return resp.Text(), nil
}
