package provider

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Error is a categorized generation failure. Category is one of
// "validation", "network", "upstream", "canceled" or "unknown".
type Error struct {
	Category        string
	Code            string
	Retryable       bool
	UserMessage     string
	InternalMessage string
}

func (e *Error) Error() string {
	if e.InternalMessage != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.InternalMessage)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.UserMessage)
}

type GenerateInput struct {
	RequestID       string
	Prompt          string
	ReferenceAssets [][]byte
}

type GenerateOutput struct {
	AssetURL        string
	ThumbnailURL    string
	DurationSeconds *float64
}

// Generator produces one asset per call. Implementations must honour ctx
// cancellation.
type Generator interface {
	Generate(ctx context.Context, in GenerateInput) (GenerateOutput, *Error)
}

// FailMarker in a prompt makes the mock generator fail that request.
const FailMarker = "[fail]"

type MockGenerator struct {
	Latency     time.Duration
	FailureRate float64

	mu  sync.Mutex
	rng *rand.Rand
}

func NewMockGenerator(latency time.Duration) *MockGenerator {
	return &MockGenerator{
		Latency: latency,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *MockGenerator) Generate(ctx context.Context, in GenerateInput) (GenerateOutput, *Error) {
	if len(in.ReferenceAssets) == 0 {
		return GenerateOutput{}, &Error{
			Category:        "validation",
			Code:            "NO_REFERENCE_ASSETS",
			UserMessage:     "At least one reference asset is required",
			InternalMessage: "mock: empty reference assets",
		}
	}

	if err := waitCancelable(ctx, m.Latency); err != nil {
		return GenerateOutput{}, &Error{
			Category:        "canceled",
			Code:            "CANCELED",
			UserMessage:     "Request canceled",
			InternalMessage: err.Error(),
		}
	}

	if strings.Contains(in.Prompt, FailMarker) {
		return GenerateOutput{}, &Error{
			Category:        "upstream",
			Code:            "GENERATION_FAILED",
			UserMessage:     "Generation failed",
			InternalMessage: "mock fail marker in prompt",
		}
	}

	if m.FailureRate > 0 && m.roll() < m.FailureRate {
		return GenerateOutput{}, &Error{
			Category:        "network",
			Code:            "UPSTREAM_5XX",
			Retryable:       true,
			UserMessage:     "Service temporary unavailable",
			InternalMessage: "mock random failure",
		}
	}

	key := uuid.NewString()
	dur := 4.0
	return GenerateOutput{
		AssetURL:        fmt.Sprintf("mock://animations/%s/%s.mp4", in.RequestID, key),
		ThumbnailURL:    fmt.Sprintf("mock://animations/%s/%s.png", in.RequestID, key),
		DurationSeconds: &dur,
	}, nil
}

func (m *MockGenerator) roll() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rng.Float64()
}

func waitCancelable(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timeout := time.NewTimer(d)
	defer timeout.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout.C:
		return nil
	}
}
