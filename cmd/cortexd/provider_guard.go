package main

import (
	"context"
	"time"

	"github.com/cortexlabs/cortex-core/internal/agent"
	"github.com/cortexlabs/cortex-core/internal/infra"
)

// guardedProvider wraps an agent.LLMProvider with a circuit breaker and
// token usage tracking, so a provider that starts failing stops being
// hammered and operators can see per-provider consumption on /v1/usage.
type guardedProvider struct {
	inner   agent.LLMProvider
	breaker *infra.CircuitBreaker
	usage   *infra.UsageTracker
}

func newGuardedProvider(inner agent.LLMProvider, usage *infra.UsageTracker) *guardedProvider {
	breaker := infra.NewCircuitBreaker(infra.CircuitBreakerConfig{
		Name:             inner.Name(),
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	})
	usage.RegisterProvider(inner.Name(), inner.Name())
	return &guardedProvider{inner: inner, breaker: breaker, usage: usage}
}

func (p *guardedProvider) Name() string          { return p.inner.Name() }
func (p *guardedProvider) Models() []agent.Model { return p.inner.Models() }
func (p *guardedProvider) SupportsTools() bool   { return p.inner.SupportsTools() }

// Complete opens the stream under the circuit breaker's guard; once a
// stream starts, its chunks pass through directly so a slow-but-working
// provider is never interrupted mid-response by the breaker.
func (p *guardedProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	var upstream <-chan *agent.CompletionChunk
	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		ch, err := p.inner.Complete(ctx, req)
		upstream = ch
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make(chan *agent.CompletionChunk)
	go func() {
		defer close(out)
		var tokens int64
		for chunk := range upstream {
			if chunk.Error != nil {
				chunkErr := chunk.Error
				_ = p.breaker.Execute(ctx, func(context.Context) error { return chunkErr })
			}
			tokens += int64(len(chunk.Text))
			out <- chunk
		}
		if tokens > 0 {
			p.usage.RecordRequest(p.inner.Name(), tokens)
		}
	}()
	return out, nil
}
