// Package ai abstracts the agent backend that answers ai-prompt steps.
package ai

import (
	"context"
	"fmt"
)

// Provider sends a rendered prompt to an agent and returns its response.
type Provider interface {
	Send(ctx context.Context, prompt, agent string) (string, error)
}

// EchoProvider is the built-in placeholder backend. It returns the prompt
// annotated with the agent name, which keeps workflows runnable end to end
// without a live model connection.
type EchoProvider struct{}

func (EchoProvider) Send(_ context.Context, prompt, agent string) (string, error) {
	if agent == "" {
		agent = "default"
	}
	return fmt.Sprintf("[%s] %s", agent, prompt), nil
}
