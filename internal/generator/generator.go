package generator

import (
	"context"
	"errors"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

type Request struct {
	Messages []Message
	// Model overrides the adapter default when set.
	Model     string
	MaxTokens int
}

// Result is tagged rather than paired with an error: Status is StatusOK or StatusError.
type Result struct {
	Status           string
	Error            string
	Answer           string
	PromptTokens     int
	CompletionTokens int
	Model            string
}

func (r Result) OK() bool {
	return r.Status == StatusOK
}

// Err converts an error result back into a Go error at the call site.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	if r.Error == "" {
		return errors.New("generation failed")
	}
	return errors.New(r.Error)
}

func Failed(err error) Result {
	return Result{Status: StatusError, Error: err.Error()}
}

type Generator interface {
	Generate(ctx context.Context, req Request) Result
	// Stream calls onToken for each content delta in order; the Result carries the full answer.
	Stream(ctx context.Context, req Request, onToken func(token string)) Result
}
