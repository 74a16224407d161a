package ai

import (
	"context"
	"errors"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider produces one complete assistant reply.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// StreamProvider is an optional interface. Providers may implement streaming chat.
// Both channels are closed when the stream ends; errs carries at most one value.
type StreamProvider interface {
	StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error)
}

var ErrStreamingUnsupported = errors.New("ai: provider does not support streaming")

// Stream falls back to a single chunk when p cannot stream.
func Stream(ctx context.Context, p Provider, messages []Message) (<-chan string, <-chan error) {
	if sp, ok := p.(StreamProvider); ok {
		return sp.StreamChat(ctx, messages)
	}
	chunks := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		reply, err := p.Chat(ctx, messages)
		if err != nil {
			errs <- err
			return
		}
		chunks <- reply
	}()
	return chunks, errs
}

// Drain collects a stream into one string, forwarding each chunk to fn when
// fn is non-nil.
func Drain(chunks <-chan string, errs <-chan error, fn func(string)) (string, error) {
	var full []byte
	for c := range chunks {
		full = append(full, c...)
		if fn != nil {
			fn(c)
		}
	}
	if err := <-errs; err != nil {
		return string(full), err
	}
	return string(full), nil
}
