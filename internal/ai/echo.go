package ai

import (
	"context"
	"strings"
)

// EchoProvider repeats the last user message back word by word. It needs no
// network and is handy for local development.
type EchoProvider struct{}

func lastUser(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

func (EchoProvider) Chat(_ context.Context, messages []Message) (string, error) {
	return lastUser(messages), nil
}

func (EchoProvider) StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		words := strings.SplitAfter(lastUser(messages), " ")
		for _, w := range words {
			if w == "" {
				continue
			}
			select {
			case chunks <- w:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}
