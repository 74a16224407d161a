package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAIProvider speaks the /chat/completions dialect shared by OpenAI,
// OpenRouter and most self-hosted gateways.
type OpenAIProvider struct {
	Name        string // used in error messages
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	// Extra headers, e.g. OpenRouter's HTTP-Referer / X-Title.
	Headers map[string]string
	Client  *http.Client
}

func NewOpenAIProvider(baseURL, apiKey, model string, temperature float64) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		Name:        "openai",
		BaseURL:     strings.TrimRight(baseURL, "/"),
		APIKey:      apiKey,
		Model:       model,
		Temperature: temperature,
		Headers:     map[string]string{},
		Client:      &http.Client{},
	}
}

func NewOpenRouterProvider(baseURL, apiKey, model, siteURL, appName string, temperature float64) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	p := NewOpenAIProvider(baseURL, apiKey, model, temperature)
	p.Name = "openrouter"
	if siteURL != "" {
		p.Headers["HTTP-Referer"] = siteURL
	}
	if appName != "" {
		p.Headers["X-Title"] = appName
	}
	return p
}

type completionReq struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature float64   `json:"temperature"`
}

type apiError struct {
	Message string `json:"message"`
}

type completionResp struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type completionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

func (p *OpenAIProvider) post(ctx context.Context, messages []Message, stream bool) (*http.Response, error) {
	if p.Client == nil {
		return nil, fmt.Errorf("%s: http client is nil", p.Name)
	}
	if strings.TrimSpace(p.APIKey) == "" {
		return nil, fmt.Errorf("%s: api key is required", p.Name)
	}
	model := strings.TrimSpace(p.Model)
	if model == "" {
		return nil, fmt.Errorf("%s: model is required", p.Name)
	}

	b, err := json.Marshal(completionReq{
		Model:       model,
		Messages:    messages,
		Stream:      stream,
		Temperature: p.Temperature,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/chat/completions", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("%s: %s", p.Name, msg)
	}
	return resp, nil
}

func (p *OpenAIProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 90*time.Second)
	defer cancel()

	resp, err := p.post(ctx, messages, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var decoded completionResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", err
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return "", errors.New(decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("%s: empty response", p.Name)
	}
	return decoded.Choices[0].Message.Content, nil
}

// StreamChat consumes the SSE body; "data: [DONE]" ends the stream.
func (p *OpenAIProvider) StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		resp, err := p.post(ctx, messages, true)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}
			var decoded completionChunk
			if err := json.Unmarshal([]byte(data), &decoded); err != nil {
				errs <- err
				return
			}
			if decoded.Error != nil && decoded.Error.Message != "" {
				errs <- errors.New(decoded.Error.Message)
				return
			}
			if len(decoded.Choices) == 0 || decoded.Choices[0].Delta.Content == "" {
				continue
			}
			select {
			case chunks <- decoded.Choices[0].Delta.Content:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if err := sc.Err(); err != nil {
			errs <- err
		}
	}()

	return chunks, errs
}
