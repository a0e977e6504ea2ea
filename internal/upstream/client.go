package upstream

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
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aethergate/aethergate/internal/catalog"
)

// Request is the backend-facing chat completion call, already translated
// to the resolved backend model name.
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

type Message struct {
	Role    string // "user", "assistant", "system"
	Content string
}

// Usage carries token counts reported by the backend, when it reports
// them at all.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
}

type Chunk struct {
	Delta string
	Usage *Usage
	Done  bool
	Err   error
}

// Error classifies an upstream failure. Transient failures (connection
// errors, 5xx before any caller bytes) are retried once; permanent ones
// (backend 4xx) surface immediately.
type Error struct {
	Status    int
	Transient bool
	Detail    string
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("upstream error (%s, status %d): %s", kind, e.Status, e.Detail)
}

type chatRequest struct {
	Model         string        `json:"model"`
	Messages      []chatMessage `json:"messages"`
	MaxTokens     int           `json:"max_tokens,omitempty"`
	Temperature   float64       `json:"temperature,omitempty"`
	Stream        bool          `json:"stream"`
	StreamOptions *streamOpts   `json:"stream_options,omitempty"`
}

type streamOpts struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatChunk struct {
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage"`
}

type chatChoice struct {
	Delta chatDelta `json:"delta"`
}

type chatDelta struct {
	Content string `json:"content"`
}

type chatUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Client opens streaming completions against resolved backend targets.
// One circuit breaker per target keeps a flapping backend from eating
// every request's connect timeout.
type Client struct {
	httpClient *http.Client

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{}, // streaming: no overall timeout, ctx bounds the request
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (c *Client) breaker(targetID string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[targetID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        targetID,
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	c.breakers[targetID] = cb
	return cb
}

// Stream opens the backend call and returns a channel of chunks. A
// transient connect failure is retried once against the same target
// before giving up; nothing has been sent to the caller at that point.
func (c *Client) Stream(ctx context.Context, target catalog.BackendTarget, req *Request) (<-chan *Chunk, error) {
	body, err := json.Marshal(c.mapRequest(req))
	if err != nil {
		return nil, err
	}

	resp, err := c.connect(ctx, target, body)
	if err != nil {
		var ue *Error
		if errors.As(err, &ue) && ue.Transient {
			resp, err = c.connect(ctx, target, body)
		}
		if err != nil {
			return nil, err
		}
	}

	ch := make(chan *Chunk)
	go c.pump(ctx, resp.Body, ch)
	return ch, nil
}

func (c *Client) connect(ctx context.Context, target catalog.BackendTarget, body []byte) (*http.Response, error) {
	cb := c.breaker(target.ID)

	result, err := cb.Execute(func() (interface{}, error) {
		url := fmt.Sprintf("%s/chat/completions", strings.TrimSuffix(target.BaseURL, "/"))
		httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if target.APIKey != "" {
			httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", target.APIKey))
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, &Error{Transient: true, Detail: err.Error()}
		}

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, &Error{
				Status:    resp.StatusCode,
				Transient: resp.StatusCode >= 500,
				Detail:    strings.TrimSpace(string(respBody)),
			}
		}

		return resp, nil
	})

	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, &Error{Transient: true, Detail: fmt.Sprintf("backend %s circuit open", target.ID)}
		}
		if ue, ok := err.(*Error); ok {
			return nil, ue
		}
		return nil, &Error{Transient: true, Detail: err.Error()}
	}

	return result.(*http.Response), nil
}

func (c *Client) mapRequest(req *Request) chatRequest {
	messages := make([]chatMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = chatMessage{Role: m.Role, Content: m.Content}
	}

	return chatRequest{
		Model:         req.Model,
		Messages:      messages,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		Stream:        true,
		StreamOptions: &streamOpts{IncludeUsage: true},
	}
}

func (c *Client) pump(ctx context.Context, body io.ReadCloser, ch chan<- *Chunk) {
	defer close(ch)
	defer body.Close()

	var usage *Usage
	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				send(ctx, ch, &Chunk{Usage: usage, Done: true})
				return
			}
			send(ctx, ch, &Chunk{Err: &Error{Transient: true, Detail: err.Error()}})
			return
		}

		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			send(ctx, ch, &Chunk{Usage: usage, Done: true})
			return
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			send(ctx, ch, &Chunk{Err: &Error{Transient: true, Detail: fmt.Sprintf("bad chunk: %v", err)}})
			return
		}

		if chunk.Usage != nil {
			usage = &Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
			}
		}

		if len(chunk.Choices) > 0 {
			content := chunk.Choices[0].Delta.Content
			if content != "" {
				if !send(ctx, ch, &Chunk{Delta: content}) {
					return
				}
			}
		}
	}
}

func send(ctx context.Context, ch chan<- *Chunk, chunk *Chunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
