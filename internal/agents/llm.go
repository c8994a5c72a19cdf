package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	// requestSpacing is the minimum gap between chat requests so replay
	// loops cannot hammer the endpoint.
	requestSpacing = 600 * time.Millisecond

	maxChatAttempts = 3
	maxResponseBody = 1 << 20
)

// LLMClient talks to an OpenAI-compatible chat completion endpoint.
type LLMClient struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client

	mu          sync.Mutex
	lastRequest time.Time
}

func NewLLMClient(baseURL, apiKey, model string, timeout time.Duration) *LLMClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &LLMClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (c *LLMClient) endpoint() string {
	return c.baseURL + "/v1/chat/completions"
}

// Complete sends one chat request and returns the first choice's content,
// trimmed. The raw response body comes back alongside so callers can
// archive it; on transport errors it is nil.
func (c *LLMClient) Complete(ctx context.Context, body chatRequest) (string, []byte, error) {
	c.pace()

	payload, err := json.Marshal(body)
	if err != nil {
		return "", nil, fmt.Errorf("marshal chat request: %w", err)
	}

	var (
		lastRaw []byte
		lastErr error
	)
	for attempt := 0; attempt < maxChatAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<attempt) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return "", lastRaw, ctx.Err()
			case <-time.After(delay):
			}
		}
		content, raw, retryable, err := c.post(ctx, payload)
		if err == nil {
			return content, raw, nil
		}
		lastRaw, lastErr = raw, err
		if !retryable {
			break
		}
	}
	return "", lastRaw, lastErr
}

func (c *LLMClient) post(ctx context.Context, payload []byte) (content string, raw []byte, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return "", nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", nil, false, err
	}
	defer resp.Body.Close()

	raw, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", nil, false, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return "", raw, true, fmt.Errorf("chat endpoint rate limited (429)")
	}
	if resp.StatusCode != http.StatusOK {
		return "", raw, false, fmt.Errorf("chat endpoint returned %d: %s", resp.StatusCode, truncate(string(raw), 300))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", raw, false, fmt.Errorf("decode chat response: %w", err)
	}
	if parsed.Error != nil {
		return "", raw, false, fmt.Errorf("chat endpoint error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", raw, false, fmt.Errorf("chat response has no choices")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), raw, false, nil
}

// pace enforces the minimum spacing between requests.
func (c *LLMClient) pace() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if wait := requestSpacing - time.Since(c.lastRequest); wait > 0 {
		time.Sleep(wait)
	}
	c.lastRequest = time.Now()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
