// Package inference talks to the local inference server's chat-completions endpoint.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"inferd/internal/events"
)

// Client issues chat-completion calls. Failures are reported as events and a
// false return, never as panics or errors.
type Client struct {
	baseURL   string
	model     string
	http      *http.Client
	publisher events.Publisher
	log       zerolog.Logger
}

// NewClient returns a client for the server at baseURL (e.g. http://127.0.0.1:8081).
func NewClient(baseURL string, pub events.Publisher, log zerolog.Logger) *Client {
	// Timeout=0: every call carries a context deadline from its profile.
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Timeout: 0},
		publisher: events.OrNop(pub),
		log:       log,
	}
}

// SetModel sets the model name sent with requests. The server ignores it when
// serving a single model, but it shows up in its request logs.
func (c *Client) SetModel(name string) { c.model = name }

// BaseURL returns the server URL.
func (c *Client) BaseURL() string { return c.baseURL }

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model,omitempty"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	TopP           float64         `json:"top_p,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Stop           []string        `json:"stop,omitempty"`
	RepeatPenalty  float64         `json:"repeat_penalty,omitempty"`
	DryMultiplier  float64         `json:"dry_multiplier,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	Stream         bool            `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// ChatComplete sends messages with the profile for mode and returns
// choices[0].message.content. ok is false on transport errors, non-2xx
// statuses, undecodable bodies and empty choice lists; an error event is
// published in each case.
func (c *Client) ChatComplete(ctx context.Context, mode Mode, messages []Message, params Params) (text string, ok bool) {
	p := ProfileFor(mode).with(params)
	start := time.Now()
	text, err := c.do(ctx, p, messages)
	if err != nil {
		c.log.Warn().Str("event", "completion_failed").Str("job", params.JobID).Str("mode", mode.String()).Dur("elapsed", time.Since(start)).Err(err).Msg("")
		c.publisher.Publish(events.Event{Kind: events.KindError, Source: "inference", JobID: params.JobID, Index: params.Index,
			Text: err.Error(), Fields: map[string]any{"mode": mode.String()}})
		return "", false
	}
	c.log.Debug().Str("event", "completion_done").Str("mode", mode.String()).Dur("elapsed", time.Since(start)).Int("chars", len(text)).Msg("")
	return text, true
}

func (c *Client) do(ctx context.Context, p Profile, messages []Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	payload := chatRequest{
		Model:         c.model,
		Messages:      messages,
		Temperature:   p.Temperature,
		TopP:          p.TopP,
		MaxTokens:     p.MaxTokens,
		Stop:          p.Stop,
		RepeatPenalty: p.RepeatPenalty,
		DryMultiplier: p.DryMultiplier,
	}
	if p.JSONResponse {
		payload.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("chat completion: %w", ctx.Err())
		}
		return "", fmt.Errorf("chat completion: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("inference server http error: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode completion: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("inference server returned no choices")
	}
	return out.Choices[0].Message.Content, nil
}
