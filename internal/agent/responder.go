package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Prompt is everything a responder needs to produce the next message:
// the command syntax and catalog, the mode switches, and the conversation.
type Prompt struct {
	Commands string `json:"commands"`
	Modes    string `json:"modes"`
	Turns    []Turn `json:"turns"`
}

// Responder produces the agent's next message for a conversation.
type Responder interface {
	Respond(ctx context.Context, p Prompt) (string, error)
}

type ResponderFunc func(ctx context.Context, p Prompt) (string, error)

func (f ResponderFunc) Respond(ctx context.Context, p Prompt) (string, error) { return f(ctx, p) }

// HTTPResponder posts {"name", "commands", "modes", "turns"} as JSON to URL
// and reads {"text"}.
type HTTPResponder struct {
	URL    string
	Name   string
	Client *http.Client
}

func NewHTTPResponder(url, name string, timeout time.Duration) *HTTPResponder {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &HTTPResponder{URL: url, Name: name, Client: &http.Client{Timeout: timeout}}
}

type respondRequest struct {
	Name string `json:"name"`
	Prompt
}

type respondResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

func (r *HTTPResponder) Respond(ctx context.Context, p Prompt) (string, error) {
	body, err := json.Marshal(respondRequest{Name: r.Name, Prompt: p})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("responder: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("responder: read: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("responder: status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}
	var out respondResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("responder: decode: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("responder: %s", out.Error)
	}
	return out.Text, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
