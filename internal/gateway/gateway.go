package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const DefaultTimeout = 55 * time.Second

// Completer turns a conversation payload into the assistant's reply text.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

type Request struct {
	Model       string       `json:"model"`
	Messages    []Message    `json:"messages"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Focus       string       `json:"focus,omitempty"`
	Temperature float32      `json:"temperature"`
}

// Message is one chat turn. Images are data URLs sent as inline image parts.
type Message struct {
	Role    string
	Content string
	Images  []string
}

// Attachment describes a file on the latest user turn. Payload bytes travel
// inside the messages, not here.
type Attachment struct {
	Type      string `json:"type"`
	Name      string `json:"name"`
	MIME      string `json:"mime"`
	Size      int64  `json:"size"`
	PageCount int    `json:"pageCount,omitempty"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.Images) == 0 {
		return json.Marshal(struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}{m.Role, m.Content})
	}

	parts := make([]contentPart, 0, len(m.Images)+1)
	if m.Content != "" {
		parts = append(parts, contentPart{Type: "text", Text: m.Content})
	}
	for _, img := range m.Images {
		parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: img}})
	}
	return json.Marshal(struct {
		Role    string        `json:"role"`
		Content []contentPart `json:"content"`
	}{m.Role, parts})
}

// TransportError is a network failure or a non-2xx answer from the endpoint.
type TransportError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("completion endpoint returned %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("completion request failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError means the fixed completion deadline passed.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("completion timed out after %s", e.After)
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// MalformedResponseError means the endpoint answered 2xx without usable content.
type MalformedResponseError struct {
	Reason string
	Err    error
}

func (e *MalformedResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed completion response: %s: %v", e.Reason, e.Err)
	}
	return "malformed completion response: " + e.Reason
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

var errDeadline = errors.New("completion deadline exceeded")

func withDeadline(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return context.WithTimeoutCause(ctx, timeout, errDeadline)
}

// classify maps a failed call onto the error taxonomy. Cancellation by the
// caller passes through as context.Canceled.
func classify(ctx context.Context, timeout time.Duration, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{After: timeout}
	}
	if ctx.Err() != nil {
		return fmt.Errorf("completion cancelled: %w", ctx.Err())
	}
	return &TransportError{Err: err}
}
