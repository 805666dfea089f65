package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Galenite-GLNT/galenite-site/internal/utils"
	"github.com/sashabaranov/go-openai"
	"github.com/ternarybob/arbor"
)

const maxResponseBytes = 4 << 20

type ProxyConfig struct {
	URL        string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// ProxyClient posts OpenAI-style chat payloads to the completion proxy.
type ProxyClient struct {
	url     string
	timeout time.Duration
	hc      *http.Client
	logger  arbor.ILogger
}

func NewProxyClient(cfg ProxyConfig, logger arbor.ILogger) *ProxyClient {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &ProxyClient{url: cfg.URL, timeout: timeout, hc: hc, logger: logger}
}

func (c *ProxyClient) Complete(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode completion request: %w", err)
	}

	ctx, cancel := withDeadline(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return "", classify(ctx, c.timeout, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", classify(ctx, c.timeout, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn().Int("status", resp.StatusCode).Str("model", req.Model).Msg("Completion proxy returned an error")
		return "", &TransportError{StatusCode: resp.StatusCode, Body: utils.Truncate(strings.TrimSpace(string(raw)), 512, "…")}
	}

	var completion openai.ChatCompletionResponse
	if err := json.Unmarshal(raw, &completion); err != nil {
		return "", &MalformedResponseError{Reason: "invalid json", Err: err}
	}
	if len(completion.Choices) == 0 {
		return "", &MalformedResponseError{Reason: "no choices"}
	}
	content := strings.TrimSpace(completion.Choices[0].Message.Content)
	if content == "" {
		return "", &MalformedResponseError{Reason: "empty message content"}
	}

	c.logger.Debug().
		Str("model", req.Model).
		Int("messages", len(req.Messages)).
		Int64("elapsed_ms", time.Since(started).Milliseconds()).
		Msg("Completion received")
	return content, nil
}
