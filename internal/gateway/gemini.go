package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Galenite-GLNT/galenite-site/internal/utils"
	"github.com/google/generative-ai-go/genai"
	"github.com/ternarybob/arbor"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const defaultGeminiModel = "gemini-1.5-flash-latest"

type GeminiConfig struct {
	APIKey  string
	Model   string
	Timeout time.Duration
}

// GeminiClient completes chats directly against the Gemini API.
type GeminiClient struct {
	client  *genai.Client
	model   string
	timeout time.Duration
	logger  arbor.ILogger
}

func NewGeminiClient(ctx context.Context, cfg GeminiConfig, logger arbor.ILogger) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &GeminiClient{client: client, model: model, timeout: timeout, logger: logger}, nil
}

func (c *GeminiClient) Close() error {
	return c.client.Close()
}

func (c *GeminiClient) Complete(ctx context.Context, req Request) (string, error) {
	system, history, err := toGeminiContents(req.Messages)
	if err != nil {
		return "", err
	}
	if req.Focus != "" {
		system = strings.TrimSpace(system + "\n\nFocus: " + req.Focus)
	}

	// The request model names the proxy's upstream, not a Gemini model.
	model := c.client.GenerativeModel(c.model)
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	temp := req.Temperature
	model.GenerationConfig = genai.GenerationConfig{Temperature: &temp}

	ctx, cancel := withDeadline(ctx, c.timeout)
	defer cancel()

	last := history[len(history)-1]
	session := model.StartChat()
	session.History = history[:len(history)-1]

	resp, err := session.SendMessage(ctx, last.Parts...)
	if err != nil {
		return "", c.classify(ctx, err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", &MalformedResponseError{Reason: "no candidates"}
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			text.WriteString(string(txt))
		} else {
			c.logger.Debug().Str("part", fmt.Sprintf("%T", part)).Msg("Ignoring non-text Gemini response part")
		}
	}
	content := strings.TrimSpace(text.String())
	if content == "" {
		return "", &MalformedResponseError{Reason: "empty message content"}
	}
	return content, nil
}

func (c *GeminiClient) classify(ctx context.Context, err error) error {
	var gerr *googleapi.Error
	if ctx.Err() == nil && errors.As(err, &gerr) {
		return &TransportError{StatusCode: gerr.Code, Body: gerr.Message, Err: err}
	}
	return classify(ctx, c.timeout, err)
}

// toGeminiContents splits the payload into a system instruction and a chat
// history that ends with a user turn. Consecutive turns of the same role merge.
func toGeminiContents(messages []Message) (string, []*genai.Content, error) {
	var system []string
	var history []*genai.Content

	for _, m := range messages {
		if m.Role == "system" {
			if s := strings.TrimSpace(m.Content); s != "" {
				system = append(system, s)
			}
			continue
		}

		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}

		var parts []genai.Part
		if m.Content != "" {
			parts = append(parts, genai.Text(m.Content))
		}
		for _, img := range m.Images {
			decoded, err := utils.ParseDataURL(img)
			if err != nil {
				return "", nil, fmt.Errorf("failed to decode image part: %w", err)
			}
			parts = append(parts, genai.ImageData(strings.TrimPrefix(decoded.MediaType, "image/"), decoded.Data))
		}
		if len(parts) == 0 {
			continue
		}

		if n := len(history); n > 0 && history[n-1].Role == role {
			history[n-1].Parts = append(history[n-1].Parts, parts...)
			continue
		}
		history = append(history, &genai.Content{Role: role, Parts: parts})
	}

	if len(history) == 0 {
		return "", nil, fmt.Errorf("prompt history is empty for chat completion")
	}
	if history[len(history)-1].Role != "user" {
		return "", nil, fmt.Errorf("last message in history is not from 'user', cannot proceed with chat completion")
	}
	return strings.Join(system, "\n\n"), history, nil
}
