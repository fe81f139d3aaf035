// Package narrative writes a short plain-language summary of a pipeline's
// metrics table using an OpenAI chat model.
package narrative

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/lox/waterquality/internal/verify"
)

const systemPrompt = `You summarise forecasting results for lake water-quality monitoring staff.
You are given a table of in-sample error scores (MAE, MSE, RMSE and R2) for six neural network variants at several forecast horizons.
Scores are computed on min-max scaled values, so lower errors and higher R2 are better. Blank cells are missing.
Write at most four short sentences: which variant did best per horizon, whether external weather features helped, and any horizon where results look unreliable.
Do not invent numbers that are not in the table.`

// ErrNoAPIKey is returned when no API key is configured.
var ErrNoAPIKey = errors.New("OPENAI_API_KEY environment variable not set")

type Summarizer struct {
	client openai.Client
	model  openai.ChatModel
}

// New returns a summarizer using apiKey. An empty model selects gpt-4o-mini.
func New(apiKey, model string, opts ...option.RequestOption) (*Summarizer, error) {
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}
	chatModel := openai.ChatModelGPT4oMini
	if model != "" {
		chatModel = openai.ChatModel(model)
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Summarizer{
		client: openai.NewClient(opts...),
		model:  chatModel,
	}, nil
}

// NewFromEnv reads the API key from OPENAI_API_KEY.
func NewFromEnv(model string) (*Summarizer, error) {
	return New(os.Getenv("OPENAI_API_KEY"), model)
}

// Summarize asks the chat model to describe the wide metrics table.
func (s *Summarizer) Summarize(ctx context.Context, t *verify.WideTable) (string, error) {
	if t == nil || len(t.Rows) == 0 {
		return "", errors.New("summarize: empty metrics table")
	}

	chat, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(RenderTable(t)),
		},
		Model:               s.model,
		MaxCompletionTokens: openai.Int(300),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(chat.Choices) == 0 {
		return "", errors.New("chat completion: no choices returned")
	}

	summary := strings.TrimSpace(chat.Choices[0].Message.Content)
	if summary == "" {
		return "", errors.New("chat completion: empty summary")
	}
	log.Printf("narrative: generated %d character summary with %s", len(summary), s.model)
	return summary, nil
}

// RenderTable formats t as a pipe-separated text table.
func RenderTable(t *verify.WideTable) string {
	var b strings.Builder
	b.WriteString("model | ")
	b.WriteString(strings.Join(t.Columns, " | "))
	b.WriteByte('\n')
	for _, r := range t.Rows {
		b.WriteString(r.Model)
		for _, v := range r.Values {
			b.WriteString(" | ")
			if v.Valid {
				b.WriteString(strconv.FormatFloat(v.Float64, 'f', 4, 64))
			}
		}
		b.WriteByte('\n')
	}
	return b.String()
}
