package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/foxseedlab/teno/internal/classifier"
	"github.com/foxseedlab/teno/internal/generator"
	"github.com/foxseedlab/teno/internal/prompt"
	"github.com/sashabaranov/go-openai"
)

const (
	defaultModel        = "gpt-4o-mini"
	classifierMaxTokens = 4
	defaultAnswerTokens = 400
)

type OpenAIConfig struct {
	APIKey          string
	BaseURL         string
	Model           string
	ClassifierModel string
	BotName         string
}

type OpenAIClient struct {
	client          *openai.Client
	model           string
	classifierModel string
	botName         string
}

func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		clientConfig.BaseURL = base
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	classifierModel := strings.TrimSpace(cfg.ClassifierModel)
	if classifierModel == "" {
		classifierModel = model
	}
	return &OpenAIClient{
		client:          openai.NewClientWithConfig(clientConfig),
		model:           model,
		classifierModel: classifierModel,
		botName:         cfg.BotName,
	}
}

func (c *OpenAIClient) Generate(ctx context.Context, req generator.Request) generator.Result {
	chatReq := c.chatRequest(req)
	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return generator.Failed(fmt.Errorf("create chat completion: %w", err))
	}
	if len(resp.Choices) == 0 {
		return generator.Failed(errors.New("no choices in chat completion"))
	}
	return generator.Result{
		Status:           generator.StatusOK,
		Answer:           strings.TrimSpace(resp.Choices[0].Message.Content),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		Model:            resp.Model,
	}
}

func (c *OpenAIClient) Stream(ctx context.Context, req generator.Request, onToken func(token string)) generator.Result {
	chatReq := c.chatRequest(req)
	chatReq.Stream = true
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := c.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return generator.Failed(fmt.Errorf("create chat completion stream: %w", err))
	}
	defer stream.Close()

	result := generator.Result{Status: generator.StatusOK, Model: chatReq.Model}
	var answer strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return generator.Failed(fmt.Errorf("receive stream chunk: %w", err))
		}
		if chunk.Model != "" {
			result.Model = chunk.Model
		}
		if chunk.Usage != nil {
			result.PromptTokens = chunk.Usage.PromptTokens
			result.CompletionTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if token := chunk.Choices[0].Delta.Content; token != "" {
			answer.WriteString(token)
			if onToken != nil {
				onToken(token)
			}
		}
	}
	result.Answer = strings.TrimSpace(answer.String())
	slog.Debug("llm stream completed",
		"model", result.Model,
		"prompt_tokens", result.PromptTokens,
		"completion_tokens", result.CompletionTokens,
	)
	return result
}

func (c *OpenAIClient) Classify(ctx context.Context, lines []string) (classifier.Decision, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.classifierModel,
		Messages:    toChatMessages(prompt.Classifier(c.botName, lines)),
		MaxTokens:   classifierMaxTokens,
		Temperature: 0,
	})
	if err != nil {
		return classifier.Pass, fmt.Errorf("classify: %w", err)
	}
	if len(resp.Choices) == 0 {
		return classifier.Pass, errors.New("classify: no choices in chat completion")
	}
	return classifier.Parse(resp.Choices[0].Message.Content)
}

func (c *OpenAIClient) chatRequest(req generator.Request) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnswerTokens
	}
	return openai.ChatCompletionRequest{
		Model:     model,
		Messages:  toChatMessages(req.Messages),
		MaxTokens: maxTokens,
	}
}

func toChatMessages(msgs []generator.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}
