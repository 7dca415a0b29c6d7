package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pavelanni/mocktest/internal/llm/prompts"
	"github.com/pavelanni/mocktest/internal/model"
)

// Advice is the revision plan produced for one analysis report.
type Advice struct {
	Summary string      `json:"summary"`
	Plan    []StudyItem `json:"plan"`
}

// StudyItem is one step of a revision plan.
type StudyItem struct {
	Topic    string   `json:"topic"`
	Reason   string   `json:"reason"`
	Actions  []string `json:"actions"`
	Priority int      `json:"priority"`
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api   *openai.Client
	model string
	style prompts.Style
}

// New creates a new LLM client. style selects the coaching prompt variant.
func New(baseURL, apiKey, modelName, style string) (*Client, error) {
	if !prompts.IsValidStyle(style) {
		return nil, fmt.Errorf("invalid coach style %q", style)
	}
	if err := prompts.Load(prompts.Templates); err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
		style: prompts.Style(style),
	}, nil
}

// Ping checks that the endpoint answers and serves the configured model.
func (c *Client) Ping(ctx context.Context) error {
	list, err := c.api.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	for _, m := range list.Models {
		if m.ID == c.model {
			return nil
		}
	}
	slog.Warn("model not listed by LLM endpoint", "model", c.model, "available", len(list.Models))
	return nil
}

// Advise asks the model for a revision plan based on report.
// lang is the language code the plan should be written in.
func (c *Client) Advise(ctx context.Context, report *model.AnalysisReport, lang string) (*Advice, error) {
	system, user, err := prompts.BuildCoachPrompt(c.style, report, lang)
	if err != nil {
		return nil, fmt.Errorf("build coach prompt: %w", err)
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.3,
	})
	if err != nil {
		return nil, fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("LLM returned no choices")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "raw", raw)

	advice, err := parseAdvice(raw)
	if err != nil {
		return nil, err
	}
	return advice, nil
}

func parseAdvice(raw string) (*Advice, error) {
	raw = strings.TrimSpace(raw)
	// Some models wrap JSON mode output in a markdown fence anyway.
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var a Advice
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("parse LLM response: %w (raw: %s)", err, raw)
	}
	if a.Plan == nil {
		a.Plan = []StudyItem{}
	}
	for i := range a.Plan {
		if a.Plan[i].Actions == nil {
			a.Plan[i].Actions = []string{}
		}
	}
	sort.SliceStable(a.Plan, func(i, j int) bool {
		return a.Plan[i].Priority < a.Plan[j].Priority
	})
	return &a, nil
}
