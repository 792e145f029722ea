package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// AgentSummary is the registry view handed to the classifier.
type AgentSummary struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities"`
}

// Classification is the classifier's verdict. Either Agent or Capability
// is set.
type Classification struct {
	Agent      string  `json:"agent,omitempty"`
	Capability string  `json:"capability,omitempty"`
	Reasoning  string  `json:"reasoning"`
	Confidence float64 `json:"confidence,omitempty"`
}

const classifySystemPrompt = `You route user requests to worker agents.
Given the request and the available agents, reply with strict JSON only:
{"agent": "<agent name>", "reasoning": "<one sentence>", "confidence": <0..1>}
Pick exactly one agent from the list. No prose outside the JSON object.`

// ClassifyCapability asks the model which agent should handle the query.
// Returns an error on malformed output; callers fall back to keyword
// matching.
func (c *Client) ClassifyCapability(ctx context.Context, query string, agents []AgentSummary) (*Classification, error) {
	roster, err := json.Marshal(agents)
	if err != nil {
		return nil, err
	}

	resp, err := c.Complete(ctx, Request{
		Messages: []Message{
			{Role: "system", Content: classifySystemPrompt},
			{Role: "user", Content: fmt.Sprintf("Request: %s\n\nAvailable agents:\n%s", query, roster)},
		},
		Temperature: 0,
		MaxTokens:   300,
	})
	if err != nil {
		return nil, err
	}
	return ParseClassification(resp.Content)
}

// ParseClassification decodes the model's JSON verdict. Code fences are
// tolerated; anything else malformed is an error.
func ParseClassification(content string) (*Classification, error) {
	text := strings.TrimSpace(content)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var out Classification
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, fmt.Errorf("malformed classification: %w", err)
	}
	if out.Agent == "" && out.Capability == "" {
		return nil, fmt.Errorf("classification names no agent or capability")
	}
	return &out, nil
}
