// Package provider normalizes heterogeneous upstream AI chat APIs into one
// request/response contract consumed by the gateway.
package provider

import (
	"context"
	"errors"
)

var (
	ErrUnknownProvider     = errors.New("unknown provider")
	ErrProviderDisabled    = errors.New("provider disabled")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// Message is the unified chat message schema.
type Message struct {
	Role    string `json:"role"` // system | user | assistant
	Content string `json:"content"`
}

// Options tunes a single chat call. Zero values mean provider defaults.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// Usage is the token accounting reported (or estimated) for a response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a completed (non-streaming) chat result.
type Response struct {
	Content      string `json:"content"`
	Usage        Usage  `json:"usage"`
	FinishReason string `json:"finish_reason"`
	Model        string `json:"model"`
}

// Chunk is one partial-content piece of a streamed response. Done is set on
// the final chunk, which also carries the accumulated usage.
type Chunk struct {
	Content string
	Done    bool
	Usage   *Usage
	Err     error
}

// Features is the capability set a provider advertises.
type Features struct {
	Streaming bool `json:"streaming"`
	Tokenizer bool `json:"tokenizer"`
	Local     bool `json:"local"`
}

// Provider is one upstream chat backend. ChatStream returns a finite,
// non-restartable sequence: the channel is closed after the Done chunk, and
// cancelling ctx aborts the upstream fetch.
type Provider interface {
	Name() string
	Chat(ctx context.Context, messages []Message, opts Options) (*Response, error)
	ChatStream(ctx context.Context, messages []Message, opts Options) (<-chan Chunk, error)
	Models(ctx context.Context) ([]string, error)
	Features() Features
	CountTokens(text string) int
}

// EstimateTokens is the tokenizer-free fallback: ceil(utf8 length / 4).
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// CountMessages estimates the total prompt size of a message list.
func CountMessages(p Provider, messages []Message) int {
	var total int
	for _, m := range messages {
		total += p.CountTokens(m.Content)
	}
	return total
}
