package domain

import "context"

// Role is the author of a chat message.
type Role string

// Chat roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// GenerationParams is the full parameter table sent with a completion request.
// BeamWidth and LengthPenalty are only honored by engines that support beam search.
type GenerationParams struct {
	MaxTokens        int      `json:"max_tokens"`
	Temperature      float32  `json:"temperature"`
	TopP             float32  `json:"top_p"`
	FrequencyPenalty float32  `json:"frequency_penalty"`
	PresencePenalty  float32  `json:"presence_penalty"`
	Stop             []string `json:"stop,omitempty"`
	Seed             *int     `json:"seed,omitempty"`
	BeamWidth        int      `json:"beam_width,omitempty"`
	LengthPenalty    float32  `json:"length_penalty,omitempty"`
}

// ParamsOverride holds per-call overrides. Nil fields keep the configured default.
type ParamsOverride struct {
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	Temperature      *float32 `json:"temperature,omitempty"`
	TopP             *float32 `json:"top_p,omitempty"`
	FrequencyPenalty *float32 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float32 `json:"presence_penalty,omitempty"`
	Stop             []string `json:"stop,omitempty"`
	Seed             *int     `json:"seed,omitempty"`
	BeamWidth        *int     `json:"beam_width,omitempty"`
	LengthPenalty    *float32 `json:"length_penalty,omitempty"`
}

// Merge returns a copy of p with every non-nil override applied.
func (p GenerationParams) Merge(o *ParamsOverride) GenerationParams {
	out := p
	if len(p.Stop) > 0 {
		out.Stop = append([]string(nil), p.Stop...)
	}
	if o == nil {
		return out
	}
	if o.MaxTokens != nil {
		out.MaxTokens = *o.MaxTokens
	}
	if o.Temperature != nil {
		out.Temperature = *o.Temperature
	}
	if o.TopP != nil {
		out.TopP = *o.TopP
	}
	if o.FrequencyPenalty != nil {
		out.FrequencyPenalty = *o.FrequencyPenalty
	}
	if o.PresencePenalty != nil {
		out.PresencePenalty = *o.PresencePenalty
	}
	if o.Stop != nil {
		out.Stop = append([]string(nil), o.Stop...)
	}
	if o.Seed != nil {
		seed := *o.Seed
		out.Seed = &seed
	}
	if o.BeamWidth != nil {
		out.BeamWidth = *o.BeamWidth
	}
	if o.LengthPenalty != nil {
		out.LengthPenalty = *o.LengthPenalty
	}
	return out
}

// Deterministic reports whether repeated calls are expected to return the same completion.
func (p GenerationParams) Deterministic() bool {
	return p.Temperature == 0 || p.Seed != nil
}

// CompletionRequest is a single call to the generation endpoint.
type CompletionRequest struct {
	Messages []Message
	Params   GenerationParams
}

// Completion is an aggregated (non-streaming) generation result.
type Completion struct {
	Text             string `json:"text"`
	FinishReason     string `json:"finish_reason,omitempty"`
	Model            string `json:"model,omitempty"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

// Delta is one incremental piece of a streamed completion (one token as far as chunking is concerned).
type Delta struct {
	Text         string
	FinishReason string
}

// DeltaStream is an open upstream stream. Recv returns io.EOF after the last delta.
type DeltaStream interface {
	Recv() (Delta, error)
	Close() error
}

// GenerationTransport sends completion requests to an external chat endpoint.
type GenerationTransport interface {
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)
	OpenStream(ctx context.Context, req CompletionRequest) (DeltaStream, error)
}
