// Package api defines the request types and sampling options accepted by the
// skein runtime. The scheduler consumes these directly; the HTTP adapter
// decodes them from the wire.
package api

import (
	"fmt"
	"time"
)

// Options holds the per-request sampling policy and generation limits.
type Options struct {
	// NumPredict bounds the number of generated tokens, -1 = unbounded.
	NumPredict int `json:"num_predict"`

	// NumKeep is the number of prompt tokens preserved verbatim when the
	// context window must be shifted.
	NumKeep int `json:"num_keep"`

	// Seed fixes the sampler's RNG stream, -1 = nondeterministic.
	Seed int `json:"seed"`

	// MinKeep is the floor every truncation constraint must respect.
	MinKeep int `json:"min_keep"`

	Temperature      float32 `json:"temperature"`
	DynatempRange    float32 `json:"dynatemp_range"`
	DynatempExponent float32 `json:"dynatemp_exponent"`

	TopK     int     `json:"top_k"`
	TopP     float32 `json:"top_p"`
	MinP     float32 `json:"min_p"`
	TFSZ     float32 `json:"tfs_z"`
	TypicalP float32 `json:"typical_p"`

	// RepeatLastN is the penalty window: how many recently accepted tokens
	// are considered by the repetition penalties.
	RepeatLastN      int     `json:"repeat_last_n"`
	RepeatPenalty    float32 `json:"repeat_penalty"`
	PresencePenalty  float32 `json:"presence_penalty"`
	FrequencyPenalty float32 `json:"frequency_penalty"`
	PenalizeNewline  bool    `json:"penalize_newline"`

	// Mirostat selects the adaptive-perplexity sampler: 0 = off, 1 = v1, 2 = v2.
	Mirostat    int     `json:"mirostat"`
	MirostatTau float32 `json:"mirostat_tau"`
	MirostatEta float32 `json:"mirostat_eta"`

	LogitBias map[int32]float32 `json:"logit_bias,omitempty"`

	Stop []string `json:"stop,omitempty"`
}

// DefaultOptions returns the sampling defaults applied when a request
// leaves options unset.
func DefaultOptions() Options {
	return Options{
		NumPredict: -1,
		NumKeep:    4,
		Seed:       -1,
		MinKeep:    1,

		Temperature:      0.8,
		DynatempRange:    0.0,
		DynatempExponent: 1.0,

		TopK:     40,
		TopP:     0.9,
		MinP:     0.0,
		TFSZ:     1.0,
		TypicalP: 1.0,

		RepeatLastN:      64,
		RepeatPenalty:    1.1,
		PresencePenalty:  0.0,
		FrequencyPenalty: 0.0,
		PenalizeNewline:  true,

		Mirostat:    0,
		MirostatTau: 5.0,
		MirostatEta: 0.1,
	}
}

// CompletionRequest asks for text generation from a prompt.
type CompletionRequest struct {
	Prompt  string  `json:"prompt"`
	Options Options `json:"options"`

	// PromptTokens, when non-empty, is a pre-tokenized prompt that is used
	// verbatim instead of tokenizing Prompt. Callers that need control over
	// special-token parsing (chat templating) fill this in.
	PromptTokens []int32 `json:"prompt_tokens,omitempty"`

	// Stream requests partial results as tokens are generated; otherwise
	// only the final result is delivered.
	Stream bool `json:"stream"`

	// CachePrompt reuses a matching KV-cache prefix from a previous request
	// on the same slot.
	CachePrompt bool `json:"cache_prompt"`

	// Grammar is a pre-parsed rule graph handle; nil disables
	// grammar-constrained decoding. The concrete type is grammar.RuleSet,
	// kept opaque here so the wire layer owns the parsing step.
	Grammar any `json:"-"`

	// TMaxPromptMS and TMaxPredictMS are wall-clock limits for the prompt
	// and generation phases, <= 0 = unlimited.
	TMaxPromptMS  int64 `json:"t_max_prompt_ms"`
	TMaxPredictMS int64 `json:"t_max_predict_ms"`

	// NProbs requests per-token log probabilities with the top NProbs
	// alternatives at each position, 0 disables.
	NProbs int `json:"n_probs"`
}

// EmbeddingRequest asks for the prompt's embedding instead of generation.
type EmbeddingRequest struct {
	Content     string `json:"content"`
	CachePrompt bool   `json:"cache_prompt"`
}

// RerankRequest asks for a relevance score of a document against a query.
type RerankRequest struct {
	Query    string `json:"query"`
	Document string `json:"document"`
}

// SlotOpRequest targets a slot with a save, restore or erase operation.
type SlotOpRequest struct {
	SlotID   int    `json:"id_slot"`
	Filename string `json:"filename,omitempty"`
}

// LoraRequest applies an adapter to the loaded model.
type LoraRequest struct {
	Path  string  `json:"path"`
	Scale float32 `json:"scale"`
}

// Timings reports per-request throughput for the prompt and generation
// phases.
type Timings struct {
	PromptN         int     `json:"prompt_n"`
	PromptMS        float64 `json:"prompt_ms"`
	PromptPerSecond float64 `json:"prompt_per_second"`

	PredictedN         int     `json:"predicted_n"`
	PredictedMS        float64 `json:"predicted_ms"`
	PredictedPerSecond float64 `json:"predicted_per_second"`
}

// NewTimings derives throughput numbers from raw counts and durations.
func NewTimings(promptN int, promptDur time.Duration, predictedN int, predictedDur time.Duration) Timings {
	t := Timings{
		PromptN:     promptN,
		PromptMS:    float64(promptDur.Microseconds()) / 1000,
		PredictedN:  predictedN,
		PredictedMS: float64(predictedDur.Microseconds()) / 1000,
	}
	if promptDur > 0 {
		t.PromptPerSecond = float64(promptN) / promptDur.Seconds()
	}
	if predictedDur > 0 {
		t.PredictedPerSecond = float64(predictedN) / predictedDur.Seconds()
	}
	return t
}

// ErrorKind classifies request failures for callers and the wire layer.
type ErrorKind int

const (
	ErrorKindServer ErrorKind = iota
	ErrorKindInvalidRequest
	ErrorKindUnavailable
	ErrorKindCompute
	ErrorKindGrammarViolation
	ErrorKindNotSupported
	ErrorKindNotFound
	ErrorKindAuthentication
	ErrorKindPermission
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindInvalidRequest:
		return "invalid_request_error"
	case ErrorKindUnavailable:
		return "unavailable_error"
	case ErrorKindCompute:
		return "compute_error"
	case ErrorKindGrammarViolation:
		return "grammar_violation_error"
	case ErrorKindNotSupported:
		return "not_supported_error"
	case ErrorKindNotFound:
		return "not_found_error"
	case ErrorKindAuthentication:
		return "authentication_error"
	case ErrorKindPermission:
		return "permission_error"
	default:
		return "server_error"
	}
}

// Error is the typed failure delivered through a task's result sink.
type Error struct {
	Kind    ErrorKind `json:"type"`
	Message string    `json:"message"`
}

func (e Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Errorf builds a typed Error in the fmt.Errorf style.
func Errorf(kind ErrorKind, format string, args ...any) Error {
	return Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
