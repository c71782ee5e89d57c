// Package llm declares the contracts the scheduler consumes from the model
// runtime: batched evaluation and tokenization. Implementations live behind
// these interfaces; the scheduler never touches a tensor.
package llm

import "context"

// Token is a vocabulary index.
type Token = int32

// BatchEntry is one position of a shared evaluation batch. Entries from
// multiple slots are concatenated into a single Evaluate call.
type BatchEntry struct {
	Token Token

	// Pos is the position of the token within its slot's context.
	Pos int32

	// SlotID selects the KV-cache sequence the entry belongs to.
	SlotID int

	// WantLogits marks the entries whose output logits the scheduler will
	// consume. At most one per slot per batch.
	WantLogits bool
}

// Evaluator runs one forward pass over a combined batch and returns the
// logits for every entry that asked for them, keyed by slot id.
//
// A returned error aborts the whole batch: the scheduler reports it to every
// slot that contributed entries.
type Evaluator interface {
	Evaluate(ctx context.Context, batch []BatchEntry) (map[int][]float32, error)

	// Embedding returns the pooled embedding for a slot after its prompt
	// has been fully evaluated.
	Embedding(slotID int) ([]float32, error)

	// RemoveSeq discards KV-cache state for a slot in [p0, p1), p1 = -1
	// meaning to the end. Reports false if partial erasure is unsupported.
	RemoveSeq(slotID int, p0, p1 int32) bool
}

// LoraAdapter is implemented by evaluators that can apply adapter weights at
// runtime. Evaluators without it cause SetLora tasks to fail as unsupported.
type LoraAdapter interface {
	SetLora(path string, scale float32) error
}

// SeqLoader is implemented by evaluators that can prime a slot's sequence
// state from saved tokens, which slot restore requires.
type SeqLoader interface {
	LoadSeq(slotID int, tokens []Token) error
}

// Tokenizer converts between text and token ids with special-token
// awareness.
type Tokenizer interface {
	Tokenize(text string, addSpecial bool, parseSpecial bool) ([]Token, error)
	Detokenize(tokens []Token) (string, error)

	// Piece returns the decoded text of a single token.
	Piece(token Token) string

	// IsEOG reports whether token ends generation.
	IsEOG(token Token) bool

	VocabSize() int
}

// TokenLogprob is one token's log probability.
type TokenLogprob struct {
	Token   string  `json:"token"`
	Logprob float64 `json:"logprob"`
}

// Logprob reports the sampled token's log probability along with the
// most likely alternatives at that position.
type Logprob struct {
	TokenLogprob
	TopLogprobs []TokenLogprob `json:"top_logprobs,omitempty"`
}

// DoneReason is the terminal classification of a completed generation.
type DoneReason int

const (
	// DoneReasonStop indicates generation hit an end-of-generation token.
	DoneReasonStop DoneReason = iota
	// DoneReasonWord indicates a configured stop string matched.
	DoneReasonWord
	// DoneReasonLimit indicates a length or wall-clock limit was reached.
	DoneReasonLimit
	// DoneReasonCanceled indicates the caller canceled the task.
	DoneReasonCanceled
	// DoneReasonConnectionClosed indicates the caller went away.
	DoneReasonConnectionClosed
)

func (d DoneReason) String() string {
	switch d {
	case DoneReasonWord:
		return "word"
	case DoneReasonLimit:
		return "limit"
	case DoneReasonCanceled:
		return "canceled"
	case DoneReasonConnectionClosed:
		return "connection_closed"
	default:
		return "eos"
	}
}
