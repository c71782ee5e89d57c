package slotrunner

import (
	"github.com/skein-ai/skein/api"
	"github.com/skein-ai/skein/llm"
)

// Result is one message delivered on a task's sink. The concrete types are a
// closed set; transports switch over them to serialize. Every task receives
// exactly one terminal result (Final, Embedding, Rerank, Metrics, SlotOp or
// Error), preceded by zero or more Partial results.
type Result interface {
	terminal() bool
}

// Partial carries one streamed text delta.
type Partial struct {
	// Index orders deltas within a task, starting at 0.
	Index int
	Text  string
}

// Final closes a completion task.
type Final struct {
	Index int

	// Text is the full generated text after stop-sequence truncation.
	Text string

	DoneReason llm.DoneReason

	// StopWord is the matched stop sequence when DoneReason is word.
	StopWord string

	Timings api.Timings

	PromptTokens    int
	PredictedTokens int

	// Logprobs carries per-token log probabilities when the request asked
	// for them.
	Logprobs []llm.Logprob
}

// Embedding closes an embedding task.
type Embedding struct {
	Vector []float32
}

// Rerank closes a rerank task with the document's relevance score.
type Rerank struct {
	Score float32
}

// Error closes any task that failed.
type Error struct {
	Err api.Error
}

// MetricsResult closes a metrics task with a snapshot of the scheduler
// counters.
type MetricsResult struct {
	Metrics Metrics
}

// SlotOp closes a save, restore or erase task.
type SlotOp struct {
	SlotID int

	// Tokens and Bytes report the persisted state size for save/restore.
	Tokens int
	Bytes  int64
}

func (Partial) terminal() bool       { return false }
func (Final) terminal() bool         { return true }
func (Embedding) terminal() bool     { return true }
func (Rerank) terminal() bool        { return true }
func (Error) terminal() bool         { return true }
func (MetricsResult) terminal() bool { return true }
func (SlotOp) terminal() bool        { return true }
