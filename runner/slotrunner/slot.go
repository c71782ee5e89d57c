package slotrunner

import (
	"strings"
	"time"

	"github.com/skein-ai/skein/llm"
	"github.com/skein-ai/skein/sample"
)

type SlotState int

const (
	SlotIdle SlotState = iota
	SlotStarted
	SlotProcessingPrompt
	SlotDonePrompt
	SlotGenerating
)

func (s SlotState) String() string {
	switch s {
	case SlotStarted:
		return "started"
	case SlotProcessingPrompt:
		return "processing_prompt"
	case SlotDonePrompt:
		return "done_prompt"
	case SlotGenerating:
		return "generating"
	default:
		return "idle"
	}
}

// Slot is one generation context. It is owned exclusively by the scheduler
// goroutine; at most one task occupies a slot at a time.
type Slot struct {
	id    int
	state SlotState

	// task currently bound to this slot, nil when idle
	task *Task

	sampler *sample.Sampler

	// prompt tokens left to evaluate and how many are already done. After a
	// context shift this becomes the re-evaluated tail, so the original
	// prompt length is kept separately.
	promptTokens    []llm.Token
	numProcessed    int
	numPromptTokens int

	// numKeep tokens at the start of the context survive a shift verbatim
	numKeep int

	// cacheTokens mirrors the evaluator's KV-cache content for this slot's
	// sequence; its length is the next position to evaluate at
	cacheTokens []llm.Token

	generated []llm.Token

	// pending is the sampled token not yet submitted to the evaluator
	pending llm.Token

	// submitted are the tokens this slot contributed to the in-flight
	// batch; they join cacheTokens once the evaluation succeeds
	submitted []llm.Token

	// pendingPieces holds decoded text withheld from the stream while a
	// stop sequence or a UTF-8 character could still complete
	pendingPieces []string

	// output accumulates everything already flushed to the caller
	output strings.Builder

	index      int
	numDecoded int
	numPredict int
	stop       []string
	stream     bool

	// nProbs requests per-token logprobs with this many alternatives
	nProbs   int
	logprobs []llm.Logprob

	embeddingOnly bool
	rerankOnly    bool

	startedAt  time.Time
	promptDone time.Time

	tMaxPrompt  time.Duration
	tMaxPredict time.Duration

	promptDuration   time.Duration
	generateDuration time.Duration
}

func (s *Slot) active() bool {
	return s.state != SlotIdle
}

// promptRemaining is the part of the prompt not yet submitted.
func (s *Slot) promptRemaining() []llm.Token {
	return s.promptTokens[s.numProcessed:]
}

// sequenceText is the held-back text used for stop-sequence scanning.
func (s *Slot) sequenceText() string {
	return strings.Join(s.pendingPieces, "")
}

// reset returns the slot to Idle, dropping per-task state. cacheTokens and
// generated survive: they describe what the KV cache still holds, feeding
// prefix reuse and slot save until the next admission.
func (s *Slot) reset() {
	s.state = SlotIdle
	s.task = nil
	s.sampler = nil
	s.promptTokens = nil
	s.numProcessed = 0
	s.numPromptTokens = 0
	s.numKeep = 0
	s.pending = 0
	s.submitted = nil
	s.pendingPieces = nil
	s.output.Reset()
	s.index = 0
	s.numDecoded = 0
	s.numPredict = 0
	s.stop = nil
	s.stream = false
	s.nProbs = 0
	s.logprobs = nil
	s.embeddingOnly = false
	s.rerankOnly = false
	s.tMaxPrompt = 0
	s.tMaxPredict = 0
	s.promptDuration = 0
	s.generateDuration = 0
}
