package slotrunner

import (
	"github.com/skein-ai/skein/api"
	"github.com/skein-ai/skein/grammar"
)

type TaskType int

const (
	TaskInference TaskType = iota
	TaskCancel
	TaskNextResponse
	TaskMetrics
	TaskSlotSave
	TaskSlotRestore
	TaskSlotErase
	TaskSetLora
)

func (t TaskType) String() string {
	switch t {
	case TaskInference:
		return "inference"
	case TaskCancel:
		return "cancel"
	case TaskNextResponse:
		return "next_response"
	case TaskMetrics:
		return "metrics"
	case TaskSlotSave:
		return "slot_save"
	case TaskSlotRestore:
		return "slot_restore"
	case TaskSlotErase:
		return "slot_erase"
	case TaskSetLora:
		return "set_lora"
	default:
		return "unknown"
	}
}

// Task is one unit of work submitted to the scheduler. It is immutable after
// submission; the scheduler is the only reader.
type Task struct {
	// ID is assigned on submit, unique and monotonic for the queue's
	// lifetime.
	ID int64

	// TargetID is the task id a Cancel aims at, or the slot id for
	// slot-scoped operations.
	TargetID int64

	Type TaskType

	// One payload field is set according to Type.
	Completion *api.CompletionRequest
	Embedding  *api.EmbeddingRequest
	Rerank     *api.RerankRequest
	SlotOp     *api.SlotOpRequest
	Lora       *api.LoraRequest

	// Grammar is the pre-parsed rule graph for grammar-constrained
	// completions, nil otherwise.
	Grammar *grammar.RuleSet

	// sink receives this task's results. Registered before submit so no
	// result can race past the caller.
	sink chan Result
}

// Results exposes the task's sink to the caller that submitted it.
func (t *Task) Results() <-chan Result {
	return t.sink
}
