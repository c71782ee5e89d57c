// Package slotrunner implements the continuous-batching scheduler: a fixed
// pool of slots multiplexed over one evaluator, fed by a task queue and
// drained into per-task result sinks.
//
// A single goroutine owns every slot and the evaluator handle. Each loop
// iteration drains the queue, applies control tasks, admits new inference
// tasks to idle slots, submits one combined batch to the evaluator, then
// runs each active slot's sampler over its share of the returned logits.
package slotrunner

import (
	"context"
	"errors"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/skein-ai/skein/api"
	"github.com/skein-ai/skein/grammar"
	"github.com/skein-ai/skein/llm"
	"github.com/skein-ai/skein/runner/common"
	"github.com/skein-ai/skein/sample"
)

// resultBuffer bounds each task's sink. A caller that stops reading for this
// many results is treated as disconnected.
const resultBuffer = 256

type Options struct {
	// Parallel is the slot pool size.
	Parallel int

	// BatchSize is the global per-iteration token budget shared by all
	// slots.
	BatchSize int

	// KvSize is the total context cells shared evenly by all slots. A
	// slot whose context fills its share gets shifted: the first NumKeep
	// tokens survive, half of the rest is discarded and the tail is
	// re-evaluated.
	KvSize int

	// NoDefer fails inference tasks immediately when no slot is free
	// instead of holding them until one is.
	NoDefer bool

	// StateDir is where slot save/restore blobs live; empty disables the
	// slot persistence operations.
	StateDir string
}

type Scheduler struct {
	eval llm.Evaluator
	tok  llm.Tokenizer

	queue *TaskQueue
	slots []*Slot

	// capacity is each slot's share of the KV cache
	capacity int

	opts    Options
	metrics Metrics
}

func NewScheduler(eval llm.Evaluator, tok llm.Tokenizer, opts Options) *Scheduler {
	if opts.Parallel < 1 {
		opts.Parallel = 1
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 512
	}
	if opts.KvSize < 1 {
		opts.KvSize = 8192
	}

	slots := make([]*Slot, opts.Parallel)
	for i := range slots {
		slots[i] = &Slot{id: i}
	}

	return &Scheduler{
		eval:     eval,
		tok:      tok,
		queue:    NewTaskQueue(),
		slots:    slots,
		capacity: max(opts.KvSize/opts.Parallel, 8),
		opts:     opts,
	}
}

// SubmitCompletion enqueues a generation request. Results stream on the
// returned task's sink.
func (s *Scheduler) SubmitCompletion(req *api.CompletionRequest) (*Task, error) {
	t := &Task{
		Type:       TaskInference,
		Completion: req,
		sink:       make(chan Result, resultBuffer),
	}

	if req.Grammar != nil {
		rules, ok := req.Grammar.(*grammar.RuleSet)
		if !ok {
			return nil, api.Errorf(api.ErrorKindInvalidRequest, "grammar payload is not a rule set")
		}
		t.Grammar = rules
	}

	s.queue.Submit(t)
	return t, nil
}

// SubmitEmbedding enqueues an embedding-only request.
func (s *Scheduler) SubmitEmbedding(req *api.EmbeddingRequest) *Task {
	t := &Task{
		Type:      TaskInference,
		Embedding: req,
		sink:      make(chan Result, resultBuffer),
	}
	s.queue.Submit(t)
	return t
}

// SubmitRerank enqueues a query/document scoring request.
func (s *Scheduler) SubmitRerank(req *api.RerankRequest) *Task {
	t := &Task{
		Type:   TaskInference,
		Rerank: req,
		sink:   make(chan Result, resultBuffer),
	}
	s.queue.Submit(t)
	return t
}

// Cancel asks the scheduler to stop the task with the given id. The
// cancelled task receives its terminal result within one iteration; the
// returned task reports whether the id was known.
func (s *Scheduler) Cancel(taskID int64) *Task {
	t := &Task{
		Type:     TaskCancel,
		TargetID: taskID,
		sink:     make(chan Result, 1),
	}
	s.queue.Submit(t)
	return t
}

// SubmitMetrics requests a snapshot of the scheduler counters.
func (s *Scheduler) SubmitMetrics() *Task {
	t := &Task{
		Type: TaskMetrics,
		sink: make(chan Result, 1),
	}
	s.queue.Submit(t)
	return t
}

// SubmitSlotOp enqueues a save, restore or erase against a slot.
func (s *Scheduler) SubmitSlotOp(typ TaskType, req *api.SlotOpRequest) *Task {
	t := &Task{
		Type:     typ,
		TargetID: int64(req.SlotID),
		SlotOp:   req,
		sink:     make(chan Result, 1),
	}
	s.queue.Submit(t)
	return t
}

// SubmitLora enqueues an adapter change.
func (s *Scheduler) SubmitLora(req *api.LoraRequest) *Task {
	t := &Task{
		Type: TaskSetLora,
		Lora: req,
		sink: make(chan Result, 1),
	}
	s.queue.Submit(t)
	return t
}

// Nudge wakes the scheduler loop without carrying any work.
func (s *Scheduler) Nudge() {
	s.queue.Submit(&Task{Type: TaskNextResponse})
}

// Run executes the scheduler loop until ctx is cancelled. It must be called
// exactly once.
func (s *Scheduler) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.queue.Close()
	}()

	for {
		if !s.anyActive() && s.queue.DeferredLen() == 0 {
			if !s.queue.Wait() {
				return ctx.Err()
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.tick(ctx)
	}
}

func (s *Scheduler) anyActive() bool {
	for _, slot := range s.slots {
		if slot.active() {
			return true
		}
	}
	return false
}

// tick is one scheduler iteration: drain, control, admit, batch, evaluate,
// sample.
func (s *Scheduler) tick(ctx context.Context) {
	for _, t := range s.queue.Drain() {
		s.dispatch(t)
	}

	s.checkPromptDeadlines()

	batch := s.buildBatch()
	if len(batch) == 0 {
		return
	}

	busy := 0
	for _, slot := range s.slots {
		if len(slot.submitted) > 0 {
			busy++
		}
	}

	start := time.Now()
	logits, err := s.eval.Evaluate(ctx, batch)
	elapsed := time.Since(start)

	s.metrics.DecodeTotal++
	s.metrics.BusySlotsTotal += uint64(busy)

	if err != nil {
		slog.Error("batch evaluation failed", "error", err, "slots", busy)
		for _, slot := range s.slots {
			if len(slot.submitted) == 0 {
				continue
			}
			slot.submitted = nil
			s.finishError(slot, api.Errorf(api.ErrorKindCompute, "evaluation failed: %v", err))
		}
		return
	}

	for _, slot := range s.slots {
		if len(slot.submitted) == 0 {
			continue
		}
		s.advance(slot, logits[slot.id], elapsed)
	}
}

func (s *Scheduler) dispatch(t *Task) {
	switch t.Type {
	case TaskInference:
		s.admit(t)
	case TaskCancel:
		s.cancel(t)
	case TaskNextResponse:
		// wake-up nudge only
	case TaskMetrics:
		s.send(t, MetricsResult{Metrics: s.snapshot()})
	case TaskSlotSave, TaskSlotRestore, TaskSlotErase:
		s.slotOp(t)
	case TaskSetLora:
		s.setLora(t)
	default:
		s.send(t, Error{Err: api.Errorf(api.ErrorKindInvalidRequest, "unknown task type %d", t.Type)})
	}
}

// admit binds an inference task to the lowest-numbered idle slot, or defers
// it when the pool is full.
func (s *Scheduler) admit(t *Task) {
	var slot *Slot
	for _, candidate := range s.slots {
		if !candidate.active() {
			slot = candidate
			break
		}
	}

	if slot == nil {
		if s.opts.NoDefer {
			s.send(t, Error{Err: api.Errorf(api.ErrorKindUnavailable, "no slot available")})
			return
		}
		s.queue.Defer(t)
		return
	}

	var prompt string
	cachePrompt := false
	opts := api.DefaultOptions()

	switch {
	case t.Completion != nil:
		prompt = t.Completion.Prompt
		cachePrompt = t.Completion.CachePrompt
		opts = t.Completion.Options
	case t.Embedding != nil:
		prompt = t.Embedding.Content
		cachePrompt = t.Embedding.CachePrompt
		slot.embeddingOnly = true
	case t.Rerank != nil:
		prompt = t.Rerank.Query + "\n" + t.Rerank.Document
		slot.rerankOnly = true
	default:
		s.send(t, Error{Err: api.Errorf(api.ErrorKindInvalidRequest, "inference task without payload")})
		return
	}

	// callers that already tokenized (template-aware chat requests) pass
	// tokens directly instead of text
	var tokens []llm.Token
	if t.Completion != nil && len(t.Completion.PromptTokens) > 0 {
		tokens = append(tokens, t.Completion.PromptTokens...)
	} else {
		var err error
		tokens, err = s.tok.Tokenize(prompt, true, true)
		if err != nil {
			slot.reset()
			s.send(t, Error{Err: api.Errorf(api.ErrorKindInvalidRequest, "tokenize: %v", err)})
			return
		}
	}
	if len(tokens) == 0 {
		slot.reset()
		s.send(t, Error{Err: api.Errorf(api.ErrorKindInvalidRequest, "no input provided")})
		return
	}
	if len(tokens) > s.capacity {
		slot.reset()
		s.send(t, Error{Err: api.Errorf(api.ErrorKindInvalidRequest,
			"prompt too long: %d tokens, slot capacity %d", len(tokens), s.capacity)})
		return
	}

	if t.Completion != nil {
		sampler, err := sample.NewSampler(opts, s.tok, t.Grammar)
		if err != nil {
			slot.reset()
			s.send(t, Error{Err: api.Errorf(api.ErrorKindInvalidRequest, "sampler: %v", err)})
			return
		}
		slot.sampler = sampler
		slot.numPredict = opts.NumPredict
		slot.numKeep = opts.NumKeep
		slot.stop = opts.Stop
		slot.stream = t.Completion.Stream
		slot.nProbs = t.Completion.NProbs
		slot.tMaxPrompt = time.Duration(t.Completion.TMaxPromptMS) * time.Millisecond
		slot.tMaxPredict = time.Duration(t.Completion.TMaxPredictMS) * time.Millisecond
	}

	// reuse the KV prefix this slot already holds when the caller allows it
	numPast := 0
	if cachePrompt {
		numPast = countCommonPrefix(slot.cacheTokens, tokens)
		if numPast == len(tokens) {
			// leave one token to evaluate so there are logits to sample
			numPast--
		}
	}
	if !s.eval.RemoveSeq(slot.id, int32(numPast), -1) {
		// partial erasure unsupported, start the sequence over
		s.eval.RemoveSeq(slot.id, 0, -1)
		numPast = 0
	}
	slot.cacheTokens = append(slot.cacheTokens[:0], tokens[:numPast]...)

	slot.task = t
	slot.state = SlotStarted
	slot.promptTokens = tokens
	slot.numProcessed = numPast
	slot.numPromptTokens = len(tokens)
	slot.generated = nil
	slot.startedAt = time.Now()
	s.metrics.RequestsTotal++

	slog.Debug("slot admitted", "slot", slot.id, "task", t.ID,
		"prompt", len(tokens), "cached", numPast)
}

func (s *Scheduler) cancel(t *Task) {
	for _, slot := range s.slots {
		if slot.active() && slot.task != nil && slot.task.ID == t.TargetID {
			slog.Debug("cancelling slot", "slot", slot.id, "task", t.TargetID)
			s.finish(slot, llm.DoneReasonCanceled, "")
			s.send(t, SlotOp{SlotID: slot.id})
			return
		}
	}

	if deferred := s.queue.RemoveDeferred(t.TargetID); deferred != nil {
		s.send(deferred, Final{DoneReason: llm.DoneReasonCanceled})
		s.send(t, SlotOp{SlotID: -1})
		return
	}

	s.send(t, Error{Err: api.Errorf(api.ErrorKindInvalidRequest, "unknown task id %d", t.TargetID)})
}

func (s *Scheduler) slotOp(t *Task) {
	id := t.SlotOp.SlotID
	if id < 0 || id >= len(s.slots) {
		s.send(t, Error{Err: api.Errorf(api.ErrorKindInvalidRequest, "unknown slot id %d", id)})
		return
	}
	slot := s.slots[id]

	switch t.Type {
	case TaskSlotSave:
		if s.opts.StateDir == "" {
			s.send(t, Error{Err: api.Errorf(api.ErrorKindNotSupported, "slot persistence is disabled")})
			return
		}
		st := &slotState{cacheTokens: slot.cacheTokens, generated: slot.generated}
		n, err := writeSlotState(s.opts.StateDir, t.SlotOp.Filename, st)
		if err != nil {
			s.send(t, Error{Err: api.Errorf(api.ErrorKindServer, "save slot: %v", err)})
			return
		}
		s.send(t, SlotOp{SlotID: id, Tokens: len(st.cacheTokens) + len(st.generated), Bytes: n})

	case TaskSlotRestore:
		if s.opts.StateDir == "" {
			s.send(t, Error{Err: api.Errorf(api.ErrorKindNotSupported, "slot persistence is disabled")})
			return
		}
		if slot.active() {
			s.send(t, Error{Err: api.Errorf(api.ErrorKindInvalidRequest, "slot %d is busy", id)})
			return
		}
		loader, ok := s.eval.(llm.SeqLoader)
		if !ok {
			s.send(t, Error{Err: api.Errorf(api.ErrorKindNotSupported, "evaluator cannot load sequences")})
			return
		}
		st, n, err := readSlotState(s.opts.StateDir, t.SlotOp.Filename)
		if err != nil {
			s.send(t, Error{Err: api.Errorf(api.ErrorKindServer, "restore slot: %v", err)})
			return
		}
		if err := loader.LoadSeq(id, st.cacheTokens); err != nil {
			s.send(t, Error{Err: api.Errorf(api.ErrorKindServer, "restore slot: %v", err)})
			return
		}
		slot.cacheTokens = st.cacheTokens
		slot.generated = st.generated
		s.send(t, SlotOp{SlotID: id, Tokens: len(st.cacheTokens) + len(st.generated), Bytes: n})

	case TaskSlotErase:
		if slot.active() {
			s.send(t, Error{Err: api.Errorf(api.ErrorKindInvalidRequest, "slot %d is busy", id)})
			return
		}
		s.eval.RemoveSeq(id, 0, -1)
		slot.cacheTokens = nil
		slot.generated = nil
		s.send(t, SlotOp{SlotID: id})
	}
}

func (s *Scheduler) setLora(t *Task) {
	adapter, ok := s.eval.(llm.LoraAdapter)
	if !ok {
		s.send(t, Error{Err: api.Errorf(api.ErrorKindNotSupported, "evaluator does not support adapters")})
		return
	}
	if err := adapter.SetLora(t.Lora.Path, t.Lora.Scale); err != nil {
		s.send(t, Error{Err: api.Errorf(api.ErrorKindServer, "set adapter: %v", err)})
		return
	}
	s.send(t, SlotOp{SlotID: -1})
}

// checkPromptDeadlines fails slots whose prompt phase has exceeded its
// wall-clock budget.
func (s *Scheduler) checkPromptDeadlines() {
	for _, slot := range s.slots {
		if slot.state != SlotStarted && slot.state != SlotProcessingPrompt {
			continue
		}
		// a shifted slot re-enters prompt processing; its prompt phase is
		// long over
		if slot.numDecoded > 0 {
			continue
		}
		if slot.tMaxPrompt > 0 && time.Since(slot.startedAt) > slot.tMaxPrompt {
			s.finish(slot, llm.DoneReasonLimit, "")
		}
	}
}

// buildBatch collects prompt chunks and generation tokens from every active
// slot into one combined batch, honoring the global token budget. Slots that
// do not fit stay pending and are retried next iteration.
func (s *Scheduler) buildBatch() []llm.BatchEntry {
	budget := s.opts.BatchSize
	batch := make([]llm.BatchEntry, 0, budget)

	for _, slot := range s.slots {
		if budget == 0 {
			break
		}

		if slot.state == SlotGenerating && len(slot.cacheTokens)+1 > s.capacity {
			if !s.shiftContext(slot) {
				s.finish(slot, llm.DoneReasonLimit, "")
				continue
			}
		}

		switch slot.state {
		case SlotStarted, SlotProcessingPrompt:
			remaining := slot.promptRemaining()
			take := min(len(remaining), budget)
			if take == 0 {
				continue
			}
			slot.state = SlotProcessingPrompt

			completes := take == len(remaining)
			for i, tok := range remaining[:take] {
				batch = append(batch, llm.BatchEntry{
					Token:      tok,
					Pos:        int32(len(slot.cacheTokens) + i),
					SlotID:     slot.id,
					WantLogits: completes && i == take-1 && !slot.embeddingOnly && !slot.rerankOnly,
				})
			}
			slot.submitted = remaining[:take]
			budget -= take

		case SlotGenerating:
			batch = append(batch, llm.BatchEntry{
				Token:      slot.pending,
				Pos:        int32(len(slot.cacheTokens)),
				SlotID:     slot.id,
				WantLogits: true,
			})
			slot.submitted = []llm.Token{slot.pending}
			budget--
		}
	}

	return batch
}

// shiftContext frees room in a full slot: the first numKeep context tokens
// survive, half of the remainder is discarded and the kept tail goes back
// through prompt processing to rebuild the cache at its new positions.
// Reports false when nothing can be discarded.
func (s *Scheduler) shiftContext(slot *Slot) bool {
	keep := min(max(slot.numKeep, 0), len(slot.cacheTokens))
	discard := (len(slot.cacheTokens) - keep) / 2
	if discard < 1 {
		return false
	}

	tail := make([]llm.Token, 0, len(slot.cacheTokens)-keep-discard+1)
	tail = append(tail, slot.cacheTokens[keep+discard:]...)

	if !s.eval.RemoveSeq(slot.id, int32(keep), -1) {
		// partial erasure unsupported, rebuild the whole sequence
		s.eval.RemoveSeq(slot.id, 0, -1)
		kept := make([]llm.Token, 0, keep+len(tail)+1)
		kept = append(kept, slot.cacheTokens[:keep]...)
		tail = append(kept, tail...)
		keep = 0
	}

	slog.Debug("shifting context", "slot", slot.id,
		"keep", keep, "discard", discard, "reprocess", len(tail)+1)

	slot.cacheTokens = append([]llm.Token(nil), slot.cacheTokens[:keep]...)
	slot.promptTokens = append(tail, slot.pending)
	slot.numProcessed = 0
	slot.state = SlotProcessingPrompt
	return true
}

// advance moves one slot forward after a successful evaluation.
func (s *Scheduler) advance(slot *Slot, logits []float32, elapsed time.Duration) {
	slot.cacheTokens = append(slot.cacheTokens, slot.submitted...)
	submitted := len(slot.submitted)
	slot.submitted = nil

	switch slot.state {
	case SlotProcessingPrompt:
		slot.numProcessed += submitted
		slot.promptDuration += elapsed
		s.metrics.PromptTokensTotal += uint64(submitted)
		s.metrics.PromptSecondsTotal += elapsed.Seconds()

		if slot.numProcessed < len(slot.promptTokens) {
			return
		}

		slot.state = SlotDonePrompt
		slot.promptDone = time.Now()

		switch {
		case slot.embeddingOnly:
			vec, err := s.eval.Embedding(slot.id)
			if err != nil {
				s.finishError(slot, api.Errorf(api.ErrorKindCompute, "embedding: %v", err))
				return
			}
			s.send(slot.task, Embedding{Vector: vec})
			slot.reset()

		case slot.rerankOnly:
			vec, err := s.eval.Embedding(slot.id)
			if err != nil {
				s.finishError(slot, api.Errorf(api.ErrorKindCompute, "rerank: %v", err))
				return
			}
			var score float32
			if len(vec) > 0 {
				score = vec[0]
			}
			s.send(slot.task, Rerank{Score: score})
			slot.reset()

		default:
			// the prompt's last position provides the logits for the first
			// generated token
			slot.state = SlotGenerating
			s.sampleStep(slot, logits)
		}

	case SlotGenerating:
		slot.generateDuration += elapsed
		s.metrics.TokensPredictedSecondsTotal += elapsed.Seconds()
		s.sampleStep(slot, logits)
	}
}

// sampleStep picks the slot's next token and applies the stop conditions in
// priority order: end-of-generation, stop sequence, predict budget,
// wall-clock limit.
func (s *Scheduler) sampleStep(slot *Slot, logits []float32) {
	if len(logits) == 0 {
		s.finishError(slot, api.Errorf(api.ErrorKindCompute, "no logits returned for slot %d", slot.id))
		return
	}

	token, err := slot.sampler.Sample(logits)
	if err != nil {
		s.finishError(slot, api.Errorf(api.ErrorKindServer, "sample: %v", err))
		return
	}
	if err := slot.sampler.Accept(token); err != nil {
		// the grammar had no transition for a token it admitted upstream
		var apiErr api.Error
		if !errors.As(err, &apiErr) {
			apiErr = api.Errorf(api.ErrorKindServer, "%v", err)
		}
		s.finishError(slot, apiErr)
		return
	}

	slot.numDecoded++
	slot.generated = append(slot.generated, token)
	s.metrics.TokensPredictedTotal++

	if slot.nProbs > 0 {
		slot.logprobs = append(slot.logprobs,
			common.Logprobs(logits, token, slot.nProbs, s.tok.Piece))
	}

	if s.tok.IsEOG(token) {
		s.finish(slot, llm.DoneReasonStop, "")
		return
	}

	slot.pending = token
	slot.pendingPieces = append(slot.pendingPieces, s.tok.Piece(token))

	// a completed grammar production admits nothing but end-of-generation;
	// stop here instead of spending a decode on sampling it
	if slot.sampler.GrammarDone() {
		s.finish(slot, llm.DoneReasonStop, "")
		return
	}

	sequence := slot.sequenceText()
	if ok, stop := common.FindStop(sequence, slot.stop); ok {
		slog.Debug("hit stop sequence", "slot", slot.id, "stop", stop)
		before := len(slot.pendingPieces)
		slot.pendingPieces, _ = common.TruncateStop(slot.pendingPieces, stop)

		// drop logprobs for the tokens the truncation removed
		if removed := before - len(slot.pendingPieces); removed > 0 && len(slot.logprobs) >= removed {
			slot.logprobs = slot.logprobs[:len(slot.logprobs)-removed]
		}
		s.finish(slot, llm.DoneReasonWord, stop)
		return
	}

	if slot.numPredict > 0 && slot.numDecoded >= slot.numPredict {
		s.finish(slot, llm.DoneReasonLimit, "")
		return
	}
	if slot.tMaxPredict > 0 && time.Since(slot.promptDone) > slot.tMaxPredict {
		s.finish(slot, llm.DoneReasonLimit, "")
		return
	}

	if common.ContainsStopSuffix(sequence, slot.stop) {
		return
	}
	if common.IncompleteUnicode(sequence) {
		return
	}

	if !s.flushPending(slot) {
		s.finish(slot, llm.DoneReasonConnectionClosed, "")
	}
}

// flushPending streams the held-back text to the caller. Reports false when
// the caller has stopped consuming results.
func (s *Scheduler) flushPending(slot *Slot) bool {
	joined := slot.sequenceText()
	slot.pendingPieces = nil

	// trim any trailing partial UTF-8 character; it stays unemitted
	for len(joined) > 0 && !utf8.ValidString(joined) {
		joined = joined[:len(joined)-1]
	}

	if len(joined) == 0 {
		return true
	}

	slot.output.WriteString(joined)

	if !slot.stream {
		return true
	}

	ok := s.send(slot.task, Partial{Index: slot.index, Text: joined})
	if ok {
		slot.index++
	}
	return ok
}

// finish delivers the terminal result for a completion and frees the slot.
func (s *Scheduler) finish(slot *Slot, reason llm.DoneReason, stopWord string) {
	s.flushPending(slot)

	timings := api.NewTimings(slot.numPromptTokens, slot.promptDuration,
		slot.numDecoded, slot.generateDuration)

	s.send(slot.task, Final{
		Index:           slot.index,
		Text:            slot.output.String(),
		DoneReason:      reason,
		StopWord:        stopWord,
		Timings:         timings,
		PromptTokens:    slot.numPromptTokens,
		PredictedTokens: slot.numDecoded,
		Logprobs:        slot.logprobs,
	})

	slog.Debug("slot finished", "slot", slot.id, "reason", reason.String(),
		"decoded", slot.numDecoded)
	slot.reset()
}

func (s *Scheduler) finishError(slot *Slot, err api.Error) {
	s.send(slot.task, Error{Err: err})
	slog.Warn("slot failed", "slot", slot.id, "error", err)
	slot.reset()
}

// send delivers a result without ever blocking the scheduler goroutine.
// Terminal results close the sink. Reports false when the sink is full,
// which means the caller went away.
func (s *Scheduler) send(t *Task, r Result) bool {
	if t == nil || t.sink == nil {
		return true
	}

	ok := true
	select {
	case t.sink <- r:
	default:
		ok = false
	}

	if r.terminal() {
		close(t.sink)
	}
	return ok
}

func (s *Scheduler) snapshot() Metrics {
	m := s.metrics
	for _, slot := range s.slots {
		if slot.active() {
			m.SlotsProcessing++
		} else {
			m.SlotsIdle++
		}
	}
	m.RequestsDeferred = s.queue.DeferredLen()
	return m
}
