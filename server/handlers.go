package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/skein-ai/skein/api"
	"github.com/skein-ai/skein/chat"
	"github.com/skein-ai/skein/format"
	"github.com/skein-ai/skein/llm"
	"github.com/skein-ai/skein/runner/slotrunner"
)

// completionChunk is one streamed NDJSON line.
type completionChunk struct {
	Index   int    `json:"index"`
	Content string `json:"content"`
	Stop    bool   `json:"stop"`
}

// completionResponse is the final object of a completion, streamed or not.
type completionResponse struct {
	Index           int         `json:"index"`
	Content         string      `json:"content"`
	Stop            bool        `json:"stop"`
	DoneReason      string      `json:"done_reason"`
	StopWord        string      `json:"stopping_word,omitempty"`
	Timings         api.Timings `json:"timings"`
	PromptTokens    int         `json:"tokens_evaluated"`
	PredictedTokens int         `json:"tokens_predicted"`

	Logprobs []llm.Logprob `json:"completion_probabilities,omitempty"`
}

func errorBody(err api.Error) gin.H {
	return gin.H{"error": err}
}

func (s *Server) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) CompletionHandler(c *gin.Context) {
	req := api.CompletionRequest{Options: api.DefaultOptions()}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(api.Errorf(api.ErrorKindInvalidRequest, "%v", err)))
		return
	}

	s.serveCompletion(c, &req)
}

// chatRequest is the /chat wire request: a conversation plus the same
// generation controls a /completion takes.
type chatRequest struct {
	Messages []chat.Message `json:"messages"`
	Template string         `json:"template"`

	Options     api.Options `json:"options"`
	Stream      bool        `json:"stream"`
	CachePrompt bool        `json:"cache_prompt"`
	NProbs      int         `json:"n_probs"`
}

// ChatHandler templates a conversation and runs it as a completion. The
// template's tags are tokenized with special-token parsing, message content
// without, so user text cannot smuggle control tokens.
func (s *Server) ChatHandler(c *gin.Context) {
	req := chatRequest{Options: api.DefaultOptions()}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(api.Errorf(api.ErrorKindInvalidRequest, "%v", err)))
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, errorBody(api.Errorf(api.ErrorKindInvalidRequest, "no messages provided")))
		return
	}

	id := req.Template
	if id == "" {
		id = chat.DefaultTemplate
	}
	tmpl, err := s.templates.Get(id)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(api.Errorf(api.ErrorKindInvalidRequest, "%v", err)))
		return
	}

	parts := tmpl.Apply(req.Messages, true)
	tokens, err := chat.Tokenize(s.tok, parts)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(api.Errorf(api.ErrorKindInvalidRequest, "%v", err)))
		return
	}

	opts := req.Options
	if tmpl.ReversePrompt != "" {
		opts.Stop = append(opts.Stop, tmpl.ReversePrompt)
	}

	s.serveCompletion(c, &api.CompletionRequest{
		PromptTokens: tokens,
		Options:      opts,
		Stream:       req.Stream,
		CachePrompt:  req.CachePrompt,
		NProbs:       req.NProbs,
	})
}

// serveCompletion submits a completion and relays its results to the wire,
// streaming NDJSON chunks when the request asks for them.
func (s *Server) serveCompletion(c *gin.Context, req *api.CompletionRequest) {
	if err := s.inflight.Acquire(c.Request.Context(), 1); err != nil {
		return
	}
	defer s.inflight.Release(1)

	task, err := s.sched.SubmitCompletion(req)
	if err != nil {
		var apiErr api.Error
		if !errors.As(err, &apiErr) {
			apiErr = api.Errorf(api.ErrorKindServer, "%v", err)
		}
		c.JSON(statusForKind(apiErr.Kind), errorBody(apiErr))
		return
	}

	log := logger(c)
	log.Debug("completion submitted", "task", task.ID, "stream", req.Stream)

	if req.Stream {
		c.Header("Content-Type", "application/x-ndjson")
	}
	enc := json.NewEncoder(c.Writer)
	streamed := false

	for {
		select {
		case <-c.Request.Context().Done():
			log.Info("client disconnected, cancelling", "task", task.ID)
			s.sched.Cancel(task.ID)
			return

		case res, ok := <-task.Results():
			if !ok {
				return
			}

			switch r := res.(type) {
			case slotrunner.Partial:
				enc.Encode(completionChunk{Index: r.Index, Content: r.Text})
				c.Writer.Flush()
				streamed = true

			case slotrunner.Final:
				out := completionResponse{
					Index:           r.Index,
					Content:         r.Text,
					Stop:            true,
					DoneReason:      r.DoneReason.String(),
					StopWord:        r.StopWord,
					Timings:         r.Timings,
					PromptTokens:    r.PromptTokens,
					PredictedTokens: r.PredictedTokens,
					Logprobs:        r.Logprobs,
				}
				if streamed {
					enc.Encode(out)
					c.Writer.Flush()
				} else {
					c.JSON(http.StatusOK, out)
				}
				return

			case slotrunner.Error:
				log.Warn("completion failed", "task", task.ID, "error", r.Err)
				if streamed {
					enc.Encode(errorBody(r.Err))
					c.Writer.Flush()
				} else {
					c.JSON(statusForKind(r.Err.Kind), errorBody(r.Err))
				}
				return
			}
		}
	}
}

func (s *Server) EmbeddingHandler(c *gin.Context) {
	var req api.EmbeddingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(api.Errorf(api.ErrorKindInvalidRequest, "%v", err)))
		return
	}

	if err := s.inflight.Acquire(c.Request.Context(), 1); err != nil {
		return
	}
	defer s.inflight.Release(1)

	res, ok := s.await(c, s.sched.SubmitEmbedding(&req))
	if !ok {
		return
	}

	switch r := res.(type) {
	case slotrunner.Embedding:
		c.JSON(http.StatusOK, gin.H{"embedding": format.Normalize(r.Vector)})
	case slotrunner.Error:
		c.JSON(statusForKind(r.Err.Kind), errorBody(r.Err))
	}
}

func (s *Server) RerankHandler(c *gin.Context) {
	var req api.RerankRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(api.Errorf(api.ErrorKindInvalidRequest, "%v", err)))
		return
	}

	if err := s.inflight.Acquire(c.Request.Context(), 1); err != nil {
		return
	}
	defer s.inflight.Release(1)

	res, ok := s.await(c, s.sched.SubmitRerank(&req))
	if !ok {
		return
	}

	switch r := res.(type) {
	case slotrunner.Rerank:
		c.JSON(http.StatusOK, gin.H{"score": r.Score})
	case slotrunner.Error:
		c.JSON(statusForKind(r.Err.Kind), errorBody(r.Err))
	}
}

func (s *Server) MetricsHandler(c *gin.Context) {
	res, ok := s.await(c, s.sched.SubmitMetrics())
	if !ok {
		return
	}
	if r, isMetrics := res.(slotrunner.MetricsResult); isMetrics {
		c.JSON(http.StatusOK, r.Metrics)
		return
	}
	c.JSON(http.StatusInternalServerError, errorBody(api.Errorf(api.ErrorKindServer, "unexpected metrics result")))
}

func (s *Server) SlotHandler(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(api.Errorf(api.ErrorKindInvalidRequest, "invalid slot id %q", c.Param("id"))))
		return
	}

	var typ slotrunner.TaskType
	switch action := c.Query("action"); action {
	case "save":
		typ = slotrunner.TaskSlotSave
	case "restore":
		typ = slotrunner.TaskSlotRestore
	case "erase":
		typ = slotrunner.TaskSlotErase
	default:
		c.JSON(http.StatusBadRequest, errorBody(api.Errorf(api.ErrorKindInvalidRequest, "unknown slot action %q", action)))
		return
	}

	req := api.SlotOpRequest{SlotID: id}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorBody(api.Errorf(api.ErrorKindInvalidRequest, "%v", err)))
			return
		}
		req.SlotID = id
	}

	res, ok := s.await(c, s.sched.SubmitSlotOp(typ, &req))
	if !ok {
		return
	}

	switch r := res.(type) {
	case slotrunner.SlotOp:
		logger(c).Info("slot state operation", "slot", r.SlotID,
			"tokens", r.Tokens, "size", format.HumanBytes(r.Bytes))
		c.JSON(http.StatusOK, gin.H{
			"id_slot":  r.SlotID,
			"filename": req.Filename,
			"n_tokens": r.Tokens,
			"n_bytes":  r.Bytes,
		})
	case slotrunner.Error:
		c.JSON(statusForKind(r.Err.Kind), errorBody(r.Err))
	}
}

func (s *Server) LoraHandler(c *gin.Context) {
	var req api.LoraRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(api.Errorf(api.ErrorKindInvalidRequest, "%v", err)))
		return
	}

	res, ok := s.await(c, s.sched.SubmitLora(&req))
	if !ok {
		return
	}

	switch r := res.(type) {
	case slotrunner.SlotOp:
		c.JSON(http.StatusOK, gin.H{"success": true})
	case slotrunner.Error:
		c.JSON(statusForKind(r.Err.Kind), errorBody(r.Err))
	}
}

// await blocks for a task's single terminal result, honoring client
// disconnect.
func (s *Server) await(c *gin.Context, task *slotrunner.Task) (slotrunner.Result, bool) {
	select {
	case <-c.Request.Context().Done():
		s.sched.Cancel(task.ID)
		return nil, false
	case res, ok := <-task.Results():
		if !ok {
			c.JSON(http.StatusInternalServerError, errorBody(api.Errorf(api.ErrorKindServer, "task finished without a result")))
			return nil, false
		}
		return res, true
	}
}
