package llm

import (
	"context"
	"fmt"
	"hash/maphash"
	"sync"
)

// SimBackend is a deterministic, model-free evaluator and byte-level
// tokenizer. It exists for development and tests: logits are a pure function
// of the slot's context, so a fixed prompt and sampling seed always replay
// the same generation. It is not a language model.
type SimBackend struct {
	mu   sync.Mutex
	seqs map[int][]Token
	seed maphash.Seed
}

const simEOS Token = 256

// NewSimBackend returns a simulator with an empty KV state for every slot.
func NewSimBackend() *SimBackend {
	return &SimBackend{
		seqs: make(map[int][]Token),
		seed: maphash.MakeSeed(),
	}
}

var errSimPos = fmt.Errorf("sim: batch position does not extend sequence")

func (s *SimBackend) Evaluate(ctx context.Context, batch []BatchEntry) (map[int][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[int][]float32)
	for _, entry := range batch {
		seq := s.seqs[entry.SlotID]
		if int(entry.Pos) != len(seq) {
			return nil, errSimPos
		}
		seq = append(seq, entry.Token)
		s.seqs[entry.SlotID] = seq

		if entry.WantLogits {
			out[entry.SlotID] = s.logits(seq)
		}
	}

	return out, nil
}

// logits hashes the tail of the sequence against each vocab entry. EOS gains
// weight as the sequence grows so simulated generations terminate.
func (s *SimBackend) logits(seq []Token) []float32 {
	tail := seq
	if len(tail) > 8 {
		tail = tail[len(tail)-8:]
	}

	var h maphash.Hash
	logits := make([]float32, int(simEOS)+1)
	for i := range logits {
		h.SetSeed(s.seed)
		for _, t := range tail {
			h.WriteByte(byte(t))
			h.WriteByte(byte(t >> 8))
		}
		h.WriteByte(byte(i))
		h.WriteByte(byte(i >> 8))
		logits[i] = float32(h.Sum64()%1000) / 100
	}
	logits[simEOS] += float32(len(seq)) * 0.05

	return logits
}

func (s *SimBackend) Embedding(slotID int) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, ok := s.seqs[slotID]
	if !ok {
		return nil, fmt.Errorf("sim: no sequence for slot %d", slotID)
	}

	embed := make([]float32, 16)
	for i, t := range seq {
		embed[i%len(embed)] += float32(t) / float32(len(seq)+1)
	}
	return embed, nil
}

// LoadSeq replaces a slot's sequence state, as if tokens had just been
// evaluated in order.
func (s *SimBackend) LoadSeq(slotID int, tokens []Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seqs[slotID] = append([]Token(nil), tokens...)
	return nil
}

func (s *SimBackend) RemoveSeq(slotID int, p0, p1 int32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.seqs[slotID]
	if p1 < 0 || int(p1) >= len(seq) {
		if int(p0) > len(seq) {
			return true
		}
		s.seqs[slotID] = seq[:p0]
		return true
	}

	// Partial erasure in the middle would renumber positions; the simulator
	// keeps positions dense, so decline and let the caller clear the slot.
	return false
}

// SimTokenizer tokenizes text as raw bytes: token i is byte i, with a single
// out-of-band EOS token.
type SimTokenizer struct{}

func (SimTokenizer) Tokenize(text string, addSpecial bool, parseSpecial bool) ([]Token, error) {
	tokens := make([]Token, 0, len(text))
	for _, b := range []byte(text) {
		tokens = append(tokens, Token(b))
	}
	return tokens, nil
}

func (SimTokenizer) Detokenize(tokens []Token) (string, error) {
	buf := make([]byte, 0, len(tokens))
	for _, t := range tokens {
		if t == simEOS {
			continue
		}
		if t < 0 || t > 255 {
			return "", fmt.Errorf("sim: token %d out of range", t)
		}
		buf = append(buf, byte(t))
	}
	return string(buf), nil
}

func (SimTokenizer) Piece(token Token) string {
	if token == simEOS || token < 0 || token > 255 {
		return ""
	}
	return string([]byte{byte(token)})
}

func (SimTokenizer) IsEOG(token Token) bool { return token == simEOS }

func (SimTokenizer) VocabSize() int { return int(simEOS) + 1 }
