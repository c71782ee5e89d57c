package sample

import (
	"errors"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/sampleuv"

	"github.com/skein-ai/skein/api"
	"github.com/skein-ai/skein/grammar"
	"github.com/skein-ai/skein/llm"
)

var errEmptyLogits = errors.New("sample: empty logit vector")

// Sampler turns one logit vector into one chosen token. It owns the ordered
// constraint pipeline built from the request options, the accepted-token
// history the penalties read, and the RNG stream for stochastic draws.
//
// The pipeline order is fixed: logit bias, then penalties, then grammar,
// then the truncation constraints, then temperature. Mirostat replaces the
// truncation and temperature stages with its own adaptive cut.
type Sampler struct {
	constraints []Constraint
	grammar     *Grammar
	history     *Ring
	mirostat    *mirostat

	greedy bool
	rng    rand.Source
}

// NewSampler builds a sampler from the request's sampling options. rules may
// be nil to disable grammar-constrained decoding.
func NewSampler(opts api.Options, tok llm.Tokenizer, rules *grammar.RuleSet) (*Sampler, error) {
	s := &Sampler{
		history: NewRing(max(opts.RepeatLastN, 1)),
		greedy:  opts.Temperature <= 0,
	}

	if opts.Seed >= 0 {
		s.rng = rand.NewSource(uint64(opts.Seed))
	}

	if len(opts.LogitBias) > 0 {
		bias := make(map[llm.Token]float32, len(opts.LogitBias))
		for id, b := range opts.LogitBias {
			bias[llm.Token(id)] = b
		}
		s.constraints = append(s.constraints, LogitBias{Bias: bias})
	}

	if opts.RepeatLastN > 0 {
		newline := llm.Token(-1)
		if toks, err := tok.Tokenize("\n", false, false); err == nil && len(toks) == 1 {
			newline = toks[0]
		}
		s.constraints = append(s.constraints, &Penalties{
			History:         s.history,
			Repeat:          opts.RepeatPenalty,
			Freq:            opts.FrequencyPenalty,
			Presence:        opts.PresencePenalty,
			PenalizeNewline: opts.PenalizeNewline,
			Newline:         newline,
		})
	}

	if rules != nil {
		g, err := NewGrammar(rules, tok)
		if err != nil {
			return nil, err
		}
		s.grammar = g
		s.constraints = append(s.constraints, g)
	}

	switch {
	case opts.Mirostat != 0:
		s.mirostat = newMirostat(opts.Mirostat, opts.MirostatTau, opts.MirostatEta, tok.VocabSize())
		s.constraints = append(s.constraints, Temperature{T: opts.Temperature})

	case !s.greedy:
		minKeep := max(opts.MinKeep, 1)
		s.constraints = append(s.constraints,
			TopK{K: opts.TopK},
			TailFree{Z: opts.TFSZ, MinKeep: minKeep},
			Typical{P: opts.TypicalP, MinKeep: minKeep},
			TopP{P: opts.TopP, MinKeep: minKeep},
			MinP{P: opts.MinP, MinKeep: minKeep},
		)
		if opts.DynatempRange > 0 {
			s.constraints = append(s.constraints, DynTemp{
				Min:      opts.Temperature - opts.DynatempRange,
				Max:      opts.Temperature + opts.DynatempRange,
				Exponent: opts.DynatempExponent,
			})
		} else {
			s.constraints = append(s.constraints, Temperature{T: opts.Temperature})
		}
	}

	return s, nil
}

// Sample picks the next token from a raw logit vector. The pick is not
// recorded; the caller commits it with Accept once it decides to keep it.
func (s *Sampler) Sample(logits []float32) (llm.Token, error) {
	if len(logits) == 0 {
		return 0, errEmptyLogits
	}

	cs := NewCandidateSet(logits)

	// The grammar can legitimately empty the set when the model's mass sits
	// entirely on tokens the rules reject; keep the unconstrained candidates
	// around so there is always something to fall back on.
	original := make([]Candidate, len(cs.Tokens))
	copy(original, cs.Tokens)

	for _, c := range s.constraints {
		c.Apply(cs)
	}

	if len(cs.Tokens) == 0 {
		return greedy(&CandidateSet{Tokens: original}).ID, nil
	}

	if s.greedy && s.mirostat == nil {
		return greedy(cs).ID, nil
	}

	if s.mirostat != nil {
		s.mirostat.truncate(cs)
	} else {
		softmax(cs)
	}

	idx, err := s.draw(cs)
	if err != nil {
		return 0, err
	}

	if s.mirostat != nil {
		s.mirostat.update(cs.Tokens[idx])
	}
	return cs.Tokens[idx].ID, nil
}

func (s *Sampler) draw(cs *CandidateSet) (int, error) {
	weights := make([]float64, len(cs.Tokens))
	for i, c := range cs.Tokens {
		weights[i] = float64(c.Prob)
	}

	w := sampleuv.NewWeighted(weights, s.rng)
	idx, ok := w.Take()
	if !ok {
		return 0, errors.New("sample: weighted draw failed")
	}
	return idx, nil
}

// Accept commits a token: it enters the penalty window and advances the
// grammar automaton. A grammar rejection here means the token was produced
// outside the constrained path and the request must fail.
func (s *Sampler) Accept(token llm.Token) error {
	s.history.Push(token)
	for _, c := range s.constraints {
		if err := c.Accept(token); err != nil {
			return api.Errorf(api.ErrorKindGrammarViolation, "%v", err)
		}
	}
	return nil
}

// GrammarDone reports whether a grammar is attached and has consumed a
// complete production, meaning generation should stop.
func (s *Sampler) GrammarDone() bool {
	return s.grammar != nil && s.grammar.machine.Done()
}

// Reset rewinds all sampler state so the slot can be reused.
func (s *Sampler) Reset() {
	s.history.Reset()
	for _, c := range s.constraints {
		c.Reset()
	}
	if s.mirostat != nil {
		s.mirostat.reset()
	}
}
