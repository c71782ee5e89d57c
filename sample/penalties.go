package sample

import (
	"github.com/skein-ai/skein/llm"
)

// Ring is a bounded history of accepted tokens, oldest evicted first.
type Ring struct {
	buf  []llm.Token
	head int
	n    int
}

func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]llm.Token, capacity)}
}

func (r *Ring) Push(t llm.Token) {
	r.buf[r.head] = t
	r.head = (r.head + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

func (r *Ring) Len() int { return r.n }

// Each calls fn for every token in the window, oldest first.
func (r *Ring) Each(fn func(llm.Token)) {
	start := (r.head - r.n + len(r.buf)) % len(r.buf)
	for i := 0; i < r.n; i++ {
		fn(r.buf[(start+i)%len(r.buf)])
	}
}

func (r *Ring) Reset() {
	r.head = 0
	r.n = 0
}

// Penalties discourages tokens present in the recent history window. Repeat
// scales the logit, frequency and presence subtract from it. The window is
// the sampler's shared history ring.
type Penalties struct {
	History  *Ring
	Repeat   float32
	Freq     float32
	Presence float32

	// PenalizeNewline controls whether Newline is exempted: when false the
	// newline token's logit is left untouched.
	PenalizeNewline bool
	Newline         llm.Token

	counts map[llm.Token]int
}

func (p *Penalties) enabled() bool {
	return p.Repeat != 1 || p.Freq != 0 || p.Presence != 0
}

func (p *Penalties) Apply(cs *CandidateSet) {
	if !p.enabled() || p.History.Len() == 0 {
		return
	}

	if p.counts == nil {
		p.counts = make(map[llm.Token]int)
	}
	clear(p.counts)
	p.History.Each(func(t llm.Token) {
		p.counts[t]++
	})

	for i := range cs.Tokens {
		c := &cs.Tokens[i]
		count, ok := p.counts[c.ID]
		if !ok {
			continue
		}
		if !p.PenalizeNewline && c.ID == p.Newline {
			continue
		}

		if c.Logit <= 0 {
			c.Logit *= p.Repeat
		} else {
			c.Logit /= p.Repeat
		}
		c.Logit -= float32(count)*p.Freq + p.Presence
	}

	cs.Sorted = false
}

func (p *Penalties) Accept(llm.Token) error { return nil }

func (p *Penalties) Reset() {
	clear(p.counts)
}

// LogitBias adds caller-specified offsets to individual token logits before
// anything else looks at them. Strong negative values effectively ban a
// token.
type LogitBias struct {
	stateless
	Bias map[llm.Token]float32
}

func (b LogitBias) Apply(cs *CandidateSet) {
	if len(b.Bias) == 0 {
		return
	}

	for i := range cs.Tokens {
		if bias, ok := b.Bias[cs.Tokens[i].ID]; ok {
			cs.Tokens[i].Logit += bias
			cs.Sorted = false
		}
	}
}
