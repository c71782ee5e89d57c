// Package sample narrows a model's output logits down to one chosen token.
// A Sampler owns an ordered pipeline of constraints; each constraint filters
// or rescales the candidate set in place, and the sampler draws from
// whatever survives.
package sample

import (
	"math"

	"github.com/skein-ai/skein/llm"
)

// Candidate pairs a token with its current score. Logit is mutated by the
// pipeline; Prob is only valid after a softmax.
type Candidate struct {
	ID    llm.Token
	Logit float32
	Prob  float32
}

// CandidateSet is the per-step working set of candidates. Constraints shrink
// it and rescale it, never grow it.
type CandidateSet struct {
	Tokens []Candidate

	// Sorted is set once the tokens are in descending logit order.
	Sorted bool
}

// NewCandidateSet lifts a raw logit vector into a candidate per vocab entry.
func NewCandidateSet(logits []float32) *CandidateSet {
	tokens := make([]Candidate, len(logits))
	for i, l := range logits {
		tokens[i] = Candidate{ID: llm.Token(i), Logit: l}
	}
	return &CandidateSet{Tokens: tokens}
}

// Constraint filters or transforms a candidate set. Stateful constraints
// observe accepted tokens and can be reset when a slot is reused.
type Constraint interface {
	Apply(*CandidateSet)
	Accept(token llm.Token) error
	Reset()
}

// stateless provides no-op Accept/Reset for pure filters.
type stateless struct{}

func (stateless) Accept(llm.Token) error { return nil }
func (stateless) Reset()                 {}

// sortByLogit orders candidates by descending logit, ties broken by the
// original candidate order.
func sortByLogit(cs *CandidateSet) {
	if cs.Sorted {
		return
	}
	partialSort(cs.Tokens, len(cs.Tokens))
	cs.Sorted = true
}

// softmax populates Prob from the logits, sorting first so truncation
// constraints can take prefixes. Uses the usual max-subtraction for
// stability.
func softmax(cs *CandidateSet) {
	if len(cs.Tokens) == 0 {
		return
	}

	sortByLogit(cs)

	maxLogit := cs.Tokens[0].Logit
	var sum float64
	for i := range cs.Tokens {
		p := math.Exp(float64(cs.Tokens[i].Logit - maxLogit))
		cs.Tokens[i].Prob = float32(p)
		sum += p
	}
	for i := range cs.Tokens {
		cs.Tokens[i].Prob /= float32(sum)
	}
}

// greedy returns the candidate with the highest logit without requiring a
// sort.
func greedy(cs *CandidateSet) Candidate {
	best := cs.Tokens[0]
	for _, c := range cs.Tokens[1:] {
		if c.Logit > best.Logit {
			best = c
		}
	}
	return best
}

// siftDown restores the heap property used by partialSort: the root of the
// heap is the worst candidate it holds.
func siftDown(tokens []Candidate, start, end int) {
	current := start
	for {
		child1 := 2*current + 1
		child2 := 2*current + 2

		worst := current
		if child1 < end && less(tokens[worst], tokens[child1]) {
			worst = child1
		}
		if child2 < end && less(tokens[worst], tokens[child2]) {
			worst = child2
		}

		if worst == current {
			break
		}

		tokens[current], tokens[worst] = tokens[worst], tokens[current]
		current = worst
	}
}

// less orders candidates descending by logit with the original candidate
// order as tiebreak, which keeps truncation deterministic.
func less(a, b Candidate) bool {
	if a.Logit != b.Logit {
		return a.Logit > b.Logit
	}
	return a.ID < b.ID
}

// partialSort places the k greatest candidates, in order, at the front of
// the slice using a bounded heap.
func partialSort(tokens []Candidate, k int) {
	if k > len(tokens) {
		k = len(tokens)
	}
	if k < 2 {
		if k == 1 && len(tokens) > 1 {
			best := 0
			for i := 1; i < len(tokens); i++ {
				if less(tokens[i], tokens[best]) {
					best = i
				}
			}
			tokens[0], tokens[best] = tokens[best], tokens[0]
		}
		return
	}

	for i := k/2 - 1; i >= 0; i-- {
		siftDown(tokens, i, k)
	}

	for i := k; i < len(tokens); i++ {
		if less(tokens[i], tokens[0]) {
			tokens[0] = tokens[i]
			siftDown(tokens, 0, k)
		}
	}

	for i := k - 1; i > 0; i-- {
		tokens[0], tokens[i] = tokens[i], tokens[0]
		siftDown(tokens, 0, i)
	}
}
