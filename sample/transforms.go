package sample

import (
	"math"
)

// TopK keeps the k highest-logit candidates.
type TopK struct {
	stateless
	K int
}

func (t TopK) Apply(cs *CandidateSet) {
	if t.K <= 0 || t.K >= len(cs.Tokens) {
		return
	}

	partialSort(cs.Tokens, t.K)
	cs.Tokens = cs.Tokens[:t.K]
	cs.Sorted = true
}

// TopP keeps the smallest prefix, in descending probability order, whose
// cumulative probability reaches p, but never fewer than MinKeep tokens.
type TopP struct {
	stateless
	P       float32
	MinKeep int
}

func (t TopP) Apply(cs *CandidateSet) {
	if t.P >= 1 || len(cs.Tokens) == 0 {
		return
	}

	softmax(cs)

	cut := len(cs.Tokens)
	var sum float32
	for i := range cs.Tokens {
		sum += cs.Tokens[i].Prob
		if sum >= t.P && i+1 >= t.MinKeep {
			cut = i + 1
			break
		}
	}

	cs.Tokens = cs.Tokens[:cut]
}

// MinP keeps candidates whose probability is at least p times the highest
// probability.
type MinP struct {
	stateless
	P       float32
	MinKeep int
}

func (m MinP) Apply(cs *CandidateSet) {
	if m.P <= 0 || len(cs.Tokens) == 0 {
		return
	}

	softmax(cs)

	threshold := cs.Tokens[0].Prob * m.P
	cut := len(cs.Tokens)
	for i := range cs.Tokens {
		if cs.Tokens[i].Prob < threshold && i >= m.MinKeep {
			cut = i
			break
		}
	}

	cs.Tokens = cs.Tokens[:cut]
}

// TailFree removes the low-probability tail using the curvature of the
// sorted distribution: candidates past the point where the normalized
// absolute second derivative accumulates beyond z are dropped.
type TailFree struct {
	stateless
	Z       float32
	MinKeep int
}

func (t TailFree) Apply(cs *CandidateSet) {
	if t.Z >= 1 || len(cs.Tokens) <= 2 {
		return
	}

	softmax(cs)

	first := make([]float64, len(cs.Tokens)-1)
	for i := range first {
		first[i] = float64(cs.Tokens[i].Prob - cs.Tokens[i+1].Prob)
	}

	second := make([]float64, len(first)-1)
	var sum float64
	for i := range second {
		second[i] = math.Abs(first[i] - first[i+1])
		sum += second[i]
	}

	if sum > 0 {
		for i := range second {
			second[i] /= sum
		}
	}

	cut := len(cs.Tokens)
	var cum float64
	for i, d := range second {
		cum += d
		if cum > float64(t.Z) && i+1 >= t.MinKeep {
			cut = i + 1
			break
		}
	}

	cs.Tokens = cs.Tokens[:cut]
}

// Typical keeps the locally typical candidates: those whose surprise is
// closest to the distribution's entropy, up to cumulative probability p.
type Typical struct {
	stateless
	P       float32
	MinKeep int
}

func (t Typical) Apply(cs *CandidateSet) {
	if t.P >= 1 || len(cs.Tokens) == 0 {
		return
	}

	softmax(cs)

	var entropy float64
	for _, c := range cs.Tokens {
		if c.Prob > 0 {
			entropy -= float64(c.Prob) * math.Log(float64(c.Prob))
		}
	}

	type shifted struct {
		idx   int
		score float64
	}
	scores := make([]shifted, len(cs.Tokens))
	for i, c := range cs.Tokens {
		surprise := -math.Log(math.Max(float64(c.Prob), 1e-30))
		scores[i] = shifted{idx: i, score: math.Abs(surprise - entropy)}
	}

	// ascending by deviation from entropy, stable on the sorted order
	for i := 1; i < len(scores); i++ {
		for j := i; j > 0 && scores[j].score < scores[j-1].score; j-- {
			scores[j], scores[j-1] = scores[j-1], scores[j]
		}
	}

	var sum float32
	cut := len(scores)
	for i, s := range scores {
		sum += cs.Tokens[s.idx].Prob
		if sum >= t.P && i+1 >= t.MinKeep {
			cut = i + 1
			break
		}
	}

	kept := make([]Candidate, cut)
	for i := range kept {
		kept[i] = cs.Tokens[scores[i].idx]
	}

	cs.Tokens = kept
	cs.Sorted = false
}

// Temperature divides logits by t. Values below 1 sharpen the distribution,
// above 1 flatten it. t is floored at a small positive value so t = 0 decays
// to a near-argmax distribution rather than dividing by zero.
type Temperature struct {
	stateless
	T float32
}

func (t Temperature) Apply(cs *CandidateSet) {
	if t.T == 1 || len(cs.Tokens) == 0 {
		return
	}

	temp := math.Max(float64(t.T), 1e-7)

	// subtract the max logit to avoid under/overflow
	maxLogit := float32(math.Inf(-1))
	for _, c := range cs.Tokens {
		if c.Logit > maxLogit {
			maxLogit = c.Logit
		}
	}

	for i := range cs.Tokens {
		cs.Tokens[i].Logit = float32(float64(cs.Tokens[i].Logit-maxLogit) / temp)
	}
}

// DynTemp scales temperature by the normalized entropy of the candidate
// distribution: confident distributions get a temperature near Min,
// high-entropy ones approach Max.
type DynTemp struct {
	stateless
	Min, Max float32
	Exponent float32
}

func (d DynTemp) Apply(cs *CandidateSet) {
	if len(cs.Tokens) <= 1 {
		return
	}

	softmax(cs)

	var entropy float64
	for _, c := range cs.Tokens {
		if c.Prob > 0 {
			entropy -= float64(c.Prob) * math.Log(float64(c.Prob))
		}
	}

	maxEntropy := math.Log(float64(len(cs.Tokens)))
	normalized := 1.0
	if maxEntropy > 0 {
		normalized = entropy / maxEntropy
	}

	dyn := float64(d.Min) + float64(d.Max-d.Min)*math.Pow(normalized, float64(d.Exponent))
	Temperature{T: float32(dyn)}.Apply(cs)
}
