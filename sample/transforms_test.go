package sample

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/skein-ai/skein/llm"
)

// Helper to lift a raw logit slice into a candidate set
func toSet(values []float32) *CandidateSet {
	return NewCandidateSet(values)
}

// Helper to collect the surviving token ids in order
func ids(cs *CandidateSet) []llm.Token {
	out := make([]llm.Token, len(cs.Tokens))
	for i, c := range cs.Tokens {
		out[i] = c.ID
	}
	return out
}

// Helper to compare the surviving logits
func compareLogits(t *testing.T, name string, want []float32, cs *CandidateSet) {
	t.Helper()
	if len(want) != len(cs.Tokens) {
		t.Errorf("%s: length mismatch: want %d, got %d", name, len(want), len(cs.Tokens))
		return
	}
	for i := range want {
		if math.Abs(float64(cs.Tokens[i].Logit-want[i])) > 1e-5 {
			t.Errorf("%s: index %d: want %f, got %f", name, i, want[i], cs.Tokens[i].Logit)
		}
	}
}

func TestSoftmax(t *testing.T) {
	tests := []struct {
		name  string
		input []float32
	}{
		{name: "mixed values", input: []float32{1, -2, 3, 0}},
		{name: "single value", input: []float32{1.0}},
		{name: "identical values", input: []float32{0.9, 0.9, 0.9}},
		{name: "large values", input: []float32{1000.0, 2000.0, 3000.0}},
		{name: "negative values", input: []float32{-1.0, -2.0, -3.0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs := toSet(tt.input)
			softmax(cs)

			if !cs.Sorted {
				t.Error("softmax did not leave the set sorted")
			}

			var sum float32
			for i, c := range cs.Tokens {
				sum += c.Prob
				if c.Prob < 0 || c.Prob > 1 {
					t.Errorf("probability out of range [0,1]: got %f", c.Prob)
				}
				if i > 0 && c.Prob > cs.Tokens[i-1].Prob {
					t.Errorf("probabilities not descending at index %d", i)
				}
			}
			if math.Abs(float64(sum-1.0)) > 1e-6 {
				t.Errorf("probabilities don't sum to 1: got %f", sum)
			}
		})
	}
}

func TestTopK(t *testing.T) {
	input := []float32{0.026, 0.043, 0.036, 0.277, 0.004, 0.085, 0.204, 0.004, 0.157, 0.045, 0.003, 0.016}

	cs := toSet(input)
	TopK{K: 5}.Apply(cs)

	if len(cs.Tokens) != 5 {
		t.Fatalf("topK(5): want 5 tokens, got %d", len(cs.Tokens))
	}
	if diff := cmp.Diff([]llm.Token{3, 6, 8, 5, 9}, ids(cs)); diff != "" {
		t.Errorf("topK(5) id order mismatch (-want +got):\n%s", diff)
	}
	compareLogits(t, "topK(5)", []float32{0.277, 0.204, 0.157, 0.085, 0.045}, cs)

	// k >= len keeps everything untouched
	cs = toSet(input)
	TopK{K: 20}.Apply(cs)
	if len(cs.Tokens) != len(input) {
		t.Errorf("topK(20): want %d tokens, got %d", len(input), len(cs.Tokens))
	}

	// k <= 0 disables the constraint
	cs = toSet(input)
	TopK{K: 0}.Apply(cs)
	if len(cs.Tokens) != len(input) {
		t.Errorf("topK(0): want %d tokens, got %d", len(input), len(cs.Tokens))
	}
}

func TestTopKTies(t *testing.T) {
	// ties resolve to the lower token id so truncation is deterministic
	cs := toSet([]float32{1, 1, 1, 1})
	TopK{K: 2}.Apply(cs)

	if diff := cmp.Diff([]llm.Token{0, 1}, ids(cs)); diff != "" {
		t.Errorf("tie-break mismatch (-want +got):\n%s", diff)
	}
}

func TestTopP(t *testing.T) {
	cs := toSet([]float32{
		float32(math.Log(0.5)),
		float32(math.Log(0.3)),
		float32(math.Log(0.15)),
		float32(math.Log(0.05)),
	})
	TopP{P: 0.75, MinKeep: 1}.Apply(cs)

	if diff := cmp.Diff([]llm.Token{0, 1}, ids(cs)); diff != "" {
		t.Errorf("topP(0.75) mismatch (-want +got):\n%s", diff)
	}

	// p = 0 with minKeep 1 degenerates to the single best token
	cs = toSet([]float32{2, 1, 0})
	TopP{P: 0, MinKeep: 1}.Apply(cs)
	if len(cs.Tokens) != 1 || cs.Tokens[0].ID != 0 {
		t.Errorf("topP(0): want single token 0, got %v", ids(cs))
	}

	// minKeep overrides the cumulative cutoff
	cs = toSet([]float32{2, 1, 0})
	TopP{P: 0, MinKeep: 3}.Apply(cs)
	if len(cs.Tokens) != 3 {
		t.Errorf("topP(0, minKeep=3): want 3 tokens, got %d", len(cs.Tokens))
	}

	// p >= 1 disables the constraint
	cs = toSet([]float32{2, 1, 0})
	TopP{P: 1, MinKeep: 1}.Apply(cs)
	if len(cs.Tokens) != 3 {
		t.Errorf("topP(1): want 3 tokens, got %d", len(cs.Tokens))
	}
}

func TestMinP(t *testing.T) {
	// probs roughly 0.64, 0.23, 0.086, 0.032, 0.012: threshold 0.64*0.1 = 0.064
	cs := toSet([]float32{4, 3, 2, 1, 0})
	MinP{P: 0.1, MinKeep: 1}.Apply(cs)

	if diff := cmp.Diff([]llm.Token{0, 1, 2}, ids(cs)); diff != "" {
		t.Errorf("minP(0.1) mismatch (-want +got):\n%s", diff)
	}

	// minKeep floor
	cs = toSet([]float32{10, 0, -10})
	MinP{P: 0.9, MinKeep: 2}.Apply(cs)
	if len(cs.Tokens) != 2 {
		t.Errorf("minP minKeep: want 2 tokens, got %d", len(cs.Tokens))
	}

	// p = 0 disables the constraint
	cs = toSet([]float32{10, 0, -10})
	MinP{P: 0, MinKeep: 1}.Apply(cs)
	if len(cs.Tokens) != 3 {
		t.Errorf("minP(0): want 3 tokens, got %d", len(cs.Tokens))
	}
}

func TestTailFree(t *testing.T) {
	// a sharp head followed by a flat tail: the curvature cut drops the tail
	cs := toSet([]float32{6, 5, 0.1, 0.09, 0.08, 0.07})
	TailFree{Z: 0.5, MinKeep: 1}.Apply(cs)

	if len(cs.Tokens) >= 6 {
		t.Errorf("tailFree(0.5): expected truncation, kept %d of 6", len(cs.Tokens))
	}
	if cs.Tokens[0].ID != 0 {
		t.Errorf("tailFree(0.5): best token lost, got %v", ids(cs))
	}

	// z >= 1 disables the constraint
	cs = toSet([]float32{6, 5, 0.1, 0.09, 0.08, 0.07})
	TailFree{Z: 1, MinKeep: 1}.Apply(cs)
	if len(cs.Tokens) != 6 {
		t.Errorf("tailFree(1): want 6 tokens, got %d", len(cs.Tokens))
	}

	// too few candidates to take a second derivative
	cs = toSet([]float32{1, 0})
	TailFree{Z: 0.5, MinKeep: 1}.Apply(cs)
	if len(cs.Tokens) != 2 {
		t.Errorf("tailFree small set: want 2 tokens, got %d", len(cs.Tokens))
	}
}

func TestTypical(t *testing.T) {
	// near-uniform distribution: every token is typical, p cut decides
	cs := toSet([]float32{1, 1, 1, 1})
	Typical{P: 0.5, MinKeep: 1}.Apply(cs)
	if len(cs.Tokens) != 2 {
		t.Errorf("typical(0.5) uniform: want 2 tokens, got %d", len(cs.Tokens))
	}

	// skewed distribution: a tight p keeps only the most typical tokens and
	// the improbable tail never survives
	cs = toSet([]float32{5, 2, 2, -5})
	Typical{P: 0.3, MinKeep: 1}.Apply(cs)
	if len(cs.Tokens) == 0 {
		t.Fatal("typical(0.3): empty set")
	}
	for _, c := range cs.Tokens {
		if c.ID == 3 {
			t.Errorf("typical(0.3): improbable tail token kept")
		}
	}

	// p >= 1 disables the constraint
	cs = toSet([]float32{5, 2, 2, -5})
	Typical{P: 1, MinKeep: 1}.Apply(cs)
	if len(cs.Tokens) != 4 {
		t.Errorf("typical(1): want 4 tokens, got %d", len(cs.Tokens))
	}
}

func TestTemperature(t *testing.T) {
	cs := toSet([]float32{1, 4, -2, 0})
	Temperature{T: 0.5}.Apply(cs)
	// max-subtracted then divided: (x - 4) / 0.5
	compareLogits(t, "temperature(0.5)", []float32{-6, 0, -12, -8}, cs)

	cs = toSet([]float32{1, 4, -2, 0})
	Temperature{T: 1}.Apply(cs)
	compareLogits(t, "temperature(1)", []float32{1, 4, -2, 0}, cs)

	// t = 0 floors to a tiny epsilon instead of dividing by zero
	cs = toSet([]float32{1, 4})
	Temperature{T: 0}.Apply(cs)
	if !math.IsInf(float64(cs.Tokens[0].Logit), -1) && cs.Tokens[0].Logit > -1e6 {
		t.Errorf("temperature(0): expected extreme separation, got %f", cs.Tokens[0].Logit)
	}
	if cs.Tokens[1].Logit != 0 {
		t.Errorf("temperature(0): max logit should normalize to 0, got %f", cs.Tokens[1].Logit)
	}
}

func TestDynTemp(t *testing.T) {
	// single candidate: nothing to scale
	cs := toSet([]float32{3})
	DynTemp{Min: 0.5, Max: 1.5, Exponent: 1}.Apply(cs)
	compareLogits(t, "dynTemp single", []float32{3}, cs)

	// uniform distribution has maximal entropy, so the applied temperature
	// is Max; all logits collapse to the same value either way
	cs = toSet([]float32{1, 1, 1})
	DynTemp{Min: 0.5, Max: 1.5, Exponent: 1}.Apply(cs)
	for i := 1; i < len(cs.Tokens); i++ {
		if cs.Tokens[i].Logit != cs.Tokens[0].Logit {
			t.Errorf("dynTemp uniform: logits diverged at %d", i)
		}
	}

	// confident distribution approaches Min < 1, which sharpens: gap grows
	cs = toSet([]float32{5, 0, -5})
	DynTemp{Min: 0.5, Max: 1.5, Exponent: 1}.Apply(cs)
	gap := cs.Tokens[0].Logit - cs.Tokens[1].Logit
	if gap <= 5 {
		t.Errorf("dynTemp confident: expected sharpened gap > 5, got %f", gap)
	}
}

func TestPenalties(t *testing.T) {
	newRing := func(tokens ...llm.Token) *Ring {
		r := NewRing(8)
		for _, tok := range tokens {
			r.Push(tok)
		}
		return r
	}

	t.Run("repeat", func(t *testing.T) {
		cs := toSet([]float32{2, -2, 1})
		p := &Penalties{History: newRing(0, 1), Repeat: 2, PenalizeNewline: true, Newline: -1}
		p.Apply(cs)
		// positive logits divide, negative multiply; unseen token untouched
		compareLogits(t, "repeat", []float32{1, -4, 1}, cs)
	})

	t.Run("frequency and presence", func(t *testing.T) {
		cs := toSet([]float32{0, 0, 0})
		p := &Penalties{History: newRing(0, 0, 1), Repeat: 1, Freq: 0.5, Presence: 1, PenalizeNewline: true, Newline: -1}
		p.Apply(cs)
		// token 0 seen twice: -(2*0.5 + 1); token 1 once: -(0.5 + 1)
		compareLogits(t, "freq+presence", []float32{-2, -1.5, 0}, cs)
	})

	t.Run("newline exemption", func(t *testing.T) {
		cs := toSet([]float32{2, 2})
		p := &Penalties{History: newRing(0, 1), Repeat: 2, PenalizeNewline: false, Newline: 1}
		p.Apply(cs)
		compareLogits(t, "newline exempt", []float32{1, 2}, cs)
	})

	t.Run("disabled", func(t *testing.T) {
		cs := toSet([]float32{2, -2})
		p := &Penalties{History: newRing(0, 1), Repeat: 1, PenalizeNewline: true, Newline: -1}
		p.Apply(cs)
		compareLogits(t, "disabled", []float32{2, -2}, cs)
	})

	t.Run("window eviction", func(t *testing.T) {
		r := NewRing(2)
		r.Push(0)
		r.Push(1)
		r.Push(2) // evicts 0

		cs := toSet([]float32{2, 2, 2})
		p := &Penalties{History: r, Repeat: 2, PenalizeNewline: true, Newline: -1}
		p.Apply(cs)
		compareLogits(t, "eviction", []float32{2, 1, 1}, cs)
	})
}

func TestLogitBias(t *testing.T) {
	cs := toSet([]float32{1, 2, 3})
	LogitBias{Bias: map[llm.Token]float32{0: 5, 2: -100}}.Apply(cs)
	compareLogits(t, "bias", []float32{6, 2, -97}, cs)
}
