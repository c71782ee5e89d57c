package sample

import (
	"math"
)

// mirostat holds the running state of the adaptive-perplexity samplers.
// Both versions tune how aggressively the candidate set is truncated so the
// observed surprise of chosen tokens tracks the target tau, updating mu as a
// side effect of every draw.
type mirostat struct {
	version int
	tau     float32
	eta     float32
	m       int
	mu      float32
	vocab   int
}

func newMirostat(version int, tau, eta float32, vocab int) *mirostat {
	return &mirostat{
		version: version,
		tau:     tau,
		eta:     eta,
		m:       100,
		mu:      2 * tau,
		vocab:   vocab,
	}
}

// truncate narrows the candidate set according to the current mu. For v1 an
// adaptive k is derived from the estimated Zipf exponent of the top
// candidates; for v2 candidates whose surprise exceeds mu are dropped.
func (ms *mirostat) truncate(cs *CandidateSet) {
	softmax(cs)

	switch ms.version {
	case 1:
		// Estimate the Zipf exponent s_hat from the surprise differences of
		// the top m candidates.
		var sumTiBi, sumTiSq float64
		pairs := min(ms.m, len(cs.Tokens)) - 1
		for i := 0; i < pairs; i++ {
			ti := math.Log(float64(i+2) / float64(i+1))
			bi := math.Log(float64(cs.Tokens[i].Prob) / math.Max(float64(cs.Tokens[i+1].Prob), 1e-30))
			sumTiBi += ti * bi
			sumTiSq += ti * ti
		}

		sHat := 1.0
		if sumTiSq > 0 {
			sHat = sumTiBi / sumTiSq
		}

		epsilonHat := sHat - 1
		var k float64
		if epsilonHat > 0 {
			k = math.Pow(
				(epsilonHat*math.Pow(2, float64(ms.mu)))/(1-math.Pow(float64(ms.vocab), -epsilonHat)),
				1/sHat,
			)
		} else {
			k = float64(len(cs.Tokens))
		}

		TopK{K: max(int(k), 1)}.Apply(cs)
		softmax(cs)

	case 2:
		cut := len(cs.Tokens)
		for i, c := range cs.Tokens {
			surprise := -math.Log2(math.Max(float64(c.Prob), 1e-30))
			if surprise > float64(ms.mu) && i >= 1 {
				cut = i
				break
			}
		}
		cs.Tokens = cs.Tokens[:cut]
		softmax(cs)
	}
}

// update feeds back the surprise of the chosen candidate.
func (ms *mirostat) update(chosen Candidate) {
	observed := -math.Log2(math.Max(float64(chosen.Prob), 1e-30))
	ms.mu -= ms.eta * float32(observed-float64(ms.tau))
}

func (ms *mirostat) reset() {
	ms.mu = 2 * ms.tau
}
