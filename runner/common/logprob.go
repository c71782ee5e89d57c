package common

import (
	"math"
	"sort"

	"github.com/skein-ai/skein/llm"
)

// Logprobs converts raw logits to log probabilities with a numerically
// stable softmax and reports the chosen token's logprob plus the topK most
// likely alternatives at that position. piece decodes a token id to text.
func Logprobs(logits []float32, chosen llm.Token, topK int, piece func(llm.Token) string) llm.Logprob {
	if len(logits) == 0 || int(chosen) >= len(logits) {
		return llm.Logprob{}
	}

	maxLogit := logits[0]
	for _, logit := range logits[1:] {
		if logit > maxLogit {
			maxLogit = logit
		}
	}

	var sumExp float64
	for _, logit := range logits {
		sumExp += math.Exp(float64(logit - maxLogit))
	}
	logSumExp := float32(math.Log(sumExp))

	logProbs := make([]float32, len(logits))
	for i, logit := range logits {
		logProbs[i] = (logit - maxLogit) - logSumExp
	}

	out := llm.Logprob{
		TokenLogprob: llm.TokenLogprob{
			Token:   piece(chosen),
			Logprob: float64(logProbs[chosen]),
		},
	}

	if topK > 0 {
		ids := make([]llm.Token, len(logProbs))
		for i := range ids {
			ids[i] = llm.Token(i)
		}
		sort.Slice(ids, func(i, j int) bool {
			return logProbs[ids[i]] > logProbs[ids[j]]
		})

		k := min(topK, len(ids))
		out.TopLogprobs = make([]llm.TokenLogprob, k)
		for i := range k {
			out.TopLogprobs[i] = llm.TokenLogprob{
				Token:   piece(ids[i]),
				Logprob: float64(logProbs[ids[i]]),
			}
		}
	}

	return out
}
