package slotrunner

// Metrics is a point-in-time snapshot of the scheduler's counters, taken on
// the scheduler goroutine so no field needs atomic access.
type Metrics struct {
	SlotsIdle       int `json:"slots_idle"`
	SlotsProcessing int `json:"slots_processing"`

	// RequestsDeferred is the number of tasks currently waiting for a slot.
	RequestsDeferred int `json:"requests_deferred"`

	PromptTokensTotal    uint64 `json:"prompt_tokens_total"`
	TokensPredictedTotal uint64 `json:"tokens_predicted_total"`

	PromptSecondsTotal          float64 `json:"prompt_seconds_total"`
	TokensPredictedSecondsTotal float64 `json:"tokens_predicted_seconds_total"`

	// DecodeTotal counts evaluator invocations; BusySlotsTotal accumulates
	// the number of slots contributing to each, so their ratio is the mean
	// batch occupancy.
	DecodeTotal    uint64 `json:"n_decode_total"`
	BusySlotsTotal uint64 `json:"n_busy_slots_total"`

	RequestsTotal uint64 `json:"requests_total"`
}
