package harness

// TraceEvent is one entry of a run's trace.
//
// Session and Lists are recorded only where they are deterministic: after
// await steps, after list steps (Lists only) and in the final event.
type TraceEvent struct {
	// Step is the 1-based step index. A settled async mutation reuses the
	// index of the step that started it.
	Step int `json:"step"`

	Op      string `json:"op"`
	Outcome string `json:"outcome,omitempty"`

	Session map[string]any `json:"session,omitempty"`
	Lists   []any          `json:"lists,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step matched its expect clause and every
	// assertion held.
	Pass bool `json:"pass"`

	Trace []TraceEvent `json:"trace"`

	// Errors contains expect and assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Outcomes maps each 1-based step index to its final outcome.
	Outcomes map[int]string `json:"-"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:     true,
		Trace:    []TraceEvent{},
		Errors:   []string{},
		Outcomes: make(map[int]string),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Record appends ev to the trace.
func (r *Result) Record(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}
