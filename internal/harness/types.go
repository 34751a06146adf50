package harness

// Trace event types.
const (
	EventStep = "step"
	EventCall = "call"
)

// TraceEvent is either a scenario step or a backend call it caused.
type TraceEvent struct {
	Type string `json:"type"` // "step" or "call"
	// Action is "<op> <set>" for steps and "<op> <controller>" for calls,
	// e.g. "update People" followed by "put People".
	Action string         `json:"action"`
	Args   map[string]any `json:"args,omitempty"`
	// Outcome is "ok" or the error of a step. Calls leave it empty.
	Outcome string `json:"outcome,omitempty"`
	Seq     int64  `json:"seq"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace contains steps and backend calls in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains expectation and assertion failures.
	Errors []string `json:"errors,omitempty"`

	// State holds the final local contents per set, keyed by set name.
	State map[string]any `json:"state,omitempty"`

	seq int64
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string]any),
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) next() int64 {
	r.seq++
	return r.seq
}

// AddStepTrace records a scenario step.
func (r *Result) AddStepTrace(action string, args map[string]any, outcome string) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:    EventStep,
		Action:  action,
		Args:    args,
		Outcome: outcome,
		Seq:     r.next(),
	})
}

// AddCallTrace records a backend call.
func (r *Result) AddCallTrace(action string, args map[string]any) {
	r.Trace = append(r.Trace, TraceEvent{
		Type:   EventCall,
		Action: action,
		Args:   args,
		Seq:    r.next(),
	})
}

// Calls returns only the backend call events.
func (r *Result) Calls() []TraceEvent {
	var out []TraceEvent
	for _, e := range r.Trace {
		if e.Type == EventCall {
			out = append(out, e)
		}
	}
	return out
}
