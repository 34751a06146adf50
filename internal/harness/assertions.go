package harness

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/entsync/internal/adapter/memory"
	"github.com/roach88/entsync/internal/data"
	"github.com/roach88/entsync/internal/payload"
)

// StateField names the entity state in final_state expectations and
// in result snapshots.
const StateField = "$state"

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			if event.Type == EventCall {
				fmt.Fprintf(&buf, "  [%d] %s %v\n", i+1, event.Action, event.Args)
			}
		}
	}

	return buf.String()
}

// assertTraceContains checks if the trace contains a backend call matching
// the specified action and args (subset match).
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if event.Type == EventCall && event.Action == assertion.Action {
			if matchArgs(event.Args, assertion.Args) {
				return nil
			}
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("call %s with args %v", assertion.Action, assertion.Args),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks if calls appear in the specified order.
// Calls don't need to be consecutive (intervening calls are allowed), and
// a repeated action matches its next occurrence.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	pos := 0
	for i, want := range assertion.Actions {
		found := false
		for pos < len(trace) {
			event := trace[pos]
			pos++
			if event.Type == EventCall && event.Action == want {
				found = true
				break
			}
		}
		if !found {
			actual := fmt.Sprintf("missing call: %s", want)
			if i > 0 {
				actual = fmt.Sprintf("%s not found after %s", want, assertion.Actions[i-1])
			}
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("calls in order: %v", assertion.Actions),
				Actual:   actual,
				Trace:    trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks if the call appears exactly the specified number of times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type == EventCall && event.Action == assertion.Action && matchArgs(event.Args, assertion.Args) {
			count++
		}
	}

	want := 0
	if assertion.Count != nil {
		want = *assertion.Count
	}
	if count != want {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", want, assertion.Action),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState checks a set's local entities, or the backend's
// records for source "remote", against the expected values.
//
// Where selects rows. With Count set, the number of selected rows must
// match; with Expect set, exactly one row must be selected and hold the
// expected values (subset semantics).
func assertFinalState(actx *AssertionContext, assertion Assertion) error {
	set, err := actx.Data.Set(assertion.Set)
	if err != nil {
		return err
	}

	var rows []map[string]any
	if assertion.Source == "remote" {
		objs, err := actx.Backend.Snapshot(actx.Ctx, set.Controller())
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", set.Controller(), err)
		}
		for _, o := range objs {
			rows = append(rows, o)
		}
	} else {
		for _, e := range set.Contents() {
			row := map[string]any(e.Fields())
			row[StateField] = string(e.State())
			rows = append(rows, row)
		}
	}

	var matched []map[string]any
	for _, row := range rows {
		if matchArgs(row, assertion.Where) {
			matched = append(matched, row)
		}
	}

	whereDesc := formatWhereClause(assertion.Where)
	if assertion.Count != nil && len(matched) != *assertion.Count {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%d row(s) in %s where %s", *assertion.Count, assertion.Set, whereDesc),
			Actual:   fmt.Sprintf("%d row(s)", len(matched)),
		}
	}
	if len(assertion.Expect) == 0 {
		return nil
	}
	if len(matched) == 0 {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", assertion.Set, whereDesc),
			Actual:   "row not found",
		}
	}
	if len(matched) > 1 {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", assertion.Set, whereDesc),
			Actual:   "multiple rows matched (assertion is ambiguous)",
		}
	}

	row := matched[0]
	for _, key := range sortedNames(assertion.Expect) {
		want := assertion.Expect[key]
		got, ok := row[key]
		if !ok && want != nil {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present", key),
			}
		}
		if !valuesEqual(got, want) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v (type %T)", key, want, want),
				Actual:   fmt.Sprintf("field %q = %v (type %T)", key, got, got),
			}
		}
	}
	return nil
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(all rows)"
	}
	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// matchArgs checks that every expected field is present in actual with an
// equal value (subset semantics).
func matchArgs(actual, expected map[string]any) bool {
	for k, want := range expected {
		got, ok := actual[k]
		if !ok {
			return false
		}
		if !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

// valuesEqual compares under payload semantics, so YAML ints match
// float64 JSON numbers.
func valuesEqual(actual, expected any) bool {
	if actual == nil && expected == nil {
		return true
	}
	if actual == nil || expected == nil {
		return false
	}
	return payload.Equal(actual, expected)
}

// checkExpect compares a step outcome with its expectation. A step
// without an expectation must succeed.
func checkExpect(where string, exp *Expect, out stepOutcome, err error) []string {
	var errs []string
	if exp == nil || exp.Error == "" {
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: unexpected error: %v", where, err))
		}
	} else {
		switch {
		case err == nil:
			errs = append(errs, fmt.Sprintf("%s: expected error containing %q", where, exp.Error))
		case !strings.Contains(err.Error(), exp.Error):
			errs = append(errs, fmt.Sprintf("%s: error %q does not contain %q", where, err.Error(), exp.Error))
		}
	}
	if exp == nil {
		return errs
	}

	if exp.Count != nil {
		if out.count == nil {
			errs = append(errs, fmt.Sprintf("%s: expected count %d, step has no count", where, *exp.Count))
		} else if *out.count != *exp.Count {
			errs = append(errs, fmt.Sprintf("%s: count = %d, want %d", where, *out.count, *exp.Count))
		}
	}
	if exp.Keys != nil && !keysEqual(out.keys, exp.Keys) {
		errs = append(errs, fmt.Sprintf("%s: keys = %v, want %v", where, out.keys, exp.Keys))
	}
	if exp.State != "" {
		switch {
		case out.entity == nil:
			errs = append(errs, fmt.Sprintf("%s: expected state %s, step has no entity", where, exp.State))
		case string(out.entity.State()) != exp.State:
			errs = append(errs, fmt.Sprintf("%s: state = %s, want %s", where, out.entity.State(), exp.State))
		}
	}
	if exp.Result != nil && !valuesEqual(out.value, exp.Result) {
		errs = append(errs, fmt.Sprintf("%s: result = %v, want %v", where, out.value, exp.Result))
	}
	return errs
}

func keysEqual(got, want []any) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if !valuesEqual(got[i], want[i]) {
			return false
		}
	}
	return true
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Ctx     context.Context
	Data    *data.Context
	Backend *memory.Backend
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides context and backend access for final_state.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertFinalState:
			if actx == nil || actx.Data == nil || actx.Backend == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires a data context", i)
			} else {
				err = assertFinalState(actx, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
