// Package harness runs YAML conformance scenarios against a data context.
//
// Each scenario compiles its CUE model, seeds an in-memory backend and
// drives a fresh data context through a flow of steps. Every step is
// flushed before the next one runs, so the trace lists each step followed
// by the backend calls it caused.
//
// # Scenario Format
//
//	name: update_then_remove
//	description: "An update queued before a remove reaches the server first"
//	models:
//	  - ../models/people.cue
//	buffered: false
//	seed:
//	  People:
//	    - {Id: p1, Name: Ann}
//	actions:
//	  People.promote: {level: 2}
//	flow:
//	  - op: refresh
//	    set: People
//	    expect: {count: 1, keys: [p1]}
//	  - op: update
//	    set: People
//	    key: p1
//	    data: {Name: Bob}
//	    fail: put          # inject a failure into the next put
//	    expect: {error: injected failure}
//	assertions:
//	  - type: trace_order
//	    actions: ["getAll People", "put People"]
//	  - type: final_state
//	    set: People
//	    source: remote
//	    where: {Id: p1}
//	    expect: {Name: Ann}
//
// Steps: add, attach, update, remove, load, query, refresh, save, flush,
// action and reset.
//
// # Assertion Types
//
//   - trace_contains: a backend call appears with matching args
//   - trace_order: backend calls appear in the given order
//   - trace_count: a backend call appears exactly N times
//   - final_state: local entities (or remote records) hold expected values
//
// # Determinism
//
// Server keys come from a sequential generator ("srv-1", "srv-2", ...) and
// temporary keys from a fresh counter, so traces are stable across runs
// and can be compared against golden files with RunFiles or RunWithGolden.
package harness
