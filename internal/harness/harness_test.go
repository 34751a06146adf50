package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, src string) *Scenario {
	t.Helper()
	s, err := ParseScenario([]byte(src), "")
	require.NoError(t, err)
	return s
}

func requirePass(t *testing.T, result *Result) {
	t.Helper()
	require.NotNil(t, result)
	require.True(t, result.Pass, "scenario failed:\n%v", result.Errors)
}

func TestRun_UpdateThenRemoveScenario(t *testing.T) {
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", "update_then_remove.yaml"))
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)
	requirePass(t, result)

	calls := result.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "getAll People", calls[0].Action)
	assert.Equal(t, "put People", calls[1].Action)
	assert.Equal(t, "remove People", calls[2].Action)
	assert.Equal(t, []any{}, result.State["People"])
}

func TestRun_OfflineCreateScenario(t *testing.T) {
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", "offline_create.yaml"))
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)
	requirePass(t, result)

	// The add step does not reach the backend; only save does.
	require.Len(t, result.Trace, 4)
	assert.Equal(t, "add People", result.Trace[0].Action)
	assert.Equal(t, "save People", result.Trace[1].Action)
	assert.Equal(t, "post People", result.Trace[2].Action)
	assert.Equal(t, "query People", result.Trace[3].Action)
}

func TestRun_InjectedFailure(t *testing.T) {
	s := mustParse(t, `
name: failed_put
description: a failing put surfaces as the step error
model: |
  set: People: {}
seed:
  People:
    - {Id: p1, Name: Ann}
flow:
  - op: refresh
    set: People
  - op: update
    set: People
    key: p1
    data: {Name: Bob}
    fail: put
    expect:
      error: injected failure
assertions:
  - type: trace_count
    action: put People
    count: 1
  - type: final_state
    set: People
    source: remote
    where: {Id: p1}
    expect: {Name: Ann}
`)

	result, err := Run(s)
	require.NoError(t, err)
	requirePass(t, result)

	step := result.Trace[2]
	assert.Equal(t, EventStep, step.Type)
	assert.Contains(t, step.Outcome, "injected failure")
}

func TestRun_UnexpectedStepErrorFails(t *testing.T) {
	s := mustParse(t, `
name: missing_key
description: updating an unknown key is a step error
model: |
  set: People: {}
flow:
  - op: update
    set: People
    key: nobody
    data: {Name: Bob}
assertions:
  - type: trace_count
    action: put People
    count: 0
`)

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "flow[0] update: unexpected error")
	assert.Contains(t, result.Errors[0], "no entity with key nobody")
}

func TestRun_QueryAndLoad(t *testing.T) {
	s := mustParse(t, `
name: query
description: remote filtered query and single load
model: |
  set: People: {}
seed:
  People:
    - {Id: p1, Name: Cid, Age: 40}
    - {Id: p2, Name: Ann, Age: 20}
    - {Id: p3, Name: Bea, Age: 50}
flow:
  - op: query
    set: People
    query: "$filter=Age gt 30&$orderby=Name"
    expect:
      count: 2
      keys: [p3, p1]
  - op: query
    set: People
    local: true
    expect:
      count: 2
  - op: load
    set: People
    key: p2
    expect:
      state: unchanged
assertions:
  - type: trace_order
    actions: ["getAll People", "getOne People"]
  - type: trace_contains
    action: getOne People
    args: {id: p2}
  - type: final_state
    set: People
    count: 3
  - type: final_state
    set: People
    where: {Id: p2}
    expect: {Name: Ann, Age: 20, $state: unchanged}
`)

	result, err := Run(s)
	require.NoError(t, err)
	requirePass(t, result)
}

func TestRun_DetachedQueryLeavesSetEmpty(t *testing.T) {
	s := mustParse(t, `
name: detached-query
description: a query without refresh reads the server but tracks nothing
model: |
  set: People: {}
seed:
  People:
    - {Id: p1, Name: Cid, Age: 40}
    - {Id: p2, Name: Ann, Age: 20}
flow:
  - op: query
    set: People
    query: "$orderby=Name"
    detached: true
    expect:
      count: 2
      keys: [p2, p1]
  - op: query
    set: People
    local: true
    expect:
      count: 0
assertions:
  - type: trace_count
    action: getAll People
    count: 1
  - type: final_state
    set: People
    count: 0
`)

	result, err := Run(s)
	require.NoError(t, err)
	requirePass(t, result)
}

func TestRun_Actions(t *testing.T) {
	s := mustParse(t, `
name: actions
description: entity and collection actions return the backend value
model: |
  set: People: {}
seed:
  People:
    - {Id: p1}
actions:
  People.promote: {level: 2}
  People.purge: 3
flow:
  - op: refresh
    set: People
  - op: action
    set: People
    key: p1
    name: promote
    expect:
      result: {level: 2}
  - op: action
    set: People
    name: purge
    expect:
      result: 3
  - op: action
    set: People
    name: missing
    expect:
      error: unknown action
assertions:
  - type: trace_contains
    action: action People
    args: {id: p1, name: promote}
  - type: trace_count
    action: action People
    count: 3
`)

	result, err := Run(s)
	require.NoError(t, err)
	requirePass(t, result)
}

func TestRun_BufferedAttachAndReset(t *testing.T) {
	s := mustParse(t, `
name: buffered
description: buffered edits wait for save and reset clears local data
model: |
  set: People: {}
buffered: true
seed:
  People:
    - {Id: p1, Name: Ann}
setup:
  - op: refresh
    set: People
flow:
  - op: update
    set: People
    key: p1
    data: {Name: Bob}
    expect:
      state: modified
  - op: save
  - op: reset
assertions:
  - type: trace_count
    action: put People
    count: 1
  - type: final_state
    set: People
    count: 0
  - type: final_state
    set: People
    source: remote
    where: {Id: p1}
    expect: {Name: Bob}
`)

	result, err := Run(s)
	require.NoError(t, err)
	requirePass(t, result)

	// Setup steps are traced too.
	assert.Equal(t, "refresh People", result.Trace[0].Action)
}

func TestRun_FailingAssertionReported(t *testing.T) {
	s := mustParse(t, `
name: wrong
description: a wrong expectation fails the scenario
model: |
  set: People: {}
seed:
  People:
    - {Id: p1, Name: Ann}
flow:
  - op: refresh
    set: People
    expect:
      count: 5
assertions:
  - type: trace_count
    action: getAll People
    count: 2
`)

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "count = 1, want 5")
	assert.Contains(t, result.Errors[1], "1 occurrences")
}

func TestRun_InvalidModel(t *testing.T) {
	s := mustParse(t, `
name: invalid
description: invalid models are fatal
model: |
  set: People: {type: "Ghost"}
flow:
  - op: flush
assertions:
  - type: trace_count
    action: x
    count: 0
`)

	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid model")
	assert.Contains(t, err.Error(), "E109")
}

func TestRun_UnknownSet(t *testing.T) {
	s := mustParse(t, `
name: unknown_set
description: steps on unknown sets fail
model: |
  set: People: {}
flow:
  - op: refresh
    set: Ghosts
    expect:
      error: Ghosts
assertions:
  - type: trace_count
    action: getAll People
    count: 0
`)

	result, err := Run(s)
	require.NoError(t, err)
	requirePass(t, result)
}
