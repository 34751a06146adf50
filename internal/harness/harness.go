package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/entsync/internal/adapter/memory"
	"github.com/roach88/entsync/internal/compiler"
	"github.com/roach88/entsync/internal/data"
	"github.com/roach88/entsync/internal/mapping"
	"github.com/roach88/entsync/internal/payload"
	"github.com/roach88/entsync/internal/query"
	"github.com/roach88/entsync/internal/store"
	"github.com/roach88/entsync/internal/testutil"
)

// ErrInjected is returned by backend calls a step's fail field targets.
var ErrInjected = errors.New("injected failure")

// Harness runs one scenario against a fresh data context backed by the
// in-memory backend and store. Server keys are "srv-1", "srv-2", ...
type Harness struct {
	dc      *data.Context
	backend *memory.Backend
	logger  *slog.Logger
	seen    int // backend calls already traced
}

type stepOutcome struct {
	entity *mapping.Entity
	keys   []any
	count  *int
	value  any
}

// Run executes a test scenario and returns the result.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext executes a scenario. Each run gets its own context, backend
// and store, so scenarios are isolated and deterministic.
//
// Execution flow:
// 1. Compile the CUE model and install it
// 2. Seed the backend and register action results
// 3. Execute setup steps (errors abort)
// 4. Execute flow steps, checking expectations
// 5. Evaluate assertions
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	model, err := CompileModel(scenario)
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in tests
	keys := testutil.NewSequentialKeys("srv-")
	backend := memory.New(memory.WithKeyFunc(keys.Next), memory.WithLogger(logger))
	dc := data.NewContext(backend, store.NewMemoryStore(),
		data.WithBuffered(scenario.Buffered),
		data.WithAutoLazyLoading(scenario.AutoLazy),
		data.WithLogger(logger),
	)
	defer dc.Close()

	if err := model.Install(dc); err != nil {
		return nil, fmt.Errorf("install model: %w", err)
	}
	if err := dc.Init(ctx); err != nil {
		return nil, err
	}

	h := &Harness{dc: dc, backend: backend, logger: logger}
	if err := h.seed(ctx, scenario); err != nil {
		return nil, fmt.Errorf("failed to seed backend: %w", err)
	}

	result := NewResult()
	for i, step := range scenario.Setup {
		if _, err := h.execute(ctx, step, result); err != nil {
			return nil, fmt.Errorf("failed to execute setup step %d: %w", i, err)
		}
	}

	for i, step := range scenario.Flow {
		out, err := h.execute(ctx, step, result)
		for _, msg := range checkExpect(fmt.Sprintf("flow[%d] %s", i, step.Op), step.Expect, out, err) {
			result.AddError(msg)
		}
		h.logger.Info("flow step completed", "step", i, "op", step.Op, "set", step.Set, "error", err)
	}

	result.State = h.snapshot()

	actx := &AssertionContext{Ctx: ctx, Data: dc, Backend: backend}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

// CompileModel unifies the scenario's model files and inline model and
// compiles them. Validation errors are fatal.
func CompileModel(scenario *Scenario) (*compiler.Model, error) {
	cctx := cuecontext.New()
	var v cue.Value
	first := true
	unify := func(next cue.Value) {
		if first {
			v, first = next, false
			return
		}
		v = v.Unify(next)
	}

	for _, p := range scenario.Models {
		src, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read model: %w", err)
		}
		unify(cctx.CompileBytes(src, cue.Filename(p)))
	}
	if scenario.Model != "" {
		unify(cctx.CompileString(scenario.Model, cue.Filename(scenario.Name+".cue")))
	}

	model, err := compiler.CompileModel(v)
	if err != nil {
		return nil, fmt.Errorf("compile model: %w", err)
	}
	if verrs := compiler.Validate(model); len(verrs) > 0 {
		joined := make([]error, len(verrs))
		for i, e := range verrs {
			joined[i] = e
		}
		return nil, fmt.Errorf("invalid model: %w", errors.Join(joined...))
	}
	return model, nil
}

func (h *Harness) seed(ctx context.Context, scenario *Scenario) error {
	for _, s := range h.dc.Sets() {
		h.backend.Register(s.Controller(), s.KeyField())
	}
	for _, name := range sortedNames(scenario.Seed) {
		s, err := h.dc.Set(name)
		if err != nil {
			return err
		}
		objs := make([]payload.Object, 0, len(scenario.Seed[name]))
		for _, raw := range scenario.Seed[name] {
			objs = append(objs, payload.Object(raw))
		}
		if err := h.backend.Seed(ctx, s.Controller(), objs...); err != nil {
			return err
		}
	}
	for _, name := range sortedNames(scenario.Actions) {
		setName, action, ok := cut(name)
		if !ok {
			return fmt.Errorf("action %q: want <set>.<action>", name)
		}
		s, err := h.dc.Set(setName)
		if err != nil {
			return err
		}
		value := scenario.Actions[name]
		h.backend.HandleAction(s.Controller(), action, func(context.Context, string, payload.Object) (any, error) {
			return payload.CloneValue(value), nil
		})
	}
	h.backend.ResetCalls()
	return nil
}

func cut(name string) (string, string, bool) {
	i := strings.LastIndex(name, ".")
	if i <= 0 || i == len(name)-1 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}

// execute runs one step, waits for the side effects it scheduled, and
// traces the step followed by the backend calls it caused.
func (h *Harness) execute(ctx context.Context, step Step, result *Result) (stepOutcome, error) {
	var set *data.Set
	if step.Set != "" {
		s, err := h.dc.Set(step.Set)
		if err != nil {
			h.trace(result, step, err)
			return stepOutcome{}, err
		}
		set = s
		if step.Fail != "" {
			h.backend.FailNext(memory.Op(step.Fail), s.Controller(), ErrInjected)
		}
	}

	out, err := h.apply(ctx, step, set)
	if ferr := h.dc.Flush(ctx); ferr != nil {
		err = errors.Join(err, ferr)
	}
	if out.entity != nil && step.Op == OpAdd {
		out.keys = []any{out.entity.Key()}
	}
	h.trace(result, step, err)
	return out, err
}

func (h *Harness) apply(ctx context.Context, step Step, set *data.Set) (stepOutcome, error) {
	var out stepOutcome
	switch step.Op {
	case OpAdd:
		e := set.New(payload.Object(step.Data))
		out.entity = e
		return out, set.Add(ctx, e)

	case OpAttach:
		e, err := set.AttachOrUpdate(ctx, payload.Object(step.Data), false)
		out.entity = e
		return out, err

	case OpUpdate:
		e, err := find(set, step.Key)
		if err != nil {
			return out, err
		}
		out.entity = e
		for _, k := range sortedNames(step.Data) {
			e.Set(k, step.Data[k])
		}
		return out, nil

	case OpRemove:
		e, err := find(set, step.Key)
		if err != nil {
			return out, err
		}
		out.entity = e
		return out, set.Remove(ctx, e)

	case OpLoad:
		e, err := set.Load(ctx, step.Key)
		out.entity = e
		return out, err

	case OpQuery:
		q := query.New()
		if step.Query != "" {
			parsed, err := query.ParseString(step.Query)
			if err != nil {
				return out, err
			}
			q = parsed
		}
		var res data.QueryResult
		var err error
		switch {
		case step.Local:
			res, err = set.QueryLocal(q)
		default:
			res, err = set.Query(ctx, q, !step.Detached)
		}
		if err != nil {
			return out, err
		}
		out.keys = entityKeys(set.KeyField(), res.Entities)
		out.count = &res.Count
		return out, nil

	case OpRefresh:
		if err := set.Refresh(ctx); err != nil {
			return out, err
		}
		out.keys = entityKeys(set.KeyField(), set.Contents())
		n := set.RemoteCount()
		out.count = &n
		return out, nil

	case OpSave:
		if set != nil {
			return out, set.SaveChanges(ctx)
		}
		return out, h.dc.SaveChanges(ctx)

	case OpFlush:
		return out, nil

	case OpAction:
		var err error
		if step.Key != nil {
			e, ferr := find(set, step.Key)
			if ferr != nil {
				return out, ferr
			}
			out.entity = e
			out.value, err = set.InvokeAction(ctx, e, step.Name, payload.Object(step.Data))
		} else {
			out.value, err = set.Action(ctx, step.Name, payload.Object(step.Data))
		}
		return out, err

	case OpReset:
		return out, h.dc.Reset(ctx)
	}
	return out, fmt.Errorf("unknown op %q", step.Op)
}

func find(set *data.Set, key any) (*mapping.Entity, error) {
	if e := set.FindByKey(key); e != nil {
		return e, nil
	}
	return nil, fmt.Errorf("%s: no entity with key %v", set.Name(), key)
}

// entityKeys reads keys by field name so detached query results work too.
func entityKeys(keyField string, entities []*mapping.Entity) []any {
	out := make([]any, 0, len(entities))
	for _, e := range entities {
		out = append(out, e.Get(keyField))
	}
	return out
}

func (h *Harness) trace(result *Result, step Step, err error) {
	args := map[string]any{}
	if step.Key != nil {
		args["key"] = step.Key
	}
	if len(step.Data) > 0 {
		args["data"] = step.Data
	}
	if step.Query != "" {
		args["query"] = step.Query
	}
	if step.Name != "" {
		args["name"] = step.Name
	}
	if len(args) == 0 {
		args = nil
	}
	outcome := "ok"
	if err != nil {
		outcome = err.Error()
	}
	result.AddStepTrace(strings.TrimSpace(step.Op+" "+step.Set), args, outcome)

	calls := h.backend.Calls()
	for _, c := range calls[min(h.seen, len(calls)):] {
		result.AddCallTrace(string(c.Op)+" "+c.Controller, callArgs(c))
	}
	h.seen = len(calls)
}

func callArgs(c memory.Call) map[string]any {
	args := map[string]any{}
	if c.ID != "" {
		args["id"] = c.ID
	}
	if c.Name != "" {
		args["name"] = c.Name
	}
	if c.Query != "" {
		args["query"] = c.Query
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

// snapshot captures every set's local entities with their states.
func (h *Harness) snapshot() map[string]any {
	out := make(map[string]any)
	for _, s := range h.dc.Sets() {
		rows := make([]any, 0, s.LocalCount())
		for _, e := range s.Contents() {
			row := map[string]any(e.Fields())
			row[StateField] = string(e.State())
			rows = append(rows, row)
		}
		out[s.Name()] = rows
	}
	return out
}

func sortedNames[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
