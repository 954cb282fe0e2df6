package lua

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/mpataki/phasegate/internal/models"
)

// Runtime executes phases from a Lua script in a sandboxed environment.
// A script defines one global function per phase:
//
//	function data_import(state, ctx)
//	  return {records_processed = 120}, {raw_data = load_records()}
//	end
//
// The first return value is the phase result, the optional second one is
// merged into the flow state. A script may define run_phase(phase, state,
// ctx) to handle phases without a dedicated function.
type Runtime struct {
	scriptPath string
	script     string
	log        *zap.Logger
}

// NewRuntime reads the script at scriptPath.
func NewRuntime(scriptPath string, log *zap.Logger) (*Runtime, error) {
	script, err := os.ReadFile(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runtime{
		scriptPath: scriptPath,
		script:     string(script),
		log:        log.With(zap.String("script", filepath.Base(scriptPath))),
	}, nil
}

// phaseRun holds the per-call state the Lua API functions touch.
type phaseRun struct {
	req     models.PhaseRun
	logs    []string
	failure string
	failed  bool
}

// RunPhase loads the script into a fresh Lua state and calls the handler
// for req.Phase.
func (r *Runtime) RunPhase(ctx context.Context, req models.PhaseRun) (models.PhaseOutput, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true, // Don't load any libraries by default
	})
	defer L.Close()
	L.SetContext(ctx)

	run := &phaseRun{req: req}
	openSafeLibs(L)
	r.registerAPI(L, run)

	if err := L.DoString(r.script); err != nil {
		return models.PhaseOutput{}, fmt.Errorf("failed to load script: %w", err)
	}

	fn := L.GetGlobal(string(req.Phase))
	args := []lua.LValue{goToLua(L, req.State), r.contextTable(L, run)}
	if fn.Type() != lua.LTFunction {
		fn = L.GetGlobal("run_phase")
		if fn.Type() != lua.LTFunction {
			return models.PhaseOutput{}, fmt.Errorf("script defines no function for phase %s", req.Phase)
		}
		args = append([]lua.LValue{lua.LString(req.Phase)}, args...)
	}

	L.Push(fn)
	for _, a := range args {
		L.Push(a)
	}
	if err := L.PCall(len(args), 2, nil); err != nil {
		if run.failed {
			return models.PhaseOutput{Failure: run.failure, Logs: run.logs}, nil
		}
		if ctx.Err() != nil {
			return models.PhaseOutput{}, ctx.Err()
		}
		return models.PhaseOutput{}, fmt.Errorf("phase %s failed: %w", req.Phase, err)
	}

	updatesVal := L.Get(-1)
	resultVal := L.Get(-2)
	L.Pop(2)

	out := models.PhaseOutput{
		Result: models.PhaseResult{},
		Logs:   run.logs,
	}
	if m, ok := luaToGo(resultVal).(map[string]any); ok {
		out.Result = m
	} else if resultVal != lua.LNil {
		return models.PhaseOutput{}, fmt.Errorf("phase %s returned %s, want a table", req.Phase, resultVal.Type())
	}
	if m, ok := luaToGo(updatesVal).(map[string]any); ok {
		out.Updates = m
	}
	return out, nil
}

// openSafeLibs loads only the safe standard libraries
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	// Remove dangerous base functions
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil) // Use log() instead

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// Remove non-deterministic math functions
	math := L.GetGlobal("math")
	if tbl, ok := math.(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func (r *Runtime) registerAPI(L *lua.LState, run *phaseRun) {
	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		message := L.CheckString(1)
		run.logs = append(run.logs, message)
		r.log.Info(message,
			zap.Int64("flow_id", run.req.FlowID),
			zap.String("phase", string(run.req.Phase)),
		)
		return 0
	}))

	// fail(reason) stops the phase and records a critical flow error.
	L.SetGlobal("fail", L.NewFunction(func(L *lua.LState) int {
		run.failure = L.OptString(1, "phase failed")
		run.failed = true
		L.RaiseError("fail: %s", run.failure)
		return 0
	}))

	L.SetGlobal("context", L.NewFunction(func(L *lua.LState) int {
		L.Push(r.contextTable(L, run))
		return 1
	}))
}

func (r *Runtime) contextTable(L *lua.LState, run *phaseRun) *lua.LTable {
	tbl := L.NewTable()
	L.SetField(tbl, "flow_id", lua.LNumber(run.req.FlowID))
	L.SetField(tbl, "flow_type", lua.LString(run.req.FlowType))
	L.SetField(tbl, "phase", lua.LString(run.req.Phase))
	L.SetField(tbl, "attempt", lua.LNumber(run.req.Attempt))
	L.SetField(tbl, "script_dir", lua.LString(filepath.Dir(r.scriptPath)))
	return tbl
}

// goToLua converts a Go value to a Lua value
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.NewTable()
		for i, item := range val {
			L.SetTable(tbl, lua.LNumber(i+1), goToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			L.SetField(tbl, k, goToLua(L, item))
		}
		return tbl
	case models.PhaseResult:
		return goToLua(L, map[string]any(val))
	default:
		// Typed slices and maps go through JSON to reach one of the cases above.
		data, err := json.Marshal(val)
		if err != nil {
			return lua.LString(fmt.Sprintf("%v", val))
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return lua.LString(fmt.Sprintf("%v", val))
		}
		return goToLua(L, generic)
	}
}

// luaToGo converts a Lua value to its JSON-shaped Go form. Tables whose keys
// are exactly 1..n become slices; other tables become maps.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		n := val.Len()
		keys := 0
		val.ForEach(func(lua.LValue, lua.LValue) { keys++ })
		if n > 0 && keys == n {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, luaToGo(val.RawGetInt(i)))
			}
			return out
		}
		out := make(map[string]any, keys)
		val.ForEach(func(k, item lua.LValue) {
			out[k.String()] = luaToGo(item)
		})
		return out
	default:
		return val.String()
	}
}

// Phases returns the candidates the script can run, in candidate order.
func (r *Runtime) Phases(candidates []models.Phase) ([]models.Phase, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	openSafeLibs(L)
	r.registerAPI(L, &phaseRun{})
	if err := L.DoString(r.script); err != nil {
		return nil, fmt.Errorf("failed to load script: %w", err)
	}
	if L.GetGlobal("run_phase").Type() == lua.LTFunction {
		return append([]models.Phase(nil), candidates...), nil
	}
	var found []models.Phase
	for _, p := range candidates {
		if L.GetGlobal(string(p)).Type() == lua.LTFunction {
			found = append(found, p)
		}
	}
	return found, nil
}

// IsLuaScript checks if a file is a Lua script
func IsLuaScript(path string) bool {
	return filepath.Ext(path) == ".lua"
}
