package plugins

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// LuaSource loads plugin artifacts from a directory of Lua files.
//
// Each .lua file must return a table describing one command:
//
//	return {
//	    name = "weather",
//	    aliases = { "w" },
//	    description = "look up the weather",
//	    category = "utility",
//	    usage = ".weather <city>",
//	    owner_only = false,
//	    run = function(c)
//	        c.reply("hello " .. c.sender)
//	    end,
//	}
//
// Every file gets its own Lua state with only the base, table, string and
// math libraries opened; io, os, debug and package stay closed. States are
// not goroutine-safe, so each plugin serializes its executions behind a
// mutex. A reload closes the old state; an execution orphaned by a timeout
// finds the state closed rather than racing the new one.
type LuaSource struct {
	dir    string
	logger *slog.Logger

	mu     sync.Mutex
	states map[string]*luaPlugin // file path -> live state
}

type luaPlugin struct {
	mu     sync.Mutex
	state  *lua.LState
	run    *lua.LFunction
	closed bool
}

func (p *luaPlugin) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.state.Close()
	}
}

// NewLuaSource creates a source reading plugin files from dir.
func NewLuaSource(dir string, logger *slog.Logger) *LuaSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &LuaSource{
		dir:    dir,
		logger: logger.With("component", "lua-source"),
		states: make(map[string]*luaPlugin),
	}
}

// Name implements Source.
func (s *LuaSource) Name() string { return "lua" }

// Load implements Source. Files load independently; a broken file becomes a
// diagnostic and the rest of the batch continues.
func (s *LuaSource) Load(ctx context.Context) ([]*Descriptor, []Diagnostic) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, []Diagnostic{{
			Level:   DiagnosticError,
			Message: fmt.Sprintf("failed to read plugin directory %s: %v", s.dir, err),
		}}
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lua") {
			continue
		}
		paths = append(paths, filepath.Join(s.dir, entry.Name()))
	}
	sort.Strings(paths)

	var descriptors []*Descriptor
	var diagnostics []Diagnostic
	for _, path := range paths {
		desc, err := s.loadFile(path)
		if err != nil {
			diagnostics = append(diagnostics, Diagnostic{
				Level:     DiagnosticError,
				SourceRef: s.Name() + ":" + path,
				Message:   err.Error(),
			})
			continue
		}
		descriptors = append(descriptors, desc)
	}
	return descriptors, diagnostics
}

// LoadOne implements Source.
func (s *LuaSource) LoadOne(ctx context.Context, sourceRef string) (*Descriptor, error) {
	_, path := SplitSourceRef(sourceRef)
	if path == "" {
		return nil, fmt.Errorf("invalid lua source ref %q", sourceRef)
	}
	return s.loadFile(path)
}

// Close releases all live Lua states.
func (s *LuaSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for path, p := range s.states {
		p.close()
		delete(s.states, path)
	}
}

// loadFile executes one plugin file in a fresh sandboxed state and converts
// the returned table into a descriptor. The previous state for the same
// path, if any, is closed so its handler cannot run against stale code.
func (s *LuaSource) loadFile(path string) (*Descriptor, error) {
	L := newSandboxedState()

	if err := L.DoFile(path); err != nil {
		L.Close()
		return nil, fmt.Errorf("failed to execute %s: %v", filepath.Base(path), err)
	}

	ret := L.Get(-1)
	L.Pop(1)
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		L.Close()
		return nil, fmt.Errorf("%s must return a plugin table, got %s", filepath.Base(path), ret.Type())
	}

	run, ok := tbl.RawGetString("run").(*lua.LFunction)
	if !ok {
		L.Close()
		return nil, fmt.Errorf("%s: run must be a function", filepath.Base(path))
	}

	plugin := &luaPlugin{state: L, run: run}

	desc := &Descriptor{
		Name:        luaString(tbl, "name"),
		Description: luaString(tbl, "description"),
		Category:    luaString(tbl, "category"),
		Usage:       luaString(tbl, "usage"),
		Example:     luaString(tbl, "example"),
		OwnerOnly:   lua.LVAsBool(tbl.RawGetString("owner_only")),
		Enabled:     true,
		SourceRef:   s.Name() + ":" + path,
		Handler:     s.handler(plugin),
	}

	aliases, err := luaStringList(tbl, "aliases")
	if err != nil {
		L.Close()
		return nil, fmt.Errorf("%s: %v", filepath.Base(path), err)
	}
	desc.Aliases = aliases

	if err := Validate(desc); err != nil {
		L.Close()
		return nil, fmt.Errorf("%s: %v", filepath.Base(path), err)
	}

	s.mu.Lock()
	if old, ok := s.states[path]; ok {
		old.close()
	}
	s.states[path] = plugin
	s.mu.Unlock()

	return desc, nil
}

// handler wraps a Lua run function as a Handler. The plugin mutex serializes
// executions against the shared state; the context wires the caller's
// deadline into the Lua VM so a timeout actually interrupts the script.
func (s *LuaSource) handler(p *luaPlugin) Handler {
	return func(ctx context.Context, inv *Invocation) error {
		p.mu.Lock()
		defer p.mu.Unlock()

		if p.closed {
			return fmt.Errorf("plugin %s was reloaded", inv.Command)
		}

		L := p.state
		L.SetContext(ctx)
		defer L.RemoveContext()

		call := L.NewTable()
		call.RawSetString("command", lua.LString(inv.Command))
		call.RawSetString("sender", lua.LString(inv.SenderID))
		call.RawSetString("chat", lua.LString(inv.ChatID))

		args := L.NewTable()
		for _, arg := range inv.Args {
			args.Append(lua.LString(arg))
		}
		call.RawSetString("args", args)

		call.RawSetString("reply", L.NewFunction(func(L *lua.LState) int {
			text := L.CheckString(1)
			if err := inv.Reply(ctx, text); err != nil {
				L.RaiseError("reply failed: %v", err)
			}
			return 0
		}))

		return L.CallByParam(lua.P{
			Fn:      p.run,
			NRet:    0,
			Protect: true,
		}, call)
	}
}

// newSandboxedState opens a Lua state with only safe standard libraries.
func newSandboxedState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, open := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(open.fn))
		L.Push(lua.LString(open.name))
		L.Call(1, 0)
	}
	return L
}

func luaString(tbl *lua.LTable, key string) string {
	if v, ok := tbl.RawGetString(key).(lua.LString); ok {
		return string(v)
	}
	return ""
}

func luaStringList(tbl *lua.LTable, key string) ([]string, error) {
	v := tbl.RawGetString(key)
	if v == lua.LNil {
		return nil, nil
	}
	list, ok := v.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("%s must be a table of strings", key)
	}

	var out []string
	var convErr error
	list.ForEach(func(_, value lua.LValue) {
		s, ok := value.(lua.LString)
		if !ok {
			convErr = fmt.Errorf("%s must contain only strings", key)
			return
		}
		out = append(out, string(s))
	})
	return out, convErr
}
