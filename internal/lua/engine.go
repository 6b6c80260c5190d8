// Package lua hosts the user-supplied scripts: incoming-instance and
// connection filters, plus the stored-instance callback. The interpreter
// is single threaded; every entry point serializes on one mutex, so
// scripts must stay short.
package lua

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	glua "github.com/yuin/gopher-lua"

	"github.com/flatmapit/gopacs/pkg/types"
)

// Callback names looked up in the loaded scripts.
const (
	fnReceivedInstanceFilter   = "ReceivedInstanceFilter"
	fnIncomingConnectionFilter = "IsAllowedConnection"
	fnIncomingRequestFilter    = "IsAllowedRequest"
	fnOnStoredInstance         = "OnStoredInstance"
)

// Engine wraps one Lua interpreter.
type Engine struct {
	mu    sync.Mutex
	state *glua.LState

	output strings.Builder
}

// NewEngine starts an interpreter whose print function is captured into a
// buffer, so script output can be returned over the REST API.
func NewEngine() *Engine {
	e := &Engine{state: glua.NewState()}

	e.state.SetGlobal("print", e.state.NewFunction(func(L *glua.LState) int {
		top := L.GetTop()
		parts := make([]string, 0, top)
		for i := 1; i <= top; i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		e.output.WriteString(strings.Join(parts, "\t"))
		e.output.WriteString("\n")
		return 0
	}))

	return e
}

// Close releases the interpreter.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Close()
}

// LoadFile executes a script file at startup.
func (e *Engine) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cannot read Lua script %s: %w", path, err)
	}
	if _, err := e.Execute(string(data)); err != nil {
		return fmt.Errorf("cannot run Lua script %s: %w", path, err)
	}
	logrus.Infof("Loaded Lua script %s", path)
	return nil
}

// Execute runs a chunk and returns everything it printed.
func (e *Engine) Execute(script string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.output.Reset()
	if err := e.state.DoString(script); err != nil {
		return "", fmt.Errorf("lua error: %w", err)
	}
	return e.output.String(), nil
}

// hasFunction tells whether the scripts define a global function.
func (e *Engine) hasFunction(name string) bool {
	return e.state.GetGlobal(name).Type() == glua.LTFunction
}

// callBool invokes a predicate function, defaulting to allow on any
// script failure.
func (e *Engine) callBool(name string, args ...glua.LValue) bool {
	fn := e.state.GetGlobal(name)
	if fn.Type() != glua.LTFunction {
		return true
	}

	if err := e.state.CallByParam(glua.P{Fn: fn, NRet: 1, Protect: true}, args...); err != nil {
		logrus.Warnf("Lua filter %s failed: %v", name, err)
		return true
	}
	result := e.state.Get(-1)
	e.state.Pop(1)
	return glua.LVAsBool(result)
}

// IsAllowedConnection implements types.RequestFilter.
func (e *Engine) IsAllowedConnection(remoteIP, remoteAET string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.callBool(fnIncomingConnectionFilter, glua.LString(remoteIP), glua.LString(remoteAET))
}

// IsAllowedRequest implements types.RequestFilter.
func (e *Engine) IsAllowedRequest(remoteIP, remoteAET string, kind types.RequestKind) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	var name string
	switch kind {
	case types.RequestEcho:
		name = "Echo"
	case types.RequestStore:
		name = "Store"
	case types.RequestFind:
		name = "Find"
	default:
		name = "Move"
	}
	return e.callBool(fnIncomingRequestFilter,
		glua.LString(remoteIP), glua.LString(remoteAET), glua.LString(name))
}

// FilterIncomingInstance submits the summary tags of an inbound instance
// to ReceivedInstanceFilter; false rejects the store.
func (e *Engine) FilterIncomingInstance(tags map[string]string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.hasFunction(fnReceivedInstanceFilter) {
		return true
	}

	table := e.state.NewTable()
	for name, value := range tags {
		table.RawSetString(name, glua.LString(value))
	}
	return e.callBool(fnReceivedInstanceFilter, table)
}

// OnStoredInstance notifies the scripts after a successful store.
func (e *Engine) OnStoredInstance(publicID string, tags map[string]string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fn := e.state.GetGlobal(fnOnStoredInstance)
	if fn.Type() != glua.LTFunction {
		return
	}

	table := e.state.NewTable()
	for name, value := range tags {
		table.RawSetString(name, glua.LString(value))
	}
	if err := e.state.CallByParam(glua.P{Fn: fn, NRet: 0, Protect: true},
		glua.LString(publicID), table); err != nil {
		logrus.Warnf("Lua callback %s failed: %v", fnOnStoredInstance, err)
	}
}
