package skills

import (
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// DynamicResult is the outcome of sandboxed execution. The skill is
// safe only when no behavior list has entries.
type DynamicResult struct {
	Safe               bool     `json:"safe"`
	SuspiciousBehavior []string `json:"suspiciousBehavior"`
	NetworkAttempts    []string `json:"networkAttempts"`
	FSAttempts         []string `json:"fsAttempts"`
	ExecutionTimeMs    float64  `json:"executionTimeMs"`
	MemoryUsed         int64    `json:"memoryUsed"`
	Error              string   `json:"error,omitempty"`
}

// defaultMaxAllocBytes clamps Buffer allocation probes so a hostile
// skill cannot balloon the interpreter heap before the interrupt fires.
const defaultMaxAllocBytes = 1 << 20

const timeoutBehavior = "Execution timed out - possible infinite loop"

// Sandbox executes candidate skill code in an isolated interpreter
// with instrumented host globals. Nothing the code calls reaches the
// network, filesystem, or real environment; every attempt is recorded.
// MaxAllocBytes bounds the Buffer allocation traps; zero means the
// built-in default.
type Sandbox struct {
	Timeout       time.Duration
	MaxAllocBytes int64
}

// recorder accumulates observed behavior; goja callbacks run on the
// VM goroutine but the interrupt timer can race a final append.
type recorder struct {
	mu         sync.Mutex
	suspicious []string
	network    []string
	fs         []string
}

func (r *recorder) addSuspicious(s string) { r.mu.Lock(); r.suspicious = append(r.suspicious, s); r.mu.Unlock() }
func (r *recorder) addNetwork(s string)    { r.mu.Lock(); r.network = append(r.network, s); r.mu.Unlock() }
func (r *recorder) addFS(s string)         { r.mu.Lock(); r.fs = append(r.fs, s); r.mu.Unlock() }

// Run executes the code and reports observed behavior. The code runs
// as a strict-mode IIFE so top-level `this` is undefined, which blocks
// the this.constructor.constructor escape.
func (s *Sandbox) Run(code string) DynamicResult {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	maxAlloc := s.MaxAllocBytes
	if maxAlloc <= 0 {
		maxAlloc = defaultMaxAllocBytes
	}

	rec := &recorder{}
	vm := goja.New()
	installTraps(vm, rec, maxAlloc)

	timer := time.AfterFunc(timeout, func() {
		vm.Interrupt("timeout")
	})
	defer timer.Stop()

	start := time.Now()
	_, err := vm.RunString("\"use strict\"; void function() {\n" + code + "\n}();")
	elapsed := time.Since(start)

	var result DynamicResult
	if err != nil {
		if _, interrupted := err.(*goja.InterruptedError); interrupted {
			rec.addSuspicious(timeoutBehavior)
		} else {
			result.Error = fmt.Sprintf("runtime error: %v", err)
		}
	}

	rec.mu.Lock()
	result.SuspiciousBehavior = rec.suspicious
	result.NetworkAttempts = rec.network
	result.FSAttempts = rec.fs
	rec.mu.Unlock()

	result.ExecutionTimeMs = float64(elapsed.Microseconds()) / 1000
	result.Safe = len(result.SuspiciousBehavior) == 0 &&
		len(result.NetworkAttempts) == 0 &&
		len(result.FSAttempts) == 0
	return result
}

// envProbe records every environment read without exposing a value.
type envProbe struct {
	rec *recorder
}

func (p envProbe) Get(key string) goja.Value {
	p.rec.addSuspicious("Attempted to access process.env." + key)
	return goja.Undefined()
}

func (p envProbe) Set(key string, val goja.Value) bool { return true }

func (p envProbe) Has(key string) bool {
	p.rec.addSuspicious("Attempted to access process.env." + key)
	return false
}

func (p envProbe) Delete(key string) bool { return true }

func (p envProbe) Keys() []string { return nil }

// fsProbe is the deep trap returned by require("fs"): every property
// access is recorded and invoking any of them throws.
type fsProbe struct {
	vm     *goja.Runtime
	rec    *recorder
	module string
}

func (p fsProbe) Get(key string) goja.Value {
	p.rec.addFS(p.module + "." + key)
	return p.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		panic(p.vm.NewTypeError("%s.%s is not available", p.module, key))
	})
}

func (p fsProbe) Set(key string, val goja.Value) bool { return false }
func (p fsProbe) Has(key string) bool                 { return true }
func (p fsProbe) Delete(key string) bool              { return false }
func (p fsProbe) Keys() []string                      { return nil }

func installTraps(vm *goja.Runtime, rec *recorder, maxAlloc int64) {
	firstArg := func(call goja.FunctionCall) string {
		if len(call.Arguments) == 0 {
			return ""
		}
		s := call.Arguments[0].String()
		if len(s) > 200 {
			s = s[:200]
		}
		return s
	}

	vm.Set("fetch", func(call goja.FunctionCall) goja.Value {
		rec.addNetwork(firstArg(call))
		resp := vm.NewObject()
		resp.Set("status", 403)
		resp.Set("ok", false)
		resp.Set("text", func(goja.FunctionCall) goja.Value { return vm.ToValue("") })
		resp.Set("json", func(goja.FunctionCall) goja.Value { return vm.NewObject() })
		return resp
	})

	vm.Set("require", func(call goja.FunctionCall) goja.Value {
		module := firstArg(call)
		switch {
		case fsModules[trimNodePrefix(module)]:
			rec.addFS("require: " + module)
			return vm.NewDynamicObject(fsProbe{vm: vm, rec: rec, module: module})
		case dangerousModules[trimNodePrefix(module)]:
			rec.addSuspicious("Attempted to require dangerous module: " + module)
			panic(vm.NewTypeError("module %s is not available", module))
		default:
			return vm.NewObject()
		}
	})

	vm.Set("setTimeout", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) > 1 && call.Arguments[1].ToInteger() > 1000 {
			rec.addSuspicious(fmt.Sprintf("setTimeout scheduled for %dms", call.Arguments[1].ToInteger()))
		}
		return goja.Undefined()
	})
	vm.Set("setInterval", func(call goja.FunctionCall) goja.Value {
		rec.addSuspicious("setInterval scheduled")
		return goja.Undefined()
	})

	// Skills must not depend on host async plumbing; a missing Promise
	// surfaces immediately instead of silently hanging.
	vm.Set("Promise", goja.Undefined())

	console := vm.NewObject()
	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	for _, m := range []string{"log", "error", "warn", "info", "debug"} {
		console.Set(m, noop)
	}
	vm.Set("console", console)

	process := vm.NewObject()
	process.Set("env", vm.NewDynamicObject(envProbe{rec: rec}))
	process.Set("exit", func(goja.FunctionCall) goja.Value {
		rec.addSuspicious("Attempted to call process.exit()")
		return goja.Undefined()
	})
	process.Set("platform", "linux")
	vm.Set("process", process)

	clampAlloc := func(name string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			if len(call.Arguments) > 0 {
				if n := call.Arguments[0].ToInteger(); n > maxAlloc {
					rec.addSuspicious(fmt.Sprintf("Buffer.%s of %d bytes clamped", name, n))
				}
			}
			return vm.ToValue([]byte{})
		}
	}
	buffer := vm.NewObject()
	buffer.Set("alloc", clampAlloc("alloc"))
	buffer.Set("allocUnsafe", clampAlloc("allocUnsafe"))
	buffer.Set("from", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) > 0 && int64(len(call.Arguments[0].String())) > maxAlloc {
			rec.addSuspicious("Buffer.from input clamped")
		}
		return vm.ToValue([]byte{})
	})
	vm.Set("Buffer", buffer)

	vm.RunString("Object.freeze(console); Object.freeze(process); Object.freeze(Buffer);")
}
