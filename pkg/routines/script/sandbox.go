package script

import (
	"fmt"

	"github.com/dop251/goja"
)

// Security levels restricting what a script may touch.
const (
	SecurityLevelStrict     = "strict"
	SecurityLevelStandard   = "standard"
	SecurityLevelPermissive = "permissive"
)

// sandbox manages security restrictions for script execution.
type sandbox struct {
	securityLevel string
	maxStackDepth int
}

// apply applies sandbox restrictions to a VM runtime.
func (s *sandbox) apply(vm *goja.Runtime) error {
	if s.maxStackDepth > 0 {
		vm.SetMaxCallStackSize(s.maxStackDepth)
	}
	if err := s.removeDangerousGlobals(vm); err != nil {
		return fmt.Errorf("failed to remove dangerous globals: %w", err)
	}
	if err := s.freezeBuiltins(vm); err != nil {
		return fmt.Errorf("failed to freeze built-ins: %w", err)
	}
	return nil
}

func (s *sandbox) removeDangerousGlobals(vm *goja.Runtime) error {
	dangerousGlobals := []string{
		"require",
		"module",
		"exports",
		"process",
		"global",
		"__dirname",
		"__filename",
		"Buffer",
		"setImmediate",
		"clearImmediate",
	}
	for _, name := range dangerousGlobals {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}

	if s.securityLevel == SecurityLevelStrict {
		restrictedEval := func(call goja.FunctionCall) goja.Value {
			panic(vm.NewGoError(fmt.Errorf("eval is not allowed in strict security mode")))
		}
		return vm.Set("eval", restrictedEval)
	}
	return nil
}

// freezeBuiltins freezes built-in objects so scripts cannot patch them
// between TODs.
func (s *sandbox) freezeBuiltins(vm *goja.Runtime) error {
	if s.securityLevel == SecurityLevelPermissive {
		return nil
	}

	val, err := vm.RunString(`
		(function() {
			return function(obj) {
				if (obj) {
					Object.freeze(obj);
					if (obj.prototype) {
						Object.freeze(obj.prototype);
					}
				}
			};
		})()
	`)
	if err != nil {
		return fmt.Errorf("failed to create freeze function: %w", err)
	}
	freezeFn, ok := goja.AssertFunction(val)
	if !ok {
		return fmt.Errorf("freeze function is not a function")
	}

	builtins := []string{"Object", "Array", "Function", "String", "Number", "Boolean", "Date", "RegExp", "Error", "Math", "JSON"}
	for _, name := range builtins {
		obj := vm.Get(name)
		if obj == nil || goja.IsUndefined(obj) {
			continue
		}
		if _, err := freezeFn(goja.Undefined(), obj); err != nil {
			return fmt.Errorf("failed to freeze %s: %w", name, err)
		}
	}
	return nil
}
