// Package script provides a routine whose Execute step is a JavaScript
// function run by goja.
//
// The script must define a function (execute by default) taking the
// routine's inputs as an object keyed by logical name and the TOD ID. It
// returns an object holding a value for every declared logical output:
//
//	function execute(inputs, tod) {
//		return { total: inputs.a + inputs.b };
//	}
package script

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"github.com/wehubfusion/todloop/pkg/routine"
	"go.uber.org/zap"
)

// Type is the routine type registered for Script.
const Type = "script"

var (
	// ErrTimeout is returned when a script call exceeds its timeout.
	ErrTimeout = errors.New("script timed out")

	// ErrScript is returned when a script throws.
	ErrScript = errors.New("script error")

	// ErrBadResult is returned when a script returns something other than an object.
	ErrBadResult = errors.New("script result must be an object")

	// ErrMissingOutput is returned when a script result lacks a declared output.
	ErrMissingOutput = errors.New("script result is missing an output")
)

// Params represents the configuration of a script routine.
type Params struct {
	// Script is the JavaScript source.
	Script string `json:"script"`

	// Function is the entry point. Defaults to "execute".
	Function string `json:"function,omitempty"`

	// Timeout bounds a single call, e.g. "500ms". Defaults to 5s.
	Timeout string `json:"timeout,omitempty"`

	// SecurityLevel is strict, standard or permissive. Defaults to standard.
	SecurityLevel string `json:"security_level,omitempty"`

	// MaxStackDepth is the maximum call stack depth. Defaults to 100.
	MaxStackDepth int `json:"max_stack_depth,omitempty"`
}

// applyDefaults sets default values for configuration fields.
func (p *Params) applyDefaults() {
	if p.Function == "" {
		p.Function = "execute"
	}
	if p.Timeout == "" {
		p.Timeout = "5s"
	}
	if p.SecurityLevel == "" {
		p.SecurityLevel = SecurityLevelStandard
	}
	if p.MaxStackDepth == 0 {
		p.MaxStackDepth = 100
	}
}

func (p *Params) validate() (time.Duration, error) {
	if p.Script == "" {
		return 0, fmt.Errorf("script is required")
	}
	timeout, err := time.ParseDuration(p.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout format: %w", err)
	}
	if timeout <= 0 {
		return 0, fmt.Errorf("timeout must be positive")
	}
	switch p.SecurityLevel {
	case SecurityLevelStrict, SecurityLevelStandard, SecurityLevelPermissive:
	default:
		return 0, fmt.Errorf("invalid security level: %s", p.SecurityLevel)
	}
	if p.MaxStackDepth < 0 {
		return 0, fmt.Errorf("max_stack_depth must be positive")
	}
	return timeout, nil
}

// Script runs a JavaScript function once per TOD. Each instance owns its VM,
// so instances must not be shared between workers.
type Script struct {
	routine.Base
	params  Params
	timeout time.Duration
	program *goja.Program

	vm *goja.Runtime
	fn goja.Callable
}

// New creates a script routine. The script is compiled here so syntax
// errors surface before the run starts.
func New(cfg routine.Config, logger *zap.Logger) (routine.Routine, error) {
	base := routine.NewBase(cfg, logger)
	var p Params
	if err := base.DecodeParams(&p); err != nil {
		return nil, err
	}
	p.applyDefaults()
	timeout, err := p.validate()
	if err != nil {
		return nil, fmt.Errorf("%w: routine %s: %v", routine.ErrInvalidParams, base.Name(), err)
	}

	program, err := goja.Compile(base.Name(), p.Script, false)
	if err != nil {
		return nil, fmt.Errorf("%w: routine %s: %v", routine.ErrInvalidParams, base.Name(), err)
	}
	return &Script{Base: base, params: p, timeout: timeout, program: program}, nil
}

// Initialize creates the VM, runs the script body and resolves the entry point.
func (s *Script) Initialize(ctx context.Context) error {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	sb := &sandbox{securityLevel: s.params.SecurityLevel, maxStackDepth: s.params.MaxStackDepth}
	if err := sb.apply(vm); err != nil {
		return err
	}
	if _, err := s.run(ctx, vm, func() (goja.Value, error) { return vm.RunProgram(s.program) }); err != nil {
		return err
	}

	fn, ok := goja.AssertFunction(vm.Get(s.params.Function))
	if !ok {
		return fmt.Errorf("%w: %s is not a function", ErrScript, s.params.Function)
	}
	s.vm = vm
	s.fn = fn
	s.Logger().Debug("script initialized", zap.String("function", s.params.Function))
	return nil
}

// Execute calls the entry point with the TOD's inputs and writes its outputs.
func (s *Script) Execute(ctx context.Context, rc *routine.Context) error {
	if s.vm == nil {
		return fmt.Errorf("%w: routine %s is not initialized", ErrScript, s.Name())
	}

	inputs := make(map[string]any)
	for _, name := range s.Inputs().Names() {
		v, err := s.Input(rc, name)
		if err != nil {
			return err
		}
		inputs[name] = v
	}

	value, err := s.run(ctx, s.vm, func() (goja.Value, error) {
		return s.fn(goja.Undefined(), s.vm.ToValue(inputs), s.vm.ToValue(string(rc.TOD)))
	})
	if err != nil {
		return err
	}

	var result map[string]any
	if value != nil && !goja.IsUndefined(value) && !goja.IsNull(value) {
		result, _ = value.Export().(map[string]any)
	}
	if result == nil {
		return fmt.Errorf("%w: routine %s", ErrBadResult, s.Name())
	}

	for _, name := range s.Outputs().Names() {
		v, ok := result[name]
		if !ok {
			return fmt.Errorf("%w: routine %s: %s", ErrMissingOutput, s.Name(), name)
		}
		if err := s.Output(rc, name, v); err != nil {
			return err
		}
	}
	return nil
}

// Finalize releases the VM.
func (s *Script) Finalize(ctx context.Context) error {
	s.vm = nil
	s.fn = nil
	return nil
}

// run executes call with the routine's timeout, interrupting the VM when the
// timeout or ctx expires.
func (s *Script) run(ctx context.Context, vm *goja.Runtime, call func() (goja.Value, error)) (goja.Value, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(ctx.Err())
		close(fired)
	})
	value, err := call()
	if !stop() {
		<-fired
		vm.ClearInterrupt()
	}

	if err == nil {
		return value, nil
	}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: routine %s after %s", ErrTimeout, s.Name(), s.timeout)
		}
		return nil, fmt.Errorf("routine %s interrupted: %w", s.Name(), ctx.Err())
	}

	var exc *goja.Exception
	if errors.As(err, &exc) {
		return nil, fmt.Errorf("%w: routine %s: %s", ErrScript, s.Name(), exc.Error())
	}
	return nil, fmt.Errorf("%w: routine %s: %v", ErrScript, s.Name(), err)
}
