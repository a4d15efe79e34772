package fanout

import (
	"context"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/utkarsh5026/mpifanout/internal/wire"
)

// Kwargs carries keyword arguments. A registered function receives them when
// its last parameter has type Kwargs.
type Kwargs map[string]any

// Task is a deferred call of a registered function: the function name plus
// positional and keyword arguments. It is a value object; the accessors
// return copies so a Task never changes after construction.
type Task struct {
	fn     string
	args   []any
	kwargs Kwargs
}

// Func returns the registered name of the function to call.
func (t Task) Func() string { return t.fn }

// Args returns a copy of the positional arguments.
func (t Task) Args() []any { return slices.Clone(t.args) }

// Kwargs returns a copy of the keyword arguments.
func (t Task) Kwargs() Kwargs { return maps.Clone(t.kwargs) }

func (t Task) String() string {
	parts := make([]string, 0, len(t.args)+len(t.kwargs))
	for _, a := range t.args {
		parts = append(parts, fmt.Sprintf("%v", a))
	}
	keys := slices.Sorted(maps.Keys(t.kwargs))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, t.kwargs[k]))
	}
	return t.fn + "(" + strings.Join(parts, ", ") + ")"
}

func (t Task) call() wire.Call {
	return wire.Call{Func: t.fn, Args: t.args, Kwargs: t.kwargs}
}

// RegisterType records a concrete type that is passed as a task argument,
// keyword value or result. Built-in scalar types and slices of them need no
// registration. Every rank must register the same types.
func RegisterType(v any) {
	wire.Register(v)
}

// Registry maps function names to callables. Because Go functions cannot be
// shipped between processes, every rank populates an identical Registry
// before entering the distributed phase, and tasks refer to functions by name.
//
// Accepted function shapes:
//
//	func(args...) R
//	func(args...) (R, error)
//	func(args...) error
//	func(args...)
//
// optionally with a leading context.Context and/or a trailing Kwargs
// parameter. Variadic functions are supported when they take no Kwargs.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]*callable
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]*callable)}
}

// Register adds fn under name. It fails with ErrNotCallable when fn is not a
// function of an accepted shape and with ErrDuplicateFunc when name is taken.
func (r *Registry) Register(name string, fn any) error {
	if name == "" {
		return fmt.Errorf("%w: empty function name", ErrNotCallable)
	}

	c, err := newCallable(name, fn)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.funcs[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateFunc, name)
	}
	r.funcs[name] = c
	return nil
}

// MustRegister is like Register but panics on error. It returns r so
// registrations can be chained at program start.
func (r *Registry) MustRegister(name string, fn any) *Registry {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
	return r
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.lookup(name)
	return ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.funcs))
	for n := range r.funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Task builds a deferred call of name with positional args.
func (r *Registry) Task(name string, args ...any) (Task, error) {
	return r.TaskKw(name, nil, args...)
}

// TaskKw builds a deferred call of name with keyword and positional args.
// It fails immediately with ErrNotCallable for an unknown name and with
// ErrBadArguments when the arguments cannot bind to the function; whether the
// arguments can be serialized is only known when the task is distributed.
func (r *Registry) TaskKw(name string, kwargs Kwargs, args ...any) (Task, error) {
	c, ok := r.lookup(name)
	if !ok {
		return Task{}, fmt.Errorf("%w: %q", ErrNotCallable, name)
	}
	if _, err := c.bind(args, kwargs); err != nil {
		return Task{}, err
	}

	return Task{
		fn:     name,
		args:   slices.Clone(args),
		kwargs: maps.Clone(kwargs),
	}, nil
}

// MustTask is like Task but panics on error.
func (r *Registry) MustTask(name string, args ...any) Task {
	t, err := r.Task(name, args...)
	if err != nil {
		panic(err)
	}
	return t
}

func (r *Registry) lookup(name string) (*callable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.funcs[name]
	return c, ok
}

var (
	ctxType    = reflect.TypeFor[context.Context]()
	errType    = reflect.TypeFor[error]()
	kwargsType = reflect.TypeFor[Kwargs]()
)

// callable is a registered function with its signature pre-analysed.
type callable struct {
	name     string
	fn       reflect.Value
	params   []reflect.Type // positional parameters only
	variadic bool
	wantsCtx bool
	wantsKw  bool
	hasValue bool
	hasErr   bool
}

func newCallable(name string, fn any) (*callable, error) {
	v := reflect.ValueOf(fn)
	if !v.IsValid() || v.Kind() != reflect.Func || v.IsNil() {
		return nil, fmt.Errorf("%w: %q is %T, want a function", ErrNotCallable, name, fn)
	}

	t := v.Type()
	c := &callable{name: name, fn: v, variadic: t.IsVariadic()}

	first, last := 0, t.NumIn()
	if last > 0 && t.In(0) == ctxType {
		c.wantsCtx = true
		first = 1
	}
	if last > first && t.In(last-1) == kwargsType {
		c.wantsKw = true
		last--
	}
	for i := first; i < last; i++ {
		c.params = append(c.params, t.In(i))
	}

	switch t.NumOut() {
	case 0:
	case 1:
		if t.Out(0) == errType {
			c.hasErr = true
		} else {
			c.hasValue = true
		}
	case 2:
		if t.Out(1) != errType {
			return nil, fmt.Errorf("%w: %q second result must be error, got %v", ErrNotCallable, name, t.Out(1))
		}
		c.hasValue, c.hasErr = true, true
	default:
		return nil, fmt.Errorf("%w: %q returns %d values", ErrNotCallable, name, t.NumOut())
	}
	return c, nil
}

// bind converts args into call values for the positional parameters.
func (c *callable) bind(args []any, kwargs Kwargs) ([]reflect.Value, error) {
	if len(kwargs) > 0 && !c.wantsKw {
		return nil, fmt.Errorf("%w: %q takes no keyword arguments", ErrBadArguments, c.name)
	}

	fixed := len(c.params)
	if c.variadic {
		fixed--
		if len(args) < fixed {
			return nil, fmt.Errorf("%w: %q wants at least %d arguments, got %d", ErrBadArguments, c.name, fixed, len(args))
		}
	} else if len(args) != fixed {
		return nil, fmt.Errorf("%w: %q wants %d arguments, got %d", ErrBadArguments, c.name, fixed, len(args))
	}

	in := make([]reflect.Value, len(args))
	for i, a := range args {
		var target reflect.Type
		if i < fixed {
			target = c.params[i]
		} else {
			target = c.params[len(c.params)-1].Elem()
		}

		v, err := convertArg(a, target)
		if err != nil {
			return nil, fmt.Errorf("%w: %q argument %d: %v", ErrBadArguments, c.name, i, err)
		}
		in[i] = v
	}
	return in, nil
}

func convertArg(a any, target reflect.Type) (reflect.Value, error) {
	if a == nil {
		switch target.Kind() {
		case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
			return reflect.Zero(target), nil
		}
		return reflect.Value{}, fmt.Errorf("nil is not a valid %v", target)
	}

	v := reflect.ValueOf(a)
	switch {
	case v.Type().AssignableTo(target):
		return v, nil
	case v.Kind() == target.Kind() && v.Type().ConvertibleTo(target):
		return v.Convert(target), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot use %T as %v", a, target)
}

// invoke calls the function. Panics are not recovered here.
func (c *callable) invoke(ctx context.Context, args []any, kwargs Kwargs) (any, error) {
	in, err := c.bind(args, kwargs)
	if err != nil {
		return nil, err
	}

	if c.wantsCtx {
		in = append([]reflect.Value{reflect.ValueOf(&ctx).Elem()}, in...)
	}
	if c.wantsKw {
		if kwargs == nil {
			kwargs = Kwargs{}
		}
		in = append(in, reflect.ValueOf(kwargs))
	}

	out := c.fn.Call(in)

	var val any
	if c.hasValue {
		val = out[0].Interface()
	}
	if c.hasErr {
		if e := out[len(out)-1]; !e.IsNil() {
			return val, e.Interface().(error)
		}
	}
	return val, nil
}
