package fanout

import (
	"context"
	"errors"
	"testing"
)

type celsius float64

func TestRegistry_Register(t *testing.T) {
	tests := []struct {
		name    string
		fnName  string
		fn      any
		wantErr error
	}{
		{name: "plain func", fnName: "f", fn: func(int) int { return 0 }},
		{name: "value and error", fnName: "f", fn: func(int) (int, error) { return 0, nil }},
		{name: "error only", fnName: "f", fn: func() error { return nil }},
		{name: "context and kwargs", fnName: "f", fn: func(context.Context, string, Kwargs) {}},
		{name: "variadic", fnName: "f", fn: func(...int) int { return 0 }},
		{name: "empty name", fnName: "", fn: func() {}, wantErr: ErrNotCallable},
		{name: "not a func", fnName: "f", fn: 42, wantErr: ErrNotCallable},
		{name: "nil", fnName: "f", fn: nil, wantErr: ErrNotCallable},
		{name: "nil func value", fnName: "f", fn: (func())(nil), wantErr: ErrNotCallable},
		{name: "second result not error", fnName: "f", fn: func() (int, int) { return 0, 0 }, wantErr: ErrNotCallable},
		{name: "three results", fnName: "f", fn: func() (int, int, error) { return 0, 0, nil }, wantErr: ErrNotCallable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewRegistry().Register(tt.fnName, tt.fn)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr != nil && !errors.Is(err, ErrUsage) {
				t.Errorf("%v does not wrap ErrUsage", err)
			}
		})
	}

	t.Run("duplicate", func(t *testing.T) {
		reg := NewRegistry().MustRegister("f", func() {})
		if err := reg.Register("f", func() {}); !errors.Is(err, ErrDuplicateFunc) {
			t.Errorf("got %v, want ErrDuplicateFunc", err)
		}
	})

	t.Run("must register panics", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Error("expected panic")
			}
		}()
		NewRegistry().MustRegister("f", "not a function")
	})

	t.Run("names are sorted", func(t *testing.T) {
		reg := NewRegistry().MustRegister("b", func() {}).MustRegister("a", func() {})
		names := reg.Names()
		if len(names) != 2 || names[0] != "a" || names[1] != "b" {
			t.Errorf("Names() = %v", names)
		}
		if !reg.Has("a") || reg.Has("c") {
			t.Error("Has() disagrees with registrations")
		}
	})
}

func TestRegistry_Task(t *testing.T) {
	reg := NewRegistry().
		MustRegister("one", func(n int) int { return n }).
		MustRegister("temp", func(c celsius) celsius { return c }).
		MustRegister("ptr", func(p *int) bool { return p == nil }).
		MustRegister("many", func(prefix string, rest ...int) int { return len(rest) }).
		MustRegister("kw", func(Kwargs) {}).
		MustRegister("ctx", func(ctx context.Context, n int) int { return n })

	tests := []struct {
		name    string
		fn      string
		kwargs  Kwargs
		args    []any
		wantErr error
	}{
		{name: "exact", fn: "one", args: []any{1}},
		{name: "unknown function", fn: "missing", wantErr: ErrNotCallable},
		{name: "too few", fn: "one", wantErr: ErrBadArguments},
		{name: "too many", fn: "one", args: []any{1, 2}, wantErr: ErrBadArguments},
		{name: "wrong type", fn: "one", args: []any{"x"}, wantErr: ErrBadArguments},
		{name: "lossy kind change", fn: "one", args: []any{1.5}, wantErr: ErrBadArguments},
		{name: "named type conversion", fn: "temp", args: []any{21.5}},
		{name: "nil pointer", fn: "ptr", args: []any{nil}},
		{name: "nil for int", fn: "one", args: []any{nil}, wantErr: ErrBadArguments},
		{name: "variadic minimum", fn: "many", args: []any{"p"}},
		{name: "variadic extra", fn: "many", args: []any{"p", 1, 2, 3}},
		{name: "variadic missing fixed", fn: "many", wantErr: ErrBadArguments},
		{name: "variadic wrong element", fn: "many", args: []any{"p", "q"}, wantErr: ErrBadArguments},
		{name: "kwargs accepted", fn: "kw", kwargs: Kwargs{"a": 1}},
		{name: "kwargs rejected", fn: "one", kwargs: Kwargs{"a": 1}, args: []any{1}, wantErr: ErrBadArguments},
		{name: "context is not an argument", fn: "ctx", args: []any{3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := reg.TaskKw(tt.fn, tt.kwargs, tt.args...)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if task.Func() != tt.fn {
					t.Errorf("Func() = %q, want %q", task.Func(), tt.fn)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestTask_Immutable(t *testing.T) {
	reg := NewRegistry().MustRegister("f", func(a, b int, kw Kwargs) {})

	args := []any{1, 2}
	kw := Kwargs{"k": "v"}
	task, err := reg.TaskKw("f", kw, args...)
	if err != nil {
		t.Fatalf("TaskKw: %v", err)
	}

	args[0] = 100
	kw["k"] = "changed"
	got := task.Args()
	got[1] = 200
	task.Kwargs()["k"] = "changed again"

	if a := task.Args(); a[0] != 1 || a[1] != 2 {
		t.Errorf("Args() = %v, want [1 2]", a)
	}
	if k := task.Kwargs(); k["k"] != "v" {
		t.Errorf("Kwargs() = %v, want k=v", k)
	}
	if s := task.String(); s != "f(1, 2, k=v)" {
		t.Errorf("String() = %q", s)
	}
}

func TestCallable_Invoke(t *testing.T) {
	reg := NewRegistry().
		MustRegister("div", func(a, b int) (int, error) {
			if b == 0 {
				return 0, errors.New("division by zero")
			}
			return a / b, nil
		}).
		MustRegister("ctx-value", func(ctx context.Context) string {
			v, _ := ctx.Value(ctxKey{}).(string)
			return v
		}).
		MustRegister("kw-len", func(kw Kwargs) int { return len(kw) })

	ctx := context.WithValue(context.Background(), ctxKey{}, "from-ctx")

	div, _ := reg.lookup("div")
	if v, err := div.invoke(ctx, []any{7, 2}, nil); err != nil || v != 3 {
		t.Errorf("div(7, 2) = %v, %v", v, err)
	}
	if _, err := div.invoke(ctx, []any{1, 0}, nil); err == nil || err.Error() != "division by zero" {
		t.Errorf("div(1, 0) error = %v", err)
	}

	cv, _ := reg.lookup("ctx-value")
	if v, _ := cv.invoke(ctx, nil, nil); v != "from-ctx" {
		t.Errorf("ctx-value = %v, want from-ctx", v)
	}

	kl, _ := reg.lookup("kw-len")
	if v, _ := kl.invoke(ctx, nil, nil); v != 0 {
		t.Errorf("kw-len with nil kwargs = %v, want 0", v)
	}
}

type ctxKey struct{}
