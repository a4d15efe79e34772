// Package wire holds the gob frames exchanged by the fanout collectives.
//
// A scatter payload is one Batch per rank; a gather payload is one Reply per
// rank. Individual tasks and result values are themselves gob blobs inside
// those frames, so one value that fails to encode or decode affects only its
// own task.
package wire

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"reflect"
	"time"
)

// TaskFrame is one encoded task together with its logical index in the flat
// batch submitted on the master.
type TaskFrame struct {
	Index int
	Data  []byte
}

// Batch is the scatter payload. Stop is the no-more-work sentinel; a stop
// batch carries no tasks.
type Batch struct {
	Seq   uint64
	Stop  bool
	Tasks []TaskFrame
}

// Failure describes a task that did not produce a value.
type Failure struct {
	Func     string
	Message  string
	Panicked bool
}

// Outcome is the result of one task: either Data (an encoded value) or Err.
type Outcome struct {
	Index int
	Data  []byte
	Err   *Failure
}

// Reply is the gather payload of one rank for one batch.
type Reply struct {
	Seq      uint64
	Rank     int
	Outcomes []Outcome
	Elapsed  time.Duration
}

// Call is the portable form of a deferred function call.
type Call struct {
	Func   string
	Args   []any
	Kwargs map[string]any
}

// Register records a concrete type that travels inside an interface value
// (task arguments, keyword arguments or results).
func Register(v any) {
	gob.Register(v)
}

// Marshal gob-encodes v.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal gob-decodes data into v.
func Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// value wraps a result so that any registered concrete type, nil included,
// round-trips through gob.
type value struct {
	V any
}

// MarshalValue encodes an arbitrary result value. gob cannot carry a typed
// nil inside an interface, so nil pointers, maps, slices, funcs, channels
// and interfaces are sent as a plain nil.
func MarshalValue(v any) ([]byte, error) {
	if isNil(v) {
		v = nil
	}
	b, err := Marshal(value{V: v})
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return b, nil
}

// UnmarshalValue decodes a value produced by MarshalValue.
func UnmarshalValue(data []byte) (any, error) {
	var w value
	if err := Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return w.V, nil
}

func isNil(v any) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return rv.IsNil()
	}
	return false
}
