// Package cmplog implements comparison-operand capture for input-to-state
// mutation. Instrumented comparison and call sites write the operand values
// they observe into a fixed-width map of W rows; a mutation engine reads the
// map to craft inputs that satisfy the observed comparisons.
//
// The package owns the row schema and the slot allocation strategies. It
// never owns the map lifecycle: the executor allocates, resets, and persists.
package cmplog

import "sync/atomic"

const (
	// DefaultW is the default number of capture rows.
	DefaultW = 65536

	// RowSize is the byte size of one capture row.
	RowSize = 72

	// OperandMax is the byte capacity of one operand field.
	OperandMax = 32
)

// Row kinds.
const (
	KindNone        uint8 = 0
	KindInstruction uint8 = 1
	KindRoutine     uint8 = 2
)

// enabled gates operand capture at instrumented sites. Discovery and
// hook installation are not affected: a disabled helper still
// instruments translated code and resumes recording when re-enabled.
// Owned by the executor, off until a run starts.
var enabled atomic.Bool

// SetEnabled toggles operand capture at instrumented sites.
func SetEnabled(on bool) {
	enabled.Store(on)
}

// Enabled reports whether operand capture is active.
func Enabled() bool {
	return enabled.Load()
}
