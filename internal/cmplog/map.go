package cmplog

import (
	"encoding/binary"
	"fmt"
)

// Map is the shared capture table: W rows of RowSize bytes each.
//
// Row layout, little-endian:
//
//	[0]     kind (KindNone, KindInstruction, KindRoutine)
//	[1]     width: operand bytes (1/2/4/8) or captured length for routines
//	[2:8]   reserved
//	[8:40]  operand A
//	[40:72] operand B
//
// Writes are last-wins with no accumulation. The backing slice may be
// private memory or a file-backed shared mapping; the schema is the same.
type Map struct {
	w    uint64
	data []byte
}

// New allocates a private capture map with w rows.
func New(w uint64) (*Map, error) {
	if err := checkW(w); err != nil {
		return nil, err
	}
	return &Map{w: w, data: make([]byte, w*RowSize)}, nil
}

// Attach wraps an existing backing slice, typically a shared mapping.
// The slice length must be a power-of-two row count times RowSize.
func Attach(data []byte) (*Map, error) {
	if len(data) == 0 || len(data)%RowSize != 0 {
		return nil, fmt.Errorf("capture map backing must be a multiple of %d bytes, got %d", RowSize, len(data))
	}
	w := uint64(len(data) / RowSize)
	if err := checkW(w); err != nil {
		return nil, err
	}
	return &Map{w: w, data: data}, nil
}

func checkW(w uint64) error {
	if w == 0 || w&(w-1) != 0 {
		return fmt.Errorf("capture map width must be a power of two, got %d", w)
	}
	return nil
}

// W returns the row count.
func (m *Map) W() uint64 {
	return m.w
}

// Size returns the byte size of the backing store.
func (m *Map) Size() int {
	return len(m.data)
}

// Bytes exposes the backing store. Callers must not resize it.
func (m *Map) Bytes() []byte {
	return m.data
}

// Reset clears every row. Called by the executor between runs.
func (m *Map) Reset() {
	clear(m.data)
}

// Record overwrites row slot with a fixed-width integer operand pair.
// Operands are truncated to width so rows stay canonical. Out-of-range
// slots and undeclared widths are dropped.
func (m *Map) Record(slot uint64, width uint8, a, b uint64) {
	if slot >= m.w {
		return
	}
	switch width {
	case 1, 2, 4, 8:
	default:
		return
	}
	a = truncate(a, width)
	b = truncate(b, width)
	row := m.data[slot*RowSize : slot*RowSize+RowSize]
	row[0] = KindInstruction
	row[1] = width
	binary.LittleEndian.PutUint64(row[8:16], a)
	clear(row[16:40])
	binary.LittleEndian.PutUint64(row[40:48], b)
	clear(row[48:72])
}

// RecordBytes overwrites row slot with a raw byte-range operand pair,
// used for call-argument (routine) captures. Both buffers are truncated
// to the shorter length, capped at OperandMax. Empty captures are dropped.
func (m *Map) RecordBytes(slot uint64, a, b []byte) {
	if slot >= m.w {
		return
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n > OperandMax {
		n = OperandMax
	}
	if n == 0 {
		return
	}
	row := m.data[slot*RowSize : slot*RowSize+RowSize]
	row[0] = KindRoutine
	row[1] = uint8(n)
	copy(row[8:8+n], a[:n])
	clear(row[8+n : 40])
	copy(row[40:40+n], b[:n])
	clear(row[40+n : 72])
}

// Row is a decoded capture row.
type Row struct {
	Kind  uint8
	Width uint8
	A     [OperandMax]byte
	B     [OperandMax]byte
}

// ValueA returns operand A as a little-endian integer of the row's width.
func (r Row) ValueA() uint64 {
	return truncate(binary.LittleEndian.Uint64(r.A[:8]), r.Width)
}

// ValueB returns operand B as a little-endian integer of the row's width.
func (r Row) ValueB() uint64 {
	return truncate(binary.LittleEndian.Uint64(r.B[:8]), r.Width)
}

func truncate(v uint64, width uint8) uint64 {
	switch width {
	case 1:
		return v & 0xff
	case 2:
		return v & 0xffff
	case 4:
		return v & 0xffffffff
	default:
		return v
	}
}

// Row decodes row slot. Out-of-range slots return a zero row.
func (m *Map) Row(slot uint64) Row {
	var r Row
	if slot >= m.w {
		return r
	}
	row := m.data[slot*RowSize : slot*RowSize+RowSize]
	r.Kind = row[0]
	r.Width = row[1]
	copy(r.A[:], row[8:40])
	copy(r.B[:], row[40:72])
	return r
}

// Capture pairs a slot index with its decoded row.
type Capture struct {
	Slot uint64
	Row
}

// Used returns the populated rows in slot order, up to limit.
// limit <= 0 means no limit.
func (m *Map) Used(limit int) []Capture {
	var out []Capture
	for slot := uint64(0); slot < m.w; slot++ {
		if m.data[slot*RowSize] == KindNone {
			continue
		}
		out = append(out, Capture{Slot: slot, Row: m.Row(slot)})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
