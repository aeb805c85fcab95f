package helper

import (
	"sync"

	"go.uber.org/zap"

	"github.com/zboralski/tarsier/internal/cmplog"
	"github.com/zboralski/tarsier/internal/filter"
	"github.com/zboralski/tarsier/internal/hooks"
	"github.com/zboralski/tarsier/internal/log"
)

// CmpLog records integer comparison operands into the capture map.
// The slot allocator decides the variant: stable keyed slots for
// in-process runs, hashed slots for forked children.
type CmpLog struct {
	m     *cmplog.Map
	alloc cmplog.Allocator
	log   *log.Logger
	once  sync.Once
}

// NewCmpLog builds the in-process variant. Each comparison site keeps
// the slot it was first assigned, remembered in the fuzzing state, so
// captures stay comparable across executions.
func NewCmpLog(m *cmplog.Map, f *filter.Filter, state cmplog.MetaSource, logger *log.Logger) (*CmpLog, error) {
	alloc, err := cmplog.NewStableAllocator(m.W(), f, state)
	if err != nil {
		return nil, err
	}
	return newCmpLog(m, alloc, logger), nil
}

// NewCmpLogChild builds the forked-child variant. Slots are hashed from
// the site address alone, so allocation touches no shared state; the
// occasional collision is the price of fork safety.
func NewCmpLogChild(m *cmplog.Map, f *filter.Filter, logger *log.Logger) (*CmpLog, error) {
	alloc, err := cmplog.NewHashedAllocator(m.W(), f)
	if err != nil {
		return nil, err
	}
	return newCmpLog(m, alloc, logger), nil
}

func newCmpLog(m *cmplog.Map, alloc cmplog.Allocator, logger *log.Logger) *CmpLog {
	if logger == nil {
		logger = log.NewNop()
	}
	return &CmpLog{m: m, alloc: alloc, log: logger}
}

// Stateless reports whether slot allocation runs without fuzzing state.
func (c *CmpLog) Stateless() bool {
	return c.alloc.Stateless()
}

// Attach registers the slot source and the four width trace callbacks
// on the hub. Only the first call registers; repeats are no-ops.
func (c *CmpLog) Attach(hub *hooks.Hub) {
	c.once.Do(func() {
		hub.RegisterIDGenerator(c.alloc.Allocate)
		for _, width := range []uint8{1, 2, 4, 8} {
			w := width
			hub.RegisterTrace(w, func(slot, va, vb uint64) {
				if !cmplog.Enabled() {
					return
				}
				c.m.Record(slot, w, va, vb)
			})
		}
		c.log.Debug("comparison capture attached",
			zap.Bool("stateless", c.alloc.Stateless()))
	})
}
