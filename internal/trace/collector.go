package trace

import "sync"

// DefaultCapacity bounds a collector that was created without one.
const DefaultCapacity = 4096

// Collector accumulates trace events up to a fixed capacity.
// Events past capacity are counted and dropped rather than grown:
// a run that calls strcmp in a tight loop must not eat the heap.
// Safe for use from emulator hook callbacks.
type Collector struct {
	mu      sync.Mutex
	events  []*Event
	cap     int
	dropped int
	enrich  Enricher
}

// NewCollector creates a collector holding at most capacity events.
// Zero or negative capacity selects DefaultCapacity.
func NewCollector(capacity int) *Collector {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Collector{
		events: make([]*Event, 0, 64),
		cap:    capacity,
		enrich: DefaultEnricher,
	}
}

// SetEnricher replaces the enricher applied by Record. nil disables
// enrichment.
func (c *Collector) SetEnricher(fn Enricher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enrich = fn
}

// Record builds an event, enriches it, and stores it.
// The signature matches log.Logger.SetOnTrace so a collector can be
// wired straight into the global logger.
func (c *Collector) Record(pc uint64, category, name, detail string) {
	e := NewEvent(pc, category, name, detail)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enrich != nil {
		c.enrich(e)
	}
	c.append(e)
}

// Append stores an already-built event without enrichment.
func (c *Collector) Append(e *Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.append(e)
}

func (c *Collector) append(e *Event) {
	if len(c.events) >= c.cap {
		c.dropped++
		return
	}
	c.events = append(c.events, e)
}

// Events returns a snapshot of the collected events.
// The returned slice is a copy; later appends do not alter it.
func (c *Collector) Events() []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Event, len(c.events))
	copy(out, c.events)
	return out
}

// Len returns the number of stored events.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// Dropped returns how many events arrived after the collector filled.
func (c *Collector) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Reset clears stored events and the dropped counter.
// Called between runs so each run's trace starts empty.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = c.events[:0]
	c.dropped = 0
}

// Filter returns stored events carrying the given tag.
func (c *Collector) Filter(tag Tag) []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Event
	for _, e := range c.events {
		if e.Tags.Has(tag) {
			out = append(out, e)
		}
	}
	return out
}
