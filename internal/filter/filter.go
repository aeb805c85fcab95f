// Package filter restricts instrumentation to address ranges.
package filter

import (
	"fmt"
	"strconv"
	"strings"
)

// Range is a half-open address interval [Start, End).
type Range struct {
	Start uint64
	End   uint64
}

// Contains reports whether addr falls inside the range.
func (r Range) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

func (r Range) String() string {
	return fmt.Sprintf("0x%x-0x%x", r.Start, r.End)
}

// Filter is an allow-list of address ranges consulted before any site is
// instrumented. A nil or empty filter allows every address.
type Filter struct {
	ranges []Range
}

// New builds a filter over the given ranges.
func New(ranges ...Range) *Filter {
	return &Filter{ranges: ranges}
}

// Parse builds a filter from "begin-end" specs, hex with 0x prefix or
// plain decimal. An empty spec list yields an allow-all filter.
func Parse(specs []string) (*Filter, error) {
	f := &Filter{}
	for _, spec := range specs {
		r, err := ParseRange(spec)
		if err != nil {
			return nil, err
		}
		f.ranges = append(f.ranges, r)
	}
	return f, nil
}

// ParseRange parses a single "begin-end" spec.
func ParseRange(spec string) (Range, error) {
	lo, hi, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return Range{}, fmt.Errorf("range %q: want begin-end", spec)
	}
	start, err := strconv.ParseUint(strings.TrimSpace(lo), 0, 64)
	if err != nil {
		return Range{}, fmt.Errorf("range %q: bad begin: %v", spec, err)
	}
	end, err := strconv.ParseUint(strings.TrimSpace(hi), 0, 64)
	if err != nil {
		return Range{}, fmt.Errorf("range %q: bad end: %v", spec, err)
	}
	if start >= end {
		return Range{}, fmt.Errorf("range %q: begin must be below end", spec)
	}
	return Range{Start: start, End: end}, nil
}

// Add appends a range to the filter.
func (f *Filter) Add(r Range) {
	f.ranges = append(f.ranges, r)
}

// Ranges returns the configured ranges.
func (f *Filter) Ranges() []Range {
	if f == nil {
		return nil
	}
	return f.ranges
}

// Allowed reports whether addr may be instrumented.
func (f *Filter) Allowed(addr uint64) bool {
	if f == nil || len(f.ranges) == 0 {
		return true
	}
	for _, r := range f.ranges {
		if r.Contains(addr) {
			return true
		}
	}
	return false
}
