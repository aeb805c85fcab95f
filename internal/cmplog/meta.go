package cmplog

// SiteMeta maps comparison-site addresses to their assigned capture slots.
// One instance lives per fuzzing state; it is created lazily on the first
// comparison and serialized verbatim when the state is persisted.
//
// Next is a ring counter in [0, W). It wraps without evicting existing
// entries, so two addresses can share a slot after wraparound. The map is
// advisory input to mutation, so the collision is accepted.
type SiteMeta struct {
	Sites map[uint64]uint64 `json:"sites"`
	Next  uint64            `json:"next"`
}

// NewSiteMeta returns empty metadata.
func NewSiteMeta() *SiteMeta {
	return &SiteMeta{Sites: make(map[uint64]uint64)}
}

// Len returns the number of assigned sites.
func (m *SiteMeta) Len() int {
	return len(m.Sites)
}
