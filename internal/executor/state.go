package executor

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/zboralski/tarsier/internal/cmplog"
)

// State is the fuzzing state of the stable topology: a session id, the
// execution counter, and the comparison-site metadata. It round-trips
// through JSON so a session can resume where it stopped, with every
// known site keeping its slot.
type State struct {
	Session    string           `json:"session"`
	Created    time.Time        `json:"created"`
	Executions uint64           `json:"executions"`
	Meta       *cmplog.SiteMeta `json:"site_meta,omitempty"`
}

// NewState creates fresh state under a new session id.
func NewState() *State {
	return &State{
		Session: uuid.NewString(),
		Created: time.Now().UTC(),
	}
}

// SiteMeta returns the site metadata, creating it on first use.
func (s *State) SiteMeta() *cmplog.SiteMeta {
	if s.Meta == nil {
		s.Meta = cmplog.NewSiteMeta()
	}
	return s.Meta
}

// LoadState reads state from path.
func LoadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse state %s: %w", path, err)
	}
	if s.Session == "" {
		return nil, fmt.Errorf("state %s has no session id", path)
	}
	return &s, nil
}

// Save writes state to path, replacing it atomically so a crash mid-
// write never leaves a truncated file behind.
func (s *State) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
