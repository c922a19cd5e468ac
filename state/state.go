// Copyright 2023 Stock Parfait

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     http://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package state implements the durable sync-state checkpoints: per-stream,
// per-symbol replication cursors persisted as a JSON file. The file is
// replaced atomically, so a crash mid-write never leaves a torn checkpoint
// and the previous one remains valid to resume from.
package state

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/stockparfait/errors"
	"github.com/stockparfait/tiingo/schema"
)

// State holds the replication cursors of incremental streams:
// stream name -> symbol -> the maximum cursor date committed so far.
// Full-table streams have no entries. The orchestrator owns the value;
// concurrent access is serialized there.
type State struct {
	Cursors map[string]map[string]schema.Date `json:"cursors"`
}

// New creates an empty state.
func New() *State {
	return &State{Cursors: make(map[string]map[string]schema.Date)}
}

// Cursor returns the committed cursor for the stream and symbol, or a zero
// date when none exists.
func (s *State) Cursor(stream, symbol string) schema.Date {
	return s.Cursors[stream][symbol]
}

// Advance moves the cursor forward to d. The cursor is monotonic: an earlier
// or equal date is a no-op, and the return value reports whether the cursor
// actually moved.
func (s *State) Advance(stream, symbol string, d schema.Date) bool {
	if d.IsZero() {
		return false
	}
	cur := s.Cursor(stream, symbol)
	if !cur.IsZero() && !d.After(cur) {
		return false
	}
	if s.Cursors == nil {
		s.Cursors = make(map[string]map[string]schema.Date)
	}
	if s.Cursors[stream] == nil {
		s.Cursors[stream] = make(map[string]schema.Date)
	}
	s.Cursors[stream][symbol] = d
	return true
}

// Store reads and writes State snapshots at a fixed file path.
type Store struct {
	Path string
}

// NewStore creates a checkpoint store at the given path.
func NewStore(path string) *Store {
	return &Store{Path: path}
}

// Load reads the last persisted state. A missing file is not an error and
// yields an empty state: the first run starts from scratch.
func (st *Store) Load() (*State, error) {
	data, err := os.ReadFile(st.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return New(), nil
		}
		return nil, errors.Annotate(err, "failed to read state file '%s'", st.Path)
	}
	s := New()
	if err := json.Unmarshal(data, s); err != nil {
		return nil, errors.Annotate(err, "failed to parse state file '%s'", st.Path)
	}
	if s.Cursors == nil {
		s.Cursors = make(map[string]map[string]schema.Date)
	}
	return s, nil
}

// Save persists the state snapshot. The snapshot is written to a temporary
// file in the same directory and renamed over the previous one, which is
// atomic on POSIX filesystems.
func (st *Store) Save(s *State) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Annotate(err, "failed to marshal state")
	}
	dir := filepath.Dir(st.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Annotate(err, "failed to create state directory '%s'", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(st.Path)+".tmp")
	if err != nil {
		return errors.Annotate(err, "failed to create temporary state file in '%s'", dir)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Annotate(err, "failed to write state to '%s'", tmpName)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Annotate(err, "failed to close '%s'", tmpName)
	}
	if err := os.Rename(tmpName, st.Path); err != nil {
		os.Remove(tmpName)
		return errors.Annotate(err, "failed to replace state file '%s'", st.Path)
	}
	return nil
}
