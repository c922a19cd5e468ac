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

// Package emit writes the tagged record stream consumed by downstream
// loaders: one JSON object per line, tagged as a SCHEMA declaration, a data
// RECORD, or a STATE checkpoint. Checkpoints are the sole resume contract.
package emit

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/stockparfait/errors"
	"github.com/stockparfait/tiingo/schema"
	"github.com/stockparfait/tiingo/state"
)

// Message types.
const (
	TypeSchema = "SCHEMA"
	TypeRecord = "RECORD"
	TypeState  = "STATE"
)

// Message is the wire format of a single emission.
type Message struct {
	Type          string        `json:"type"`
	Stream        string        `json:"stream,omitempty"`
	Schema        schema.Schema `json:"schema,omitempty"`
	KeyProperties []string      `json:"key_properties,omitempty"`
	Record        schema.Record `json:"record,omitempty"`
	Value         *state.State  `json:"value,omitempty"`
}

// Emitter receives the ordered emissions of a sync run.
type Emitter interface {
	// Schema declares a stream before any of its records.
	Schema(stream string, sch schema.Schema, keyProperties []string) error
	// Record emits one data record of the stream.
	Record(stream string, rec schema.Record) error
	// State emits a checkpoint snapshot. The snapshot is serialized before the
	// call returns, so the caller may keep mutating the state afterwards.
	State(s *state.State) error
}

// Writer emits messages as JSON lines to an io.Writer. It is safe for
// concurrent use.
type Writer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

var _ Emitter = &Writer{}

// NewWriter creates a Writer emitting to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: json.NewEncoder(w)}
}

func (w *Writer) write(m *Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(m); err != nil {
		return errors.Annotate(err, "failed to write %s message", m.Type)
	}
	return nil
}

// Schema implements Emitter.
func (w *Writer) Schema(stream string, sch schema.Schema, keyProperties []string) error {
	return w.write(&Message{
		Type:          TypeSchema,
		Stream:        stream,
		Schema:        sch,
		KeyProperties: keyProperties,
	})
}

// Record implements Emitter.
func (w *Writer) Record(stream string, rec schema.Record) error {
	return w.write(&Message{Type: TypeRecord, Stream: stream, Record: rec})
}

// State implements Emitter.
func (w *Writer) State(s *state.State) error {
	return w.write(&Message{Type: TypeState, Value: s})
}
