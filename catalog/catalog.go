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

// Package catalog reads the stream-selection document: which streams to sync
// and, optionally, which of their fields. The connector only consumes
// selections here; the full schemas are declared by the streams themselves.
package catalog

import (
	"os"

	"github.com/stockparfait/errors"
	"github.com/stockparfait/tiingo/message"
)

// Entry selects one stream, with an optional field subset. Primary-key and
// cursor fields are always synced regardless of the subset.
type Entry struct {
	Name     string   `json:"name" required:"true"`
	Selected bool     `json:"selected" default:"true"`
	Fields   []string `json:"fields"` // empty = all declared fields
}

var _ message.Message = &Entry{}

// InitMessage implements message.Message.
func (e *Entry) InitMessage(js interface{}) error {
	return errors.Annotate(message.Init(e, js), "failed to init catalog entry")
}

// Catalog is the selection document. An empty catalog selects every stream
// with all fields.
type Catalog struct {
	Streams []Entry `json:"streams"`
}

var _ message.Message = &Catalog{}

// InitMessage implements message.Message.
func (c *Catalog) InitMessage(js interface{}) error {
	return errors.Annotate(message.Init(c, js), "failed to init catalog")
}

// Default creates a catalog selecting everything.
func Default() *Catalog {
	return &Catalog{}
}

// Load reads a catalog JSON file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "failed to read catalog file '%s'", path)
	}
	var c Catalog
	if err := message.FromJSON(&c, data); err != nil {
		return nil, errors.Annotate(err, "failed to parse catalog file '%s'", path)
	}
	return &c, nil
}

func (c *Catalog) entry(stream string) *Entry {
	for i := range c.Streams {
		if c.Streams[i].Name == stream {
			return &c.Streams[i]
		}
	}
	return nil
}

// IsSelected checks whether the stream should be synced. Streams absent from
// a non-empty catalog are not selected; an empty catalog selects all.
func (c *Catalog) IsSelected(stream string) bool {
	if len(c.Streams) == 0 {
		return true
	}
	e := c.entry(stream)
	return e != nil && e.Selected
}

// FieldSelection returns the selected field names for the stream, or nil for
// all declared fields.
func (c *Catalog) FieldSelection(stream string) []string {
	e := c.entry(stream)
	if e == nil {
		return nil
	}
	return e.Fields
}
