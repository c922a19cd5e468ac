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

// Package config defines the connector configuration. The config file may be
// TOML (the conventional ~/.stockparfait/tiingo/config.toml) or JSON; both
// decode into the same Config struct with the same defaults.
package config

import (
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/stockparfait/errors"
	"github.com/stockparfait/tiingo/message"
	"github.com/stockparfait/tiingo/schema"
)

// EnvAPIKey is the environment variable consulted when the config file does
// not set api_key.
const EnvAPIKey = "TIINGO_API_KEY"

// Config of a sync run. The zero value is not usable; construct with New or
// Load so the defaults apply.
type Config struct {
	APIKey    string      `json:"api_key" toml:"api_key"`
	Symbols   []string    `json:"symbols" toml:"symbols" default:"AAPL,GOOGL"`
	StartDate schema.Date `json:"start_date" toml:"start_date"`
	// EndDate optionally bounds the extraction from above. It is clipped to
	// the last complete New York trading day at sync time.
	EndDate   schema.Date `json:"end_date" toml:"end_date"`
	APIURL    string      `json:"api_url" toml:"api_url" default:"https://api.tiingo.com"`
	UserAgent string      `json:"user_agent" toml:"user_agent"`
	// PageDays bounds the date window of a single daily-prices request. The
	// default 0 requests the entire remaining range in one page, since the API
	// is not known to paginate this endpoint.
	PageDays int `json:"page_days" toml:"page_days"`
	// Parallelism > 1 syncs daily-prices symbols concurrently. Record order
	// across symbols is then unspecified; within a symbol it stays ascending.
	Parallelism int `json:"parallelism" toml:"parallelism" default:"1"`
	// Lenient drops non-essential fields that fail schema coercion instead of
	// failing the stream.
	Lenient bool `json:"lenient" toml:"lenient" default:"true"`
	// MaxAttempts overrides the client's bounded retry count when positive.
	MaxAttempts int `json:"max_attempts" toml:"max_attempts"`
}

var _ message.Message = &Config{}

// InitMessage implements message.Message.
func (c *Config) InitMessage(js interface{}) error {
	return errors.Annotate(message.Init(c, js), "failed to init config")
}

// New creates a Config with all the defaults set and no API key.
func New() *Config {
	var c Config
	if err := c.InitMessage(map[string]interface{}{}); err != nil {
		panic(errors.Annotate(err, "failed to init default Config"))
	}
	return &c
}

// DefaultPath is the conventional config file location.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".stockparfait", "tiingo", "config.toml")
}

// Load reads a config file. The format is chosen by the file extension:
// ".json" is parsed as a JSON message, anything else as TOML. The caller is
// expected to Validate before syncing; discovery needs no API key.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "failed to read config file '%s'", path)
	}
	c := New() // pre-populate defaults; the file overrides what it sets
	if strings.HasSuffix(path, ".json") {
		if err := message.FromJSON(c, data); err != nil {
			return nil, errors.Annotate(err, "failed to parse config file '%s'", path)
		}
	} else {
		if err := toml.Unmarshal(data, c); err != nil {
			return nil, errors.Annotate(err, "failed to parse config file '%s'", path)
		}
	}
	return c, nil
}

// Validate checks the config invariants and resolves the API key from the
// environment when the file leaves it empty.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		c.APIKey = os.Getenv(EnvAPIKey)
	}
	if c.APIKey == "" {
		return errors.Reason("api_key is required (or set %s)", EnvAPIKey)
	}
	if len(c.Symbols) == 0 {
		return errors.Reason("symbols must not be empty")
	}
	for _, s := range c.Symbols {
		if s == "" {
			return errors.Reason("symbols must not contain empty strings")
		}
	}
	if !c.EndDate.IsZero() && !c.StartDate.IsZero() && c.EndDate.Before(c.StartDate) {
		return errors.Reason("end_date = %s must not precede start_date = %s",
			c.EndDate, c.StartDate)
	}
	if c.PageDays < 0 {
		return errors.Reason("page_days = %d must be >= 0", c.PageDays)
	}
	if c.Parallelism < 1 {
		return errors.Reason("parallelism = %d must be >= 1", c.Parallelism)
	}
	if c.MaxAttempts < 0 {
		return errors.Reason("max_attempts = %d must be >= 0", c.MaxAttempts)
	}
	return nil
}
