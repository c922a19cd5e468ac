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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stockparfait/tiingo/schema"

	. "github.com/smartystreets/goconvey/convey"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("failed to write %s: %s", path, err.Error())
	}
	return path
}

func TestConfig(t *testing.T) {
	tmpdir, tmpdirErr := os.MkdirTemp("", "test_config")
	if tmpdirErr != nil {
		t.Fatalf("failed to create tmpdir: %s", tmpdirErr.Error())
	}
	defer os.RemoveAll(tmpdir)

	Convey("New sets the defaults", t, func() {
		c := New()
		So(c.Symbols, ShouldResemble, []string{"AAPL", "GOOGL"})
		So(c.APIURL, ShouldEqual, "https://api.tiingo.com")
		So(c.Parallelism, ShouldEqual, 1)
		So(c.Lenient, ShouldBeTrue)
		So(c.PageDays, ShouldEqual, 0)
	})

	Convey("Load works", t, func() {
		Convey("TOML config overrides defaults", func() {
			path := writeFile(t, tmpdir, "config.toml", `
api_key = "secret"
symbols = ["MSFT", "IBM"]
start_date = "2020-01-01"
end_date = "2021-12-31"
page_days = 365
lenient = false
`)
			c, err := Load(path)
			So(err, ShouldBeNil)
			So(c.APIKey, ShouldEqual, "secret")
			So(c.Symbols, ShouldResemble, []string{"MSFT", "IBM"})
			So(c.StartDate, ShouldResemble, schema.NewDate(2020, 1, 1))
			So(c.EndDate, ShouldResemble, schema.NewDate(2021, 12, 31))
			So(c.PageDays, ShouldEqual, 365)
			So(c.Lenient, ShouldBeFalse)
			// Untouched fields keep their defaults.
			So(c.APIURL, ShouldEqual, "https://api.tiingo.com")
			So(c.Parallelism, ShouldEqual, 1)
		})

		Convey("JSON config", func() {
			path := writeFile(t, tmpdir, "config.json", `{
  "api_key": "secret",
  "symbols": ["MSFT"],
  "start_date": "2020-01-01",
  "parallelism": 4
}`)
			c, err := Load(path)
			So(err, ShouldBeNil)
			So(c.APIKey, ShouldEqual, "secret")
			So(c.Symbols, ShouldResemble, []string{"MSFT"})
			So(c.StartDate, ShouldResemble, schema.NewDate(2020, 1, 1))
			So(c.Parallelism, ShouldEqual, 4)
			So(c.Lenient, ShouldBeTrue)
		})

		Convey("unknown JSON field fails", func() {
			path := writeFile(t, tmpdir, "bad.json", `{"api_key": "k", "bogus": 1}`)
			_, err := Load(path)
			So(err, ShouldNotBeNil)
		})

		Convey("missing file fails", func() {
			_, err := Load(filepath.Join(tmpdir, "nonexistent.toml"))
			So(err, ShouldNotBeNil)
		})
	})

	Convey("Validate works", t, func() {
		Convey("api_key from the environment", func() {
			t.Setenv(EnvAPIKey, "env-secret")
			c := New()
			So(c.Validate(), ShouldBeNil)
			So(c.APIKey, ShouldEqual, "env-secret")
		})

		Convey("missing api_key fails", func() {
			t.Setenv(EnvAPIKey, "")
			c := New()
			So(c.Validate(), ShouldNotBeNil)
		})

		Convey("config api_key wins over the environment", func() {
			t.Setenv(EnvAPIKey, "env-secret")
			c := New()
			c.APIKey = "file-secret"
			So(c.Validate(), ShouldBeNil)
			So(c.APIKey, ShouldEqual, "file-secret")
		})

		Convey("invariants", func() {
			c := New()
			c.APIKey = "k"

			c.Symbols = nil
			So(c.Validate(), ShouldNotBeNil)

			c = New()
			c.APIKey = "k"
			c.PageDays = -1
			So(c.Validate(), ShouldNotBeNil)

			c = New()
			c.APIKey = "k"
			c.Parallelism = 0
			So(c.Validate(), ShouldNotBeNil)

			c = New()
			c.APIKey = "k"
			c.StartDate = schema.NewDate(2022, 1, 1)
			c.EndDate = schema.NewDate(2021, 1, 1)
			So(c.Validate(), ShouldNotBeNil)
		})
	})
}
