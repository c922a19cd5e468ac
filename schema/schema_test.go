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

package schema

import (
	"testing"

	"github.com/stockparfait/testutil"

	. "github.com/smartystreets/goconvey/convey"
)

func TestSchema(t *testing.T) {
	t.Parallel()

	testSchema := Schema{
		{Name: "ticker", Type: String, Required: true},
		{Name: "date", Type: Timestamp, Required: true},
		{Name: "close", Type: Number},
		{Name: "volume", Type: Integer},
	}

	Convey("Schema methods work", t, func() {
		Convey("FieldNames and Get", func() {
			So(testSchema.FieldNames(), ShouldResemble,
				[]string{"ticker", "date", "close", "volume"})
			f, ok := testSchema.Get("close")
			So(ok, ShouldBeTrue)
			So(f, ShouldResemble, Field{Name: "close", Type: Number})
			_, ok = testSchema.Get("nope")
			So(ok, ShouldBeFalse)
		})

		Convey("Select keeps required fields and declared order", func() {
			sub := testSchema.Select([]string{"volume"})
			So(sub.FieldNames(), ShouldResemble, []string{"ticker", "date", "volume"})
		})

		Convey("Select of nothing keeps only required fields", func() {
			sub := testSchema.Select(nil)
			So(sub.FieldNames(), ShouldResemble, []string{"ticker", "date"})
		})
	})

	Convey("ToSnakeCase works", t, func() {
		So(ToSnakeCase("adjClose"), ShouldEqual, "adj_close")
		So(ToSnakeCase("splitFactor"), ShouldEqual, "split_factor")
		So(ToSnakeCase("ticker"), ShouldEqual, "ticker")
		So(ToSnakeCase("exchangeCode"), ShouldEqual, "exchange_code")
		So(ToSnakeCase("IEXVolume"), ShouldEqual, "iex_volume")
	})

	Convey("Coerce works", t, func() {
		Convey("passes through matching types", func() {
			v, err := Coerce("AAPL", String)
			So(err, ShouldBeNil)
			So(v, ShouldEqual, "AAPL")

			v, err = Coerce(125.07, Number)
			So(err, ShouldBeNil)
			So(testutil.Round(v.(float64), 6), ShouldEqual, 125.07)

			v, err = Coerce(true, Boolean)
			So(err, ShouldBeNil)
			So(v, ShouldEqual, true)
		})

		Convey("numeric strings become numbers", func() {
			v, err := Coerce("125.07", Number)
			So(err, ShouldBeNil)
			So(testutil.Round(v.(float64), 6), ShouldEqual, 125.07)

			v, err = Coerce("112117500", Integer)
			So(err, ShouldBeNil)
			So(v, ShouldEqual, int64(112117500))
		})

		Convey("integral floats become integers", func() {
			v, err := Coerce(112117500.0, Integer)
			So(err, ShouldBeNil)
			So(v, ShouldEqual, int64(112117500))

			_, err = Coerce(1.5, Integer)
			So(err, ShouldNotBeNil)
		})

		Convey("timestamps become Dates", func() {
			v, err := Coerce("2023-01-03T00:00:00.000Z", Timestamp)
			So(err, ShouldBeNil)
			So(v, ShouldResemble, NewDate(2023, 1, 3))
		})

		Convey("nil stays nil", func() {
			v, err := Coerce(nil, Number)
			So(err, ShouldBeNil)
			So(v, ShouldBeNil)
		})

		Convey("mismatches fail", func() {
			_, err := Coerce("oops", Integer)
			So(err, ShouldNotBeNil)
			_, err = Coerce(42.0, String)
			So(err, ShouldNotBeNil)
		})
	})

	Convey("Map works", t, func() {
		Convey("coerces and snake-cases a raw element", func() {
			raw := map[string]interface{}{
				"ticker":      "AAPL",
				"date":        "2023-01-03T00:00:00.000Z",
				"close":       125.07,
				"volume":      112117500.0,
				"adjClose":    124.88, // undeclared, dropped
				"unexpectedK": "v",    // undeclared, dropped
			}
			rec, skipped, err := testSchema.Map(raw, false)
			So(err, ShouldBeNil)
			So(skipped, ShouldBeNil)
			So(rec, ShouldResemble, Record{
				"ticker": "AAPL",
				"date":   NewDate(2023, 1, 3),
				"close":  125.07,
				"volume": int64(112117500),
			})
		})

		Convey("missing required field fails in any mode", func() {
			raw := map[string]interface{}{"ticker": "AAPL", "close": 125.07}
			_, _, err := testSchema.Map(raw, true)
			So(err, ShouldNotBeNil)
			So(IsEssentialViolation(err), ShouldBeTrue)
		})

		Convey("lenient mode drops a failing optional field", func() {
			raw := map[string]interface{}{
				"ticker": "AAPL",
				"date":   "2023-01-03",
				"close":  "not a number",
				"volume": 100.0,
			}
			rec, skipped, err := testSchema.Map(raw, true)
			So(err, ShouldBeNil)
			So(skipped, ShouldResemble, []string{"close"})
			_, ok := rec["close"]
			So(ok, ShouldBeFalse)
			So(rec["volume"], ShouldEqual, int64(100))
		})

		Convey("strict mode fails on a failing optional field", func() {
			raw := map[string]interface{}{
				"ticker": "AAPL",
				"date":   "2023-01-03",
				"close":  "not a number",
			}
			_, _, err := testSchema.Map(raw, false)
			So(err, ShouldNotBeNil)
			So(IsEssentialViolation(err), ShouldBeFalse)
		})

		Convey("null optional field stays null", func() {
			raw := map[string]interface{}{
				"ticker": "AAPL",
				"date":   "2023-01-03",
				"close":  nil,
			}
			rec, skipped, err := testSchema.Map(raw, false)
			So(err, ShouldBeNil)
			So(skipped, ShouldBeNil)
			v, ok := rec["close"]
			So(ok, ShouldBeTrue)
			So(v, ShouldBeNil)
		})
	})
}
