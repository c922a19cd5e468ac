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

package sync

import (
	"testing"

	"github.com/stockparfait/tiingo/config"
	"github.com/stockparfait/tiingo/schema"

	. "github.com/smartystreets/goconvey/convey"
)

func TestStreams(t *testing.T) {
	t.Parallel()

	Convey("Stream declarations", t, func() {
		cfg := config.New()
		streams := Streams(cfg, schema.NewDate(2023, 1, 5))
		So(len(streams), ShouldEqual, 2)

		Convey("ticker_metadata", func() {
			s := streams[0]
			So(s.Name(), ShouldEqual, "ticker_metadata")
			So(s.Replication(), ShouldEqual, FullTable)
			So(s.CursorField(), ShouldEqual, "")
			So(s.KeyProperties(), ShouldResemble, []string{"ticker"})
			So(s.Parallelizable(), ShouldBeFalse)
			f, ok := s.Schema().Get("ticker")
			So(ok, ShouldBeTrue)
			So(f.Required, ShouldBeTrue)
		})

		Convey("daily_prices", func() {
			s := streams[1]
			So(s.Name(), ShouldEqual, "daily_prices")
			So(s.Replication(), ShouldEqual, Incremental)
			So(s.CursorField(), ShouldEqual, "date")
			So(s.KeyProperties(), ShouldResemble, []string{"ticker", "date"})
			So(s.Parallelizable(), ShouldBeTrue)
			for _, name := range []string{"ticker", "date"} {
				f, ok := s.Schema().Get(name)
				So(ok, ShouldBeTrue)
				So(f.Required, ShouldBeTrue)
			}
			f, _ := s.Schema().Get("adj_close")
			So(f.Type, ShouldEqual, schema.Number)
		})
	})

	Convey("Discover describes all streams", t, func() {
		infos := Discover(config.New())
		So(len(infos), ShouldEqual, 2)
		So(infos[0].Name, ShouldEqual, "ticker_metadata")
		So(infos[0].Replication.String(), ShouldEqual, "FULL_TABLE")
		So(infos[1].Name, ShouldEqual, "daily_prices")
		So(infos[1].Replication.String(), ShouldEqual, "INCREMENTAL")
		So(infos[1].CursorField, ShouldEqual, "date")
		So(len(infos[1].Schema), ShouldEqual, 14)
	})

	Convey("daily prices pagination", t, func() {
		yesterday := schema.NewDate(2023, 1, 5)

		Convey("without page windows", func() {
			s := &dailyPricesStream{
				configStart: schema.NewDate(2023, 1, 3),
				endDate:     yesterday,
			}

			Convey("a single request covers the whole range", func() {
				req := s.InitialRequest("AAPL", schema.Date{})
				So(req, ShouldResemble, Request{
					Symbol: "AAPL",
					Start:  schema.NewDate(2023, 1, 3),
					End:    yesterday,
				})
				_, more := s.NextRequest(req, PageStats{Count: 3, MaxDate: schema.NewDate(2023, 1, 4)})
				So(more, ShouldBeFalse)
			})

			Convey("the cursor overrides an older start date", func() {
				req := s.InitialRequest("AAPL", schema.NewDate(2023, 1, 4))
				So(req.Start, ShouldResemble, schema.NewDate(2023, 1, 4))
			})

			Convey("an older cursor defers to the config start", func() {
				req := s.InitialRequest("AAPL", schema.NewDate(2023, 1, 2))
				So(req.Start, ShouldResemble, schema.NewDate(2023, 1, 3))
			})
		})

		Convey("with page windows", func() {
			s := &dailyPricesStream{
				configStart: schema.NewDate(2023, 1, 1),
				pageDays:    2,
				endDate:     yesterday,
			}

			req := s.InitialRequest("AAPL", schema.Date{})
			So(req, ShouldResemble, Request{
				Symbol: "AAPL",
				Start:  schema.NewDate(2023, 1, 1),
				End:    schema.NewDate(2023, 1, 2),
			})

			Convey("advances one day past the last seen date", func() {
				next, more := s.NextRequest(req, PageStats{Count: 1, MaxDate: schema.NewDate(2023, 1, 2)})
				So(more, ShouldBeTrue)
				So(next, ShouldResemble, Request{
					Symbol: "AAPL",
					Start:  schema.NewDate(2023, 1, 3),
					End:    schema.NewDate(2023, 1, 4),
				})
			})

			Convey("the last window is clipped to yesterday", func() {
				req2 := Request{Symbol: "AAPL", Start: schema.NewDate(2023, 1, 3), End: schema.NewDate(2023, 1, 4)}
				next, more := s.NextRequest(req2, PageStats{Count: 2, MaxDate: schema.NewDate(2023, 1, 4)})
				So(more, ShouldBeTrue)
				So(next.Start, ShouldResemble, schema.NewDate(2023, 1, 5))
				So(next.End, ShouldResemble, yesterday)
			})

			Convey("dates before the window still advance it", func() {
				req2 := Request{Symbol: "AAPL", Start: schema.NewDate(2023, 1, 3), End: schema.NewDate(2023, 1, 4)}
				next, more := s.NextRequest(req2, PageStats{Count: 1, MaxDate: schema.NewDate(2023, 1, 1)})
				So(more, ShouldBeTrue)
				So(next, ShouldResemble, Request{
					Symbol: "AAPL",
					Start:  schema.NewDate(2023, 1, 5),
					End:    yesterday,
				})
			})

			Convey("an empty page ends the symbol", func() {
				_, more := s.NextRequest(req, PageStats{})
				So(more, ShouldBeFalse)
			})

			Convey("reaching yesterday ends the symbol", func() {
				req2 := Request{Symbol: "AAPL", Start: schema.NewDate(2023, 1, 5), End: yesterday}
				_, more := s.NextRequest(req2, PageStats{Count: 1, MaxDate: yesterday})
				So(more, ShouldBeFalse)
			})
		})

		Convey("empty config start falls back to the stream default", func() {
			s := &dailyPricesStream{endDate: yesterday}
			req := s.InitialRequest("AAPL", schema.Date{})
			So(req.Start, ShouldResemble, DefaultStartDate)
		})
	})

	Convey("mapRecord injects the ticker", t, func() {
		sch := schema.Schema{
			{Name: "ticker", Type: schema.String, Required: true},
			{Name: "date", Type: schema.Timestamp, Required: true},
			{Name: "adj_close", Type: schema.Number},
		}
		raw := map[string]interface{}{
			"date":     "2023-01-03T00:00:00.000Z",
			"adjClose": 124.88,
		}
		rec, skipped, err := mapRecord(sch, "AAPL", raw, false)
		So(err, ShouldBeNil)
		So(skipped, ShouldBeNil)
		So(rec, ShouldResemble, schema.Record{
			"ticker":    "AAPL",
			"date":      schema.NewDate(2023, 1, 3),
			"adj_close": 124.88,
		})
	})
}
