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
	"context"

	"github.com/stockparfait/errors"
	"github.com/stockparfait/tiingo/config"
	"github.com/stockparfait/tiingo/schema"
	"github.com/stockparfait/tiingo/tiingo"
)

// Replication is the enum of stream replication methods.
type Replication uint8

const (
	// FullTable streams are re-extracted completely on every run.
	FullTable Replication = iota
	// Incremental streams resume from the persisted cursor.
	Incremental
)

// String converts the enum value to a string.
func (r Replication) String() string {
	switch r {
	case FullTable:
		return "FULL_TABLE"
	case Incremental:
		return "INCREMENTAL"
	}
	return "UNKNOWN"
}

// MarshalJSON implements json.Marshaler.
func (r Replication) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

// Request is the ephemeral cursor of one page fetch: the symbol and, for
// date-ranged streams, the inclusive date window. It lives only within one
// stream sync pass and is never persisted; its effect folds into the
// replication cursor.
type Request struct {
	Symbol string
	Start  schema.Date // zero omits the lower bound
	End    schema.Date // zero omits the upper bound
}

// PageStats summarizes a fetched page for the pagination decision.
type PageStats struct {
	Count   int         // number of raw elements in the page
	MaxDate schema.Date // max cursor-field value seen, zero for full-table
}

// Stream declares one replicated dataset: its schema, keys, replication
// method, and how to derive requests from configuration and cursor state.
type Stream interface {
	Name() string
	KeyProperties() []string
	Replication() Replication
	// CursorField names the replication key, or "" for full-table streams.
	CursorField() string
	Schema() schema.Schema
	// InitialRequest builds the first request of a symbol. For incremental
	// streams cursor is the persisted replication cursor, zero when absent.
	InitialRequest(symbol string, cursor schema.Date) Request
	// FetchPage retrieves one page of raw API elements.
	FetchPage(ctx context.Context, client *tiingo.Client, req Request) ([]map[string]interface{}, error)
	// NextRequest computes the following page's request; false means the
	// symbol is exhausted.
	NextRequest(req Request, page PageStats) (Request, bool)
	// Parallelizable reports whether symbols of this stream may be synced
	// concurrently.
	Parallelizable() bool
}

// Streams lists the declared streams in their sync order. The endDate
// argument bounds incremental extraction from above; it is never later than
// the last complete trading day.
func Streams(cfg *config.Config, endDate schema.Date) []Stream {
	return []Stream{
		&tickerMetadataStream{},
		&dailyPricesStream{
			configStart: cfg.StartDate,
			pageDays:    cfg.PageDays,
			endDate:     endDate,
		},
	}
}

// StreamInfo is the discovery description of one stream.
type StreamInfo struct {
	Name          string        `json:"name"`
	KeyProperties []string      `json:"key_properties"`
	Replication   Replication   `json:"replication_method"`
	CursorField   string        `json:"replication_key,omitempty"`
	Schema        schema.Schema `json:"schema"`
}

// Discover describes all declared streams for catalog generation.
func Discover(cfg *config.Config) []StreamInfo {
	var infos []StreamInfo
	for _, s := range Streams(cfg, schema.Date{}) {
		infos = append(infos, StreamInfo{
			Name:          s.Name(),
			KeyProperties: s.KeyProperties(),
			Replication:   s.Replication(),
			CursorField:   s.CursorField(),
			Schema:        s.Schema(),
		})
	}
	return infos
}

// mapRecord converts one raw API element into a record of the stream's
// effective schema. The ticker symbol is not part of the raw per-element
// payload and is injected here, as the first primary-key component.
func mapRecord(sch schema.Schema, symbol string, raw map[string]interface{}, lenient bool) (schema.Record, []string, error) {
	withTicker := make(map[string]interface{}, len(raw)+1)
	for k, v := range raw {
		withTicker[k] = v
	}
	withTicker["ticker"] = symbol
	rec, skipped, err := sch.Map(withTicker, lenient)
	if err != nil {
		return nil, skipped, errors.Annotate(err, "failed to map record")
	}
	return rec, skipped, nil
}

// tickerMetadataStream is the full-table stream of per-ticker company
// metadata: GET /tiingo/daily/{symbol}, one record per configured symbol.
type tickerMetadataStream struct{}

var _ Stream = &tickerMetadataStream{}

var tickerMetadataSchema = schema.Schema{
	{Name: "ticker", Type: schema.String, Required: true},
	{Name: "name", Type: schema.String},
	{Name: "description", Type: schema.String},
	{Name: "exchange_code", Type: schema.String},
	{Name: "start_date", Type: schema.Timestamp},
	{Name: "end_date", Type: schema.Timestamp},
}

func (s *tickerMetadataStream) Name() string            { return "ticker_metadata" }
func (s *tickerMetadataStream) KeyProperties() []string { return []string{"ticker"} }
func (s *tickerMetadataStream) Replication() Replication {
	return FullTable
}
func (s *tickerMetadataStream) CursorField() string   { return "" }
func (s *tickerMetadataStream) Schema() schema.Schema { return tickerMetadataSchema }
func (s *tickerMetadataStream) Parallelizable() bool  { return false }

func (s *tickerMetadataStream) InitialRequest(symbol string, cursor schema.Date) Request {
	return Request{Symbol: symbol}
}

func (s *tickerMetadataStream) FetchPage(ctx context.Context, client *tiingo.Client, req Request) ([]map[string]interface{}, error) {
	meta, err := client.TickerMeta(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, nil
	}
	return []map[string]interface{}{meta}, nil
}

func (s *tickerMetadataStream) NextRequest(req Request, page PageStats) (Request, bool) {
	// One metadata object per symbol; the symbol list is the only pagination.
	return Request{}, false
}

// DefaultStartDate is the daily-prices lower bound when neither the config
// nor the persisted state provides one. Tiingo's earliest daily data starts
// in the 1960s.
var DefaultStartDate = schema.NewDate(1962, 1, 2)

// dailyPricesStream is the incremental stream of daily OHLCV bars:
// GET /tiingo/daily/{symbol}/prices over an inclusive date window.
type dailyPricesStream struct {
	configStart schema.Date
	pageDays    int         // 0 = request the whole remaining range in one page
	endDate     schema.Date // upper extraction bound, at most NY-yesterday
}

var _ Stream = &dailyPricesStream{}

var dailyPricesSchema = schema.Schema{
	{Name: "ticker", Type: schema.String, Required: true},
	{Name: "date", Type: schema.Timestamp, Required: true},
	{Name: "open", Type: schema.Number},
	{Name: "high", Type: schema.Number},
	{Name: "low", Type: schema.Number},
	{Name: "close", Type: schema.Number},
	{Name: "volume", Type: schema.Integer},
	{Name: "adj_open", Type: schema.Number},
	{Name: "adj_high", Type: schema.Number},
	{Name: "adj_low", Type: schema.Number},
	{Name: "adj_close", Type: schema.Number},
	{Name: "adj_volume", Type: schema.Integer},
	{Name: "div_cash", Type: schema.Number},
	{Name: "split_factor", Type: schema.Number},
}

func (s *dailyPricesStream) Name() string            { return "daily_prices" }
func (s *dailyPricesStream) KeyProperties() []string { return []string{"ticker", "date"} }
func (s *dailyPricesStream) Replication() Replication {
	return Incremental
}
func (s *dailyPricesStream) CursorField() string   { return "date" }
func (s *dailyPricesStream) Schema() schema.Schema { return dailyPricesSchema }
func (s *dailyPricesStream) Parallelizable() bool  { return true }

// window computes the inclusive request window starting at start.
func (s *dailyPricesStream) window(start schema.Date) (schema.Date, schema.Date) {
	end := s.endDate
	if s.pageDays > 0 {
		pageEnd := start.AddDays(s.pageDays - 1)
		if !end.IsZero() && end.Before(pageEnd) {
			pageEnd = end
		}
		end = pageEnd
	}
	return start, end
}

// InitialRequest resumes from the persisted cursor when it is past the
// configured start date. The cursor date itself is re-requested, so the
// boundary day is delivered at least once to an idempotent-upsert consumer.
func (s *dailyPricesStream) InitialRequest(symbol string, cursor schema.Date) Request {
	start := schema.MaxDate(s.configStart, cursor)
	if start.IsZero() {
		start = DefaultStartDate
	}
	first, end := s.window(start)
	return Request{Symbol: symbol, Start: first, End: end}
}

func (s *dailyPricesStream) FetchPage(ctx context.Context, client *tiingo.Client, req Request) ([]map[string]interface{}, error) {
	return client.DailyPrices(ctx, req.Symbol, req.Start, req.End)
}

func (s *dailyPricesStream) NextRequest(req Request, page PageStats) (Request, bool) {
	// An empty page with no error means no more data for the symbol.
	if page.Count == 0 || page.MaxDate.IsZero() {
		return Request{}, false
	}
	// No more data within the extraction bound.
	if !page.MaxDate.Before(s.endDate) {
		return Request{}, false
	}
	// A single unwindowed request serves the entire remaining range.
	if s.pageDays == 0 || req.End.IsZero() || !req.End.Before(s.endDate) {
		return Request{}, false
	}
	start, end := s.window(page.MaxDate.AddDays(1))
	// A server responding with dates before the requested window must not
	// stall the sync; the next window always starts past the previous one.
	if !start.After(req.Start) {
		start, end = s.window(req.Start.AddDays(s.pageDays))
	}
	return Request{Symbol: req.Symbol, Start: start, End: end}, true
}
