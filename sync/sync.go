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

// Package sync implements the discover-then-sync engine: it walks the
// selected streams in their declared order, pages through the Tiingo API per
// configured symbol, maps raw elements into typed records, and emits records
// interleaved with state checkpoints for at-least-once resumability.
package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/stockparfait/errors"
	"github.com/stockparfait/iterator"
	"github.com/stockparfait/logging"
	"github.com/stockparfait/tiingo/catalog"
	"github.com/stockparfait/tiingo/config"
	"github.com/stockparfait/tiingo/emit"
	"github.com/stockparfait/tiingo/schema"
	"github.com/stockparfait/tiingo/state"
	"github.com/stockparfait/tiingo/tiingo"
	"golang.org/x/exp/slices"
)

// Status of one stream at the end of a run.
type Status uint8

const (
	// Skipped streams were deselected by the catalog.
	Skipped Status = iota
	// Completed streams synced every configured symbol.
	Completed
	// Failed streams stopped at some symbol; earlier symbols and checkpointed
	// pages of the failing symbol were still delivered.
	Failed
)

// String converts the enum value to a string.
func (s Status) String() string {
	switch s {
	case Skipped:
		return "SKIPPED"
	case Completed:
		return "COMPLETED"
	case Failed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// Result of syncing one stream.
type Result struct {
	Stream string
	Status Status
	Symbol string // the failing symbol when Status is Failed
	Err    error  // the failure when Status is Failed
}

// HasFailures reports whether any stream in the run failed.
func HasFailures(results []Result) bool {
	for _, r := range results {
		if r.Status == Failed {
			return true
		}
	}
	return false
}

// checkpointError marks a failure to persist or emit a state checkpoint.
// Losing checkpoints silently would turn at-least-once delivery into a
// re-extraction storm on the next run, so these abort the whole process.
type checkpointError struct {
	err error
}

func (e *checkpointError) Error() string { return e.err.Error() }
func (e *checkpointError) Unwrap() error { return e.err }

// IsCheckpointError checks if any error in the chain is a checkpoint
// persistence failure.
func IsCheckpointError(err error) bool {
	var ce *checkpointError
	return errors.As(err, &ce)
}

// Syncer runs the sync engine over the configured streams and symbols.
type Syncer struct {
	Config  *config.Config
	Catalog *catalog.Catalog
	State   *state.State // loaded from Store when nil
	Store   *state.Store // nil skips file persistence
	Emitter emit.Emitter
	Now     func() time.Time // defaults to time.Now

	mu gosync.Mutex // guards State mutations and checkpoint flushes
}

// Run syncs all selected streams in their declared order and returns the
// per-stream results. The returned error is run-fatal: an authorization
// rejection, a checkpoint persistence failure, or a missing client. Ordinary
// stream failures are reported in the results and do not stop later streams.
func (s *Syncer) Run(ctx context.Context) ([]Result, error) {
	client := tiingo.GetClient(ctx)
	if client == nil {
		return nil, errors.Reason("no Tiingo client in context")
	}
	now := s.Now
	if now == nil {
		now = time.Now
	}
	// Extraction is bounded by the last complete NY trading day, tightened
	// further by an explicit end_date in the config.
	endDate := schema.DateInNY(now()).AddDays(-1)
	if !s.Config.EndDate.IsZero() && s.Config.EndDate.Before(endDate) {
		endDate = s.Config.EndDate
	}
	if s.State == nil {
		if s.Store == nil {
			s.State = state.New()
		} else {
			st, err := s.Store.Load()
			if err != nil {
				return nil, errors.Annotate(err, "failed to load state")
			}
			s.State = st
		}
	}

	var results []Result
	for _, str := range Streams(s.Config, endDate) {
		name := str.Name()
		if !s.Catalog.IsSelected(name) {
			logging.Infof(ctx, "skipping deselected stream %s", name)
			results = append(results, Result{Stream: name, Status: Skipped})
			continue
		}
		sch := str.Schema()
		// An absent field selection means all declared fields.
		if fields := s.Catalog.FieldSelection(name); len(fields) > 0 {
			sch = sch.Select(fields)
		}
		if err := s.Emitter.Schema(name, sch, str.KeyProperties()); err != nil {
			return results, errors.Annotate(err, "failed to emit schema for %s", name)
		}
		res := s.syncStream(ctx, str, sch)
		results = append(results, res)
		if res.Err == nil {
			continue
		}
		// An authorization rejection fails every remaining request the same
		// way; stop immediately without a final state flush.
		if tiingo.IsAuthError(res.Err) {
			return results, errors.Annotate(res.Err, "run aborted: API key rejected")
		}
		if IsCheckpointError(res.Err) {
			return results, errors.Annotate(res.Err, "run aborted: cannot checkpoint state")
		}
		s.mu.Lock()
		cursor := s.State.Cursor(name, res.Symbol)
		s.mu.Unlock()
		logging.Errorf(ctx, "stream %s failed at symbol %s (cursor %s): %s",
			name, res.Symbol, cursor.String(), res.Err.Error())
	}

	if err := s.checkpoint(ctx, "", "", schema.Date{}); err != nil {
		return results, errors.Annotate(err, "failed to flush final state")
	}
	s.logSummary(ctx, results)
	return results, nil
}

func (s *Syncer) logSummary(ctx context.Context, results []Result) {
	var failed []string
	for _, r := range results {
		logging.Infof(ctx, "stream %s: %s", r.Stream, r.Status.String())
		if r.Status == Failed {
			failed = append(failed, r.Stream)
		}
	}
	if len(failed) > 0 {
		slices.Sort(failed)
		logging.Warningf(ctx, "%d of %d streams failed: %v",
			len(failed), len(results), failed)
	}
}

// syncStream syncs all configured symbols of one stream, sequentially by
// default, or concurrently when the stream allows it and parallelism is
// configured. The sequential order is the configured symbol order.
func (s *Syncer) syncStream(ctx context.Context, str Stream, sch schema.Schema) Result {
	logging.Infof(ctx, "syncing stream %s for %d symbols",
		str.Name(), len(s.Config.Symbols))
	if str.Parallelizable() && s.Config.Parallelism > 1 {
		return s.syncStreamParallel(ctx, str, sch)
	}
	for _, symbol := range s.Config.Symbols {
		if err := s.syncSymbol(ctx, str, sch, symbol); err != nil {
			return Result{
				Stream: str.Name(),
				Status: Failed,
				Symbol: symbol,
				Err:    errors.Annotate(err, "failed to sync %s for %s", str.Name(), symbol),
			}
		}
	}
	return Result{Stream: str.Name(), Status: Completed}
}

type symbolError struct {
	Symbol string
	Err    error
}

func (s *Syncer) syncStreamParallel(ctx context.Context, str Stream, sch schema.Schema) Result {
	f := func(symbol string) symbolError {
		return symbolError{Symbol: symbol, Err: s.syncSymbol(ctx, str, sch, symbol)}
	}
	pm := iterator.ParallelMap(ctx, s.Config.Parallelism,
		iterator.FromSlice(s.Config.Symbols), f)
	defer pm.Close()

	failures := iterator.Reduce[symbolError, []symbolError](pm, []symbolError{},
		func(se symbolError, fs []symbolError) []symbolError {
			if se.Err != nil {
				fs = append(fs, se)
			}
			return fs
		})
	if len(failures) == 0 {
		return Result{Stream: str.Name(), Status: Completed}
	}
	// Surface the most consequential failure; auth rejection aborts the run.
	first := failures[0]
	for _, se := range failures {
		if tiingo.IsAuthError(se.Err) || IsCheckpointError(se.Err) {
			first = se
			break
		}
	}
	return Result{
		Stream: str.Name(),
		Status: Failed,
		Symbol: first.Symbol,
		Err:    errors.Annotate(first.Err, "failed to sync %s for %s", str.Name(), first.Symbol),
	}
}

// syncSymbol pages through one symbol of a stream, emitting mapped records
// and checkpointing the cursor after every page.
func (s *Syncer) syncSymbol(ctx context.Context, str Stream, sch schema.Schema, symbol string) error {
	s.mu.Lock()
	cursor := s.State.Cursor(str.Name(), symbol)
	s.mu.Unlock()
	req := str.InitialRequest(symbol, cursor)
	// The cursor may already be past the extraction bound.
	if !req.End.IsZero() && req.End.Before(req.Start) {
		logging.Infof(ctx, "%s/%s: nothing to extract before %s",
			str.Name(), symbol, req.End)
		return nil
	}

	client := tiingo.GetClient(ctx)
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return errors.Annotate(err, "canceled before page %d of %s", page, symbol)
		}
		raw, err := str.FetchPage(ctx, client, req)
		if err != nil {
			return errors.Annotate(err, "failed to fetch page %d", page)
		}
		var maxDate schema.Date
		for _, el := range raw {
			rec, skipped, err := mapRecord(sch, symbol, el, s.Config.Lenient)
			if err != nil {
				return errors.Annotate(err, "failed to map a record on page %d", page)
			}
			for _, f := range skipped {
				logging.Warningf(ctx, "%s/%s: dropping field %q which failed to convert",
					str.Name(), symbol, f)
			}
			if cf := str.CursorField(); cf != "" {
				if d, ok := rec[cf].(schema.Date); ok {
					maxDate = schema.MaxDate(maxDate, d)
				}
			}
			if err := s.emitRecord(str.Name(), rec); err != nil {
				return errors.Annotate(err, "failed to emit a record on page %d", page)
			}
		}
		logging.Infof(ctx, "%s/%s: page %d with %d records",
			str.Name(), symbol, page, len(raw))
		if str.Replication() == Incremental && !maxDate.IsZero() {
			if err := s.checkpoint(ctx, str.Name(), symbol, maxDate); err != nil {
				return err
			}
		}
		next, ok := str.NextRequest(req, PageStats{Count: len(raw), MaxDate: maxDate})
		if !ok {
			return nil
		}
		req = next
	}
}

func (s *Syncer) emitRecord(stream string, rec schema.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Emitter.Record(stream, rec)
}

// checkpoint advances the cursor (when stream is nonempty), persists the
// state file, and emits a STATE message. With an empty stream name it only
// flushes the current state, which is the end-of-run checkpoint.
func (s *Syncer) checkpoint(ctx context.Context, stream, symbol string, d schema.Date) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stream != "" {
		if !s.State.Advance(stream, symbol, d) {
			return nil // cursor did not move, nothing new to flush
		}
		logging.Debugf(ctx, "%s/%s: cursor advanced to %s", stream, symbol, d.String())
	}
	if s.Store != nil {
		if err := s.Store.Save(s.State); err != nil {
			return &checkpointError{err: errors.Annotate(err, "failed to save state")}
		}
	}
	if err := s.Emitter.State(s.State); err != nil {
		return &checkpointError{err: errors.Annotate(err, "failed to emit state")}
	}
	return nil
}
