// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package reconciler merges historical log pages and a live follow
// stream into one ordered, deduplicated, bounded buffer, and keeps
// the stream alive across disconnects.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	cerrors "github.com/chronotail/chronotail/errors"
	"github.com/chronotail/chronotail/logstream"
)

const (
	defaultPageSize = 100
	defaultTail     = 500
)

// Config parameterizes a Reconciler. Key and Client are required.
type Config struct {
	Key         string
	Client      logstream.Client
	Capacity    int
	PageSize    int
	Tail        int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Log         *logrus.Entry
}

// Status is a point-in-time view of the reconciler for display.
type Status struct {
	State     State  `json:"state"`
	Attempts  int    `json:"attempts"`
	Exhausted bool   `json:"exhausted"`
	Filter    string `json:"filter,omitempty"`
	Lines     int    `json:"lines"`
	Seq       uint64 `json:"seq"`
	Message   string `json:"message,omitempty"`
}

// Reconciler owns the canonical buffer for one resource key. Exactly
// one instance may write a buffer; tear it down with Close before
// constructing a replacement for a new key.
type Reconciler struct {
	key      string
	client   logstream.Client
	buf      *Buffer
	sup      *Supervisor
	pageSize int
	tail     int

	mu        sync.Mutex
	filter    string
	exhausted bool
	loading   bool
	fetchErr  error
	stream    logstream.LineStream // active session stream, nil between sessions

	notify chan struct{}

	log *logrus.Entry
}

// New constructs a Reconciler from the config. The buffer starts
// empty; nothing is fetched until Start.
func New(cfg Config) *Reconciler {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.Tail <= 0 {
		cfg.Tail = defaultTail
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("key", cfg.Key)
	return &Reconciler{
		key:      cfg.Key,
		client:   cfg.Client,
		buf:      NewBuffer(cfg.Capacity),
		sup:      NewSupervisor(cfg.BaseDelay, cfg.MaxDelay, cfg.MaxAttempts, log),
		pageSize: cfg.PageSize,
		tail:     cfg.Tail,
		notify:   make(chan struct{}, 1),
		log:      log,
	}
}

// Start performs the initial historical fetch and opens the live
// stream under the reconnect supervisor. A failed initial fetch is
// non-fatal: the stream is opened regardless and the error is kept
// for display.
func (r *Reconciler) Start(ctx context.Context) error {
	if r.buf.Len() == 0 {
		if err := r.loadInitial(ctx); err != nil {
			r.log.WithError(err).Warnln("initial log fetch failed")
		}
	}
	return r.sup.Start(ctx, r.runSession)
}

// Close tears the reconciler down: it cancels the active stream and
// stops the supervisor, including any pending reconnect timer.
func (r *Reconciler) Close() error {
	var result *multierror.Error

	r.mu.Lock()
	stream := r.stream
	r.mu.Unlock()
	if stream != nil {
		if err := stream.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "close stream"))
		}
	}
	r.sup.Stop()
	return result.ErrorOrNil()
}

// Lines returns a sorted copy of the buffered lines.
func (r *Reconciler) Lines() []logstream.Line {
	return r.buf.Lines()
}

// Snapshot returns the buffered lines with the change counter they
// correspond to.
func (r *Reconciler) Snapshot() ([]logstream.Line, uint64) {
	return r.buf.Snapshot()
}

// Changes returns the change signal. A receive means the buffer has
// changed since the last snapshot; coalesced, never blocking.
func (r *Reconciler) Changes() <-chan struct{} {
	return r.notify
}

// LoadOlder fetches one page of lines older than the buffer's
// earliest entry and merges it in. It is a no-op while a load is in
// flight, after history is exhausted, or while a search filter is
// active. It returns the number of lines inserted.
func (r *Reconciler) LoadOlder(ctx context.Context) (int, error) {
	r.mu.Lock()
	if r.loading || r.exhausted || r.filter != "" {
		r.mu.Unlock()
		return 0, nil
	}
	r.loading = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.loading = false
		r.mu.Unlock()
	}()

	cursor, ok := r.buf.Earliest()
	if !ok {
		return 0, r.loadInitial(ctx)
	}

	res, err := r.client.List(ctx, r.key, logstream.ListOptions{
		Cursor:    cursor,
		Direction: logstream.DirectionOlder,
		Limit:     r.pageSize,
	})
	if err != nil {
		// non-fatal: the buffer is left intact and the error is
		// surfaced for display.
		r.setFetchErr(errors.Wrap(err, "load older logs"))
		return 0, err
	}

	r.mu.Lock()
	if len(res.Lines) < r.pageSize || res.Exhausted {
		r.exhausted = true
	}
	r.fetchErr = nil
	r.mu.Unlock()

	inserted := r.buf.Merge(res.Lines)
	if inserted > 0 {
		r.signal()
	}
	return inserted, nil
}

// Clear empties the buffer and resets the exhausted flag. The live
// session stays connected and keeps appending afterwards.
func (r *Reconciler) Clear() {
	r.buf.Clear()
	r.mu.Lock()
	r.exhausted = false
	r.fetchErr = nil
	r.mu.Unlock()
	r.signal()
}

// Search replaces the historical filter, clears the buffer and
// re-fetches the most recent matching page. The live stream is
// independent of the filter and is left untouched.
func (r *Reconciler) Search(ctx context.Context, filter string) error {
	r.mu.Lock()
	r.filter = filter
	r.exhausted = false
	r.mu.Unlock()
	r.buf.Clear()
	r.signal()
	return r.loadInitial(ctx)
}

// Restart stops the supervisor, clearing a GivenUp or Stopped state,
// and opens a fresh stream. The buffer is preserved.
func (r *Reconciler) Restart(ctx context.Context) error {
	r.sup.Stop()
	r.mu.Lock()
	r.fetchErr = nil
	r.mu.Unlock()
	return r.sup.Start(ctx, r.runSession)
}

// Status reports the reconciler state for display. A single latest
// message is kept; reconnect progress overwrites prior errors.
func (r *Reconciler) Status() Status {
	r.mu.Lock()
	exhausted, filter, fetchErr := r.exhausted, r.filter, r.fetchErr
	r.mu.Unlock()

	lines, seq := r.buf.Snapshot()
	st := Status{
		State:     r.sup.State(),
		Attempts:  r.sup.Attempts(),
		Exhausted: exhausted,
		Filter:    filter,
		Lines:     len(lines),
		Seq:       seq,
	}
	st.Message = r.message(st, fetchErr)
	return st
}

func (r *Reconciler) message(st Status, fetchErr error) string {
	switch {
	case st.State == StateGivenUp:
		return fmt.Sprintf("log stream unavailable after %d attempts; restart to retry", st.Attempts)
	case st.State == StateDisconnected || (st.State == StateConnecting && st.Attempts > 0):
		return fmt.Sprintf("log stream disconnected; reconnecting (attempt %d)", st.Attempts)
	}
	if err := r.sup.Err(); err != nil {
		return err.Error()
	}
	if fetchErr != nil {
		return fetchErr.Error()
	}
	return ""
}

// runSession consumes one stream session. Lines arriving after the
// session context is cancelled never reach the buffer.
func (r *Reconciler) runSession(ctx context.Context, connected func()) error {
	stream, err := r.client.Stream(ctx, r.key, logstream.StreamOptions{
		Follow: true,
		Tail:   r.tail,
	})
	if err != nil {
		return err
	}
	r.setStream(stream)
	defer func() {
		r.setStream(nil)
		stream.Close() // nolint: errcheck
	}()

	first := true
	for line := range stream.Lines() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if first {
			connected()
			first = false
		}
		if r.buf.Append(line) {
			r.signal()
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return stream.Err()
}

func (r *Reconciler) loadInitial(ctx context.Context) error {
	r.mu.Lock()
	filter := r.filter
	r.mu.Unlock()

	res, err := r.client.List(ctx, r.key, logstream.ListOptions{
		Direction: logstream.DirectionInitial,
		Limit:     r.pageSize,
		Filter:    filter,
	})
	if err != nil {
		r.setFetchErr(errors.Wrap(err, "load recent logs"))
		return err
	}

	r.mu.Lock()
	if len(res.Lines) < r.pageSize || res.Exhausted {
		r.exhausted = true
	}
	r.fetchErr = nil
	r.mu.Unlock()

	if r.buf.Merge(res.Lines) > 0 {
		r.signal()
	}
	return nil
}

func (r *Reconciler) setFetchErr(err error) {
	if cerrors.IsCanceled(err) {
		return
	}
	r.mu.Lock()
	r.fetchErr = err
	r.mu.Unlock()
}

func (r *Reconciler) setStream(stream logstream.LineStream) {
	r.mu.Lock()
	r.stream = stream
	r.mu.Unlock()
}

func (r *Reconciler) signal() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}
