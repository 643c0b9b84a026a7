// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package reconciler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronotail/chronotail/logstream"
)

type fakeClient struct {
	mu          sync.Mutex
	list        func(opts logstream.ListOptions) (*logstream.ListResult, error)
	listCalls   int32
	streamCalls int32
	streams     []*fakeStream
}

func (f *fakeClient) List(_ context.Context, _ string, opts logstream.ListOptions) (*logstream.ListResult, error) {
	atomic.AddInt32(&f.listCalls, 1)
	if f.list == nil {
		return &logstream.ListResult{Exhausted: true}, nil
	}
	return f.list(opts)
}

func (f *fakeClient) Stream(_ context.Context, _ string, _ logstream.StreamOptions) (logstream.LineStream, error) {
	atomic.AddInt32(&f.streamCalls, 1)
	s := newFakeStream()
	f.mu.Lock()
	f.streams = append(f.streams, s)
	f.mu.Unlock()
	return s, nil
}

// current returns the latest opened stream session, waiting for one
// to be opened.
func (f *fakeClient) current(t *testing.T) *fakeStream {
	t.Helper()
	waitFor(t, func() bool { return f.latest() != nil }, "no stream session was opened")
	return f.latest()
}

func (f *fakeClient) latest() *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streams) == 0 {
		return nil
	}
	return f.streams[len(f.streams)-1]
}

type fakeStream struct {
	lines chan logstream.Line
	done  chan struct{}
	once  sync.Once

	mu  sync.Mutex
	err error
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		lines: make(chan logstream.Line, 64),
		done:  make(chan struct{}),
	}
}

func (s *fakeStream) Lines() <-chan logstream.Line { return s.lines }

func (s *fakeStream) Err() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeStream) Close() error {
	s.end(context.Canceled)
	return nil
}

func (s *fakeStream) emit(line logstream.Line) { s.lines <- line }

func (s *fakeStream) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.lines)
		close(s.done)
	})
}

func newTestReconciler(client logstream.Client) *Reconciler {
	return New(Config{
		Key:         "srv-1",
		Client:      client,
		PageSize:    3,
		Tail:        10,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		MaxAttempts: 10,
	})
}

func TestReconcilerInitialFetchSorted(t *testing.T) {
	client := &fakeClient{
		list: func(opts logstream.ListOptions) (*logstream.ListResult, error) {
			return &logstream.ListResult{
				Lines: []logstream.Line{
					lineAt(2*time.Second, "c"),
					lineAt(0, "a"),
					lineAt(time.Second, "b"),
				},
			}, nil
		},
	}
	r := newTestReconciler(client)
	require.NoError(t, r.Start(context.Background()))
	defer r.Close()

	waitFor(t, func() bool { return len(r.Lines()) == 3 }, "initial fetch never landed")
	lines := r.Lines()
	assert.Equal(t, "a", lines[0].Text)
	assert.Equal(t, "b", lines[1].Text)
	assert.Equal(t, "c", lines[2].Text)
}

func TestReconcilerLiveDuplicateDiscarded(t *testing.T) {
	client := &fakeClient{
		list: func(opts logstream.ListOptions) (*logstream.ListResult, error) {
			return &logstream.ListResult{
				Lines:     []logstream.Line{lineAt(0, "seen before")},
				Exhausted: true,
			}, nil
		},
	}
	r := newTestReconciler(client)
	require.NoError(t, r.Start(context.Background()))
	defer r.Close()

	stream := client.current(t)
	stream.emit(lineAt(0, "seen before"))
	stream.emit(lineAt(time.Second, "fresh"))

	waitFor(t, func() bool { return len(r.Lines()) == 2 }, "live line never landed")
	assert.Equal(t, 2, len(r.Lines()), "duplicate delivery must not grow the buffer")
}

func TestReconcilerLoadOlderExhausted(t *testing.T) {
	// initial page is full; the older page comes back short.
	client := &fakeClient{}
	client.list = func(opts logstream.ListOptions) (*logstream.ListResult, error) {
		switch opts.Direction {
		case logstream.DirectionOlder:
			assert.Equal(t, t0, opts.Cursor, "cursor must be the earliest buffered timestamp")
			return &logstream.ListResult{
				Lines: []logstream.Line{lineAt(-time.Minute, "older")},
			}, nil
		default:
			return &logstream.ListResult{
				Lines: []logstream.Line{
					lineAt(0, "a"), lineAt(time.Second, "b"), lineAt(2*time.Second, "c"),
				},
			}, nil
		}
	}
	r := newTestReconciler(client)
	require.NoError(t, r.Start(context.Background()))
	defer r.Close()
	waitFor(t, func() bool { return len(r.Lines()) == 3 }, "initial fetch never landed")

	inserted, err := r.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)
	assert.True(t, r.Status().Exhausted, "short page must mark history exhausted")
	assert.Equal(t, "older", r.Lines()[0].Text)

	// a further trigger is a no-op: no request is issued.
	calls := atomic.LoadInt32(&client.listCalls)
	inserted, err = r.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)
	assert.Equal(t, calls, atomic.LoadInt32(&client.listCalls))
}

func TestReconcilerLoadOlderErrorKeepsBuffer(t *testing.T) {
	client := &fakeClient{}
	client.list = func(opts logstream.ListOptions) (*logstream.ListResult, error) {
		if opts.Direction == logstream.DirectionOlder {
			return nil, fmt.Errorf("service unavailable")
		}
		return &logstream.ListResult{
			Lines: []logstream.Line{
				lineAt(0, "a"), lineAt(time.Second, "b"), lineAt(2*time.Second, "c"),
			},
		}, nil
	}
	r := newTestReconciler(client)
	require.NoError(t, r.Start(context.Background()))
	defer r.Close()
	waitFor(t, func() bool { return len(r.Lines()) == 3 }, "initial fetch never landed")

	_, err := r.LoadOlder(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 3, len(r.Lines()), "a failed backfill must not clear the buffer")
	assert.False(t, r.Status().Exhausted)
	assert.Contains(t, r.Status().Message, "service unavailable")
}

func TestReconcilerClearKeepsStream(t *testing.T) {
	client := &fakeClient{
		list: func(opts logstream.ListOptions) (*logstream.ListResult, error) {
			return &logstream.ListResult{
				Lines: []logstream.Line{
					lineAt(0, "a"), lineAt(time.Second, "b"), lineAt(2*time.Second, "c"),
				},
			}, nil
		},
	}
	r := newTestReconciler(client)
	require.NoError(t, r.Start(context.Background()))
	defer r.Close()
	waitFor(t, func() bool { return len(r.Lines()) == 3 }, "initial fetch never landed")

	r.Clear()
	assert.Equal(t, 0, len(r.Lines()))
	assert.False(t, r.Status().Exhausted, "clear resets the exhausted flag")

	// the live session keeps appending to the cleared buffer.
	client.current(t).emit(lineAt(time.Minute, "after clear"))
	waitFor(t, func() bool { return len(r.Lines()) == 1 }, "live line never landed after clear")
	assert.Equal(t, int32(1), atomic.LoadInt32(&client.streamCalls), "clear must not reopen the stream")
}

func TestReconcilerSearchLeavesStreamAlone(t *testing.T) {
	client := &fakeClient{}
	client.list = func(opts logstream.ListOptions) (*logstream.ListResult, error) {
		if opts.Filter == "error" {
			return &logstream.ListResult{
				Lines: []logstream.Line{lineAt(0, "error: disk full")},
			}, nil
		}
		return &logstream.ListResult{
			Lines: []logstream.Line{
				lineAt(0, "a"), lineAt(time.Second, "b"), lineAt(2*time.Second, "c"),
			},
		}, nil
	}
	r := newTestReconciler(client)
	require.NoError(t, r.Start(context.Background()))
	defer r.Close()
	waitFor(t, func() bool { return len(r.Lines()) == 3 }, "initial fetch never landed")

	require.NoError(t, r.Search(context.Background(), "error"))
	lines := r.Lines()
	if assert.Equal(t, 1, len(lines)) {
		assert.Equal(t, "error: disk full", lines[0].Text)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&client.streamCalls),
		"the live stream is independent of the filter")

	// backfill is gated off while a filter is active.
	calls := atomic.LoadInt32(&client.listCalls)
	inserted, err := r.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)
	assert.Equal(t, calls, atomic.LoadInt32(&client.listCalls))
}

func TestReconcilerReconnectDedups(t *testing.T) {
	client := &fakeClient{}
	r := newTestReconciler(client)
	require.NoError(t, r.Start(context.Background()))
	defer r.Close()

	first := client.current(t)
	first.emit(lineAt(0, "a"))
	first.emit(lineAt(time.Second, "b"))
	waitFor(t, func() bool { return len(r.Lines()) == 2 }, "live lines never landed")
	first.end(fmt.Errorf("connection reset"))

	waitFor(t, func() bool { return atomic.LoadInt32(&client.streamCalls) >= 2 }, "never reconnected")
	second := client.current(t)
	second.emit(lineAt(time.Second, "b")) // replayed tail
	second.emit(lineAt(2*time.Second, "c"))

	waitFor(t, func() bool { return len(r.Lines()) == 3 }, "post-reconnect line never landed")
	lines := r.Lines()
	assert.Equal(t, []string{"a", "b", "c"}, []string{lines[0].Text, lines[1].Text, lines[2].Text})
}

func TestReconcilerCloseStopsMutation(t *testing.T) {
	client := &fakeClient{}
	r := newTestReconciler(client)
	require.NoError(t, r.Start(context.Background()))

	stream := client.current(t)
	stream.emit(lineAt(0, "before close"))
	waitFor(t, func() bool { return len(r.Lines()) == 1 }, "live line never landed")

	require.NoError(t, r.Close())
	require.NoError(t, r.Close(), "close must be idempotent")

	assert.Equal(t, 1, len(r.Lines()))
	st := r.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.Empty(t, st.Message, "cancellation is not an error")
}

func TestReconcilerRestartClearsGivenUp(t *testing.T) {
	client := &fakeClient{}
	r := newTestReconciler(client)
	require.NoError(t, r.Start(context.Background()))
	defer r.Close()

	// fail every session until the budget is exhausted.
	var prev *fakeStream
	for i := 0; i < 10; i++ {
		var cur *fakeStream
		waitFor(t, func() bool {
			cur = client.latest()
			return cur != nil && cur != prev
		}, "reconnect cycle stalled")
		cur.end(fmt.Errorf("boom %d", i))
		prev = cur
	}
	waitFor(t, func() bool { return r.Status().State == StateGivenUp }, "never gave up")
	assert.Contains(t, r.Status().Message, "restart to retry")

	require.NoError(t, r.Restart(context.Background()))
	var next *fakeStream
	waitFor(t, func() bool {
		next = client.latest()
		return next != nil && next != prev
	}, "restart never reopened the stream")

	next.emit(lineAt(0, "recovered"))
	waitFor(t, func() bool { return r.Status().State == StateStreaming }, "restarted stream never streamed")
	assert.Equal(t, 0, r.Status().Attempts)
}
