// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package memory provides an in-memory log service client, used by
// tests and the demo tail path.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/chronotail/chronotail/logstream"
)

var _ logstream.Client = (*Store)(nil)

// Store holds per-key log history and fans new lines out to open
// follow streams.
type Store struct {
	mu    sync.Mutex
	lines map[string][]logstream.Line
	subs  map[string][]*memStream
}

func New() *Store {
	return &Store{
		lines: make(map[string][]logstream.Line),
		subs:  make(map[string][]*memStream),
	}
}

// Publish appends lines to the key's history and delivers them to
// every open follow stream.
func (s *Store) Publish(key string, lines ...logstream.Line) {
	s.mu.Lock()
	s.lines[key] = append(s.lines[key], lines...)
	sortLines(s.lines[key])
	subs := append([]*memStream(nil), s.subs[key]...)
	s.mu.Unlock()

	for _, sub := range subs {
		for _, line := range lines {
			sub.deliver(line)
		}
	}
}

// List returns a page of history. Initial pages hold the most
// recent lines; older pages hold lines strictly before the cursor.
func (s *Store) List(_ context.Context, key string, opts logstream.ListOptions) (*logstream.ListResult, error) {
	s.mu.Lock()
	all := append([]logstream.Line(nil), s.lines[key]...)
	s.mu.Unlock()

	if opts.Filter != "" {
		filtered := all[:0]
		for _, line := range all {
			if strings.Contains(line.Text, opts.Filter) {
				filtered = append(filtered, line)
			}
		}
		all = filtered
	}

	if opts.Direction == logstream.DirectionOlder {
		older := all[:0]
		for _, line := range all {
			if line.Timestamp.Before(opts.Cursor) {
				older = append(older, line)
			}
		}
		all = older
	}

	page := all
	if opts.Limit > 0 && len(all) > opts.Limit {
		page = all[len(all)-opts.Limit:]
	}
	return &logstream.ListResult{
		Lines:     append([]logstream.Line(nil), page...),
		Exhausted: len(page) == len(all),
	}, nil
}

// Stream opens a follow stream. With Follow false the stream
// replays the tail and closes.
func (s *Store) Stream(ctx context.Context, key string, opts logstream.StreamOptions) (logstream.LineStream, error) {
	s.mu.Lock()
	tail := append([]logstream.Line(nil), s.lines[key]...)
	if opts.Tail > 0 && len(tail) > opts.Tail {
		tail = tail[len(tail)-opts.Tail:]
	}

	depth := 256
	if opts.Tail*2 > depth {
		depth = opts.Tail * 2
	}
	stream := &memStream{
		store: s,
		key:   key,
		lines: make(chan logstream.Line, depth),
		done:  make(chan struct{}),
	}
	for _, line := range tail {
		stream.deliver(line)
	}
	if opts.Follow {
		s.subs[key] = append(s.subs[key], stream)
	} else {
		stream.mu.Lock()
		stream.closed = true
		close(stream.lines)
		stream.mu.Unlock()
		close(stream.done)
	}
	s.mu.Unlock()

	if opts.Follow {
		go func() {
			select {
			case <-ctx.Done():
				stream.terminate(ctx.Err())
			case <-stream.done:
			}
		}()
	}
	return stream, nil
}

// CloseStreams terminates every open follow stream for the key with
// the given error, simulating a remote disconnect.
func (s *Store) CloseStreams(key string, err error) {
	s.mu.Lock()
	subs := s.subs[key]
	s.subs[key] = nil
	s.mu.Unlock()
	for _, sub := range subs {
		sub.terminate(err)
	}
}

type memStream struct {
	store *Store
	key   string
	lines chan logstream.Line
	done  chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

func (m *memStream) Lines() <-chan logstream.Line { return m.lines }

func (m *memStream) Err() error {
	<-m.done
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *memStream) Close() error {
	m.terminate(context.Canceled)
	return nil
}

// deliver is best effort; a slow consumer drops lines rather than
// blocking the publisher.
func (m *memStream) deliver(line logstream.Line) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.lines <- line:
	default:
	}
}

func (m *memStream) terminate(err error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.err = err
	close(m.lines)
	m.mu.Unlock()
	close(m.done)

	m.store.mu.Lock()
	subs := m.store.subs[m.key]
	for i, sub := range subs {
		if sub == m {
			m.store.subs[m.key] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	m.store.mu.Unlock()
}

func sortLines(lines []logstream.Line) {
	sort.SliceStable(lines, func(i, j int) bool {
		return lines[i].Timestamp.Before(lines[j].Timestamp)
	})
}
