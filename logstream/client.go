// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package logstream

import (
	"context"
	"time"
)

// Direction selects which page of history a List call returns.
type Direction int

const (
	// DirectionInitial returns the most recent lines.
	DirectionInitial Direction = iota
	// DirectionOlder returns lines strictly before the cursor.
	DirectionOlder
)

// ListOptions parameterize a historical page read.
type ListOptions struct {
	Cursor    time.Time // ignored for DirectionInitial
	Direction Direction
	Limit     int
	Filter    string
}

// ListResult is one page of historical lines.
type ListResult struct {
	Lines []Line
	// Exhausted reports that no older data exists beyond this page.
	Exhausted bool
}

// StreamOptions parameterize a follow stream.
type StreamOptions struct {
	// Follow keeps the stream open for new lines. When false the
	// server streams a finite tail and closes.
	Follow bool
	Tail   int
	Filter string
}

// Client defines a log service client.
type Client interface {
	// List returns a page of historical lines for the resource key.
	// It issues a single bounded request with no automatic retry.
	List(ctx context.Context, key string, opts ListOptions) (*ListResult, error)

	// Stream opens a live feed of lines for the resource key. The
	// stream stays open until cancelled or the remote closes it.
	Stream(ctx context.Context, key string, opts StreamOptions) (LineStream, error)
}

// LineStream is the consuming side of one stream session.
type LineStream interface {
	// Lines yields normalized lines until the stream ends. The
	// channel is closed on remote close, error or cancellation.
	Lines() <-chan Line

	// Err returns the terminal error once Lines is closed. A clean
	// remote close returns nil; cancellation returns the context's
	// error.
	Err() error

	// Close cancels the stream. It is idempotent and unblocks any
	// pending read.
	Close() error
}
