// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package logstream

import (
	"encoding/json"
	"strings"
	"time"
)

// Level is the severity of a log line.
type Level int

const (
	LevelUnspecified Level = iota
	LevelTrace
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = map[Level]string{
	LevelUnspecified: "unspecified",
	LevelTrace:       "trace",
	LevelDebug:       "debug",
	LevelInfo:        "info",
	LevelWarn:        "warn",
	LevelError:       "error",
}

func (l Level) String() string {
	if s, ok := levelNames[l]; ok {
		return s
	}
	return "unspecified"
}

// ParseLevel maps a level string to a Level. Unknown or empty
// strings map to LevelInfo, the implied default.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Line is one normalized log record.
type Line struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
}

// Key identifies a line across sources. Two lines with the same
// key are considered the same line for deduplication purposes.
type Key struct {
	UnixNano int64
	Text     string
}

func (l Line) Key() Key {
	return Key{UnixNano: l.Timestamp.UnixNano(), Text: l.Text}
}

// RawLine is the loosely typed shape log payloads arrive in from
// the remote service. The timestamp field has been observed as an
// RFC3339 string, unix seconds and unix milliseconds depending on
// the producing service.
type RawLine struct {
	Text      string          `json:"out"`
	Timestamp json.RawMessage `json:"time"`
	Level     string          `json:"level"`
}

// Normalize converts a raw payload into a strict Line. It is the
// single point where loose remote shapes become typed records.
// Blank or whitespace-only lines are rejected; a missing or
// malformed timestamp falls back to the current wall-clock time.
func Normalize(raw RawLine) (Line, bool) {
	if strings.TrimSpace(raw.Text) == "" {
		return Line{}, false
	}
	return Line{
		Text:      raw.Text,
		Timestamp: parseTimestamp(raw.Timestamp),
		Level:     ParseLevel(raw.Level),
	}, true
}

// values above this are treated as unix milliseconds rather
// than seconds. Unix seconds will not reach 1e11 until 5138.
const millisCutoff = 1e11

func parseTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Now()
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts
		}
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			return ts
		}
		return time.Now()
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err == nil && n > 0 {
		if n > millisCutoff {
			return time.UnixMilli(int64(n))
		}
		return time.Unix(int64(n), 0)
	}

	return time.Now()
}
