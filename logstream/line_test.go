// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package logstream

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	raw := RawLine{
		Text:      "server started",
		Timestamp: json.RawMessage(`"2024-03-01T10:00:00Z"`),
		Level:     "warn",
	}
	line, ok := Normalize(raw)
	assert.True(t, ok)
	assert.Equal(t, "server started", line.Text)
	assert.Equal(t, LevelWarn, line.Level)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), line.Timestamp.UTC())
}

func TestNormalizeBlankText(t *testing.T) {
	for _, text := range []string{"", "   ", "\t\n"} {
		_, ok := Normalize(RawLine{Text: text})
		if ok {
			t.Errorf("expected blank line %q to be dropped", text)
		}
	}
}

func TestNormalizeMissingLevel(t *testing.T) {
	line, ok := Normalize(RawLine{Text: "hello"})
	assert.True(t, ok)
	assert.Equal(t, LevelInfo, line.Level)
}

func TestNormalizeTimestampShapes(t *testing.T) {
	want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		raw  json.RawMessage
	}{
		{"rfc3339", json.RawMessage(`"2024-03-01T10:00:00Z"`)},
		{"unix seconds", json.RawMessage(`1709287200`)},
		{"unix millis", json.RawMessage(`1709287200000`)},
	}
	for _, tc := range tests {
		line, ok := Normalize(RawLine{Text: "x", Timestamp: tc.raw})
		assert.True(t, ok, tc.name)
		assert.Equal(t, want, line.Timestamp.UTC(), tc.name)
	}
}

func TestNormalizeMalformedTimestamp(t *testing.T) {
	before := time.Now()
	line, ok := Normalize(RawLine{Text: "x", Timestamp: json.RawMessage(`"yesterday-ish"`)})
	after := time.Now()

	assert.True(t, ok)
	if line.Timestamp.Before(before) || line.Timestamp.After(after) {
		t.Errorf("expected wall-clock fallback, got %v", line.Timestamp)
	}
}

func TestLineKey(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	a := Line{Text: "dup", Timestamp: ts}
	b := Line{Text: "dup", Timestamp: ts, Level: LevelError}
	c := Line{Text: "other", Timestamp: ts}

	assert.Equal(t, a.Key(), b.Key(), "level must not affect the key")
	assert.NotEqual(t, a.Key(), c.Key())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelWarn, ParseLevel("WARNING"))
	assert.Equal(t, LevelError, ParseLevel(" error "))
	assert.Equal(t, LevelInfo, ParseLevel(""))
	assert.Equal(t, LevelInfo, ParseLevel("fatal"))
}
