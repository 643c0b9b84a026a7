// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package remote

import (
	"fmt"

	"github.com/chronotail/chronotail/logstream"
)

// Custom error.
type Error struct {
	Message string
	Code    int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// listResponse is the wire shape of a historical page read.
type listResponse struct {
	Lines     []logstream.RawLine `json:"lines"`
	Exhausted bool                `json:"exhausted"`
}
