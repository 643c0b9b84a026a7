// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package cli

import (
	"os"

	"github.com/chronotail/chronotail/cli/server"
	"github.com/chronotail/chronotail/cli/tail"
	"github.com/chronotail/chronotail/version"

	"gopkg.in/alecthomas/kingpin.v2"
)

// Command parses the command line arguments and then executes a
// subcommand program.
func Command() {
	app := kingpin.New("chronotail", "Reconciled log tailing for remote log streams")

	tail.Register(app)
	server.Register(app)

	kingpin.Version(version.Version)
	kingpin.MustParse(app.Parse(os.Args[1:]))
}
