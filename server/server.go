// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package server provides an HTTP server with optional TLS and
// graceful shutdown.
package server

import (
	"context"
	"crypto/tls"
	"net/http"

	"github.com/docker/go-connections/tlsconfig"
	"golang.org/x/sync/errgroup"
)

// A Server defines parameters for running the local viewer API.
type Server struct {
	Addr     string // TCP address to listen on
	Handler  http.Handler
	CAFile   string // CA certificate file
	CertFile string // Server certificate PEM file
	KeyFile  string // Server key PEM file
}

// Start initializes a server to respond to HTTP(S) network
// requests. TLS is enabled when a certificate pair is configured.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.Addr,
		Handler: s.Handler,
	}

	serve := srv.ListenAndServe
	if s.CertFile != "" && s.KeyFile != "" {
		tlsConfig, err := tlsconfig.Server(tlsconfig.Options{
			CAFile:   s.CAFile,
			CertFile: s.CertFile,
			KeyFile:  s.KeyFile,
		})
		if err != nil {
			return err
		}
		tlsConfig.MinVersion = tls.VersionTLS13
		srv.TLSConfig = tlsConfig
		serve = func() error {
			return srv.ListenAndServeTLS(s.CertFile, s.KeyFile)
		}
	}

	var g errgroup.Group
	g.Go(serve)
	g.Go(func() error {
		<-ctx.Done()
		srv.Shutdown(ctx) // nolint: errcheck
		return nil
	})
	return g.Wait()
}
