// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

package logger

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gofrs/uuid"
	"github.com/sirupsen/logrus"
)

// Middleware attaches a request-scoped logger to the context and logs
// the request on completion with its status and duration.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			newUUID, _ := uuid.NewV4()
			id = newUUID.String()
		}
		ctx := r.Context()
		log := FromContext(ctx).WithFields(logrus.Fields{
			"request-id": id,
			"method":     r.Method,
			"request":    r.RequestURI,
			"remote":     r.RemoteAddr,
		})
		ctx = WithContext(ctx, log)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))

		log.WithFields(logrus.Fields{
			"status":  ww.Status(),
			"latency": time.Since(start),
		}).Debugln("http: request completed")
	})
}
