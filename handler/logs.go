package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/chronotail/chronotail/errors"
	"github.com/chronotail/chronotail/logger"
	"github.com/chronotail/chronotail/logstream"
	"github.com/chronotail/chronotail/reconciler"
)

// LogsResponse is a snapshot of the reconciled buffer. Seq is the
// buffer's change counter; pass it back as ?after= to skip
// unchanged snapshots.
type LogsResponse struct {
	Lines []logstream.Line `json:"lines"`
	Seq   uint64           `json:"seq"`
}

// OlderResponse reports the outcome of one backfill trigger. The
// inserted count lets a view preserve its scroll offset across the
// prepend.
type OlderResponse struct {
	Inserted  int  `json:"inserted"`
	Exhausted bool `json:"exhausted"`
}

// SearchRequest carries the historical filter to apply.
type SearchRequest struct {
	Filter string `json:"filter"`
}

// HandleLogs returns the buffered lines. With ?after=<seq> an
// unchanged buffer yields 304.
func HandleLogs(rec *reconciler.Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lines, seq := rec.Snapshot()
		if after := r.URL.Query().Get("after"); after != "" {
			n, err := strconv.ParseUint(after, 10, 64)
			if err != nil {
				WriteBadRequest(w, &errors.BadRequestError{Msg: "after must be an unsigned integer"})
				return
			}
			if n == seq {
				w.WriteHeader(http.StatusNotModified)
				return
			}
		}
		WriteJSON(w, LogsResponse{Lines: lines, Seq: seq}, http.StatusOK)
	}
}

// HandleLoadOlder triggers one historical backfill page.
func HandleLoadOlder(rec *reconciler.Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inserted, err := rec.LoadOlder(r.Context())
		if err != nil {
			logger.FromRequest(r).WithError(err).Warnln("backfill failed")
			WriteError(w, err)
			return
		}
		WriteJSON(w, OlderResponse{
			Inserted:  inserted,
			Exhausted: rec.Status().Exhausted,
		}, http.StatusOK)
	}
}

// HandleClear empties the buffer; the live stream keeps running.
func HandleClear(rec *reconciler.Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec.Clear()
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleSearch replaces the historical filter and re-fetches.
func HandleSearch(rec *reconciler.Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteBadRequest(w, &errors.BadRequestError{Msg: "malformed search request"})
			return
		}
		if err := rec.Search(r.Context(), req.Filter); err != nil {
			logger.FromRequest(r).WithError(err).Warnln("search fetch failed")
			WriteError(w, err)
			return
		}
		WriteJSON(w, rec.Status(), http.StatusOK)
	}
}

// HandleRestart clears a terminal stream state and reconnects.
func HandleRestart(rec *reconciler.Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// the stream must outlive the request.
		if err := rec.Restart(context.Background()); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, rec.Status(), http.StatusOK)
	}
}
