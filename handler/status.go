package handler

import (
	"net/http"

	"github.com/chronotail/chronotail/logger"
	"github.com/chronotail/chronotail/osstats"
	"github.com/chronotail/chronotail/reconciler"
	"github.com/chronotail/chronotail/version"
)

// StatusResponse combines the reconciler view with a host snapshot.
type StatusResponse struct {
	reconciler.Status
	Host *osstats.HostStats `json:"host,omitempty"`
}

// HealthResponse reports liveness.
type HealthResponse struct {
	Version string `json:"version"`
	OK      bool   `json:"ok"`
}

func HandleStatus(rec *reconciler.Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := StatusResponse{Status: rec.Status()}
		host, err := osstats.Sample()
		if err != nil {
			logger.FromRequest(r).WithError(err).Debugln("host stats unavailable")
		} else {
			res.Host = host
		}
		WriteJSON(w, res, http.StatusOK)
	}
}

func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, HealthResponse{Version: version.Version, OK: true}, http.StatusOK)
	}
}
