package http

import (
	"net/http"
	"runtime"

	"github.com/segmentio/encoding/json"
)

func HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// HandleReadyCheck reports whether the sector provider can serve viewers.
func HandleReadyCheck(readinessCheck func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !readinessCheck() {
			w.Header().Set("Retry-After", "15")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

type VersionResponse struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
}

func HandleVersion(version string) http.HandlerFunc {
	b, _ := json.Marshal(VersionResponse{
		Version:   version,
		GoVersion: runtime.Version(),
	})

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(b)
	}
}
