package http

import (
	"context"
	stderrors "errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
)

// ShutdownTimeout is the time given to the servers to finish serving
// in-flight requests once the context is done. Hijacked websocket
// connections are not waited for.
var ShutdownTimeout = 10 * time.Second

// ListenAndServe runs the given servers until the context is done.
func ListenAndServe(ctx context.Context, servers ...*http.Server) {
	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()

		for _, s := range servers {
			if err := s.Shutdown(shutdownCtx); err != nil {
				logs.Warn(errors.New("shutting down the server failed").
					WithTag("addr", s.Addr).
					Wrap(err))
			}
		}
	}()

	var wg sync.WaitGroup

	for _, s := range servers {
		wg.Add(1)

		go func(s *http.Server) {
			defer wg.Done()

			logs.WithTag("addr", s.Addr).Info("starting server")

			err := s.ListenAndServe()
			if err == nil ||
				stderrors.Is(err, http.ErrServerClosed) ||
				stderrors.Is(err, context.Canceled) {
				logs.WithTag("addr", s.Addr).Info("stopping server")
				return
			}

			logs.Warn(errors.New("server stopped").
				WithTag("addr", s.Addr).
				Wrap(err))
		}(s)
	}

	wg.Wait()
}

// MetricsPathFormatter returns an empty string for client errors and
// redirections so that unknown paths do not create metric labels. Viewer
// debug paths are reported without the viewer id.
func MetricsPathFormatter(statusCode int, path string) string {
	if statusCode == http.StatusMovedPermanently ||
		statusCode == http.StatusBadRequest ||
		statusCode == http.StatusUnauthorized ||
		statusCode == http.StatusNotFound ||
		statusCode == http.StatusMethodNotAllowed {
		return ""
	}

	if rest, ok := strings.CutPrefix(path, "/debug/viewers/"); ok {
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return "/debug/viewers/{viewer_id}" + rest[i:]
		}
		return "/debug/viewers/{viewer_id}"
	}

	return path
}
