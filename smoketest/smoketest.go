package smoketest

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	httpcmn "github.com/aukilabs/hagall-common/http"
	"github.com/aukilabs/sectorcache/provider"
	"github.com/segmentio/encoding/json"
)

const defaultTimeout = 30 * time.Second

type Options struct {
	// The source the smoke test loads a model from.
	Source provider.Source

	// The model loaded when the request does not name one.
	DefaultModelID string

	SendResult func(context.Context, Result) error
}

// Request is the body of a smoke test request.
type Request struct {
	ModelID string        `json:"model_id"`
	Timeout time.Duration `json:"timeout"`
}

// Result describes a smoke test run.
type Result struct {
	ModelID         string        `json:"model_id"`
	Success         bool          `json:"success"`
	Error           string        `json:"error,omitempty"`
	Sectors         int           `json:"sectors"`
	RootSectors     int           `json:"root_sectors"`
	Bytes           int           `json:"bytes"`
	MetadataLatency time.Duration `json:"metadata_latency"`
	SectorLatency   time.Duration `json:"sector_latency"`
	StartedAt       time.Time     `json:"started_at"`
}

type testCtxKey string

var testCtxKeyValue testCtxKey = "test-context"

type testContext struct {
	context.Context
	Cancel func()
}

// HandleSmokeTest starts a smoke test in the background and reports its
// result with opts.SendResult.
func HandleSmokeTest(ctx context.Context, opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			httpcmn.InternalServerError(w, errors.New("reading body failed").Wrap(err))
			return
		}

		var req Request
		if len(b) != 0 {
			if err := json.Unmarshal(b, &req); err != nil {
				httpcmn.BadRequest(w, httpcmn.ErrBadRequest)
				return
			}
		}
		if req.ModelID == "" {
			req.ModelID = opts.DefaultModelID
		}
		if req.ModelID == "" {
			httpcmn.BadRequest(w, httpcmn.ErrBadRequest)
			return
		}
		if req.Timeout <= 0 {
			req.Timeout = defaultTimeout
		}

		go func() {
			defer func() {
				// if context is of testContext
				// cancel context on exit to signal function exited
				// this is used for testing
				if tctx := ctx.Value(testCtxKeyValue); tctx != nil {
					testCtx := tctx.(testContext)
					if testCtx.Cancel != nil {
						testCtx.Cancel()
					}
				}
			}()

			runCtx, cancel := context.WithTimeout(ctx, req.Timeout)
			defer cancel()

			res, err := Run(runCtx, opts.Source, req.ModelID)
			if err != nil {
				logs.WithTag("model_id", req.ModelID).Warn(err)
			}

			if err := opts.SendResult(ctx, res); err != nil {
				logs.WithTag("model_id", req.ModelID).
					Warn(errors.New("sending smoke test result failed").Wrap(err))
			}
		}()

		w.WriteHeader(http.StatusOK)
	}
}

// Run loads the metadata of a model and fetches its root sectors through the
// given source.
func Run(ctx context.Context, source provider.Source, modelID string) (Result, error) {
	res := Result{
		ModelID:   modelID,
		StartedAt: time.Now(),
	}

	err := run(ctx, source, modelID, &res)
	if err != nil {
		res.Error = err.Error()
		return res, errors.New("smoke test failed").
			WithTag("model_id", modelID).
			Wrap(err)
	}

	res.Success = true
	return res, nil
}

func run(ctx context.Context, source provider.Source, modelID string, res *Result) error {
	start := time.Now()
	scene, err := source.LoadData(ctx, modelID)
	res.MetadataLatency = time.Since(start)
	if err != nil {
		return err
	}
	res.Sectors = len(scene.Sectors)

	blobID := scene.BlobID
	if blobID == "" {
		blobID = scene.ModelID
	}

	start = time.Now()
	defer func() {
		res.SectorLatency = time.Since(start)
	}()

	for _, s := range scene.Sectors {
		if s.Parent != "" {
			continue
		}

		b, err := source.GetCadSectorFile(ctx, blobID, s.Path)
		if err != nil {
			return err
		}
		res.RootSectors++
		res.Bytes += len(b)
	}

	if res.RootSectors == 0 {
		return errors.New("model has no root sector")
	}
	return nil
}
