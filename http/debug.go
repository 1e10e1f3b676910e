package http

import (
	"net/http"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/hagall-common/messages/dagazpb"
	httpcmn "github.com/aukilabs/hagall-common/http"
	"github.com/aukilabs/sectorcache/scheduler"
	"github.com/segmentio/encoding/json"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Viewers gives access to the schedulers of the connected viewers.
type Viewers interface {
	IDs() []string
	Get(viewerID string) (*scheduler.Scheduler, bool)
}

type ViewerStatus struct {
	ViewerID string          `json:"viewer_id"`
	Stats    scheduler.Stats `json:"stats"`
}

// HandleViewers lists the connected viewers with their cache statistics.
func HandleViewers(viewers Viewers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statuses := []ViewerStatus{}
		for _, id := range viewers.IDs() {
			if s, ok := viewers.Get(id); ok {
				statuses = append(statuses, ViewerStatus{
					ViewerID: id,
					Stats:    s.Stats(),
				})
			}
		}

		writeJSON(w, statuses)
	}
}

// HandleViewerSectors lists the sector states of the viewer identified by
// the viewer_id path value.
func HandleViewerSectors(viewers Viewers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := viewers.Get(r.PathValue("viewer_id"))
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		writeJSON(w, s.States())
	}
}

// HandleViewerRegions returns the regions covered by the loaded sectors of
// the viewer identified by the viewer_id path value, as a protobuf JSON
// region response.
func HandleViewerRegions(viewers Viewers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := viewers.Get(r.PathValue("viewer_id"))
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		regions := s.LoadedRegions()

		res := &dagazpb.DagazGetRegionResponse{
			Type:      dagazpb.MsgType_MSG_TYPE_DAGAZ_GET_REGION_RESPONSE,
			Timestamp: timestamppb.Now(),
			Quads:     make([]*dagazpb.Quad, 0, len(regions)),
		}
		for _, region := range regions {
			res.Quads = append(res.Quads, region.Box.ToProtobuf(uint32(region.Value)))
		}

		b, err := protojson.Marshal(res)
		if err != nil {
			httpcmn.InternalServerError(w, errors.New("encoding regions failed").Wrap(err))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(b)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		httpcmn.InternalServerError(w, errors.New("encoding response failed").Wrap(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(b)
}
