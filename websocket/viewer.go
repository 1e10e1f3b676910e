package websocket

import (
	"context"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/sectorcache/featureflag"
	"github.com/aukilabs/sectorcache/models"
	"github.com/aukilabs/sectorcache/provider"
	"github.com/aukilabs/sectorcache/scheduler"
	"github.com/google/uuid"
	"golang.org/x/net/websocket"
	"golang.org/x/sync/singleflight"
)

const (
	// HeaderViewerID is the header a viewer can use to choose its id.
	HeaderViewerID = "X-Viewer-ID"

	ErrTypeInvalidCamera = "invalid_camera"

	notificationChanSize = 1024
)

// ViewerHandler streams the sectors of the models a viewer looks at. Each
// connection gets its own scheduler, fed by the camera frames the viewer
// sends.
type ViewerHandler struct {
	// The source sectors are fetched from.
	Provider provider.SectorProvider

	// The source scene metadata are loaded from.
	Metadata provider.MetadataRepository

	// The loading policy of each viewer scheduler.
	Policy scheduler.Policy

	// The group deduplicating sector fetches between viewers.
	Group *singleflight.Group

	// The interval between each sync time message sent to the viewer.
	ClientSyncTimeInterval time.Duration

	// The time a viewer is idle before being disconnected.
	ClientIdleTimeout time.Duration

	FeatureFlags featureflag.FeatureFlag

	// Tracks the schedulers of the connected viewers. Optional.
	Viewers *Registry

	conn          *websocket.Conn
	viewerID      string
	scheduler     *scheduler.Scheduler
	schedulerErr  error
	notifications chan Msg
	cancel        func()
}

func (h *ViewerHandler) HandleConnect(conn *websocket.Conn) {
	h.conn = conn

	h.viewerID = conn.Request().Header.Get(HeaderViewerID)
	if h.viewerID == "" {
		h.viewerID = uuid.NewString()
	}

	h.notifications = make(chan Msg, notificationChanSize)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	h.scheduler, h.schedulerErr = scheduler.New(ctx, scheduler.Config{
		Provider:      h.Provider,
		Metadata:      h.Metadata,
		Policy:        h.Policy,
		FeatureFlags:  h.FeatureFlags,
		Group:         h.Group,
		OnStateChange: h.notifyStateChange,
		Name:          "viewer",
	})
	if h.schedulerErr != nil {
		return
	}

	if h.Viewers != nil {
		h.Viewers.Add(h.viewerID, h.scheduler)
	}
}

func (h *ViewerHandler) HandlePing(ctx context.Context, respond ResponseSender, msg Msg) error {
	res, err := NewMsg(MsgTypePong, msg.RequestID, nil)
	if err != nil {
		return err
	}

	respond.Send(res)
	return nil
}

// HandleModelLoad loads the metadata of a model in the background and
// answers once its sectors are indexed.
func (h *ViewerHandler) HandleModelLoad(ctx context.Context, respond ResponseSender, msg Msg) error {
	s, err := h.getScheduler()
	if err != nil {
		return err
	}

	var req ModelRequest
	if err := msg.DataTo(&req); err != nil {
		respond.Send(newErrorMsg(msg.RequestID, err))
		return nil
	}

	go func() {
		if err := s.LoadModel(ctx, req.ModelID); err != nil {
			if ctx.Err() == nil {
				respond.Send(newErrorMsg(msg.RequestID, err))
			}
			return
		}

		res, err := NewMsg(MsgTypeModelLoaded, msg.RequestID, ModelResponse{
			ModelID: req.ModelID,
			Sectors: s.Stats().Sectors,
		})
		if err != nil {
			respond.Send(newErrorMsg(msg.RequestID, err))
			return
		}
		respond.Send(res)
	}()
	return nil
}

func (h *ViewerHandler) HandleModelUnload(ctx context.Context, respond ResponseSender, msg Msg) error {
	s, err := h.getScheduler()
	if err != nil {
		return err
	}

	var req ModelRequest
	if err := msg.DataTo(&req); err != nil {
		respond.Send(newErrorMsg(msg.RequestID, err))
		return nil
	}

	s.UnloadModel(req.ModelID)

	res, err := NewMsg(MsgTypeModelUnloaded, msg.RequestID, ModelResponse{
		ModelID: req.ModelID,
	})
	if err != nil {
		return err
	}

	respond.Send(res)
	return nil
}

func (h *ViewerHandler) HandleCamera(ctx context.Context, respond ResponseSender, msg Msg) error {
	s, err := h.getScheduler()
	if err != nil {
		return err
	}

	var camera models.Camera
	if err := msg.DataTo(&camera); err != nil {
		respond.Send(newErrorMsg(msg.RequestID, err))
		return nil
	}

	if !camera.Position.IsFinite() || !camera.PriorityVolume.Valid() {
		respond.Send(newErrorMsg(msg.RequestID, errors.New("invalid camera").
			WithType(ErrTypeInvalidCamera).
			WithTag("viewer_id", h.viewerID)))
		return nil
	}

	result := s.Update(camera)

	if h.FeatureFlags.IsSet(featureflag.FlagDisableUpdateAck) {
		return nil
	}

	res, err := NewMsg(MsgTypeUpdateAck, msg.RequestID, result)
	if err != nil {
		return err
	}

	respond.Send(res)
	return nil
}

// HandleSectorGet loads a sector in the background and sends its payload
// when it is available. Best available requests are answered immediately.
func (h *ViewerHandler) HandleSectorGet(ctx context.Context, respond ResponseSender, msg Msg) error {
	s, err := h.getScheduler()
	if err != nil {
		return err
	}

	var req SectorRequest
	if err := msg.DataTo(&req); err != nil {
		respond.Send(newErrorMsg(msg.RequestID, err))
		return nil
	}

	if req.BestAvailable {
		e, ok := s.BestAvailable(req.Key)
		if !ok {
			respond.Send(newErrorMsg(msg.RequestID, errors.New("no loaded sector").
				WithType(models.ErrTypeNotFound).
				WithTag("key", req.Key)))
			return nil
		}

		h.sendSector(respond, msg.RequestID, e.Key, e.Data)
		return nil
	}

	go func() {
		data, err := s.Load(ctx, req.Key)
		if err != nil {
			if ctx.Err() == nil {
				respond.Send(newErrorMsg(msg.RequestID, err))
			}
			return
		}

		h.sendSector(respond, msg.RequestID, req.Key, data)
	}()
	return nil
}

func (h *ViewerHandler) sendSector(respond ResponseSender, requestID uint32, key models.CacheKey, data []byte) {
	res, err := NewMsg(MsgTypeSector, requestID, SectorResponse{
		Key:  key,
		Data: data,
	})
	if err != nil {
		respond.Send(newErrorMsg(requestID, err))
		return
	}
	respond.Send(res)
}

func (h *ViewerHandler) HandleDisconnect(err error) {
	if h.Viewers != nil {
		h.Viewers.Remove(h.viewerID)
	}
}

func (h *ViewerHandler) SendSyncTime(ctx context.Context, respond ResponseSender) error {
	msg, err := NewMsg(MsgTypeSyncTime, 0, nil)
	if err != nil {
		return err
	}

	respond.Send(msg)
	return nil
}

func (h *ViewerHandler) Notifications() <-chan Msg {
	return h.notifications
}

// notifyStateChange is called by the scheduler outside of its lock. It never
// blocks: notifications are dropped when the viewer does not keep up.
func (h *ViewerHandler) notifyStateChange(key models.CacheKey, state scheduler.State) {
	msg, err := NewMsg(MsgTypeSectorState, 0, SectorStateNotification{
		Key:   key,
		State: state,
	})
	if err != nil {
		logs.WithTag("viewer_id", h.viewerID).Warn(err)
		return
	}

	select {
	case h.notifications <- msg:
	default:
		logs.WithTag("viewer_id", h.viewerID).
			WithTag("sector", key).
			Debug("sector state notification dropped")
	}
}

func (h *ViewerHandler) Receiver() Receiver {
	return NewReceiver(h.conn)
}

func (h *ViewerHandler) Sender() Sender {
	return NewSender(h.conn)
}

func (h *ViewerHandler) Close() {
	if h.scheduler != nil {
		h.scheduler.Close()
	}
	if h.cancel != nil {
		h.cancel()
	}
}

func (h *ViewerHandler) SyncTimeInterval() time.Duration {
	return h.ClientSyncTimeInterval
}

func (h *ViewerHandler) IdleTimeout() time.Duration {
	return h.ClientIdleTimeout
}

func (h *ViewerHandler) ViewerID() string {
	return h.viewerID
}

func (h *ViewerHandler) getScheduler() (*scheduler.Scheduler, error) {
	if h.schedulerErr != nil {
		return nil, errors.New("creating viewer scheduler failed").
			WithTag("viewer_id", h.viewerID).
			Wrap(h.schedulerErr)
	}
	return h.scheduler, nil
}
