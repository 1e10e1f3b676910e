package websocket

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"golang.org/x/net/websocket"
)

const (
	viewerIDTag = "viewer_id"
	msgTypeTag  = "msg_type"
)

func HandlerWithLogs(h Handler, summaryInterval time.Duration) Handler {
	ctx, cancel := context.WithCancel(context.Background())

	handler := &handlerWithLogs{
		Handler:            h,
		summaryInterval:    summaryInterval,
		closeSummaryWorker: cancel,
		counter:            make(map[string]int),
	}

	go handler.startSummaryWorker(ctx)
	return handler
}

type handlerWithLogs struct {
	Handler

	originalRequest *http.Request

	summaryInterval    time.Duration
	closeSummaryWorker func()
	counterMutex       sync.Mutex
	counter            map[string]int
}

func (h *handlerWithLogs) HandleConnect(conn *websocket.Conn) {
	h.Handler.HandleConnect(conn)

	req := conn.Request()
	h.originalRequest = req

	logs.WithTag(viewerIDTag, h.ViewerID()).
		WithTag("http_headers", struct {
			UserAgent     string `json:"user_agent,omitempty"`
			XForwardedFor string `json:"x_forwarded_for,omitempty"`
		}{
			UserAgent:     req.UserAgent(),
			XForwardedFor: req.Header.Get("X-Forwarded-For"),
		}).
		Info("new viewer is connected")
}

func (h *handlerWithLogs) HandleModelLoad(ctx context.Context, respond ResponseSender, msg Msg) error {
	var req ModelRequest
	msg.DataTo(&req)

	if err := h.Handler.HandleModelLoad(ctx, respond, msg); err != nil {
		return err
	}

	logs.WithTag(viewerIDTag, h.ViewerID()).
		WithTag("model_id", req.ModelID).
		WithTag("request_id", msg.RequestID).
		Info("model load requested")
	return nil
}

func (h *handlerWithLogs) HandleDisconnect(err error) {
	h.Handler.HandleDisconnect(err)

	entry := logs.WithTag(viewerIDTag, h.ViewerID())
	if err != nil && !stderrors.Is(err, io.EOF) && !stderrors.Is(err, context.Canceled) {
		entry = entry.WithTag("reason", err.Error())
	}
	entry.Info("viewer disconnected")
}

func (h *handlerWithLogs) Receiver() Receiver {
	receive := h.Handler.Receiver()

	return func() (Msg, int, error) {
		msg, n, err := receive()
		if err != nil && !stderrors.Is(err, io.EOF) && !stderrors.Is(err, net.ErrClosed) {
			logs.WithTag(viewerIDTag, h.ViewerID()).
				Error(errors.New("receiving message failed").Wrap(err))
		} else if err == nil {
			logs.WithTag(viewerIDTag, h.ViewerID()).
				WithTag(msgTypeTag, msg.TypeString()).
				Debug("message received")
			h.incCounter(msg.TypeString())
		}
		return msg, n, err
	}
}

func (h *handlerWithLogs) Sender() Sender {
	sender := h.Handler.Sender()

	return func(msg Msg) (int, error) {
		msgType := msg.TypeString()

		n, err := sender(msg)
		if err != nil && !stderrors.Is(err, net.ErrClosed) {
			logs.WithTag(viewerIDTag, h.ViewerID()).
				WithTag(msgTypeTag, msgType).
				Error(errors.New("sending message failed").Wrap(err))
		} else if err == nil {
			logs.WithTag(viewerIDTag, h.ViewerID()).
				WithTag(msgTypeTag, msgType).
				Debug("message sent")
		}
		return n, err
	}
}

func (h *handlerWithLogs) Close() {
	h.Handler.Close()
	h.closeSummaryWorker()
	h.logSummary()
}

func (h *handlerWithLogs) startSummaryWorker(ctx context.Context) {
	ticker := time.NewTicker(h.summaryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			h.logSummary()
		}
	}
}

func (h *handlerWithLogs) incCounter(msgType string) {
	h.counterMutex.Lock()
	defer h.counterMutex.Unlock()

	h.counter[msgType]++
}

func (h *handlerWithLogs) logSummary() {
	h.counterMutex.Lock()
	defer h.counterMutex.Unlock()

	if len(h.counter) == 0 {
		return
	}

	entry := logs.
		WithTag(viewerIDTag, h.ViewerID()).
		WithTag("time_interval", h.summaryInterval)

	for k, v := range h.counter {
		entry = entry.WithTag(k, v)
		delete(h.counter, k)
	}

	entry.Info("inbound message summary")
}
