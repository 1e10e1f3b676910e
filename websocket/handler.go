package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"golang.org/x/net/websocket"
)

const (
	sendChanSize    = 512
	receiveChanSize = 64
)

// Handler represents a viewer connection handler.
type Handler interface {
	// Handles a viewer connection.
	HandleConnect(conn *websocket.Conn)

	// Handles a ping request.
	HandlePing(ctx context.Context, respond ResponseSender, msg Msg) error

	// Handles a request to load the structure of a model.
	HandleModelLoad(ctx context.Context, respond ResponseSender, msg Msg) error

	// Handles a request to unload a model.
	HandleModelUnload(ctx context.Context, respond ResponseSender, msg Msg) error

	// Handles a camera frame.
	HandleCamera(ctx context.Context, respond ResponseSender, msg Msg) error

	// Handles a request to get the payload of a sector.
	HandleSectorGet(ctx context.Context, respond ResponseSender, msg Msg) error

	// Handles a viewer disconnection.
	HandleDisconnect(error)

	// Sends a time synchronization message to the viewer.
	SendSyncTime(ctx context.Context, respond ResponseSender) error

	// Returns the messages pushed to the viewer outside of any request.
	Notifications() <-chan Msg

	// Creates a message receiver used to receive incoming messages.
	Receiver() Receiver

	// Creates a message sender used to send messages.
	Sender() Sender

	// Closes the handler and releases its allocated resources.
	Close()

	// The interval between each sync time message sent to the viewer.
	SyncTimeInterval() time.Duration

	// The time a viewer is idle before being disconnected.
	IdleTimeout() time.Duration

	// Returns the id of the connected viewer.
	ViewerID() string
}

// Handle serves the given connection with the given handler until the
// connection is closed or the context is done.
func Handle(ctx context.Context, conn *websocket.Conn, h Handler) {
	handler := handler{
		Conn:    conn,
		Handler: h,
	}

	handler.Handle(ctx)
}

type handler struct {
	// The WebSocket connection.
	Conn *websocket.Conn

	// The viewer handler.
	Handler Handler

	sendChan       chan Msg
	receiveChan    chan Msg
	sender         Sender
	receiver       Receiver
	disconnectChan chan error
}

func (h *handler) Handle(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h.Handler.HandleConnect(h.Conn)

	h.disconnectChan = make(chan error, 8)
	defer func() {
		for len(h.disconnectChan) != 0 {
			<-h.disconnectChan
		}
	}()

	var wg sync.WaitGroup

	h.sendChan = make(chan Msg, sendChanSize)
	h.sender = h.Handler.Sender()

	wg.Add(1)
	go func() {
		defer wg.Done()
		h.startSending(ctx)
	}()

	h.receiveChan = make(chan Msg, receiveChanSize)
	h.receiver = h.Handler.Receiver()

	wg.Add(1)
	go func() {
		defer wg.Done()
		h.startReceiving(ctx)
	}()

	idleTimeout := h.Handler.IdleTimeout()
	idleTimer := time.NewTimer(idleTimeout)
	defer idleTimer.Stop()

	syncTimeTicker := time.NewTicker(h.Handler.SyncTimeInterval())
	defer syncTimeTicker.Stop()

	responder := responseSender{
		ctx:      ctx,
		sendChan: h.sendChan,
	}

	notifications := h.Handler.Notifications()

	for ctx.Err() == nil {
		select {
		case <-ctx.Done():
			h.disconnect(ctx.Err())

		case <-idleTimer.C:
			h.disconnect(errors.New("idle connection").WithTag("duration", idleTimeout))

		case <-syncTimeTicker.C:
			if err := h.Handler.SendSyncTime(ctx, responder); err != nil {
				h.disconnect(errors.New("sending sync time failed").Wrap(err))
			}

		case msg := <-notifications:
			responder.Send(msg)

		case msg := <-h.receiveChan:
			idleTimer.Stop()
			idleTimer.Reset(idleTimeout)

			if err := h.handleMessage(ctx, msg, responder); err != nil {
				h.disconnect(errors.New("handling message failed").Wrap(err))
			}

		case err := <-h.disconnectChan:
			h.handleDisconnect(err)
			if ctx.Err() == nil {
				// cancel context so go routines can cleanly exit
				cancel()
			}
		}
	}

	wg.Wait()
}

func (h *handler) startSending(ctx context.Context) {
	defer func() {
		for len(h.sendChan) != 0 {
			<-h.sendChan
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case msg := <-h.sendChan:
			if _, err := h.sender(msg); err != nil {
				h.disconnect(errors.New("sending message failed").Wrap(err))
				return
			}
		}
	}
}

func (h *handler) startReceiving(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		default:
			msg, _, err := h.receiver()
			if errors.IsType(err, ErrTypeMsgDecode) {
				logs.WithTag("viewer_id", h.Handler.ViewerID()).Debug(err)
				continue
			}
			if err != nil {
				h.disconnect(errors.New("receiving message failed").Wrap(err))
				return
			}

			select {
			case h.receiveChan <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (h *handler) handleMessage(ctx context.Context, msg Msg, responder ResponseSender) error {
	switch msg.Type {
	case MsgTypePing:
		return h.Handler.HandlePing(ctx, responder, msg)

	case MsgTypeModelLoad:
		return h.Handler.HandleModelLoad(ctx, responder, msg)

	case MsgTypeModelUnload:
		return h.Handler.HandleModelUnload(ctx, responder, msg)

	case MsgTypeCamera:
		return h.Handler.HandleCamera(ctx, responder, msg)

	case MsgTypeSectorGet:
		return h.Handler.HandleSectorGet(ctx, responder, msg)

	default:
		logs.WithTag("viewer_id", h.Handler.ViewerID()).
			WithTag("msg_type", msg.TypeString()).
			Debug("unsupported message skipped")
		return nil
	}
}

func (h *handler) disconnect(err error) {
	select {
	case h.disconnectChan <- err:
	default:
	}
}

func (h *handler) handleDisconnect(err error) {
	h.Conn.Close()
	h.Handler.HandleDisconnect(err)
}

type responseSender struct {
	ctx      context.Context
	sendChan chan<- Msg
}

func (r responseSender) Send(msg Msg) {
	select {
	case r.sendChan <- msg:
	case <-r.ctx.Done():
	}
}
