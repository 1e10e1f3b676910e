package websocket

import (
	stderrors "errors"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/sectorcache/models"
	"github.com/aukilabs/sectorcache/scheduler"
	"github.com/segmentio/encoding/json"
	"golang.org/x/net/websocket"
)

const (
	ErrTypeMsgDecode   = "msg_decode_error"
	ErrTypeMsgTooLarge = "msg_too_large"

	// The maximum size of a received message.
	maxMsgSize = 1 << 16
)

// MsgType identifies the payload of a message.
type MsgType string

const (
	MsgTypePing     MsgType = "ping"
	MsgTypePong     MsgType = "pong"
	MsgTypeError    MsgType = "error"
	MsgTypeSyncTime MsgType = "sync_time"

	// Viewer requests.
	MsgTypeModelLoad   MsgType = "model_load"
	MsgTypeModelUnload MsgType = "model_unload"
	MsgTypeCamera      MsgType = "camera"
	MsgTypeSectorGet   MsgType = "sector_get"

	// Server responses and notifications.
	MsgTypeModelLoaded   MsgType = "model_loaded"
	MsgTypeModelUnloaded MsgType = "model_unloaded"
	MsgTypeUpdateAck     MsgType = "update_ack"
	MsgTypeSector        MsgType = "sector"
	MsgTypeSectorState   MsgType = "sector_state"
)

// Msg is a JSON message exchanged with a viewer.
type Msg struct {
	Type      MsgType         `json:"type"`
	RequestID uint32          `json:"request_id,omitempty"`
	Time      time.Time       `json:"time"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMsg creates a message with the given data encoded as JSON.
func NewMsg(t MsgType, requestID uint32, data any) (Msg, error) {
	msg := Msg{
		Type:      t,
		RequestID: requestID,
		Time:      time.Now(),
	}

	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Msg{}, errors.New("encoding message data failed").
				WithTag("msg_type", t).
				Wrap(err)
		}
		msg.Data = raw
	}
	return msg, nil
}

// DataTo decodes the message data into v.
func (m Msg) DataTo(v any) error {
	if len(m.Data) == 0 {
		return errors.New("message has no data").
			WithType(ErrTypeMsgDecode).
			WithTag("msg_type", m.Type)
	}

	if err := json.Unmarshal(m.Data, v); err != nil {
		return errors.New("decoding message data failed").
			WithType(ErrTypeMsgDecode).
			WithTag("msg_type", m.Type).
			Wrap(err)
	}
	return nil
}

func (m Msg) TypeString() string {
	if m.Type == "" {
		return "unknown"
	}
	return string(m.Type)
}

type ModelRequest struct {
	ModelID string `json:"model_id"`
}

type ModelResponse struct {
	ModelID string `json:"model_id"`
	Sectors int    `json:"sectors,omitempty"`
}

type SectorRequest struct {
	Key models.CacheKey `json:"key"`

	// Returns the nearest loaded ancestor instead of waiting for the sector
	// when it is not loaded.
	BestAvailable bool `json:"best_available,omitempty"`
}

type SectorResponse struct {
	Key  models.CacheKey `json:"key"`
	Data []byte          `json:"data"`
}

type SectorStateNotification struct {
	Key   models.CacheKey `json:"key"`
	State scheduler.State `json:"state"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newErrorMsg(requestID uint32, err error) Msg {
	code := errors.Type(err)
	if code == "" {
		code = "internal_error"
	}

	msg, _ := NewMsg(MsgTypeError, requestID, ErrorResponse{
		Code:    code,
		Message: err.Error(),
	})
	return msg
}

// Receiver receives a message and returns the number of bytes read.
type Receiver func() (Msg, int, error)

// Sender sends a message and returns the number of bytes written.
type Sender func(Msg) (int, error)

// ResponseSender queues messages to the connected viewer.
type ResponseSender interface {
	Send(Msg)
}

// NewReceiver returns a receiver reading JSON text frames from the given
// connection.
func NewReceiver(conn *websocket.Conn) Receiver {
	conn.MaxPayloadBytes = maxMsgSize

	return func() (Msg, int, error) {
		var b []byte
		if err := websocket.Message.Receive(conn, &b); err != nil {
			if stderrors.Is(err, websocket.ErrFrameTooLarge) {
				return Msg{}, 0, errors.New("message too large").
					WithType(ErrTypeMsgTooLarge).
					Wrap(err)
			}
			return Msg{}, 0, err
		}

		var msg Msg
		if err := json.Unmarshal(b, &msg); err != nil {
			return Msg{}, len(b), errors.New("decoding message failed").
				WithType(ErrTypeMsgDecode).
				Wrap(err)
		}
		return msg, len(b), nil
	}
}

// NewSender returns a sender writing messages as JSON text frames to the given
// connection.
func NewSender(conn *websocket.Conn) Sender {
	return func(msg Msg) (int, error) {
		b, err := json.Marshal(msg)
		if err != nil {
			return 0, errors.New("encoding message failed").
				WithTag("msg_type", msg.Type).
				Wrap(err)
		}

		if err := websocket.Message.Send(conn, string(b)); err != nil {
			return 0, err
		}
		return len(b), nil
	}
}
