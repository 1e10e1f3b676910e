package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"
	"golang.org/x/net/websocket"
)

// Creates a testing environment to unit test viewer handlers. It returns a
// connected viewer and a function that closes the environment.
func NewTestingEnv(t *testing.T, newHandler func() Handler) (*websocket.Conn, func()) {
	var mutex sync.Mutex
	logger := t.Log

	logs.Encoder = func(v any) ([]byte, error) {
		return json.MarshalIndent(v, "", "  ")
	}

	logs.SetLogger(func(e logs.Entry) {
		mutex.Lock()
		defer mutex.Unlock()

		if logger != nil {
			logger(e)
		}
	})

	errors.Encoder = json.Marshal

	conn, close := newTestingEnv(t, newHandler)
	return conn, func() {
		mutex.Lock()
		defer mutex.Unlock()
		logger = nil
		close()
	}
}

func newTestingEnv(t *testing.T, newHandler func() Handler) (*websocket.Conn, func()) {
	server := httptest.NewServer(websocket.Server{
		Handshake: func(c *websocket.Config, r *http.Request) error {
			return nil
		},
		Handler: func(conn *websocket.Conn) {
			defer conn.Close()

			handler := newHandler()
			defer handler.Close()

			Handle(context.Background(), conn, handler)
		},
	})

	config, err := websocket.NewConfig(
		strings.ReplaceAll(server.URL, "http://", "ws://"),
		"http://localhost",
	)
	if err != nil {
		t.Fatalf("error initializing web socket: %s", err)
	}

	config.Header.Set("User-Agent", "ted")
	config.Header.Set("X-Forwarded-For", "192.0.0.0")
	config.Header.Set(HeaderViewerID, uuid.NewString())

	conn, err := websocket.DialConfig(config)
	if err != nil {
		t.Fatalf("error dialing web socket: %s", err)
	}

	return conn, func() {
		conn.Close()
		server.Close()
	}
}

// SendTestMsg sends a message with the given data to the server.
func SendTestMsg(t *testing.T, conn *websocket.Conn, msgType MsgType, requestID uint32, data any) {
	msg, err := NewMsg(msgType, requestID, data)
	if err != nil {
		t.Fatalf("error creating message: %s", err)
	}

	if _, err := NewSender(conn)(msg); err != nil {
		t.Fatalf("error sending message: %s", err)
	}
}

// ReceiveTestMsg returns the first message of the given type received before
// the timeout. Other messages are skipped.
func ReceiveTestMsg(t *testing.T, conn *websocket.Conn, msgType MsgType, timeout time.Duration) Msg {
	receive := NewReceiver(conn)
	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	for {
		msg, _, err := receive()
		if err != nil {
			t.Fatalf("error receiving %s message: %s", msgType, err)
		}
		if msg.Type == msgType {
			return msg
		}
	}
}
