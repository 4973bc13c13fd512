package bridge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unishare/app"
	"unishare/apperr"
	"unishare/events"
)

type fakeEngine struct {
	hub *events.Hub[app.Notification]
}

func (f *fakeEngine) Invoke(_ context.Context, name string, args json.RawMessage) (any, error) {
	switch name {
	case "start_hotspot":
		return app.HotspotStarted, nil
	case "echo":
		var v map[string]any
		if err := json.Unmarshal(args, &v); err != nil {
			return nil, err
		}
		return v, nil
	case "cancel_transfer":
		return nil, apperr.Errorf(apperr.SessionNotFound, "cancel", "no session")
	default:
		return nil, app.ErrUnknownCommand
	}
}

func (f *fakeEngine) Subscribe() (<-chan app.Notification, func()) {
	return f.hub.Subscribe()
}

func startBridge(t *testing.T) (*fakeEngine, *websocket.Conn) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	engine := &fakeEngine{hub: events.NewHub[app.Notification](16)}
	server := NewServer(engine, logrus.NewEntry(logger))
	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		_ = server.Close()
		httpServer.Close()
		engine.hub.Close()
	})

	url := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return engine, conn
}

func call(t *testing.T, conn *websocket.Conn, req Request) Response {
	t.Helper()
	require.NoError(t, conn.WriteJSON(req))
	for {
		var frame map[string]json.RawMessage
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		require.NoError(t, conn.ReadJSON(&frame))
		if string(frame["type"]) != `"response"` {
			continue
		}
		raw, err := json.Marshal(frame)
		require.NoError(t, err)
		var resp Response
		require.NoError(t, json.Unmarshal(raw, &resp))
		return resp
	}
}

func TestInvokeOverWebSocket(t *testing.T) {
	_, conn := startBridge(t)

	resp := call(t, conn, Request{ID: "1", Command: "start_hotspot"})
	assert.True(t, resp.OK)
	assert.Equal(t, "1", resp.ID)
	assert.Equal(t, app.HotspotStarted, resp.Result)

	resp = call(t, conn, Request{ID: "2", Command: "echo", Args: json.RawMessage(`{"filePath":"a.txt"}`)})
	assert.True(t, resp.OK)
	assert.Equal(t, map[string]any{"filePath": "a.txt"}, resp.Result)
}

func TestErrorsCarryKind(t *testing.T) {
	_, conn := startBridge(t)

	resp := call(t, conn, Request{ID: "3", Command: "cancel_transfer"})
	assert.False(t, resp.OK)
	assert.Equal(t, string(apperr.SessionNotFound), resp.ErrorKind)
	assert.NotEmpty(t, resp.Error)

	resp = call(t, conn, Request{ID: "4", Command: "nope"})
	assert.False(t, resp.OK)
	assert.Equal(t, "unknown_command", resp.ErrorKind)
}

func TestMalformedRequestKeepsConnection(t *testing.T) {
	_, conn := startBridge(t)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))

	var resp Response
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&resp))
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "malformed request")

	resp = call(t, conn, Request{ID: "5", Command: "start_hotspot"})
	assert.True(t, resp.OK)
}

func TestNotificationsArePushed(t *testing.T) {
	engine, conn := startBridge(t)
	// The first round trip guarantees the client is registered.
	call(t, conn, Request{ID: "1", Command: "start_hotspot"})

	engine.hub.Publish(app.Notification{Event: app.EventDeviceDiscovered, Payload: "Discovered Pixel (192.168.1.7)"})

	var ev Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "event", ev.Type)
	assert.Equal(t, app.EventDeviceDiscovered, ev.Event)
	assert.Equal(t, "Discovered Pixel (192.168.1.7)", ev.Payload)
}

func TestLocalOrigin(t *testing.T) {
	check := func(origin string) bool {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return localOrigin(r)
	}
	assert.True(t, check(""))
	assert.True(t, check("http://localhost:1420"))
	assert.True(t, check("tauri://localhost"))
	assert.False(t, check("https://evil.example"))
}
