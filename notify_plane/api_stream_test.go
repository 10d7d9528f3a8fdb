package main

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/fanout/notify_plane/broadcast"
	"github.com/itskum47/fanout/notify_plane/logging"
	"github.com/itskum47/fanout/notify_plane/store"
	"github.com/itskum47/fanout/notify_plane/timeline"
)

type streamFixture struct {
	server   *httptest.Server
	registry *store.MemoryRegistry
	hub      *ConnectionHub
}

func newStreamFixture(t *testing.T) *streamFixture {
	t.Helper()
	reg := store.NewMemoryRegistry()
	hub := NewConnectionHub(0, logging.Nop)
	tl := timeline.NewStore(10)
	svc := broadcast.NewService(reg, hub, broadcast.WithTimeline(tl))
	api := NewAPI(svc, APIOptions{Hub: hub, Timeline: tl, Logger: logging.Nop})

	srv := httptest.NewServer(api.Routes())
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})
	return &streamFixture{server: srv, registry: reg, hub: hub}
}

func (f *streamFixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (f *streamFixture) waitForSubscribers(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		subs, err := f.registry.ListAll(context.Background())
		return err == nil && len(subs) == n
	}, 2*time.Second, 10*time.Millisecond)
}

func readEvent(t *testing.T, conn *websocket.Conn) broadcast.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev broadcast.Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	return ev
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func TestStreamRegistersWithName(t *testing.T) {
	f := newStreamFixture(t)
	f.dial(t, "?name=alice")
	f.dial(t, "")
	f.waitForSubscribers(t, 2)

	subs, err := f.registry.ListAll(context.Background())
	require.NoError(t, err)
	names := []string{subs[0].Metadata["name"], subs[1].Metadata["name"]}
	assert.ElementsMatch(t, []string{"alice", "Anon"}, names)
	assert.NotEmpty(t, subs[0].Metadata["remote"])
}

func TestStreamPing(t *testing.T) {
	f := newStreamFixture(t)
	conn := f.dial(t, "")
	f.waitForSubscribers(t, 1)

	send(t, conn, `{"action":"ping"}`)
	assert.Equal(t, broadcast.EventPong, readEvent(t, conn).Type)
}

func TestStreamUnknownActionAndMalformed(t *testing.T) {
	f := newStreamFixture(t)
	conn := f.dial(t, "")
	f.waitForSubscribers(t, 1)

	send(t, conn, `{"action":"dance"}`)
	ev := readEvent(t, conn)
	assert.Equal(t, broadcast.EventError, ev.Type)
	assert.Contains(t, string(ev.Data), "unknown action")

	send(t, conn, `not json`)
	ev = readEvent(t, conn)
	assert.Equal(t, broadcast.EventError, ev.Type)
	assert.Contains(t, string(ev.Data), "malformed")
}

func TestStreamBroadcastReachesEveryClient(t *testing.T) {
	f := newStreamFixture(t)
	a := f.dial(t, "?name=a")
	b := f.dial(t, "?name=b")
	f.waitForSubscribers(t, 2)

	send(t, a, `{"action":"broadcast","data":{"text":"hi"}}`)

	for _, conn := range []*websocket.Conn{a, b} {
		ev := readEvent(t, conn)
		assert.Equal(t, broadcast.EventNewItem, ev.Type)
		assert.JSONEq(t, `{"text":"hi"}`, string(ev.Data))
	}
}

func TestStreamSyncReturnsRecentEvents(t *testing.T) {
	f := newStreamFixture(t)
	a := f.dial(t, "")
	f.waitForSubscribers(t, 1)

	send(t, a, `{"action":"broadcast","data":1}`)
	readEvent(t, a)
	send(t, a, `{"action":"broadcast","data":2}`)
	readEvent(t, a)

	late := f.dial(t, "?name=late")
	f.waitForSubscribers(t, 2)

	send(t, late, `{"action":"sync"}`)
	ev := readEvent(t, late)
	require.Equal(t, broadcast.EventItemList, ev.Type)

	var entries []timeline.Entry
	require.NoError(t, json.Unmarshal(ev.Data, &entries))
	require.Len(t, entries, 2)
	assert.JSONEq(t, `1`, string(entries[0].Data))
	assert.JSONEq(t, `2`, string(entries[1].Data))
}

func TestStreamDisconnectUnregisters(t *testing.T) {
	f := newStreamFixture(t)
	a := f.dial(t, "")
	f.dial(t, "")
	f.waitForSubscribers(t, 2)

	a.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	a.Close()

	f.waitForSubscribers(t, 1)
	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}
