package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/fanout/notify_plane/broadcast"
	"github.com/itskum47/fanout/notify_plane/channel"
	"github.com/itskum47/fanout/notify_plane/logging"
	"github.com/itskum47/fanout/notify_plane/store"
	"github.com/itskum47/fanout/notify_plane/timeline"
)

// recordingChannel records deliveries and fails ids listed in closed.
type recordingChannel struct {
	mu     sync.Mutex
	sent   map[string][][]byte
	closed map[string]bool
}

func newRecordingChannel(closed ...string) *recordingChannel {
	c := &recordingChannel{sent: make(map[string][][]byte), closed: make(map[string]bool)}
	for _, id := range closed {
		c.closed[id] = true
	}
	return c
}

func (c *recordingChannel) Send(ctx context.Context, id string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed[id] {
		return channel.ErrClosed
	}
	c.sent[id] = append(c.sent[id], payload)
	return nil
}

func (c *recordingChannel) count(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent[id])
}

type downRegistry struct{}

func (downRegistry) Register(ctx context.Context, sub store.Subscriber) error {
	return errors.New("connection refused")
}
func (downRegistry) Unregister(ctx context.Context, id string) error {
	return errors.New("connection refused")
}
func (downRegistry) ListAll(ctx context.Context) ([]store.Subscriber, error) {
	return nil, errors.New("connection refused")
}

type apiFixture struct {
	api      *API
	registry *store.MemoryRegistry
	channel  *recordingChannel
	handler  http.Handler
}

func newAPIFixture(t *testing.T, opts APIOptions, closed ...string) *apiFixture {
	t.Helper()
	reg := store.NewMemoryRegistry()
	ch := newRecordingChannel(closed...)
	svc := broadcast.NewService(reg, ch)
	opts.Logger = logging.Nop
	api := NewAPI(svc, opts)
	return &apiFixture{api: api, registry: reg, channel: ch, handler: api.Routes()}
}

func (f *apiFixture) register(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, f.registry.Register(context.Background(), store.Subscriber{ID: id}))
	}
}

func (f *apiFixture) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, APIOptions{APIToken: "secret"})
	rec := f.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestBroadcastEndpointPrunesClosed(t *testing.T) {
	f := newAPIFixture(t, APIOptions{}, "c2")
	f.register(t, "c1", "c2", "c3")

	rec := f.do(http.MethodPost, "/events", `{"type":"new-item","data":{"id":1}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var report broadcast.DeliveryReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 2, report.Delivered)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, []string{"c2"}, report.Removed)

	assert.Equal(t, 2, f.registry.Len())
}

func TestBroadcastEndpointValidation(t *testing.T) {
	f := newAPIFixture(t, APIOptions{})

	rec := f.do(http.MethodPost, "/events", `{"data":1}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/events", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBroadcastEndpointRegistryUnavailable(t *testing.T) {
	svc := broadcast.NewService(downRegistry{}, newRecordingChannel())
	api := NewAPI(svc, APIOptions{Logger: logging.Nop})

	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(`{"type":"new-item"}`))
	rec := httptest.NewRecorder()
	api.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestBroadcastEndpointIdempotencyReplay(t *testing.T) {
	f := newAPIFixture(t, APIOptions{})
	f.register(t, "c1")

	headers := map[string]string{idempotencyHeader: "evt-1"}
	first := f.do(http.MethodPost, "/events", `{"type":"new-item"}`, headers)
	require.Equal(t, http.StatusOK, first.Code)

	second := f.do(http.MethodPost, "/events", `{"type":"new-item"}`, headers)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	assert.Equal(t, 1, f.channel.count("c1"), "replayed request must not deliver again")

	f.do(http.MethodPost, "/events", `{"type":"new-item"}`, map[string]string{idempotencyHeader: "evt-2"})
	assert.Equal(t, 2, f.channel.count("c1"))
}

func TestBroadcastEndpointRateLimited(t *testing.T) {
	f := newAPIFixture(t, APIOptions{RateRPS: 0.001, RateBurst: 1})

	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/events", `{"type":"new-item"}`, nil).Code)

	rec := f.do(http.MethodPost, "/events", `{"type":"new-item"}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestSubscriberLifecycleEndpoints(t *testing.T) {
	f := newAPIFixture(t, APIOptions{})

	rec := f.do(http.MethodPost, "/subscribers", `{"id":"conn-1","metadata":{"name":"alice"}}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(http.MethodPost, "/subscribers", `{"id":"conn-1","metadata":{"name":"bob"}}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(http.MethodGet, "/subscribers", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var subs []store.Subscriber
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &subs))
	require.Len(t, subs, 1)
	assert.Equal(t, "bob", subs[0].Metadata["name"])

	rec = f.do(http.MethodDelete, "/subscribers/conn-1", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Unknown ids are not an error.
	rec = f.do(http.MethodDelete, "/subscribers/conn-1", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, f.registry.Len())
}

func TestRegisterSubscriberRequiresID(t *testing.T) {
	f := newAPIFixture(t, APIOptions{})
	rec := f.do(http.MethodPost, "/subscribers", `{"metadata":{}}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNotifyEndpoint(t *testing.T) {
	f := newAPIFixture(t, APIOptions{}, "gone")
	f.register(t, "c1", "gone", "c3")

	rec := f.do(http.MethodPost, "/subscribers/c1/notify", `{"type":"pong"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp notifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "delivered", resp.Outcome)
	assert.False(t, resp.Removed)

	rec = f.do(http.MethodPost, "/subscribers/gone/notify", `{"type":"pong"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "failed_permanently", resp.Outcome)
	assert.True(t, resp.Removed)

	subs, err := f.registry.ListAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, subs, 2)
	assert.Equal(t, 0, f.channel.count("c3"))
}

func TestAuthRequiredWhenTokenConfigured(t *testing.T) {
	f := newAPIFixture(t, APIOptions{APIToken: "secret"})

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/subscribers", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/events", `{"type":"x"}`, nil).Code)

	rec := f.do(http.MethodGet, "/subscribers", "", map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Public routes stay open.
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/metrics", "", nil).Code)
}

func TestBroadcastRecordsTimeline(t *testing.T) {
	tl := timeline.NewStore(10)
	reg := store.NewMemoryRegistry()
	svc := broadcast.NewService(reg, newRecordingChannel(), broadcast.WithTimeline(tl))
	api := NewAPI(svc, APIOptions{Timeline: tl, Logger: logging.Nop})

	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(`{"type":"new-item","data":"hello"}`))
	rec := httptest.NewRecorder()
	api.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	entries := tl.Recent()
	require.Len(t, entries, 1)
	assert.Equal(t, "new-item", entries[0].Type)
	assert.JSONEq(t, `"hello"`, string(entries[0].Data))
}
