package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/itskum47/fanout/notify_plane/broadcast"
	"github.com/itskum47/fanout/notify_plane/idempotency"
	"github.com/itskum47/fanout/notify_plane/middleware"
	"github.com/itskum47/fanout/notify_plane/observability"
	"github.com/itskum47/fanout/notify_plane/store"
	"github.com/itskum47/fanout/notify_plane/timeline"
)

const (
	idempotencyHeader = "X-Idempotency-Key"
	maxBodyBytes      = 1 << 20
)

type API struct {
	service  *broadcast.Service
	timeline *timeline.Store

	// hub is nil unless the websocket channel is active.
	hub *ConnectionHub

	idempotency *idempotency.Store

	// Storm Protection
	eventsLimiter *middleware.TokenBucketLimiter

	apiToken string
	logger   zerolog.Logger
}

// APIOptions carries the optional collaborators of the API.
type APIOptions struct {
	Hub         *ConnectionHub
	Timeline    *timeline.Store
	Idempotency *idempotency.Store
	RateRPS     float64
	RateBurst   int
	APIToken    string
	Logger      zerolog.Logger
}

func NewAPI(service *broadcast.Service, opts APIOptions) *API {
	api := &API{
		service:     service,
		timeline:    opts.Timeline,
		hub:         opts.Hub,
		idempotency: opts.Idempotency,
		apiToken:    opts.APIToken,
		logger:      opts.Logger.With().Str("component", "api").Logger(),
	}
	if api.idempotency == nil {
		api.idempotency = idempotency.NewStore(nil, idempotency.DefaultTTL)
	}
	if api.timeline == nil {
		api.timeline = timeline.NewStore(timeline.DefaultCapacity)
	}

	rps, burst := opts.RateRPS, opts.RateBurst
	if rps <= 0 {
		rps = 50
	}
	if burst <= 0 {
		burst = 100
	}
	api.eventsLimiter = middleware.NewTokenBucketLimiter(rps, burst)

	return api
}

// Routes builds the HTTP handler for the notify plane.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORSMiddleware)

	// Public
	r.Get("/health", a.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	if a.hub != nil {
		r.Get("/ws", a.handleStream)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(a.apiToken))

		r.With(middleware.RateLimit(a.eventsLimiter, "events")).
			Post("/events", a.withIdempotency(a.handleBroadcast))

		r.Route("/subscribers", func(r chi.Router) {
			r.Get("/", a.handleListSubscribers)
			r.Post("/", a.handleRegisterSubscriber)
			r.Delete("/{id}", a.handleUnregisterSubscriber)
			r.Post("/{id}/notify", a.handleNotify)
		})
	})

	return r
}

// Wrapper for capturing response
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

// withIdempotency replays the stored response for a repeated key. Server
// errors are not stored so the producer can retry them.
func (a *API) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(idempotencyHeader)
		if key == "" {
			next(w, r)
			return
		}

		if resp, found := a.idempotency.Get(r.Context(), key); found {
			observability.IdempotentReplays.Inc()
			for k, v := range resp.Headers {
				for _, val := range v {
					w.Header().Add(k, val)
				}
			}
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)

		if rec.statusCode >= http.StatusInternalServerError {
			return
		}
		if err := a.idempotency.Set(r.Context(), key, idempotency.Response{
			StatusCode: rec.statusCode,
			Body:       rec.body,
			Headers:    rec.Header().Clone(),
		}); err != nil {
			a.logger.Warn().Err(err).Str("key", key).Msg("failed to store idempotent response")
		}
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (a *API) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	event, ok := readJSON[broadcast.Event](w, r)
	if !ok {
		return
	}

	report, err := a.service.Broadcast(r.Context(), event)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleListSubscribers(w http.ResponseWriter, r *http.Request) {
	subs, err := a.service.ListAll(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

type registerRequest struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// handleRegisterSubscriber is the push gateway's connect hook.
func (a *API) handleRegisterSubscriber(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[registerRequest](w, r)
	if !ok {
		return
	}

	sub := store.Subscriber{ID: req.ID, RegisteredAt: time.Now().UTC(), Metadata: req.Metadata}
	if err := a.service.Register(r.Context(), sub); err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

// handleUnregisterSubscriber is the push gateway's disconnect hook. Removing
// an unknown id succeeds.
func (a *API) handleUnregisterSubscriber(w http.ResponseWriter, r *http.Request) {
	if err := a.service.Unregister(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type notifyResponse struct {
	SubscriberID string `json:"subscriber_id"`
	Outcome      string `json:"outcome"`
	Removed      bool   `json:"removed"`
	Error        string `json:"error,omitempty"`
}

func (a *API) handleNotify(w http.ResponseWriter, r *http.Request) {
	event, ok := readJSON[broadcast.Event](w, r)
	if !ok {
		return
	}

	res, err := a.service.Notify(r.Context(), chi.URLParam(r, "id"), event)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	resp := notifyResponse{
		SubscriberID: res.SubscriberID,
		Outcome:      string(res.Outcome),
		Removed:      res.Removed,
	}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// readJSON decodes a JSON request body with a size limit.
func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeServiceError maps service errors onto HTTP status codes.
func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case broadcast.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, broadcast.ErrRegistryUnavailable):
		a.logger.Error().Err(err).Msg("registry unavailable")
		writeError(w, http.StatusServiceUnavailable, "registry unavailable")
	default:
		a.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
