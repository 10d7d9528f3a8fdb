package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/itskum47/fanout/notify_plane/broadcast"
	"github.com/itskum47/fanout/notify_plane/store"
	"github.com/itskum47/fanout/notify_plane/timeline"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 << 10
	disconnectWait = 5 * time.Second
)

// Inbound actions on the event stream.
const (
	actionBroadcast = "broadcast"
	actionSync      = "sync"
	actionPing      = "ping"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins (CORS)
		return true
	},
}

type streamMessage struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// handleStream upgrades to WebSocket, registers the connection as a
// subscriber and serves its actions until it disconnects.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxMessageSize)

	id := uuid.NewString()
	log := a.logger.With().Str("subscriber_id", id).Logger()

	if err := a.hub.Attach(id, conn); err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		name = "Anon"
	}
	sub := store.Subscriber{
		ID:           id,
		RegisteredAt: time.Now().UTC(),
		Metadata:     map[string]string{"name": name, "remote": r.RemoteAddr},
	}
	if err := a.service.Register(r.Context(), sub); err != nil {
		log.Error().Err(err).Msg("failed to register websocket subscriber")
		a.hub.Detach(id)
		return
	}
	defer a.disconnect(id, log)

	log.Info().Str("name", name).Msg("websocket client connected")

	// Configure ping/pong for dead client detection
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Start ping routine
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				if err := a.hub.Ping(id); err != nil {
					return
				}
			}
		}
	}()

	// Read pump
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Msg("websocket read error")
			}
			return
		}
		a.handleAction(r.Context(), id, msg, log)
	}
}

// disconnect detaches the connection and drops the subscriber. Failures are
// logged only; a disconnect always completes.
func (a *API) disconnect(id string, log zerolog.Logger) {
	a.hub.Detach(id)

	ctx, cancel := context.WithTimeout(context.Background(), disconnectWait)
	defer cancel()
	if err := a.service.Unregister(ctx, id); err != nil {
		log.Warn().Err(err).Msg("failed to unregister disconnected subscriber")
		return
	}
	log.Info().Msg("websocket client disconnected")
}

// handleAction dispatches one inbound stream message. Replies go to the
// sender through Notify.
func (a *API) handleAction(ctx context.Context, id string, raw []byte, log zerolog.Logger) {
	var msg streamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		a.replyError(ctx, id, "malformed message", log)
		return
	}

	switch msg.Action {
	case actionBroadcast:
		report, err := a.service.Broadcast(ctx, broadcast.Event{Type: broadcast.EventNewItem, Data: msg.Data})
		if err != nil {
			log.Error().Err(err).Msg("stream broadcast failed")
			a.replyError(ctx, id, err.Error(), log)
			return
		}
		log.Debug().Stringer("report", report).Msg("stream broadcast")

	case actionSync:
		entries := a.timeline.Recent()
		if entries == nil {
			entries = []timeline.Entry{}
		}
		a.reply(ctx, id, broadcast.EventItemList, entries, log)

	case actionPing:
		a.reply(ctx, id, broadcast.EventPong, nil, log)

	default:
		a.replyError(ctx, id, "unknown action: "+msg.Action, log)
	}
}

func (a *API) replyError(ctx context.Context, id, message string, log zerolog.Logger) {
	a.reply(ctx, id, broadcast.EventError, map[string]string{"message": message}, log)
}

func (a *API) reply(ctx context.Context, id, eventType string, data any, log zerolog.Logger) {
	event, err := broadcast.NewEvent(eventType, data)
	if err != nil {
		log.Error().Err(err).Str("event_type", eventType).Msg("failed to build reply")
		return
	}
	res, err := a.service.Notify(ctx, id, event)
	if err != nil {
		log.Warn().Err(err).Str("event_type", eventType).Msg("reply failed")
		return
	}
	if res.Err != nil {
		log.Debug().Err(res.Err).Str("outcome", string(res.Outcome)).Msg("reply not delivered")
	}
}
