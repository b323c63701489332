package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/fairyhunter13/imageforge/internal/adapter/observability"
	"github.com/fairyhunter13/imageforge/internal/domain"
	"github.com/fairyhunter13/imageforge/internal/usecase"
)

const (
	streamWriteWait   = 10 * time.Second
	streamPingPeriod  = 30 * time.Second
	streamMsgSizeCap  = 1024
	streamSendBacklog = 32
)

// Relay upgrades /jobs/{id}/stream to a websocket and forwards progress
// events from the bus until the client disconnects. Events are ephemeral:
// clients needing authoritative state re-read the job resource.
type Relay struct {
	Bus  domain.ProgressBus
	Jobs usecase.JobService

	upgrader websocket.Upgrader
}

// NewRelay constructs a Relay.
func NewRelay(bus domain.ProgressBus, jobs usecase.JobService) *Relay {
	return &Relay{
		Bus:  bus,
		Jobs: jobs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin enforcement happens at the edge proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// wsInbound is a client-to-server control message.
type wsInbound struct {
	Type  string `json:"type"`
	JobID string `json:"job_id,omitempty"`
}

// StreamJob handles WS /jobs/{id}/stream.
func (rl *Relay) StreamJob(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFrom(r)
	jobID := chi.URLParam(r, "id")
	if _, err := rl.Jobs.Get(r.Context(), jobID, identity.UserID, identity.Admin); err != nil {
		writeError(w, r, err)
		return
	}

	conn, err := rl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		LoggerFrom(r).Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer func() { _ = conn.Close() }()

	observability.StreamSubscriptions.Inc()
	defer observability.StreamSubscriptions.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	lg := LoggerFrom(r).With(slog.String("job_id", jobID))
	send := make(chan domain.ProgressEvent, streamSendBacklog)
	pongs := make(chan struct{}, 4)
	var wg sync.WaitGroup

	// One subscription per job id per connection; re-subscribing is a no-op.
	subs := map[string]domain.Subscription{}
	subscribe := func(id string) {
		if _, ok := subs[id]; ok {
			return
		}
		if _, err := rl.Jobs.Get(ctx, id, identity.UserID, identity.Admin); err != nil {
			lg.Warn("stream subscribe refused", slog.String("requested_job_id", id), slog.Any("error", err))
			return
		}
		sub, err := rl.Bus.Subscribe(ctx, id)
		if err != nil {
			lg.Warn("bus subscribe failed", slog.Any("error", err))
			return
		}
		subs[id] = sub
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range sub.Events() {
				select {
				case send <- ev:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	unsubscribe := func(id string) {
		if sub, ok := subs[id]; ok {
			_ = sub.Close()
			delete(subs, id)
		}
	}
	defer func() {
		cancel()
		for id := range subs {
			unsubscribe(id)
		}
		wg.Wait()
	}()

	subscribe(jobID)
	if len(subs) == 0 {
		return
	}

	// Single writer goroutine; gorilla connections do not allow concurrent
	// writes.
	go func() {
		ticker := time.NewTicker(streamPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-send:
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				if err := conn.WriteJSON(ev); err != nil {
					cancel()
					return
				}
			case <-pongs:
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				if err := conn.WriteJSON(map[string]string{"type": "pong"}); err != nil {
					cancel()
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(streamMsgSizeCap)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg wsInbound
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "ping":
			select {
			case pongs <- struct{}{}:
			default:
			}
		case "subscribe":
			if msg.JobID != "" {
				subscribe(msg.JobID)
			}
		case "unsubscribe":
			if msg.JobID != "" {
				unsubscribe(msg.JobID)
			}
		}
	}
}
