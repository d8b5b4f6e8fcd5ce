package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"blindtest-service/internal/app"
	"blindtest-service/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxMessage = 64 << 10
)

type WSHandler struct {
	engine     *app.Engine
	dispatcher *Dispatcher
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	limit      rate.Limit
	burst      int
}

func NewWSHandler(engine *app.Engine, logger *slog.Logger, commandRate float64, commandBurst int) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if commandRate > 0 {
		limit = rate.Limit(commandRate)
	}
	if commandBurst <= 0 {
		commandBurst = 1
	}
	return &WSHandler{
		engine:     engine,
		dispatcher: NewDispatcher(engine),
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		limit: limit,
		burst: commandBurst,
	}
}

type snapshotPayload struct {
	Snapshot *domain.Session `json:"snapshot"`
	Replayed bool            `json:"replayed"`
}

type joinedPayload struct {
	Team domain.Team `json:"team"`
	Role Role        `json:"role"`
}

// frame is one queued write. The connection closes after a final frame.
type frame struct {
	msg   outboundMessage[any]
	final bool
}

// ServeWS upgrades /ws/sessions/{id} and streams the session to the client.
// Query: role (operator|display|player), teamId, name, afterSeq.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	q := r.URL.Query()
	role, ok := parseRole(q.Get("role"))
	if sessionID == "" || !ok {
		http.Error(w, "missing session id or unknown role", http.StatusBadRequest)
		return
	}
	teamID := q.Get("teamId")
	name := q.Get("name")
	if role == RolePlayer && teamID == "" && name == "" {
		http.Error(w, "players need teamId or name", http.StatusBadRequest)
		return
	}
	var afterSeq uint64
	if raw := q.Get("afterSeq"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "afterSeq must be a number", http.StatusBadRequest)
			return
		}
		afterSeq = v
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessage)

	// The request context ends with the handler; commands must not outlive it.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	logger := h.logger.With("session_id", sessionID, "role", role)

	fail := func(command string, err error) {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteJSON(outboundMessage[any]{Type: "error", Payload: newError(command, err)})
	}

	var joined *domain.Team
	if role == RolePlayer {
		if teamID == "" {
			team, err := h.engine.AddTeam(ctx, sessionID, name)
			if err != nil {
				fail("addTeam", err)
				return
			}
			teamID = team.ID
			joined = &team
		}
		if err := h.engine.SetTeamConnected(ctx, sessionID, teamID, true); err != nil {
			fail("connect", err)
			return
		}
		defer func() {
			// The request context is already gone here.
			dctx, dcancel := context.WithTimeout(context.Background(), writeWait)
			defer dcancel()
			if err := h.engine.SetTeamConnected(dctx, sessionID, teamID, false); err != nil && !errors.Is(err, domain.ErrNotFound) {
				logger.Warn("mark team disconnected failed", "team_id", teamID, "error", err)
			}
		}()
	}

	sub, err := h.engine.Subscribe(ctx, sessionID, afterSeq)
	if err != nil {
		fail("subscribe", err)
		return
	}
	defer sub.Close()

	send := make(chan frame, 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	eventsDone := make(chan struct{})

	// Only the writer touches the connection for writes, pings included.
	go func() {
		defer close(writerDone)
		defer conn.Close()
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case f, ok := <-send:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(f.msg); err != nil {
					logger.Debug("ws write failed", "error", err)
					cancel()
					return
				}
				if f.final {
					_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, f.msg.Type), time.Now().Add(writeWait))
					cancel()
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	enqueue := func(f frame) bool {
		select {
		case send <- f:
			return true
		case <-closeSignals:
			return false
		case <-writerDone:
			return false
		}
	}

	if joined != nil {
		enqueue(frame{msg: outboundMessage[any]{Type: "joined", Payload: joinedPayload{Team: *joined, Role: role}}})
	}
	enqueue(frame{msg: outboundMessage[any]{Type: "snapshot", Payload: snapshotPayload{
		Snapshot: redact(sub.Snapshot, role, teamID),
		Replayed: sub.Replayed,
	}}})

	go func() {
		defer close(eventsDone)
		for {
			select {
			case ev, ok := <-sub.Events():
				if !ok {
					if err := sub.Err(); err != nil {
						logger.Warn("subscriber dropped", "error", err)
						enqueue(frame{msg: outboundMessage[any]{Type: "error", Payload: newError("", err)}, final: true})
					}
					return
				}
				if !enqueue(frame{msg: outboundMessage[any]{Type: "event", Payload: ev}}) {
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	limiter := rate.NewLimiter(h.limit, h.burst)
	who := caller{role: role, teamID: teamID}
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		if !limiter.Allow() {
			enqueue(frame{msg: outboundMessage[any]{Type: "error", Payload: newError(inbound.Type, errRateLimited)}})
			continue
		}
		result, err := h.dispatcher.Dispatch(ctx, sessionID, who, inbound)
		if err != nil {
			logger.Debug("command rejected", "command", inbound.Type, "code", codeOf(err), "error", err)
			enqueue(frame{msg: outboundMessage[any]{Type: "error", Payload: newError(inbound.Type, err)}})
			continue
		}
		enqueue(frame{msg: outboundMessage[any]{Type: "ack", Payload: ackPayload{Command: inbound.Type, Result: result}}})
	}

	close(closeSignals)
	<-eventsDone
	close(send)
	<-writerDone
}
