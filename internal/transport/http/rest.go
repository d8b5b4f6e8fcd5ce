package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"blindtest-service/internal/app"
	"blindtest-service/internal/domain"
)

// LogReader serves the command log of a session.
type LogReader interface {
	Log(ctx context.Context, sessionID string, afterSeq uint64) ([]domain.LogEntry, error)
}

// LiveLister reports sessions that are live on any instance.
type LiveLister interface {
	Live(ctx context.Context) ([]string, error)
}

// API is the REST surface: session creation, snapshots, one-shot commands.
type API struct {
	engine     *app.Engine
	dispatcher *Dispatcher
	logs       LogReader
	live       LiveLister
	logger     *slog.Logger
}

func NewAPI(engine *app.Engine, logs LogReader, live LiveLister, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{engine: engine, dispatcher: NewDispatcher(engine), logs: logs, live: live, logger: logger}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, command string, err error) {
	writeJSON(w, statusOf(err), newError(command, err))
}

func callerFrom(r *http.Request) (caller, error) {
	// REST callers without a role header are operators; the websocket defaults to display.
	raw := r.Header.Get("X-Blindtest-Role")
	if raw == "" {
		raw = string(RoleOperator)
	}
	role, ok := parseRole(raw)
	if !ok {
		return caller{}, fmt.Errorf("%w: unknown role", domain.ErrValidationFailed)
	}
	who := caller{role: role, teamID: r.Header.Get("X-Blindtest-Team")}
	if role == RolePlayer && who.teamID == "" {
		return caller{}, fmt.Errorf("%w: players must name their team", domain.ErrValidationFailed)
	}
	return who, nil
}

func (a *API) createSession(w http.ResponseWriter, r *http.Request) {
	var in app.CreateSessionInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, "createSession", fmt.Errorf("%w: malformed body: %v", domain.ErrValidationFailed, err))
		return
	}
	s, err := a.engine.CreateSession(r.Context(), in)
	if err != nil {
		writeError(w, "createSession", err)
		return
	}
	a.logger.Info("session created", "session_id", s.ID, "project", s.ProjectName)
	writeJSON(w, http.StatusCreated, s)
}

func (a *API) snapshot(w http.ResponseWriter, r *http.Request) {
	who, err := callerFrom(r)
	if err != nil {
		writeError(w, "snapshot", err)
		return
	}
	s, err := a.engine.Snapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, redact(s, who.role, who.teamID))
}

func (a *API) command(w http.ResponseWriter, r *http.Request) {
	who, err := callerFrom(r)
	if err != nil {
		writeError(w, "", err)
		return
	}
	var msg inboundMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, "", fmt.Errorf("%w: malformed body: %v", domain.ErrValidationFailed, err))
		return
	}
	result, err := a.dispatcher.Dispatch(r.Context(), chi.URLParam(r, "id"), who, msg)
	if err != nil {
		writeError(w, msg.Type, err)
		return
	}
	writeJSON(w, http.StatusOK, ackPayload{Command: msg.Type, Result: result})
}

func (a *API) log(w http.ResponseWriter, r *http.Request) {
	var afterSeq uint64
	if raw := r.URL.Query().Get("afterSeq"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, "log", fmt.Errorf("%w: afterSeq must be a number", domain.ErrValidationFailed))
			return
		}
		afterSeq = v
	}
	entries, err := a.logs.Log(r.Context(), chi.URLParam(r, "id"), afterSeq)
	if err != nil {
		writeError(w, "log", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) liveSessions(w http.ResponseWriter, r *http.Request) {
	ids, err := a.live.Live(r.Context())
	if err != nil {
		writeError(w, "live", fmt.Errorf("%w: %v", domain.ErrPersistenceFailure, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"sessions": ids})
}
