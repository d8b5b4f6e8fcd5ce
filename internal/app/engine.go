package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"blindtest-service/internal/domain"
)

// Persistence is the storage collaborator. Every accepted command is written through
// synchronously before anyone can observe it.
type Persistence interface {
	Load(ctx context.Context, sessionID string) (*domain.Session, error)
	Save(ctx context.Context, session *domain.Session) error
	AppendLog(ctx context.Context, entry domain.LogEntry) error
}

// Committer is implemented by stores that can write the state and its log entry atomically.
type Committer interface {
	Commit(ctx context.Context, session *domain.Session, entry domain.LogEntry) error
}

// EventSink receives every committed event of every loaded session, in seq order.
type EventSink interface {
	Publish(ctx context.Context, ev domain.Event) error
}

type options struct {
	logger            *slog.Logger
	tracer            trace.Tracer
	metrics           Metrics
	now               func() time.Time
	newID             func() string
	newTicker         TickerFunc
	historySize       int
	maxPending        int
	defaultRoundTitle string
	sinks             []EventSink
}

// Option configures an Engine.
type Option func(*options)

func WithLogger(l *slog.Logger) Option          { return func(o *options) { o.logger = l } }
func WithTracer(t trace.Tracer) Option          { return func(o *options) { o.tracer = t } }
func WithMetrics(m Metrics) Option              { return func(o *options) { o.metrics = m } }
func WithClock(now func() time.Time) Option     { return func(o *options) { o.now = now } }
func WithIDGenerator(f func() string) Option    { return func(o *options) { o.newID = f } }
func WithTicker(f TickerFunc) Option            { return func(o *options) { o.newTicker = f } }
func WithEventSink(sink EventSink) Option       { return func(o *options) { o.sinks = append(o.sinks, sink) } }
func WithDefaultRoundTitle(title string) Option { return func(o *options) { o.defaultRoundTitle = title } }

// WithHistory sets how many recent events each session keeps for replay, and how many
// undelivered events a subscriber may accumulate before it is dropped.
func WithHistory(historySize, maxPending int) Option {
	return func(o *options) {
		o.historySize = historySize
		o.maxPending = maxPending
	}
}

// Engine is the registry of live sessions. Each session is an independently locked
// state machine; the engine only routes commands to it.
type Engine struct {
	store Persistence
	opts  options

	mu       sync.RWMutex
	sessions map[string]*Session
	loads    singleflight.Group
}

func NewEngine(store Persistence, opts ...Option) *Engine {
	o := options{
		logger:            slog.Default(),
		tracer:            otel.Tracer("blindtest-service/internal/app"),
		metrics:           noopMetrics{},
		now:               time.Now,
		newID:             uuid.NewString,
		newTicker:         NewStdTicker,
		historySize:       256,
		maxPending:        1024,
		defaultRoundTitle: "Manche 1",
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Engine{store: store, opts: o, sessions: make(map[string]*Session)}
}

// CreateSessionInput holds the optional settings of a new session.
type CreateSessionInput struct {
	ProjectName string `json:"projectName"`
	MaxTeams    int    `json:"maxTeams"`
}

// CreateSession persists a fresh session with one empty round and registers it.
func (e *Engine) CreateSession(ctx context.Context, in CreateSessionInput) (*domain.Session, error) {
	ctx, span := e.opts.tracer.Start(ctx, "engine.createSession")
	defer span.End()

	name, maxTeams := domain.DefaultProjectName, domain.DefaultMaxTeams
	if in.ProjectName != "" {
		name = in.ProjectName
	}
	if in.MaxTeams != 0 {
		maxTeams = in.MaxTeams
	}
	settings, err := domain.Settings{ProjectName: &name, MaxTeams: &maxTeams}.Validate()
	if err != nil {
		e.finish(ctx, span, "", "createSession", err)
		return nil, err
	}

	now := e.opts.now()
	state := &domain.Session{
		ID:          e.opts.newID(),
		ProjectName: *settings.ProjectName,
		MaxTeams:    *settings.MaxTeams,
		Phase:       domain.PhaseIdle,
		Rounds:      []domain.Round{{ID: e.opts.newID(), Title: e.opts.defaultRoundTitle, Order: 1}},
		Teams:       []domain.Team{},
		Answers:     []domain.Answer{},
		Jokers:      []domain.JokerUsage{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	span.SetAttributes(attribute.String("session.id", state.ID))

	c := &change{next: state, now: now}
	c.emit(domain.EventSessionCreated, domain.EntitySession, state.ID, sessionFields(state))
	c.emit(domain.EventRoundAdded, domain.EntityRound, state.Rounds[0].ID, map[string]any{
		"title": state.Rounds[0].Title,
		"order": state.Rounds[0].Order,
	})
	for i := range c.events {
		state.Seq++
		c.events[i].Seq = state.Seq
	}
	entry := domain.LogEntry{
		SessionID:  state.ID,
		Seq:        state.Seq,
		Command:    "createSession",
		Actor:      "operator",
		Events:     c.events,
		RecordedAt: now,
	}
	if err := commit(ctx, e.store, state, entry); err != nil {
		err = fmt.Errorf("%w: createSession: %v", domain.ErrPersistenceFailure, err)
		e.finish(ctx, span, state.ID, "createSession", err)
		return nil, err
	}

	s := newSession(state, e.store, &e.opts)
	s.bus.publish(c.events)
	n := e.register(s)
	e.opts.metrics.SessionsLoaded(n)
	e.finish(ctx, span, state.ID, "createSession", nil)
	e.opts.logger.InfoContext(ctx, "session created",
		slog.String("session_id", state.ID), slog.String("project", state.ProjectName))
	return state.Clone(), nil
}

func (e *Engine) register(s *Session) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions[s.id] = s
	return len(e.sessions)
}

// session returns the registered instance, loading it from storage at most once
// however many callers race for it.
func (e *Engine) session(ctx context.Context, id string) (*Session, error) {
	e.mu.RLock()
	s, ok := e.sessions[id]
	e.mu.RUnlock()
	if ok {
		return s, nil
	}

	v, err, _ := e.loads.Do(id, func() (any, error) {
		e.mu.RLock()
		s, ok := e.sessions[id]
		e.mu.RUnlock()
		if ok {
			return s, nil
		}

		state, err := e.store.Load(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, fmt.Errorf("session %s: %w", id, err)
			}
			return nil, fmt.Errorf("%w: load session %s: %v", domain.ErrPersistenceFailure, id, err)
		}
		s = newSession(state, e.store, &e.opts)
		n := e.register(s)
		e.opts.metrics.SessionsLoaded(n)
		e.opts.logger.InfoContext(ctx, "session loaded",
			slog.String("session_id", id), slog.Uint64("seq", state.Seq), slog.Bool("timer_active", state.Timer.Active))
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// forget drops s from the registry if it is still the registered instance.
func (e *Engine) forget(s *Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.sessions[s.id]; ok && cur == s {
		delete(e.sessions, s.id)
	}
}

// run routes one command to its session with tracing, metrics and logging around it.
func run[T any](e *Engine, ctx context.Context, id, command string, fn func(ctx context.Context, s *Session) (T, error)) (T, error) {
	ctx, span := e.opts.tracer.Start(ctx, "engine."+command,
		trace.WithAttributes(attribute.String("session.id", id)))
	defer span.End()

	var out T
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var s *Session
		s, err = e.session(ctx, id)
		if err != nil {
			break
		}
		out, err = fn(ctx, s)
		if !errors.Is(err, errSessionEvicted) {
			break
		}
		e.forget(s)
	}
	if errors.Is(err, errSessionEvicted) {
		err = fmt.Errorf("%w: session %s was unloaded", domain.ErrPersistenceFailure, id)
	}
	e.finish(ctx, span, id, command, err)
	return out, err
}

func (e *Engine) finish(ctx context.Context, span trace.Span, id, command string, err error) {
	e.opts.metrics.CommandHandled(command, err)
	if err == nil {
		e.opts.logger.DebugContext(ctx, "command applied", slog.String("session_id", id), slog.String("command", command))
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, string(domain.CodeOf(err)))
	if errors.Is(err, domain.ErrPersistenceFailure) {
		e.opts.logger.ErrorContext(ctx, "command failed",
			slog.String("session_id", id), slog.String("command", command), slog.String("error", err.Error()))
		return
	}
	e.opts.logger.DebugContext(ctx, "command rejected",
		slog.String("session_id", id), slog.String("command", command), slog.String("code", string(domain.CodeOf(err))))
}

func exec(e *Engine, ctx context.Context, id, command string, fn func(ctx context.Context, s *Session) error) error {
	_, err := run(e, ctx, id, command, func(ctx context.Context, s *Session) (struct{}, error) {
		return struct{}{}, fn(ctx, s)
	})
	return err
}

// Snapshot returns a copy of the full current state.
func (e *Engine) Snapshot(ctx context.Context, id string) (*domain.Session, error) {
	s, err := e.session(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.snapshot(), nil
}

// Subscribe registers an observer. The subscription carries a snapshot and then every
// event after it. With afterSeq > 0 the events the observer missed are replayed first
// when they are still in memory; the snapshot is always sent.
func (e *Engine) Subscribe(ctx context.Context, id string, afterSeq uint64) (*Subscription, error) {
	return run(e, ctx, id, "subscribe", func(_ context.Context, s *Session) (*Subscription, error) {
		return s.subscribe(afterSeq)
	})
}

func (e *Engine) AddTeam(ctx context.Context, id, name string) (domain.Team, error) {
	return run(e, ctx, id, "addTeam", func(ctx context.Context, s *Session) (domain.Team, error) {
		return s.addTeam(ctx, name)
	})
}

// RemoveTeam deletes a team. A removed buzzer winner releases the lock.
func (e *Engine) RemoveTeam(ctx context.Context, id, teamID string) error {
	return exec(e, ctx, id, "removeTeam", func(ctx context.Context, s *Session) error {
		return s.removeTeam(ctx, teamID)
	})
}

// SetTeamConnected records transport presence for a team.
func (e *Engine) SetTeamConnected(ctx context.Context, id, teamID string, connected bool) error {
	return exec(e, ctx, id, "setTeamConnected", func(ctx context.Context, s *Session) error {
		return s.setTeamConnected(ctx, teamID, connected)
	})
}

func (e *Engine) AddRound(ctx context.Context, id, title string) (domain.Round, error) {
	return run(e, ctx, id, "addRound", func(ctx context.Context, s *Session) (domain.Round, error) {
		return s.addRound(ctx, title)
	})
}

func (e *Engine) RenameRound(ctx context.Context, id, roundID, title string) error {
	return exec(e, ctx, id, "renameRound", func(ctx context.Context, s *Session) error {
		return s.renameRound(ctx, roundID, title)
	})
}

func (e *Engine) AddQuestion(ctx context.Context, id, roundID string, spec domain.QuestionSpec) (domain.Question, error) {
	return run(e, ctx, id, "addQuestion", func(ctx context.Context, s *Session) (domain.Question, error) {
		return s.addQuestion(ctx, roundID, spec)
	})
}

// ActivateQuestion makes a question current and starts its countdown from its full duration.
func (e *Engine) ActivateQuestion(ctx context.Context, id, questionID string) error {
	return exec(e, ctx, id, "activateQuestion", func(ctx context.Context, s *Session) error {
		return s.activateQuestion(ctx, questionID)
	})
}

func (e *Engine) StartTimer(ctx context.Context, id string) error {
	return exec(e, ctx, id, "startTimer", func(ctx context.Context, s *Session) error {
		return s.startTimer(ctx)
	})
}

func (e *Engine) StopTimer(ctx context.Context, id string) error {
	return exec(e, ctx, id, "stopTimer", func(ctx context.Context, s *Session) error {
		return s.stopTimer(ctx)
	})
}

// ClaimBuzzer grants the buzzer to the first team that reaches the session lock.
func (e *Engine) ClaimBuzzer(ctx context.Context, id, teamID string) error {
	return exec(e, ctx, id, "claimBuzzer", func(ctx context.Context, s *Session) error {
		return s.claimBuzzer(ctx, teamID)
	})
}

// SubmitAnswerInput identifies an answer. An empty QuestionID means the current question.
type SubmitAnswerInput struct {
	TeamID     string `json:"teamId"`
	QuestionID string `json:"questionId"`
	Text       string `json:"text"`
}

func (e *Engine) SubmitAnswer(ctx context.Context, id string, in SubmitAnswerInput) error {
	return exec(e, ctx, id, "submitAnswer", func(ctx context.Context, s *Session) error {
		return s.submitAnswer(ctx, in.TeamID, in.QuestionID, in.Text)
	})
}

// RevealAnswer judges the current question and awards points. It can happen once per activation.
func (e *Engine) RevealAnswer(ctx context.Context, id string) (RevealResult, error) {
	return run(e, ctx, id, "revealAnswer", func(ctx context.Context, s *Session) (RevealResult, error) {
		return s.revealAnswer(ctx)
	})
}

// AdvanceQuestion activates the next question of the round, or reports the end of the round.
func (e *Engine) AdvanceQuestion(ctx context.Context, id string) (AdvanceResult, error) {
	return run(e, ctx, id, "advanceQuestion", func(ctx context.Context, s *Session) (AdvanceResult, error) {
		return s.advanceQuestion(ctx)
	})
}

// UseJokerInput identifies a joker use. An empty QuestionID means the current question.
type UseJokerInput struct {
	TeamID     string `json:"teamId"`
	QuestionID string `json:"questionId"`
	Kind       string `json:"kind"`
}

func (e *Engine) UseJoker(ctx context.Context, id string, in UseJokerInput) (domain.JokerUsage, error) {
	return run(e, ctx, id, "useJoker", func(ctx context.Context, s *Session) (domain.JokerUsage, error) {
		return s.useJoker(ctx, in.TeamID, in.QuestionID, in.Kind)
	})
}

func (e *Engine) SetLive(ctx context.Context, id string, live bool) error {
	return exec(e, ctx, id, "setLive", func(ctx context.Context, s *Session) error {
		return s.setLive(ctx, live)
	})
}

// AdjustScore is the operator's manual override; it is accepted in every phase.
func (e *Engine) AdjustScore(ctx context.Context, id, teamID string, delta int) (domain.Team, error) {
	return run(e, ctx, id, "adjustScore", func(ctx context.Context, s *Session) (domain.Team, error) {
		return s.adjustScore(ctx, teamID, delta)
	})
}

func (e *Engine) UpdateSettings(ctx context.Context, id string, settings domain.Settings) error {
	return exec(e, ctx, id, "updateSettings", func(ctx context.Context, s *Session) error {
		return s.updateSettings(ctx, settings)
	})
}

// Evict unloads sessions that are offline, unobserved and idle for longer than ttl.
// Their state stays in storage and is loaded again on the next access.
func (e *Engine) Evict(ttl time.Duration) int {
	cutoff := e.opts.now().Add(-ttl)
	e.mu.RLock()
	candidates := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		candidates = append(candidates, s)
	}
	e.mu.RUnlock()

	evicted := 0
	for _, s := range candidates {
		if s.evictIfIdle(cutoff) {
			e.forget(s)
			evicted++
		}
	}
	if evicted > 0 {
		e.mu.RLock()
		n := len(e.sessions)
		e.mu.RUnlock()
		e.opts.metrics.SessionsLoaded(n)
		e.opts.logger.Info("sessions evicted", slog.Int("count", evicted), slog.Int("loaded", n))
	}
	return evicted
}

// LiveSessions lists the ids of loaded sessions that are currently live.
func (e *Engine) LiveSessions() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.sessions))
	for id, s := range e.sessions {
		if s.isLive() {
			ids = append(ids, id)
		}
	}
	return ids
}

// Close stops every countdown and ends every subscription.
func (e *Engine) Close() {
	e.mu.Lock()
	sessions := e.sessions
	e.sessions = make(map[string]*Session)
	e.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
	e.opts.metrics.SessionsLoaded(0)
}
