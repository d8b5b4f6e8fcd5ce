package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"blindtest-service/internal/domain"
)

// errSessionEvicted tells the engine the session left the registry mid-call; it re-resolves and retries.
var errSessionEvicted = errors.New("session evicted")

// Session is the single-writer state machine of one live event. All mutations,
// including timer ticks, run under mu; snapshots take the read lock.
type Session struct {
	id      string
	mu      sync.RWMutex
	state   *domain.Session
	store   Persistence
	bus     *Broadcaster
	timer   countdown
	opts    *options
	touched time.Time
	closed  bool
}

func newSession(state *domain.Session, store Persistence, opts *options) *Session {
	s := &Session{
		id:      state.ID,
		state:   state,
		store:   store,
		bus:     newBroadcaster(opts.historySize, opts.maxPending, opts.metrics),
		timer:   countdown{newTicker: opts.newTicker},
		opts:    opts,
		touched: opts.now(),
	}
	for _, sink := range opts.sinks {
		sink := sink
		s.bus.attach(state, func(ev domain.Event) {
			if err := sink.Publish(context.Background(), ev); err != nil {
				opts.logger.Warn("event sink publish failed",
					slog.String("session_id", ev.SessionID), slog.Uint64("seq", ev.Seq), slog.String("error", err.Error()))
			}
		})
	}
	s.mu.Lock()
	s.syncTimerLocked(false)
	s.mu.Unlock()
	return s
}

// change is one command in flight: a private copy of the state plus the events it produced.
type change struct {
	next   *domain.Session
	now    time.Time
	events []domain.Event
	rearm  bool
}

func (c *change) emit(typ domain.EventType, entity domain.EntityKind, id string, fields map[string]any) {
	c.events = append(c.events, domain.Event{
		SessionID: c.next.ID,
		Type:      typ,
		Entity:    entity,
		EntityID:  id,
		Fields:    fields,
		At:        c.now,
	})
}

func (c *change) emitTimer() {
	c.emit(domain.EventTimerUpdated, domain.EntitySession, c.next.ID, map[string]any{
		"active":    c.next.Timer.Active,
		"remaining": c.next.Timer.Remaining,
	})
}

func (c *change) emitSession() {
	c.emit(domain.EventSessionUpdated, domain.EntitySession, c.next.ID, sessionFields(c.next))
}

func sessionFields(n *domain.Session) map[string]any {
	return map[string]any{
		"projectName":       n.ProjectName,
		"maxTeams":          n.MaxTeams,
		"live":              n.Live,
		"phase":             n.Phase,
		"currentRoundId":    n.CurrentRoundID,
		"currentQuestionId": n.CurrentQuestionID,
	}
}

func (c *change) emitTeam(typ domain.EventType, t *domain.Team) {
	c.emit(typ, domain.EntityTeam, t.ID, map[string]any{
		"name":      t.Name,
		"score":     t.Score,
		"connected": t.Connected,
		"jokers":    t.Jokers,
		"color":     t.Color,
	})
}

// mutate runs apply against a copy of the state and commits it. Nothing is visible to
// readers or subscribers until storage has accepted the new state; a rejected or failed
// command leaves the session exactly as it was.
func (s *Session) mutate(ctx context.Context, command, actor string, apply func(c *change) error) (*change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutateLocked(ctx, command, actor, apply)
}

func (s *Session) mutateLocked(ctx context.Context, command, actor string, apply func(c *change) error) (*change, error) {
	if s.closed {
		return nil, errSessionEvicted
	}
	c := &change{next: s.state.Clone(), now: s.opts.now()}
	if err := apply(c); err != nil {
		return nil, err
	}
	if len(c.events) == 0 {
		return c, nil
	}

	for i := range c.events {
		c.next.Seq++
		c.events[i].Seq = c.next.Seq
	}
	c.next.UpdatedAt = c.now
	if err := c.next.CheckInvariants(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidTransition, err)
	}

	entry := domain.LogEntry{
		SessionID:  c.next.ID,
		Seq:        c.next.Seq,
		Command:    command,
		Actor:      actor,
		Events:     c.events,
		RecordedAt: c.now,
	}
	if err := commit(ctx, s.store, c.next, entry); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrPersistenceFailure, command, err)
	}

	s.state = c.next
	s.touched = c.now
	s.syncTimerLocked(c.rearm)
	s.bus.publish(c.events)
	return c, nil
}

func commit(ctx context.Context, store Persistence, next *domain.Session, entry domain.LogEntry) error {
	if tx, ok := store.(Committer); ok {
		return tx.Commit(ctx, next, entry)
	}
	if err := store.Save(ctx, next); err != nil {
		return err
	}
	return store.AppendLog(ctx, entry)
}

// syncTimerLocked makes the countdown goroutine match the committed timer state.
func (s *Session) syncTimerLocked(rearm bool) {
	if rearm || !s.state.Timer.Active {
		s.timer.stop()
	}
	if s.state.Timer.Active && !s.timer.running() {
		s.timer.start(s.tick)
	}
}

// tick is the timer controller's step: one second less, and a single expiry event when
// the countdown reaches zero. Expiry is advisory; it never reveals the answer.
func (s *Session) tick(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.timer.gen || !s.state.Timer.Active {
		return false
	}

	_, err := s.mutateLocked(context.Background(), "tick", "timer", func(c *change) error {
		n := c.next
		if n.Timer.Remaining > 0 {
			n.Timer.Remaining--
		}
		if n.Timer.Remaining == 0 {
			n.Timer.Active = false
		}
		c.emitTimer()
		if n.Timer.Remaining == 0 {
			c.emit(domain.EventTimerExpired, domain.EntityQuestion, n.CurrentQuestionID, map[string]any{
				"questionId": n.CurrentQuestionID,
			})
		}
		return nil
	})
	if err != nil {
		s.opts.logger.Error("timer tick not applied",
			slog.String("session_id", s.id), slog.String("error", err.Error()))
		return true
	}
	return s.state.Timer.Active
}

func (s *Session) snapshot() *domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

func (s *Session) subscribe(afterSeq uint64) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errSessionEvicted
	}
	return s.bus.subscribe(s.state.Clone(), afterSeq), nil
}

// evictIfIdle closes the session when nobody depends on its in-memory copy.
func (s *Session) evictIfIdle(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.state.Live || s.touched.After(cutoff) || s.bus.observers() > 0 {
		return false
	}
	s.closeLocked()
	return true
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Session) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	s.timer.stop()
	s.bus.close(ErrSessionUnloaded)
}

func (s *Session) isLive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Live
}

// --- commands -------------------------------------------------------------

func (s *Session) addTeam(ctx context.Context, name string) (domain.Team, error) {
	name, err := domain.ValidateTeamName(name)
	if err != nil {
		return domain.Team{}, err
	}
	var team domain.Team
	_, err = s.mutate(ctx, "addTeam", "operator", func(c *change) error {
		n := c.next
		if len(n.Teams) >= n.MaxTeams {
			return fmt.Errorf("%w: session is full (%d teams)", domain.ErrValidationFailed, n.MaxTeams)
		}
		for _, t := range n.Teams {
			if domain.SameText(t.Name, name) {
				return fmt.Errorf("%w: team name %q is taken", domain.ErrValidationFailed, name)
			}
		}
		team = domain.Team{
			ID:       s.opts.newID(),
			Name:     name,
			Jokers:   domain.DefaultJokers,
			Color:    domain.TeamColors[len(n.Teams)%len(domain.TeamColors)],
			JoinedAt: c.now,
		}
		n.Teams = append(n.Teams, team)
		c.emitTeam(domain.EventTeamAdded, &team)
		return nil
	})
	return team, err
}

func (s *Session) removeTeam(ctx context.Context, teamID string) error {
	_, err := s.mutate(ctx, "removeTeam", "operator", func(c *change) error {
		n := c.next
		idx := -1
		for i := range n.Teams {
			if n.Teams[i].ID == teamID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("%w: team %s", domain.ErrNotFound, teamID)
		}
		n.Teams = append(n.Teams[:idx], n.Teams[idx+1:]...)
		c.emit(domain.EventTeamRemoved, domain.EntityTeam, teamID, nil)

		if n.Buzzer.WinnerID == teamID {
			release(&n.Buzzer)
			c.emit(domain.EventBuzzerReleased, domain.EntityQuestion, n.CurrentQuestionID, map[string]any{
				"reason": "winner_removed",
			})
			if n.Phase == domain.PhaseQuestionLocked {
				n.Phase = domain.PhaseQuestionActive
				c.emitSession()
			}
		}
		return nil
	})
	return err
}

func (s *Session) setTeamConnected(ctx context.Context, teamID string, connected bool) error {
	_, err := s.mutate(ctx, "setTeamConnected", teamID, func(c *change) error {
		t, ok := c.next.Team(teamID)
		if !ok {
			return fmt.Errorf("%w: team %s", domain.ErrNotFound, teamID)
		}
		if t.Connected == connected {
			return nil
		}
		t.Connected = connected
		c.emitTeam(domain.EventTeamUpdated, t)
		return nil
	})
	return err
}

func (s *Session) addRound(ctx context.Context, title string) (domain.Round, error) {
	title, err := domain.ValidateRoundTitle(title)
	if err != nil {
		return domain.Round{}, err
	}
	var round domain.Round
	_, err = s.mutate(ctx, "addRound", "operator", func(c *change) error {
		round = domain.Round{ID: s.opts.newID(), Title: title, Order: c.next.NextRoundOrder()}
		c.next.Rounds = append(c.next.Rounds, round)
		c.emit(domain.EventRoundAdded, domain.EntityRound, round.ID, map[string]any{
			"title": round.Title,
			"order": round.Order,
		})
		return nil
	})
	return round, err
}

func (s *Session) renameRound(ctx context.Context, roundID, title string) error {
	title, err := domain.ValidateRoundTitle(title)
	if err != nil {
		return err
	}
	_, err = s.mutate(ctx, "renameRound", "operator", func(c *change) error {
		r, ok := c.next.Round(roundID)
		if !ok {
			return fmt.Errorf("%w: round %s", domain.ErrNotFound, roundID)
		}
		if r.Title == title {
			return nil
		}
		r.Title = title
		c.emit(domain.EventRoundUpdated, domain.EntityRound, r.ID, map[string]any{"title": title})
		return nil
	})
	return err
}

func (s *Session) addQuestion(ctx context.Context, roundID string, spec domain.QuestionSpec) (domain.Question, error) {
	spec, err := spec.Validate()
	if err != nil {
		return domain.Question{}, err
	}
	var q domain.Question
	_, err = s.mutate(ctx, "addQuestion", "operator", func(c *change) error {
		r, ok := c.next.Round(roundID)
		if !ok {
			return fmt.Errorf("%w: round %s", domain.ErrNotFound, roundID)
		}
		q = domain.Question{
			ID:            s.opts.newID(),
			RoundID:       r.ID,
			Kind:          spec.Kind,
			Prompt:        spec.Prompt,
			Choices:       spec.Choices,
			CorrectAnswer: spec.CorrectAnswer,
			Points:        spec.Points,
			Duration:      spec.Duration,
			AudioRef:      spec.AudioRef,
		}
		r.Questions = append(r.Questions, q)
		c.emit(domain.EventQuestionAdded, domain.EntityQuestion, q.ID, questionFields(&q))
		return nil
	})
	return q, err
}

func questionFields(q *domain.Question) map[string]any {
	return map[string]any{
		"roundId":  q.RoundID,
		"kind":     q.Kind,
		"prompt":   q.Prompt,
		"choices":  q.Choices,
		"points":   q.Points,
		"duration": q.Duration,
		"audioRef": q.AudioRef,
	}
}

func (s *Session) activateQuestion(ctx context.Context, questionID string) error {
	_, err := s.mutate(ctx, "activateQuestion", "operator", func(c *change) error {
		n := c.next
		if !n.Live {
			return fmt.Errorf("%w: session is not live", domain.ErrInvalidTransition)
		}
		if n.Phase != domain.PhaseIdle && n.Phase != domain.PhaseAnswerRevealed {
			return fmt.Errorf("%w: cannot activate a question while %s", domain.ErrInvalidTransition, n.Phase)
		}
		q, r, ok := n.Question(questionID)
		if !ok {
			return fmt.Errorf("%w: %w: question %s is not part of this session",
				domain.ErrInvalidTransition, domain.ErrNotFound, questionID)
		}
		activate(c, q, r)
		return nil
	})
	return err
}

// activate arms q: fresh answers, buzzer open, timer reset to the question's duration and running.
func activate(c *change, q *domain.Question, r *domain.Round) {
	n := c.next
	n.CurrentRoundID = r.ID
	n.CurrentQuestionID = q.ID
	n.Phase = domain.PhaseQuestionActive
	_, released := release(&n.Buzzer)
	clearAnswers(n, q.ID)
	n.Timer = domain.TimerState{Active: true, Remaining: q.Duration}
	c.rearm = true

	fields := questionFields(q)
	fields["phase"] = n.Phase
	c.emit(domain.EventQuestionActivated, domain.EntityQuestion, q.ID, fields)
	if released {
		c.emit(domain.EventBuzzerReleased, domain.EntityQuestion, q.ID, map[string]any{"reason": "question_activated"})
	}
	c.emitTimer()
}

func (s *Session) startTimer(ctx context.Context) error {
	_, err := s.mutate(ctx, "startTimer", "operator", func(c *change) error {
		n := c.next
		if n.Timer.Active {
			return nil
		}
		if !n.Live {
			return fmt.Errorf("%w: session is not live", domain.ErrInvalidTransition)
		}
		if n.Phase != domain.PhaseQuestionActive && n.Phase != domain.PhaseQuestionLocked {
			return fmt.Errorf("%w: no running question (phase %s)", domain.ErrInvalidTransition, n.Phase)
		}
		if n.Timer.Remaining == 0 {
			return fmt.Errorf("%w: time is up", domain.ErrInvalidTransition)
		}
		n.Timer.Active = true
		c.emitTimer()
		return nil
	})
	return err
}

func (s *Session) stopTimer(ctx context.Context) error {
	_, err := s.mutate(ctx, "stopTimer", "operator", func(c *change) error {
		if !c.next.Timer.Active {
			return nil
		}
		c.next.Timer.Active = false
		c.emitTimer()
		return nil
	})
	return err
}

func (s *Session) claimBuzzer(ctx context.Context, teamID string) error {
	_, err := s.mutate(ctx, "claimBuzzer", teamID, func(c *change) error {
		n := c.next
		if _, ok := n.Team(teamID); !ok {
			return fmt.Errorf("%w: team %s", domain.ErrNotFound, teamID)
		}
		q, ok := n.CurrentQuestion()
		if !ok {
			return fmt.Errorf("%w: no current question", domain.ErrQuestionNotActive)
		}
		if n.Buzzer.Locked {
			return fmt.Errorf("%w: won by %s", domain.ErrBuzzerAlreadyLocked, n.Buzzer.WinnerID)
		}
		if q.Kind != domain.KindBuzzer {
			return fmt.Errorf("%w: question %s is %s", domain.ErrInvalidTransition, q.ID, q.Kind)
		}
		if n.Phase != domain.PhaseQuestionActive {
			return fmt.Errorf("%w: phase %s", domain.ErrQuestionNotActive, n.Phase)
		}
		tryLock(&n.Buzzer, teamID)
		n.Phase = domain.PhaseQuestionLocked
		c.emit(domain.EventBuzzerLocked, domain.EntityQuestion, q.ID, map[string]any{
			"winnerId": teamID,
			"phase":    n.Phase,
		})
		return nil
	})
	s.opts.metrics.BuzzerClaim(err == nil)
	return err
}

func (s *Session) setLive(ctx context.Context, live bool) error {
	_, err := s.mutate(ctx, "setLive", "operator", func(c *change) error {
		n := c.next
		if n.Live == live {
			return nil
		}
		n.Live = live
		if !live && n.Timer.Active {
			n.Timer.Active = false
			c.emitTimer()
		}
		c.emitSession()
		return nil
	})
	return err
}

func (s *Session) adjustScore(ctx context.Context, teamID string, delta int) (domain.Team, error) {
	var team domain.Team
	_, err := s.mutate(ctx, "adjustScore", "operator", func(c *change) error {
		t, ok := c.next.Team(teamID)
		if !ok {
			return fmt.Errorf("%w: team %s", domain.ErrNotFound, teamID)
		}
		if delta != 0 {
			t.Score += delta
			c.emitTeam(domain.EventTeamUpdated, t)
		}
		team = *t
		return nil
	})
	return team, err
}

func (s *Session) updateSettings(ctx context.Context, settings domain.Settings) error {
	settings, err := settings.Validate()
	if err != nil {
		return err
	}
	_, err = s.mutate(ctx, "updateSettings", "operator", func(c *change) error {
		n := c.next
		changed := false
		if settings.ProjectName != nil && *settings.ProjectName != n.ProjectName {
			n.ProjectName = *settings.ProjectName
			changed = true
		}
		if settings.MaxTeams != nil && *settings.MaxTeams != n.MaxTeams {
			if *settings.MaxTeams < len(n.Teams) {
				return fmt.Errorf("%w: maxTeams %d is below the %d teams already joined", domain.ErrValidationFailed, *settings.MaxTeams, len(n.Teams))
			}
			n.MaxTeams = *settings.MaxTeams
			changed = true
		}
		if changed {
			c.emitSession()
		}
		return nil
	})
	return err
}
