package app_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"blindtest-service/internal/app"
	"blindtest-service/internal/domain"
	"blindtest-service/internal/infra/memory"
)

type manualTicker struct{ c chan time.Time }

func (m *manualTicker) C() <-chan time.Time { return m.c }
func (m *manualTicker) Stop()               {}

// tickers hands out tickers the test fires by hand.
type tickers struct {
	mu     sync.Mutex
	latest *manualTicker
}

func (f *tickers) new(time.Duration) app.Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest = &manualTicker{c: make(chan time.Time)}
	return f.latest
}

// fire delivers one tick to the most recent countdown; false if nobody is listening.
func (f *tickers) fire() bool {
	f.mu.Lock()
	t := f.latest
	f.mu.Unlock()
	if t == nil {
		return false
	}
	select {
	case t.c <- time.Now():
		return true
	case <-time.After(200 * time.Millisecond):
		return false
	}
}

type fixture struct {
	engine *app.Engine
	store  *memory.SessionStore
	ticks  *tickers
	id     string
	round  string
}

func newFixture(t *testing.T, opts ...app.Option) *fixture {
	t.Helper()
	f := &fixture{store: memory.NewSessionStore(), ticks: &tickers{}}
	base := []app.Option{
		app.WithTicker(f.ticks.new),
		app.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	f.engine = app.NewEngine(f.store, append(base, opts...)...)
	t.Cleanup(f.engine.Close)

	session, err := f.engine.CreateSession(context.Background(), app.CreateSessionInput{ProjectName: "Test Night"})
	require.NoError(t, err)
	f.id = session.ID
	f.round = session.Rounds[0].ID
	return f
}

func (f *fixture) team(t *testing.T, name string) string {
	t.Helper()
	team, err := f.engine.AddTeam(context.Background(), f.id, name)
	require.NoError(t, err)
	return team.ID
}

func (f *fixture) question(t *testing.T, spec domain.QuestionSpec) string {
	t.Helper()
	q, err := f.engine.AddQuestion(context.Background(), f.id, f.round, spec)
	require.NoError(t, err)
	return q.ID
}

func buzzerQuestion(answer string, duration int) domain.QuestionSpec {
	return domain.QuestionSpec{
		Kind:          domain.KindBuzzer,
		Prompt:        "Name this song",
		CorrectAnswer: answer,
		Points:        100,
		Duration:      duration,
	}
}

func choiceQuestion() domain.QuestionSpec {
	return domain.QuestionSpec{
		Kind:          domain.KindMultipleChoice,
		Prompt:        "Who sings this track?",
		Choices:       []string{"Queen", "ABBA", "Muse"},
		CorrectAnswer: "Queen",
		Points:        50,
		Duration:      20,
	}
}

func nextEvent(t *testing.T, sub *app.Subscription) domain.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed: %v", sub.Err())
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return domain.Event{}
	}
}

func nextOfType(t *testing.T, sub *app.Subscription, typ domain.EventType) domain.Event {
	t.Helper()
	for {
		if ev := nextEvent(t, sub); ev.Type == typ {
			return ev
		}
	}
}

func TestCreateSessionDefaults(t *testing.T) {
	f := newFixture(t)
	snap, err := f.engine.Snapshot(context.Background(), f.id)
	require.NoError(t, err)

	assert.Equal(t, "Test Night", snap.ProjectName)
	assert.Equal(t, domain.DefaultMaxTeams, snap.MaxTeams)
	assert.Equal(t, domain.PhaseIdle, snap.Phase)
	assert.False(t, snap.Live)
	require.Len(t, snap.Rounds, 1)
	assert.Equal(t, "Manche 1", snap.Rounds[0].Title)
	assert.Equal(t, uint64(2), snap.Seq)

	log, err := f.store.Log(context.Background(), f.id, 0)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, "createSession", log[0].Command)
	assert.Len(t, log[0].Events, 2)
}

func TestCreateSessionRejectsInvalidSettings(t *testing.T) {
	engine := app.NewEngine(memory.NewSessionStore())
	defer engine.Close()
	_, err := engine.CreateSession(context.Background(), app.CreateSessionInput{MaxTeams: 500})
	assert.ErrorIs(t, err, domain.ErrValidationFailed)
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Snapshot(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, domain.CodeNotFound, domain.CodeOf(err))
}

func TestAddTeamValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.engine.AddTeam(ctx, f.id, "Les Rockeurs")
	require.NoError(t, err)

	_, err = f.engine.AddTeam(ctx, f.id, "  les ROCKEURS ")
	assert.ErrorIs(t, err, domain.ErrValidationFailed, "names are unique regardless of case")

	_, err = f.engine.AddTeam(ctx, f.id, "Bad<script>")
	assert.ErrorIs(t, err, domain.ErrValidationFailed)

	_, err = f.engine.AddTeam(ctx, f.id, "")
	assert.ErrorIs(t, err, domain.ErrValidationFailed)

	snap, err := f.engine.Snapshot(ctx, f.id)
	require.NoError(t, err)
	require.Len(t, snap.Teams, 1)
	assert.Equal(t, domain.DefaultJokers, snap.Teams[0].Jokers)
	assert.Equal(t, domain.TeamColors[0], snap.Teams[0].Color)
	assert.False(t, snap.Teams[0].Connected)
}

func TestAddTeamRejectsFullSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	two := 2
	require.NoError(t, f.engine.UpdateSettings(ctx, f.id, domain.Settings{MaxTeams: &two}))

	f.team(t, "Alpha")
	f.team(t, "Beta")
	_, err := f.engine.AddTeam(ctx, f.id, "Gamma")
	assert.ErrorIs(t, err, domain.ErrValidationFailed)
}

func TestActivateRequiresLiveSessionAndKnownQuestion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	q := f.question(t, buzzerQuestion("Bohemian Rhapsody", 30))

	err := f.engine.ActivateQuestion(ctx, f.id, q)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	require.NoError(t, f.engine.SetLive(ctx, f.id, true))
	err = f.engine.ActivateQuestion(ctx, f.id, "nope")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, domain.CodeInvalidTransition, domain.CodeOf(err))

	require.NoError(t, f.engine.ActivateQuestion(ctx, f.id, q))
	err = f.engine.ActivateQuestion(ctx, f.id, q)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "cannot re-activate while a question runs")

	snap, err := f.engine.Snapshot(ctx, f.id)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseQuestionActive, snap.Phase)
	assert.Equal(t, domain.TimerState{Active: true, Remaining: 30}, snap.Timer)
}

func TestConcurrentBuzzerHasExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	teams := make([]string, domain.DefaultMaxTeams)
	for i := range teams {
		teams[i] = f.team(t, "Team "+string(rune('A'+i)))
	}
	q := f.question(t, buzzerQuestion("Bohemian Rhapsody", 30))
	require.NoError(t, f.engine.SetLive(ctx, f.id, true))
	require.NoError(t, f.engine.ActivateQuestion(ctx, f.id, q))

	errs := make([]error, len(teams))
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i, id := range teams {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			<-start
			errs[i] = f.engine.ClaimBuzzer(ctx, f.id, id)
		}(i, id)
	}
	close(start)
	wg.Wait()

	winner := ""
	for i, err := range errs {
		if err == nil {
			require.Empty(t, winner, "two teams won the buzzer")
			winner = teams[i]
			continue
		}
		assert.ErrorIs(t, err, domain.ErrBuzzerAlreadyLocked)
	}
	require.NotEmpty(t, winner)

	snap, err := f.engine.Snapshot(ctx, f.id)
	require.NoError(t, err)
	assert.Equal(t, domain.BuzzerLock{Locked: true, WinnerID: winner}, snap.Buzzer)
	assert.Equal(t, domain.PhaseQuestionLocked, snap.Phase)
}

func TestClaimBuzzerRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	team := f.team(t, "Solo")
	mcq := f.question(t, choiceQuestion())
	require.NoError(t, f.engine.SetLive(ctx, f.id, true))

	err := f.engine.ClaimBuzzer(ctx, f.id, team)
	assert.ErrorIs(t, err, domain.ErrQuestionNotActive)

	err = f.engine.ClaimBuzzer(ctx, f.id, "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, f.engine.ActivateQuestion(ctx, f.id, mcq))
	err = f.engine.ClaimBuzzer(ctx, f.id, team)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestScenarioBuzzerRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rockeurs := f.team(t, "Les Rockeurs")
	melody := f.team(t, "Team Melody")
	_, err := f.engine.AdjustScore(ctx, f.id, rockeurs, 450)
	require.NoError(t, err)
	_, err = f.engine.AdjustScore(ctx, f.id, melody, 420)
	require.NoError(t, err)

	q1 := f.question(t, buzzerQuestion("Bohemian Rhapsody", 30))
	q2 := f.question(t, choiceQuestion())
	require.NoError(t, f.engine.SetLive(ctx, f.id, true))
	require.NoError(t, f.engine.ActivateQuestion(ctx, f.id, q1))

	var wg sync.WaitGroup
	results := map[string]error{}
	var mu sync.Mutex
	for _, id := range []string{rockeurs, melody} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := f.engine.ClaimBuzzer(ctx, f.id, id)
			mu.Lock()
			results[id] = err
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	winner, loser := rockeurs, melody
	if results[rockeurs] != nil {
		winner, loser = melody, rockeurs
	}
	require.NoError(t, results[winner])
	require.ErrorIs(t, results[loser], domain.ErrBuzzerAlreadyLocked)

	err = f.engine.SubmitAnswer(ctx, f.id, app.SubmitAnswerInput{TeamID: loser, Text: "Bohemian Rhapsody"})
	assert.ErrorIs(t, err, domain.ErrQuestionNotActive, "only the winner may answer")
	require.NoError(t, f.engine.SubmitAnswer(ctx, f.id, app.SubmitAnswerInput{TeamID: winner, QuestionID: q1, Text: "Bohemian Rhapsody"}))

	res, err := f.engine.RevealAnswer(ctx, f.id)
	require.NoError(t, err)
	require.Len(t, res.Verdicts, 1)
	assert.True(t, res.Verdicts[0].Correct)
	assert.Equal(t, 100, res.Verdicts[0].Awarded)

	snap, err := f.engine.Snapshot(ctx, f.id)
	require.NoError(t, err)
	expected := map[string]int{rockeurs: 450, melody: 420}
	expected[winner] += 100
	for _, team := range snap.Teams {
		assert.Equal(t, expected[team.ID], team.Score, team.Name)
	}
	if winner == rockeurs {
		w, _ := snap.Team(rockeurs)
		assert.Equal(t, 550, w.Score)
	}
	assert.Equal(t, domain.PhaseAnswerRevealed, snap.Phase)
	assert.False(t, snap.Timer.Active)

	adv, err := f.engine.AdvanceQuestion(ctx, f.id)
	require.NoError(t, err)
	require.NotNil(t, adv.Question)
	assert.Equal(t, q2, adv.Question.ID)
	assert.False(t, adv.EndOfRound)

	snap, err = f.engine.Snapshot(ctx, f.id)
	require.NoError(t, err)
	assert.Equal(t, q2, snap.CurrentQuestionID)
	assert.Equal(t, domain.BuzzerLock{}, snap.Buzzer)
	assert.Equal(t, domain.PhaseQuestionActive, snap.Phase)
	assert.Equal(t, domain.TimerState{Active: true, Remaining: 20}, snap.Timer)
}

func TestRevealTwiceDoesNotDoubleAward(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	team := f.team(t, "Alpha")
	q := f.question(t, choiceQuestion())
	require.NoError(t, f.engine.SetLive(ctx, f.id, true))
	require.NoError(t, f.engine.ActivateQuestion(ctx, f.id, q))
	require.NoError(t, f.engine.SubmitAnswer(ctx, f.id, app.SubmitAnswerInput{TeamID: team, Text: "  queen "}))

	_, err := f.engine.RevealAnswer(ctx, f.id)
	require.NoError(t, err)
	_, err = f.engine.RevealAnswer(ctx, f.id)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	snap, err := f.engine.Snapshot(ctx, f.id)
	require.NoError(t, err)
	assert.Equal(t, 50, snap.Teams[0].Score)
	ans, ok := snap.Answer(q, team)
	require.True(t, ok)
	require.NotNil(t, ans.Correct)
	assert.True(t, *ans.Correct)
}

func TestRevealJudgesEveryChoiceAnswer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	right := f.team(t, "Right")
	wrong := f.team(t, "Wrong")
	silent := f.team(t, "Silent")
	q := f.question(t, choiceQuestion())
	require.NoError(t, f.engine.SetLive(ctx, f.id, true))
	require.NoError(t, f.engine.ActivateQuestion(ctx, f.id, q))

	require.NoError(t, f.engine.SubmitAnswer(ctx, f.id, app.SubmitAnswerInput{TeamID: right, Text: "ABBA"}))
	// Resubmitting replaces the previous answer.
	require.NoError(t, f.engine.SubmitAnswer(ctx, f.id, app.SubmitAnswerInput{TeamID: right, Text: "QUEEN"}))
	require.NoError(t, f.engine.SubmitAnswer(ctx, f.id, app.SubmitAnswerInput{TeamID: wrong, Text: "Muse"}))

	res, err := f.engine.RevealAnswer(ctx, f.id)
	require.NoError(t, err)
	require.Len(t, res.Verdicts, 2)

	snap, err := f.engine.Snapshot(ctx, f.id)
	require.NoError(t, err)
	scores := map[string]int{}
	for _, team := range snap.Teams {
		scores[team.ID] = team.Score
	}
	assert.Equal(t, map[string]int{right: 50, wrong: 0, silent: 0}, scores)

	err = f.engine.SubmitAnswer(ctx, f.id, app.SubmitAnswerInput{TeamID: silent, Text: "Queen"})
	assert.ErrorIs(t, err, domain.ErrQuestionNotActive, "answers close at reveal")
}

func TestTimerCountsDownAndExpiresOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	q := f.question(t, buzzerQuestion("Bohemian Rhapsody", 5))
	require.NoError(t, f.engine.SetLive(ctx, f.id, true))
	require.NoError(t, f.engine.ActivateQuestion(ctx, f.id, q))

	sub, err := f.engine.Subscribe(ctx, f.id, 0)
	require.NoError(t, err)
	defer sub.Close()

	expired := 0
	for want := 4; want >= 0; want-- {
		require.True(t, f.ticks.fire())
		ev := nextOfType(t, sub, domain.EventTimerUpdated)
		assert.Equal(t, want, ev.Fields["remaining"])
		if want == 0 {
			assert.Equal(t, false, ev.Fields["active"])
			nextOfType(t, sub, domain.EventTimerExpired)
			expired++
		}
	}
	assert.Equal(t, 1, expired)
	assert.False(t, f.ticks.fire(), "countdown must end at zero")

	snap, err := f.engine.Snapshot(ctx, f.id)
	require.NoError(t, err)
	assert.Equal(t, domain.TimerState{Active: false, Remaining: 0}, snap.Timer)
	assert.Equal(t, domain.PhaseQuestionActive, snap.Phase, "expiry never reveals")

	err = f.engine.StartTimer(ctx, f.id)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestStopAndStartTimerAreIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	q := f.question(t, buzzerQuestion("Bohemian Rhapsody", 10))
	require.NoError(t, f.engine.SetLive(ctx, f.id, true))
	require.NoError(t, f.engine.ActivateQuestion(ctx, f.id, q))
	sub, err := f.engine.Subscribe(ctx, f.id, 0)
	require.NoError(t, err)
	defer sub.Close()
	require.True(t, f.ticks.fire())
	nextOfType(t, sub, domain.EventTimerUpdated)

	require.NoError(t, f.engine.StopTimer(ctx, f.id))
	before, err := f.engine.Snapshot(ctx, f.id)
	require.NoError(t, err)
	require.NoError(t, f.engine.StopTimer(ctx, f.id))
	after, err := f.engine.Snapshot(ctx, f.id)
	require.NoError(t, err)
	assert.Equal(t, before.Seq, after.Seq, "second stop emits nothing")
	assert.False(t, after.Timer.Active)
	assert.Equal(t, 9, after.Timer.Remaining)

	require.NoError(t, f.engine.StartTimer(ctx, f.id))
	require.NoError(t, f.engine.StartTimer(ctx, f.id))
	snap, err := f.engine.Snapshot(ctx, f.id)
	require.NoError(t, err)
	assert.Equal(t, domain.TimerState{Active: true, Remaining: 9}, snap.Timer)
	assert.Equal(t, after.Seq+1, snap.Seq)
}

func TestJokerExhaustion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	team := f.team(t, "Alpha")
	q := f.question(t, choiceQuestion())

	_, err := f.engine.UseJoker(ctx, f.id, app.UseJokerInput{TeamID: team, Kind: "fifty_fifty"})
	assert.ErrorIs(t, err, domain.ErrQuestionNotActive)

	require.NoError(t, f.engine.SetLive(ctx, f.id, true))
	require.NoError(t, f.engine.ActivateQuestion(ctx, f.id, q))
	for i := 0; i < domain.DefaultJokers; i++ {
		usage, err := f.engine.UseJoker(ctx, f.id, app.UseJokerInput{TeamID: team, QuestionID: q, Kind: "fifty_fifty"})
		require.NoError(t, err)
		assert.Equal(t, q, usage.QuestionID)
	}
	_, err = f.engine.UseJoker(ctx, f.id, app.UseJokerInput{TeamID: team, Kind: "fifty_fifty"})
	assert.ErrorIs(t, err, domain.ErrNoJokersRemaining)

	snap, err := f.engine.Snapshot(ctx, f.id)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Teams[0].Jokers)
	assert.Len(t, snap.Jokers, domain.DefaultJokers)
	// Jokers never touch the question.
	got, _, _ := snap.Question(q)
	assert.Len(t, got.Choices, 3)
}

func TestSubscribersSeeCommandOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub, err := f.engine.Subscribe(ctx, f.id, 0)
	require.NoError(t, err)
	defer sub.Close()
	assert.False(t, sub.Replayed)
	last := sub.Snapshot.Seq

	names := []string{"One", "Two", "Three", "Four", "Five"}
	for _, name := range names {
		f.team(t, name)
	}
	for _, name := range names {
		ev := nextEvent(t, sub)
		assert.Equal(t, domain.EventTeamAdded, ev.Type)
		assert.Equal(t, name, ev.Fields["name"])
		assert.Equal(t, last+1, ev.Seq)
		last = ev.Seq
	}
}

func TestPersistenceFailureLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub, err := f.engine.Subscribe(ctx, f.id, 0)
	require.NoError(t, err)
	defer sub.Close()

	f.store.FailWrites(errors.New("connection reset"))
	_, err = f.engine.AddTeam(ctx, f.id, "Ghosts")
	require.ErrorIs(t, err, domain.ErrPersistenceFailure)
	assert.True(t, domain.IsRetryable(err))

	snap, err := f.engine.Snapshot(ctx, f.id)
	require.NoError(t, err)
	assert.Empty(t, snap.Teams)
	assert.Equal(t, sub.Snapshot.Seq, snap.Seq)

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	f.store.FailWrites(nil)
	f.team(t, "Ghosts")
	ev := nextEvent(t, sub)
	assert.Equal(t, sub.Snapshot.Seq+1, ev.Seq)
}

func TestRemovingBuzzerWinnerReleasesLock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.team(t, "Alpha")
	b := f.team(t, "Beta")
	q := f.question(t, buzzerQuestion("Bohemian Rhapsody", 30))
	require.NoError(t, f.engine.SetLive(ctx, f.id, true))
	require.NoError(t, f.engine.ActivateQuestion(ctx, f.id, q))
	require.NoError(t, f.engine.ClaimBuzzer(ctx, f.id, a))

	require.NoError(t, f.engine.RemoveTeam(ctx, f.id, a))
	snap, err := f.engine.Snapshot(ctx, f.id)
	require.NoError(t, err)
	assert.Equal(t, domain.BuzzerLock{}, snap.Buzzer)
	assert.Equal(t, domain.PhaseQuestionActive, snap.Phase)

	require.NoError(t, f.engine.ClaimBuzzer(ctx, f.id, b))
	assert.ErrorIs(t, f.engine.RemoveTeam(ctx, f.id, a), domain.ErrNotFound)
}

func TestAdvanceAtEndOfRound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	q := f.question(t, choiceQuestion())
	require.NoError(t, f.engine.SetLive(ctx, f.id, true))

	_, err := f.engine.AdvanceQuestion(ctx, f.id)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	require.NoError(t, f.engine.ActivateQuestion(ctx, f.id, q))
	_, err = f.engine.RevealAnswer(ctx, f.id)
	require.NoError(t, err)

	sub, err := f.engine.Subscribe(ctx, f.id, 0)
	require.NoError(t, err)
	defer sub.Close()

	res, err := f.engine.AdvanceQuestion(ctx, f.id)
	require.NoError(t, err)
	assert.True(t, res.EndOfRound)
	assert.Nil(t, res.Question)
	ended := nextOfType(t, sub, domain.EventRoundEnded)
	assert.Equal(t, f.round, ended.EntityID)

	snap, err := f.engine.Snapshot(ctx, f.id)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseIdle, snap.Phase)
	assert.Empty(t, snap.CurrentQuestionID)
	assert.Equal(t, domain.TimerState{}, snap.Timer)

	// The operator may run the same question again.
	require.NoError(t, f.engine.ActivateQuestion(ctx, f.id, q))
}

func TestSubscribeReplaysMissedEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.team(t, "One")
	seen, err := f.engine.Snapshot(ctx, f.id)
	require.NoError(t, err)
	f.team(t, "Two")
	f.team(t, "Three")

	sub, err := f.engine.Subscribe(ctx, f.id, seen.Seq)
	require.NoError(t, err)
	defer sub.Close()
	require.True(t, sub.Replayed)

	assert.Equal(t, "Two", nextEvent(t, sub).Fields["name"])
	assert.Equal(t, "Three", nextEvent(t, sub).Fields["name"])
	f.team(t, "Four")
	assert.Equal(t, "Four", nextEvent(t, sub).Fields["name"])
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, app.WithHistory(16, 2))
	slow, err := f.engine.Subscribe(ctx, f.id, 0)
	require.NoError(t, err)
	fast, err := f.engine.Subscribe(ctx, f.id, 0)
	require.NoError(t, err)
	defer fast.Close()

	for _, name := range []string{"One", "Two", "Three", "Four"} {
		f.team(t, name)
		nextEvent(t, fast)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-slow.Events():
			if !ok {
				assert.ErrorIs(t, slow.Err(), app.ErrSubscriberOverflow)
				return
			}
		case <-deadline:
			t.Fatal("slow subscriber was not dropped")
		}
	}
}

func TestEvictAndReloadResumesTimer(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}
	f := newFixture(t, app.WithClock(clock))
	q := f.question(t, buzzerQuestion("Bohemian Rhapsody", 30))

	clockMu.Lock()
	now = now.Add(time.Hour)
	clockMu.Unlock()
	assert.Equal(t, 1, f.engine.Evict(30*time.Minute))
	assert.Empty(t, f.engine.LiveSessions())

	require.NoError(t, f.engine.SetLive(ctx, f.id, true))
	require.NoError(t, f.engine.ActivateQuestion(ctx, f.id, q))
	assert.Equal(t, []string{f.id}, f.engine.LiveSessions())
	clockMu.Lock()
	now = now.Add(time.Hour)
	clockMu.Unlock()
	assert.Equal(t, 0, f.engine.Evict(30*time.Minute), "live sessions stay loaded")

	reloaded := app.NewEngine(f.store, app.WithTicker(f.ticks.new),
		app.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	defer reloaded.Close()
	f.engine.Close()

	sub, err := reloaded.Subscribe(ctx, f.id, 0)
	require.NoError(t, err)
	defer sub.Close()
	assert.Equal(t, domain.TimerState{Active: true, Remaining: 30}, sub.Snapshot.Timer)

	require.True(t, f.ticks.fire())
	ev := nextOfType(t, sub, domain.EventTimerUpdated)
	assert.Equal(t, 29, ev.Fields["remaining"])
}

func TestTeamPresenceAndSettings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	team := f.team(t, "Alpha")

	require.NoError(t, f.engine.SetTeamConnected(ctx, f.id, team, true))
	before, err := f.engine.Snapshot(ctx, f.id)
	require.NoError(t, err)
	require.NoError(t, f.engine.SetTeamConnected(ctx, f.id, team, true))
	after, err := f.engine.Snapshot(ctx, f.id)
	require.NoError(t, err)
	assert.True(t, after.Teams[0].Connected)
	assert.Equal(t, before.Seq, after.Seq)

	name := "Grand Finale"
	require.NoError(t, f.engine.UpdateSettings(ctx, f.id, domain.Settings{ProjectName: &name}))
	round, err := f.engine.AddRound(ctx, f.id, "Manche 2")
	require.NoError(t, err)
	assert.Equal(t, 2, round.Order)
	require.NoError(t, f.engine.RenameRound(ctx, f.id, round.ID, "Finale"))
	assert.ErrorIs(t, f.engine.RenameRound(ctx, f.id, "nope", "x"), domain.ErrNotFound)

	snap, err := f.engine.Snapshot(ctx, f.id)
	require.NoError(t, err)
	assert.Equal(t, "Grand Finale", snap.ProjectName)
	assert.Equal(t, "Finale", snap.Rounds[1].Title)
}

// gatedSink holds every publish until gate is closed.
type gatedSink struct {
	gate chan struct{}
	mu   sync.Mutex
	got  []domain.Event
}

func (s *gatedSink) Publish(_ context.Context, ev domain.Event) error {
	<-s.gate
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, ev)
	return nil
}

func (s *gatedSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func TestSlowSinkKeepsEveryEventAndObserversBlockEviction(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}
	sink := &gatedSink{gate: make(chan struct{})}
	f := newFixture(t, app.WithHistory(16, 4), app.WithEventSink(sink), app.WithClock(clock))

	observer, err := f.engine.Subscribe(ctx, f.id, 0)
	require.NoError(t, err)
	for i := 0; i < 8; i++ {
		_, err := f.engine.AddRound(ctx, f.id, fmt.Sprintf("Manche %d", i+2))
		require.NoError(t, err)
		nextEvent(t, observer)
	}
	close(sink.gate)

	// session.created and round.added from creation, then one event per round.
	require.Eventually(t, func() bool { return sink.count() == 10 }, 2*time.Second, 10*time.Millisecond)
	sink.mu.Lock()
	for i, ev := range sink.got {
		assert.Equal(t, uint64(i+1), ev.Seq)
	}
	sink.mu.Unlock()

	clockMu.Lock()
	now = now.Add(time.Hour)
	clockMu.Unlock()
	assert.Equal(t, 0, f.engine.Evict(time.Minute), "an open observer keeps the session loaded")

	observer.Close()
	assert.Equal(t, 1, f.engine.Evict(time.Minute))
}

func TestCloseEndsObserversWithUnloaded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub, err := f.engine.Subscribe(ctx, f.id, 0)
	require.NoError(t, err)

	f.engine.Close()
	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed")
	}
	assert.ErrorIs(t, sub.Err(), app.ErrSessionUnloaded)
}

func TestCommandSpansCarryErrorStatus(t *testing.T) {
	ctx := context.Background()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	f := newFixture(t, app.WithTracer(tp.Tracer("test")))

	first := f.team(t, "Alpha")
	second := f.team(t, "Beta")
	q := f.question(t, buzzerQuestion("Bohemian Rhapsody", 30))
	require.NoError(t, f.engine.SetLive(ctx, f.id, true))
	require.NoError(t, f.engine.ActivateQuestion(ctx, f.id, q))
	require.NoError(t, f.engine.ClaimBuzzer(ctx, f.id, first))
	require.ErrorIs(t, f.engine.ClaimBuzzer(ctx, f.id, second), domain.ErrBuzzerAlreadyLocked)

	var claims []sdktrace.ReadOnlySpan
	for _, span := range recorder.Ended() {
		if span.Name() == "engine.claimBuzzer" {
			claims = append(claims, span)
		}
	}
	require.Len(t, claims, 2)
	assert.Equal(t, codes.Unset, claims[0].Status().Code)
	assert.Equal(t, codes.Error, claims[1].Status().Code)
	assert.Equal(t, string(domain.CodeBuzzerAlreadyLocked), claims[1].Status().Description)
	assert.NotEmpty(t, claims[1].Events(), "the rejection is recorded on the span")
}

func TestRemovedTeamLeavesOrphanedAnswerAndJoker(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	gone := f.team(t, "Gone")
	stays := f.team(t, "Stays")
	q := f.question(t, choiceQuestion())
	require.NoError(t, f.engine.SetLive(ctx, f.id, true))
	require.NoError(t, f.engine.ActivateQuestion(ctx, f.id, q))

	require.NoError(t, f.engine.SubmitAnswer(ctx, f.id, app.SubmitAnswerInput{TeamID: gone, Text: "Queen"}))
	require.NoError(t, f.engine.SubmitAnswer(ctx, f.id, app.SubmitAnswerInput{TeamID: stays, Text: "Queen"}))
	usage, err := f.engine.UseJoker(ctx, f.id, app.UseJokerInput{TeamID: gone, Kind: "fifty_fifty"})
	require.NoError(t, err)
	require.NoError(t, f.engine.RemoveTeam(ctx, f.id, gone))

	res, err := f.engine.RevealAnswer(ctx, f.id)
	require.NoError(t, err)
	awarded := map[string]int{}
	for _, v := range res.Verdicts {
		awarded[v.TeamID] = v.Awarded
	}
	assert.Equal(t, map[string]int{gone: 0, stays: 50}, awarded)

	snap, err := f.engine.Snapshot(ctx, f.id)
	require.NoError(t, err)
	require.Len(t, snap.Teams, 1)
	_, ok := snap.Team(gone)
	assert.False(t, ok)
	orphan, ok := snap.Answer(q, gone)
	require.True(t, ok, "answers outlive their team")
	assert.Equal(t, "Queen", orphan.Text)
	assert.Contains(t, snap.Jokers, usage)
	require.NoError(t, snap.CheckInvariants())
}

func TestCommandsRequireLiveSessionAndCapacity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.team(t, "Alpha")
	f.team(t, "Beta")
	first := f.question(t, buzzerQuestion("Bohemian Rhapsody", 30))
	f.question(t, choiceQuestion())
	require.NoError(t, f.engine.SetLive(ctx, f.id, true))
	require.NoError(t, f.engine.ActivateQuestion(ctx, f.id, first))

	require.NoError(t, f.engine.SetLive(ctx, f.id, false))
	assert.ErrorIs(t, f.engine.StartTimer(ctx, f.id), domain.ErrInvalidTransition, "paused countdown stays paused offline")

	require.NoError(t, f.engine.SetLive(ctx, f.id, true))
	_, err := f.engine.RevealAnswer(ctx, f.id)
	require.NoError(t, err)
	require.NoError(t, f.engine.SetLive(ctx, f.id, false))
	_, err = f.engine.AdvanceQuestion(ctx, f.id)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	snap, err := f.engine.Snapshot(ctx, f.id)
	require.NoError(t, err)
	assert.Equal(t, first, snap.CurrentQuestionID)

	one := 1
	err = f.engine.UpdateSettings(ctx, f.id, domain.Settings{MaxTeams: &one})
	assert.ErrorIs(t, err, domain.ErrValidationFailed)
	two := 2
	require.NoError(t, f.engine.UpdateSettings(ctx, f.id, domain.Settings{MaxTeams: &two}))
}
