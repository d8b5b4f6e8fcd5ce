package domain

import (
	"errors"
	"fmt"
	"testing"
)

func sampleSession() *Session {
	correct := true
	return &Session{
		ID:    "s1",
		Phase: PhaseQuestionLocked,
		Rounds: []Round{{ID: "r1", Order: 1, Questions: []Question{
			{ID: "q1", RoundID: "r1", Kind: KindBuzzer},
			{ID: "q2", RoundID: "r1", Kind: KindMultipleChoice, Choices: []string{"a", "b"}},
		}}},
		CurrentRoundID:    "r1",
		CurrentQuestionID: "q1",
		Buzzer:            BuzzerLock{Locked: true, WinnerID: "t1"},
		Teams:             []Team{{ID: "t1", Name: "One", Jokers: 3}},
		Answers:           []Answer{{QuestionID: "q1", TeamID: "t1", Text: "x", Correct: &correct}},
	}
}

func TestCloneSharesNothing(t *testing.T) {
	s := sampleSession()
	c := s.Clone()

	c.Rounds[0].Questions[1].Choices[0] = "changed"
	c.Teams[0].Score = 99
	*c.Answers[0].Correct = false

	if s.Rounds[0].Questions[1].Choices[0] != "a" || s.Teams[0].Score != 0 || !*s.Answers[0].Correct {
		t.Fatalf("clone leaked into original: %+v", s)
	}
}

func TestLookups(t *testing.T) {
	s := sampleSession()
	if q, ok := s.CurrentQuestion(); !ok || q.ID != "q1" {
		t.Fatalf("current question: %v %v", q, ok)
	}
	if q, ok := s.NextQuestion("q1"); !ok || q.ID != "q2" {
		t.Fatalf("next question: %v %v", q, ok)
	}
	if _, ok := s.NextQuestion("q2"); ok {
		t.Fatalf("q2 is the last question of its round")
	}
	if _, ok := s.Answer("q1", "t1"); !ok {
		t.Fatalf("expected answer")
	}
	if got := s.NextRoundOrder(); got != 2 {
		t.Fatalf("next round order = %d", got)
	}
}

func TestCheckInvariants(t *testing.T) {
	if err := sampleSession().CheckInvariants(); err != nil {
		t.Fatalf("sample should be valid: %v", err)
	}
	broken := map[string]func(s *Session){
		"lock without winner": func(s *Session) { s.Buzzer.WinnerID = "" },
		"winner without lock": func(s *Session) { s.Buzzer.Locked = false; s.Phase = PhaseQuestionActive },
		"negative timer":      func(s *Session) { s.Timer.Remaining = -1 },
		"locked phase":        func(s *Session) { s.Buzzer = BuzzerLock{}; s.Phase = PhaseQuestionLocked },
		"no current question": func(s *Session) { s.CurrentQuestionID = "" },
		"round order":         func(s *Session) { s.Rounds = append(s.Rounds, Round{ID: "r2", Order: 1}) },
		"negative jokers":     func(s *Session) { s.Teams[0].Jokers = -1 },
	}
	for name, mutate := range broken {
		s := sampleSession()
		mutate(s)
		if err := s.CheckInvariants(); err == nil {
			t.Fatalf("%s: expected violation", name)
		}
	}
}

func TestCodeOf(t *testing.T) {
	wrapped := fmt.Errorf("%w: %w", ErrInvalidTransition, ErrNotFound)
	if got := CodeOf(wrapped); got != CodeInvalidTransition {
		t.Fatalf("got %s", got)
	}
	if got := CodeOf(fmt.Errorf("x: %w", ErrNoJokersRemaining)); got != CodeNoJokersRemaining {
		t.Fatalf("got %s", got)
	}
	if got := CodeOf(errors.New("boom")); got != CodeUnknown {
		t.Fatalf("got %s", got)
	}
	if IsRetryable(ErrValidationFailed) || !IsRetryable(fmt.Errorf("w: %w", ErrPersistenceFailure)) {
		t.Fatalf("only persistence failures are retryable")
	}
}
