package app

import (
	"context"
	"fmt"

	"blindtest-service/internal/domain"
)

// RevealResult is the judged outcome of one question.
type RevealResult struct {
	QuestionID    string    `json:"questionId"`
	CorrectAnswer string    `json:"correctAnswer"`
	Verdicts      []Verdict `json:"verdicts"`
}

// Verdict is the judgement of one team's answer.
type Verdict struct {
	TeamID  string `json:"teamId"`
	Text    string `json:"text"`
	Correct bool   `json:"correct"`
	Awarded int    `json:"awarded"`
}

// AdvanceResult tells the operator where advancing landed.
type AdvanceResult struct {
	// Question is the newly active question; nil at the end of the round.
	Question   *domain.Question `json:"question,omitempty"`
	EndOfRound bool             `json:"endOfRound"`
}

func clearAnswers(n *domain.Session, questionID string) {
	kept := n.Answers[:0]
	for _, a := range n.Answers {
		if a.QuestionID != questionID {
			kept = append(kept, a)
		}
	}
	n.Answers = kept
}

func (s *Session) submitAnswer(ctx context.Context, teamID, questionID, text string) error {
	text, err := domain.ValidateAnswerText(text)
	if err != nil {
		return err
	}
	_, err = s.mutate(ctx, "submitAnswer", teamID, func(c *change) error {
		n := c.next
		if _, ok := n.Team(teamID); !ok {
			return fmt.Errorf("%w: team %s", domain.ErrNotFound, teamID)
		}
		q, ok := n.CurrentQuestion()
		if !ok || (questionID != "" && q.ID != questionID) {
			return fmt.Errorf("%w: question %s is not live", domain.ErrQuestionNotActive, questionID)
		}
		switch q.Kind {
		case domain.KindBuzzer:
			if n.Phase != domain.PhaseQuestionLocked || n.Buzzer.WinnerID != teamID {
				return fmt.Errorf("%w: only the buzzer winner may answer", domain.ErrQuestionNotActive)
			}
		default:
			if n.Phase != domain.PhaseQuestionActive {
				return fmt.Errorf("%w: phase %s", domain.ErrQuestionNotActive, n.Phase)
			}
		}

		if a, ok := n.Answer(q.ID, teamID); ok {
			a.Text = text
			a.SubmittedAt = c.now
		} else {
			n.Answers = append(n.Answers, domain.Answer{
				QuestionID:  q.ID,
				TeamID:      teamID,
				Text:        text,
				SubmittedAt: c.now,
			})
		}
		// The text stays off the wire until reveal.
		c.emit(domain.EventAnswerSubmitted, domain.EntityAnswer, q.ID+":"+teamID, map[string]any{
			"questionId": q.ID,
			"teamId":     teamID,
		})
		return nil
	})
	return err
}

func (s *Session) revealAnswer(ctx context.Context) (RevealResult, error) {
	var res RevealResult
	_, err := s.mutate(ctx, "revealAnswer", "operator", func(c *change) error {
		n := c.next
		if n.Phase != domain.PhaseQuestionActive && n.Phase != domain.PhaseQuestionLocked {
			return fmt.Errorf("%w: cannot reveal while %s", domain.ErrInvalidTransition, n.Phase)
		}
		q, ok := n.CurrentQuestion()
		if !ok {
			return fmt.Errorf("%w: no current question", domain.ErrInvalidTransition)
		}
		res = RevealResult{QuestionID: q.ID, CorrectAnswer: q.CorrectAnswer, Verdicts: []Verdict{}}

		for i := range n.Answers {
			a := &n.Answers[i]
			if a.QuestionID != q.ID {
				continue
			}
			if q.Kind == domain.KindBuzzer && a.TeamID != n.Buzzer.WinnerID {
				continue
			}
			correct := domain.SameText(a.Text, q.CorrectAnswer)
			a.Correct = &correct
			v := Verdict{TeamID: a.TeamID, Text: a.Text, Correct: correct}
			if t, ok := n.Team(a.TeamID); ok && correct && q.Points > 0 {
				t.Score += q.Points
				v.Awarded = q.Points
				c.emitTeam(domain.EventTeamUpdated, t)
			}
			res.Verdicts = append(res.Verdicts, v)
		}

		n.Phase = domain.PhaseAnswerRevealed
		if n.Timer.Active {
			n.Timer.Active = false
			c.emitTimer()
		}
		c.emit(domain.EventAnswerRevealed, domain.EntityQuestion, q.ID, map[string]any{
			"correctAnswer": q.CorrectAnswer,
			"verdicts":      res.Verdicts,
			"phase":         n.Phase,
		})
		return nil
	})
	return res, err
}

func (s *Session) advanceQuestion(ctx context.Context) (AdvanceResult, error) {
	var res AdvanceResult
	_, err := s.mutate(ctx, "advanceQuestion", "operator", func(c *change) error {
		n := c.next
		if !n.Live {
			return fmt.Errorf("%w: session is not live", domain.ErrInvalidTransition)
		}
		if n.Phase != domain.PhaseAnswerRevealed {
			return fmt.Errorf("%w: cannot advance while %s", domain.ErrInvalidTransition, n.Phase)
		}
		if next, ok := n.NextQuestion(n.CurrentQuestionID); ok {
			_, r, _ := n.Question(next.ID)
			activate(c, next, r)
			q := *next
			res.Question = &q
			return nil
		}

		roundID := n.CurrentRoundID
		n.CurrentQuestionID = ""
		n.Phase = domain.PhaseIdle
		n.Timer = domain.TimerState{}
		if _, released := release(&n.Buzzer); released {
			c.emit(domain.EventBuzzerReleased, domain.EntityQuestion, "", map[string]any{"reason": "round_ended"})
		}
		c.emitTimer()
		c.emitSession()
		c.emit(domain.EventRoundEnded, domain.EntityRound, roundID, nil)
		res.EndOfRound = true
		return nil
	})
	return res, err
}

func (s *Session) useJoker(ctx context.Context, teamID, questionID, kind string) (domain.JokerUsage, error) {
	kind, err := domain.ValidateJokerKind(kind)
	if err != nil {
		return domain.JokerUsage{}, err
	}
	var usage domain.JokerUsage
	_, err = s.mutate(ctx, "useJoker", teamID, func(c *change) error {
		n := c.next
		t, ok := n.Team(teamID)
		if !ok {
			return fmt.Errorf("%w: team %s", domain.ErrNotFound, teamID)
		}
		if questionID == "" {
			questionID = n.CurrentQuestionID
		}
		if questionID == "" || questionID != n.CurrentQuestionID || n.Phase == domain.PhaseIdle {
			return fmt.Errorf("%w: question %q is not live", domain.ErrQuestionNotActive, questionID)
		}
		if t.Jokers <= 0 {
			return fmt.Errorf("%w: team %s", domain.ErrNoJokersRemaining, teamID)
		}
		t.Jokers--
		usage = domain.JokerUsage{
			ID:         s.opts.newID(),
			TeamID:     teamID,
			QuestionID: questionID,
			Kind:       kind,
			UsedAt:     c.now,
		}
		n.Jokers = append(n.Jokers, usage)
		c.emit(domain.EventJokerUsed, domain.EntityJoker, usage.ID, map[string]any{
			"teamId":     teamID,
			"questionId": questionID,
			"kind":       kind,
			"remaining":  t.Jokers,
		})
		return nil
	})
	return usage, err
}
