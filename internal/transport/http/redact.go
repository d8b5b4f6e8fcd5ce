package http

import "blindtest-service/internal/domain"

// redact hides what a non-operator must not see before reveal: correct answers of
// unrevealed questions and other teams' pending answers. s is modified in place.
func redact(s *domain.Session, role Role, teamID string) *domain.Session {
	if role == RoleOperator {
		return s
	}
	revealed := map[string]bool{}
	if s.Phase == domain.PhaseAnswerRevealed {
		revealed[s.CurrentQuestionID] = true
	}
	for _, a := range s.Answers {
		if a.Correct != nil {
			revealed[a.QuestionID] = true
		}
	}
	for i := range s.Rounds {
		for j := range s.Rounds[i].Questions {
			q := &s.Rounds[i].Questions[j]
			if !revealed[q.ID] {
				q.CorrectAnswer = ""
			}
		}
	}
	for i := range s.Answers {
		a := &s.Answers[i]
		if !revealed[a.QuestionID] && (role != RolePlayer || a.TeamID != teamID) {
			a.Text = ""
		}
	}
	return s
}
