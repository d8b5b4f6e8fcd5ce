package domain

import (
	"fmt"
	"time"
)

const (
	DefaultProjectName = "MusicArena #1"
	DefaultMaxTeams    = 10
	// DefaultJokers is the joker allowance every team starts with.
	DefaultJokers = 3
)

// TeamColors is cycled by join order to give every team a display colour.
var TeamColors = []string{"#FFD700", "#FF6B6B", "#4ECDC4", "#95E1D3", "#F38181", "#AA96DA"}

// Phase is the question lifecycle state of a session.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseQuestionActive Phase = "question_active"
	PhaseQuestionLocked Phase = "question_locked"
	PhaseAnswerRevealed Phase = "answer_revealed"
)

// QuestionKind selects how a question is answered and judged.
type QuestionKind string

const (
	KindBuzzer         QuestionKind = "buzzer"
	KindMultipleChoice QuestionKind = "multiple_choice"
	KindFreeText       QuestionKind = "free_text"
)

// Valid reports whether k is a known question kind.
func (k QuestionKind) Valid() bool {
	switch k {
	case KindBuzzer, KindMultipleChoice, KindFreeText:
		return true
	default:
		return false
	}
}

// TimerState is the externally visible countdown.
type TimerState struct {
	Active    bool `json:"active"`
	Remaining int  `json:"remaining"`
}

// BuzzerLock records which team, if any, won the right to answer.
type BuzzerLock struct {
	Locked   bool   `json:"locked"`
	WinnerID string `json:"winnerId,omitempty"`
}

// Question belongs to exactly one round.
type Question struct {
	ID            string       `json:"id"`
	RoundID       string       `json:"roundId"`
	Kind          QuestionKind `json:"kind"`
	Prompt        string       `json:"prompt"`
	Choices       []string     `json:"choices,omitempty"`
	CorrectAnswer string       `json:"correctAnswer"`
	Points        int          `json:"points"`
	Duration      int          `json:"duration"`
	AudioRef      string       `json:"audioRef,omitempty"`
}

// Round is an ordered group of questions. Questions keep insertion order.
type Round struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Order     int        `json:"order"`
	Questions []Question `json:"questions"`
}

// Team is a group of players competing in a session.
type Team struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Score     int       `json:"score"`
	Connected bool      `json:"connected"`
	Jokers    int       `json:"jokers"`
	Color     string    `json:"color"`
	JoinedAt  time.Time `json:"joinedAt"`
}

// Answer is the live submission of one team for one question.
// Correct stays nil until the question is revealed.
type Answer struct {
	QuestionID  string    `json:"questionId"`
	TeamID      string    `json:"teamId"`
	Text        string    `json:"text"`
	SubmittedAt time.Time `json:"submittedAt"`
	Correct     *bool     `json:"correct,omitempty"`
}

// JokerUsage is an immutable audit record.
type JokerUsage struct {
	ID         string    `json:"id"`
	TeamID     string    `json:"teamId"`
	QuestionID string    `json:"questionId"`
	Kind       string    `json:"kind"`
	UsedAt     time.Time `json:"usedAt"`
}

// Session is the full state of one live event. It doubles as the snapshot sent to
// subscribers; Seq is the sequence number of the last event folded into it.
type Session struct {
	ID                string       `json:"id"`
	ProjectName       string       `json:"projectName"`
	MaxTeams          int          `json:"maxTeams"`
	Live              bool         `json:"live"`
	Phase             Phase        `json:"phase"`
	CurrentRoundID    string       `json:"currentRoundId,omitempty"`
	CurrentQuestionID string       `json:"currentQuestionId,omitempty"`
	Timer             TimerState   `json:"timer"`
	Buzzer            BuzzerLock   `json:"buzzer"`
	Rounds            []Round      `json:"rounds"`
	Teams             []Team       `json:"teams"`
	Answers           []Answer     `json:"answers"`
	Jokers            []JokerUsage `json:"jokers"`
	Seq               uint64       `json:"seq"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
}

// Clone returns a deep copy that shares no slices with s.
func (s *Session) Clone() *Session {
	c := *s
	c.Rounds = make([]Round, len(s.Rounds))
	for i, r := range s.Rounds {
		r.Questions = make([]Question, len(s.Rounds[i].Questions))
		for j, q := range s.Rounds[i].Questions {
			q.Choices = append([]string(nil), q.Choices...)
			r.Questions[j] = q
		}
		c.Rounds[i] = r
	}
	c.Teams = append([]Team(nil), s.Teams...)
	c.Answers = make([]Answer, len(s.Answers))
	for i, a := range s.Answers {
		if a.Correct != nil {
			v := *a.Correct
			a.Correct = &v
		}
		c.Answers[i] = a
	}
	c.Jokers = append([]JokerUsage(nil), s.Jokers...)
	return &c
}

// Team returns the team with the given id.
func (s *Session) Team(id string) (*Team, bool) {
	for i := range s.Teams {
		if s.Teams[i].ID == id {
			return &s.Teams[i], true
		}
	}
	return nil, false
}

// Round returns the round with the given id.
func (s *Session) Round(id string) (*Round, bool) {
	for i := range s.Rounds {
		if s.Rounds[i].ID == id {
			return &s.Rounds[i], true
		}
	}
	return nil, false
}

// Question returns the question with the given id and the round that owns it.
func (s *Session) Question(id string) (*Question, *Round, bool) {
	for i := range s.Rounds {
		for j := range s.Rounds[i].Questions {
			if s.Rounds[i].Questions[j].ID == id {
				return &s.Rounds[i].Questions[j], &s.Rounds[i], true
			}
		}
	}
	return nil, nil, false
}

// CurrentQuestion returns the live question, if any.
func (s *Session) CurrentQuestion() (*Question, bool) {
	if s.CurrentQuestionID == "" {
		return nil, false
	}
	q, _, ok := s.Question(s.CurrentQuestionID)
	return q, ok
}

// NextQuestion returns the question following questionID inside its round.
func (s *Session) NextQuestion(questionID string) (*Question, bool) {
	_, round, ok := s.Question(questionID)
	if !ok {
		return nil, false
	}
	for i := range round.Questions {
		if round.Questions[i].ID == questionID && i+1 < len(round.Questions) {
			return &round.Questions[i+1], true
		}
	}
	return nil, false
}

// Answer returns the answer of teamID for questionID.
func (s *Session) Answer(questionID, teamID string) (*Answer, bool) {
	for i := range s.Answers {
		if s.Answers[i].QuestionID == questionID && s.Answers[i].TeamID == teamID {
			return &s.Answers[i], true
		}
	}
	return nil, false
}

// NextRoundOrder is the order index a newly created round receives.
func (s *Session) NextRoundOrder() int {
	max := 0
	for _, r := range s.Rounds {
		if r.Order > max {
			max = r.Order
		}
	}
	return max + 1
}

// CheckInvariants verifies the structural rules every committed session must satisfy.
func (s *Session) CheckInvariants() error {
	if s.Buzzer.Locked && s.Buzzer.WinnerID == "" {
		return fmt.Errorf("buzzer locked without winner")
	}
	if !s.Buzzer.Locked && s.Buzzer.WinnerID != "" {
		return fmt.Errorf("buzzer winner set while unlocked")
	}
	if s.Timer.Remaining < 0 {
		return fmt.Errorf("timer remaining is negative: %d", s.Timer.Remaining)
	}
	if s.Phase == PhaseQuestionLocked && !s.Buzzer.Locked {
		return fmt.Errorf("phase %s without buzzer lock", s.Phase)
	}
	if s.Phase != PhaseIdle && s.CurrentQuestionID == "" {
		return fmt.Errorf("phase %s without current question", s.Phase)
	}
	lastOrder := 0
	for _, r := range s.Rounds {
		if r.Order <= lastOrder {
			return fmt.Errorf("round %s order %d is not increasing", r.ID, r.Order)
		}
		lastOrder = r.Order
	}
	for _, t := range s.Teams {
		if t.Jokers < 0 {
			return fmt.Errorf("team %s has negative jokers", t.ID)
		}
	}
	return nil
}
