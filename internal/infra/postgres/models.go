package postgres

import (
	"time"

	"github.com/uptrace/bun"

	"blindtest-service/internal/domain"
)

// SessionRow is the scalar part of a session; collections live in their own tables.
type SessionRow struct {
	bun.BaseModel `bun:"table:sessions"`

	ID                string    `bun:"id,pk"`
	ProjectName       string    `bun:"project_name,notnull"`
	MaxTeams          int       `bun:"max_teams,notnull"`
	Live              bool      `bun:"live,notnull"`
	Phase             string    `bun:"phase,notnull"`
	CurrentRoundID    string    `bun:"current_round_id"`
	CurrentQuestionID string    `bun:"current_question_id"`
	TimerActive       bool      `bun:"timer_active,notnull"`
	TimerRemaining    int       `bun:"timer_remaining,notnull"`
	BuzzerLocked      bool      `bun:"buzzer_locked,notnull"`
	BuzzerWinnerID    string    `bun:"buzzer_winner_id"`
	Seq               int64     `bun:"seq,notnull"`
	CreatedAt         time.Time `bun:"created_at,notnull"`
	UpdatedAt         time.Time `bun:"updated_at,notnull"`
}

type TeamRow struct {
	bun.BaseModel `bun:"table:teams"`

	ID        string    `bun:"id,pk"`
	SessionID string    `bun:"session_id,notnull"`
	Position  int       `bun:"position,notnull"`
	Name      string    `bun:"name,notnull"`
	Score     int       `bun:"score,notnull"`
	Connected bool      `bun:"connected,notnull"`
	Jokers    int       `bun:"jokers,notnull"`
	Color     string    `bun:"color,notnull"`
	JoinedAt  time.Time `bun:"joined_at,notnull"`
}

type RoundRow struct {
	bun.BaseModel `bun:"table:rounds"`

	ID        string `bun:"id,pk"`
	SessionID string `bun:"session_id,notnull"`
	Title     string `bun:"title,notnull"`
	SortOrder int    `bun:"sort_order,notnull"`
}

type QuestionRow struct {
	bun.BaseModel `bun:"table:questions"`

	ID            string   `bun:"id,pk"`
	SessionID     string   `bun:"session_id,notnull"`
	RoundID       string   `bun:"round_id,notnull"`
	Position      int      `bun:"position,notnull"`
	Kind          string   `bun:"kind,notnull"`
	Prompt        string   `bun:"prompt,notnull"`
	Choices       []string `bun:"choices,array"`
	CorrectAnswer string   `bun:"correct_answer,notnull"`
	Points        int      `bun:"points,notnull"`
	Duration      int      `bun:"duration,notnull"`
	AudioRef      string   `bun:"audio_ref"`
}

type AnswerRow struct {
	bun.BaseModel `bun:"table:answers"`

	SessionID   string    `bun:"session_id,pk"`
	QuestionID  string    `bun:"question_id,pk"`
	TeamID      string    `bun:"team_id,pk"`
	Text        string    `bun:"text,notnull"`
	SubmittedAt time.Time `bun:"submitted_at,notnull"`
	Correct     *bool     `bun:"correct"`
}

// JokerRow is append-only.
type JokerRow struct {
	bun.BaseModel `bun:"table:joker_usages"`

	ID         string    `bun:"id,pk"`
	SessionID  string    `bun:"session_id,notnull"`
	TeamID     string    `bun:"team_id,notnull"`
	QuestionID string    `bun:"question_id,notnull"`
	Kind       string    `bun:"kind,notnull"`
	UsedAt     time.Time `bun:"used_at,notnull"`
}

type LogRow struct {
	bun.BaseModel `bun:"table:session_log"`

	SessionID  string         `bun:"session_id,pk"`
	Seq        int64          `bun:"seq,pk"`
	Command    string         `bun:"command,notnull"`
	Actor      string         `bun:"actor"`
	Events     []domain.Event `bun:"events,type:jsonb,notnull"`
	RecordedAt time.Time      `bun:"recorded_at,notnull"`
}

// Models lists every table in creation order.
func Models() []any {
	return []any{
		(*SessionRow)(nil),
		(*TeamRow)(nil),
		(*RoundRow)(nil),
		(*QuestionRow)(nil),
		(*AnswerRow)(nil),
		(*JokerRow)(nil),
		(*LogRow)(nil),
	}
}

type sessionRows struct {
	session   SessionRow
	teams     []TeamRow
	rounds    []RoundRow
	questions []QuestionRow
	answers   []AnswerRow
	jokers    []JokerRow
}

func toRows(s *domain.Session) sessionRows {
	out := sessionRows{
		session: SessionRow{
			ID:                s.ID,
			ProjectName:       s.ProjectName,
			MaxTeams:          s.MaxTeams,
			Live:              s.Live,
			Phase:             string(s.Phase),
			CurrentRoundID:    s.CurrentRoundID,
			CurrentQuestionID: s.CurrentQuestionID,
			TimerActive:       s.Timer.Active,
			TimerRemaining:    s.Timer.Remaining,
			BuzzerLocked:      s.Buzzer.Locked,
			BuzzerWinnerID:    s.Buzzer.WinnerID,
			Seq:               int64(s.Seq),
			CreatedAt:         s.CreatedAt,
			UpdatedAt:         s.UpdatedAt,
		},
	}
	for i, t := range s.Teams {
		out.teams = append(out.teams, TeamRow{
			ID: t.ID, SessionID: s.ID, Position: i, Name: t.Name, Score: t.Score,
			Connected: t.Connected, Jokers: t.Jokers, Color: t.Color, JoinedAt: t.JoinedAt,
		})
	}
	for _, r := range s.Rounds {
		out.rounds = append(out.rounds, RoundRow{ID: r.ID, SessionID: s.ID, Title: r.Title, SortOrder: r.Order})
		for j, q := range r.Questions {
			out.questions = append(out.questions, QuestionRow{
				ID: q.ID, SessionID: s.ID, RoundID: r.ID, Position: j, Kind: string(q.Kind),
				Prompt: q.Prompt, Choices: q.Choices, CorrectAnswer: q.CorrectAnswer,
				Points: q.Points, Duration: q.Duration, AudioRef: q.AudioRef,
			})
		}
	}
	for _, a := range s.Answers {
		out.answers = append(out.answers, AnswerRow{
			SessionID: s.ID, QuestionID: a.QuestionID, TeamID: a.TeamID,
			Text: a.Text, SubmittedAt: a.SubmittedAt, Correct: a.Correct,
		})
	}
	for _, j := range s.Jokers {
		out.jokers = append(out.jokers, JokerRow{
			ID: j.ID, SessionID: s.ID, TeamID: j.TeamID, QuestionID: j.QuestionID, Kind: j.Kind, UsedAt: j.UsedAt,
		})
	}
	return out
}

func (r sessionRows) toDomain() *domain.Session {
	row := r.session
	s := &domain.Session{
		ID:                row.ID,
		ProjectName:       row.ProjectName,
		MaxTeams:          row.MaxTeams,
		Live:              row.Live,
		Phase:             domain.Phase(row.Phase),
		CurrentRoundID:    row.CurrentRoundID,
		CurrentQuestionID: row.CurrentQuestionID,
		Timer:             domain.TimerState{Active: row.TimerActive, Remaining: row.TimerRemaining},
		Buzzer:            domain.BuzzerLock{Locked: row.BuzzerLocked, WinnerID: row.BuzzerWinnerID},
		Rounds:            make([]domain.Round, 0, len(r.rounds)),
		Teams:             make([]domain.Team, 0, len(r.teams)),
		Answers:           make([]domain.Answer, 0, len(r.answers)),
		Jokers:            make([]domain.JokerUsage, 0, len(r.jokers)),
		Seq:               uint64(row.Seq),
		CreatedAt:         row.CreatedAt,
		UpdatedAt:         row.UpdatedAt,
	}
	for _, t := range r.teams {
		s.Teams = append(s.Teams, domain.Team{
			ID: t.ID, Name: t.Name, Score: t.Score, Connected: t.Connected,
			Jokers: t.Jokers, Color: t.Color, JoinedAt: t.JoinedAt,
		})
	}
	for _, rr := range r.rounds {
		round := domain.Round{ID: rr.ID, Title: rr.Title, Order: rr.SortOrder, Questions: []domain.Question{}}
		for _, q := range r.questions {
			if q.RoundID != rr.ID {
				continue
			}
			round.Questions = append(round.Questions, domain.Question{
				ID: q.ID, RoundID: q.RoundID, Kind: domain.QuestionKind(q.Kind), Prompt: q.Prompt,
				Choices: q.Choices, CorrectAnswer: q.CorrectAnswer, Points: q.Points,
				Duration: q.Duration, AudioRef: q.AudioRef,
			})
		}
		s.Rounds = append(s.Rounds, round)
	}
	for _, a := range r.answers {
		s.Answers = append(s.Answers, domain.Answer{
			QuestionID: a.QuestionID, TeamID: a.TeamID, Text: a.Text, SubmittedAt: a.SubmittedAt, Correct: a.Correct,
		})
	}
	for _, j := range r.jokers {
		s.Jokers = append(s.Jokers, domain.JokerUsage{
			ID: j.ID, TeamID: j.TeamID, QuestionID: j.QuestionID, Kind: j.Kind, UsedAt: j.UsedAt,
		})
	}
	return s
}
