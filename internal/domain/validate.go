package domain

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
)

var teamNamePattern = regexp.MustCompile(`^[a-zA-Z0-9\s\-_àâäéèêëïîôöùûüÿæœçÀÂÄÉÈÊËÏÎÔÖÙÛÜŸÆŒÇ]+$`)

// Normalize trims surrounding whitespace and applies Unicode case folding.
// Two answers are equal exactly when their normalized forms are equal.
func Normalize(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

// SameText compares two strings after Normalize.
func SameText(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

// QuestionSpec is the operator input for a new question.
type QuestionSpec struct {
	Kind          QuestionKind `json:"kind"`
	Prompt        string       `json:"prompt"`
	Choices       []string     `json:"choices,omitempty"`
	CorrectAnswer string       `json:"correctAnswer"`
	Points        int          `json:"points"`
	Duration      int          `json:"duration"`
	AudioRef      string       `json:"audioRef,omitempty"`
}

// Settings is a partial update of session settings; nil fields are left untouched.
type Settings struct {
	ProjectName *string `json:"projectName,omitempty"`
	MaxTeams    *int    `json:"maxTeams,omitempty"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidationFailed, fmt.Sprintf(format, args...))
}

func checkLength(field, value string, min, max int) error {
	n := utf8.RuneCountInString(value)
	if n < min || n > max {
		return invalid("%s must be %d-%d characters, got %d", field, min, max, n)
	}
	return nil
}

// ValidateTeamName returns the trimmed name or a validation error.
func ValidateTeamName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if err := checkLength("team name", name, 1, 50); err != nil {
		return "", err
	}
	if !teamNamePattern.MatchString(name) {
		return "", invalid("team name may only contain letters, digits, spaces, dashes and underscores")
	}
	return name, nil
}

// ValidateRoundTitle returns the trimmed title or a validation error.
func ValidateRoundTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if err := checkLength("round title", title, 1, 100); err != nil {
		return "", err
	}
	return title, nil
}

// ValidateAnswerText returns the trimmed answer or a validation error.
func ValidateAnswerText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if err := checkLength("answer", text, 1, 500); err != nil {
		return "", err
	}
	return text, nil
}

// ValidateJokerKind returns the trimmed joker kind or a validation error.
func ValidateJokerKind(kind string) (string, error) {
	kind = strings.TrimSpace(kind)
	if err := checkLength("joker kind", kind, 1, 50); err != nil {
		return "", err
	}
	return kind, nil
}

// Validate checks a question spec and returns a normalized copy.
func (q QuestionSpec) Validate() (QuestionSpec, error) {
	out := q
	if !q.Kind.Valid() {
		return out, invalid("unknown question kind %q", q.Kind)
	}
	out.Prompt = strings.TrimSpace(q.Prompt)
	if err := checkLength("prompt", out.Prompt, 5, 500); err != nil {
		return out, err
	}
	out.CorrectAnswer = strings.TrimSpace(q.CorrectAnswer)
	if err := checkLength("correct answer", out.CorrectAnswer, 1, 200); err != nil {
		return out, err
	}
	if q.Points < 0 || q.Points > 1000 {
		return out, invalid("points must be 0-1000, got %d", q.Points)
	}
	if q.Duration < 5 || q.Duration > 300 {
		return out, invalid("duration must be 5-300 seconds, got %d", q.Duration)
	}
	out.AudioRef = strings.TrimSpace(q.AudioRef)

	if q.Kind != KindMultipleChoice {
		if len(q.Choices) > 0 {
			return out, invalid("choices are only allowed on %s questions", KindMultipleChoice)
		}
		out.Choices = nil
		return out, nil
	}

	if len(q.Choices) < 2 || len(q.Choices) > 8 {
		return out, invalid("multiple choice questions need 2-8 choices, got %d", len(q.Choices))
	}
	out.Choices = make([]string, len(q.Choices))
	found := false
	for i, c := range q.Choices {
		c = strings.TrimSpace(c)
		if err := checkLength("choice", c, 1, 200); err != nil {
			return out, err
		}
		out.Choices[i] = c
		if SameText(c, out.CorrectAnswer) {
			found = true
		}
	}
	if !found {
		return out, invalid("correct answer %q is not one of the choices", out.CorrectAnswer)
	}
	return out, nil
}

// Validate checks a settings update and returns a normalized copy.
func (s Settings) Validate() (Settings, error) {
	out := s
	if s.ProjectName != nil {
		name := strings.TrimSpace(*s.ProjectName)
		if err := checkLength("project name", name, 1, 100); err != nil {
			return out, err
		}
		out.ProjectName = &name
	}
	if s.MaxTeams != nil && (*s.MaxTeams < 1 || *s.MaxTeams > 100) {
		return out, invalid("max teams must be 1-100, got %d", *s.MaxTeams)
	}
	return out, nil
}
