package domain

import "time"

// EventType names one kind of accepted state change.
type EventType string

const (
	EventSessionCreated    EventType = "session.created"
	EventSessionUpdated    EventType = "session.updated"
	EventTeamAdded         EventType = "team.added"
	EventTeamUpdated       EventType = "team.updated"
	EventTeamRemoved       EventType = "team.removed"
	EventRoundAdded        EventType = "round.added"
	EventRoundUpdated      EventType = "round.updated"
	EventQuestionAdded     EventType = "question.added"
	EventQuestionActivated EventType = "question.activated"
	EventTimerUpdated      EventType = "timer.updated"
	EventTimerExpired      EventType = "timer.expired"
	EventBuzzerLocked      EventType = "buzzer.locked"
	EventBuzzerReleased    EventType = "buzzer.released"
	EventAnswerSubmitted   EventType = "answer.submitted"
	EventAnswerRevealed    EventType = "answer.revealed"
	EventJokerUsed         EventType = "joker.used"
	EventRoundEnded        EventType = "round.ended"
)

// EntityKind identifies which entity an event describes.
type EntityKind string

const (
	EntitySession  EntityKind = "session"
	EntityTeam     EntityKind = "team"
	EntityRound    EntityKind = "round"
	EntityQuestion EntityKind = "question"
	EntityAnswer   EntityKind = "answer"
	EntityJoker    EntityKind = "joker"
)

// Event is a delta: the fields of one entity that changed in one accepted command.
// Seq is strictly increasing per session and defines delivery order.
type Event struct {
	SessionID string         `json:"sessionId"`
	Seq       uint64         `json:"seq"`
	Type      EventType      `json:"type"`
	Entity    EntityKind     `json:"entity"`
	EntityID  string         `json:"entityId"`
	Fields    map[string]any `json:"fields,omitempty"`
	At        time.Time      `json:"at"`
}

// LogEntry is the audit record appended to storage for every accepted command.
type LogEntry struct {
	SessionID  string    `json:"sessionId"`
	Seq        uint64    `json:"seq"`
	Command    string    `json:"command"`
	Actor      string    `json:"actor,omitempty"`
	Events     []Event   `json:"events"`
	RecordedAt time.Time `json:"recordedAt"`
}
