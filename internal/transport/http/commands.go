package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"blindtest-service/internal/app"
	"blindtest-service/internal/domain"
)

// Role is what a connection is allowed to do.
type Role string

const (
	RoleOperator Role = "operator"
	RoleDisplay  Role = "display"
	RolePlayer   Role = "player"
)

func parseRole(raw string) (Role, bool) {
	switch Role(raw) {
	case RoleOperator, RoleDisplay, RolePlayer:
		return Role(raw), true
	case "":
		return RoleDisplay, true
	default:
		return "", false
	}
}

var (
	errForbidden   = errors.New("command not allowed for this role")
	errRateLimited = errors.New("too many commands")
)

const (
	codeForbidden          domain.Code = "FORBIDDEN"
	codeRateLimited        domain.Code = "RATE_LIMITED"
	codeSubscriberOverflow domain.Code = "SUBSCRIBER_OVERFLOW"
	codeSessionUnloaded    domain.Code = "SESSION_UNLOADED"
)

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Command   string      `json:"command,omitempty"`
	Code      domain.Code `json:"code"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
}

type ackPayload struct {
	Command string `json:"command"`
	Result  any    `json:"result,omitempty"`
}

func newError(command string, err error) errorPayload {
	// A dropped or unloaded subscription is recovered by reconnecting.
	retryable := domain.IsRetryable(err) || errors.Is(err, app.ErrSubscriberOverflow) || errors.Is(err, app.ErrSessionUnloaded)
	return errorPayload{Command: command, Code: codeOf(err), Message: err.Error(), Retryable: retryable}
}

func codeOf(err error) domain.Code {
	switch {
	case errors.Is(err, errForbidden):
		return codeForbidden
	case errors.Is(err, errRateLimited):
		return codeRateLimited
	case errors.Is(err, app.ErrSubscriberOverflow):
		return codeSubscriberOverflow
	case errors.Is(err, app.ErrSessionUnloaded):
		return codeSessionUnloaded
	}
	return domain.CodeOf(err)
}

func statusOf(err error) int {
	switch codeOf(err) {
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeValidationFailed:
		return http.StatusBadRequest
	case domain.CodeInvalidTransition, domain.CodeBuzzerAlreadyLocked, domain.CodeQuestionNotActive, domain.CodeNoJokersRemaining:
		return http.StatusConflict
	case domain.CodePersistenceFailure:
		return http.StatusServiceUnavailable
	case codeForbidden:
		return http.StatusForbidden
	case codeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// caller is who sent a command. Players act for their own team only.
type caller struct {
	role   Role
	teamID string
}

type teamPayload struct {
	TeamID string `json:"teamId"`
}

type namePayload struct {
	Name string `json:"name"`
}

type roundPayload struct {
	RoundID string `json:"roundId"`
	Title   string `json:"title"`
}

type questionPayload struct {
	RoundID string `json:"roundId"`
	domain.QuestionSpec
}

type activatePayload struct {
	QuestionID string `json:"questionId"`
}

type livePayload struct {
	Live bool `json:"live"`
}

type scorePayload struct {
	TeamID string `json:"teamId"`
	Delta  int    `json:"delta"`
}

var playerCommands = map[string]bool{
	"claimBuzzer":  true,
	"submitAnswer": true,
	"useJoker":     true,
}

// Dispatcher maps wire commands onto engine operations. The websocket and REST
// transports share it.
type Dispatcher struct {
	engine *app.Engine
}

func NewDispatcher(engine *app.Engine) *Dispatcher {
	return &Dispatcher{engine: engine}
}

func decode(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("%w: malformed payload: %v", domain.ErrValidationFailed, err)
	}
	return nil
}

// Dispatch runs one command and returns the value acknowledged to the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string, who caller, msg inboundMessage) (any, error) {
	switch who.role {
	case RoleOperator:
	case RolePlayer:
		if !playerCommands[msg.Type] {
			return nil, fmt.Errorf("%w: %s", errForbidden, msg.Type)
		}
	default:
		return nil, fmt.Errorf("%w: %s", errForbidden, msg.Type)
	}
	// own forces the team of a player command to the caller's team.
	own := func(teamID string) string {
		if who.role == RolePlayer {
			return who.teamID
		}
		return teamID
	}

	e := d.engine
	switch msg.Type {
	case "addTeam":
		var p namePayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, err
		}
		return e.AddTeam(ctx, sessionID, p.Name)
	case "removeTeam":
		var p teamPayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, err
		}
		return nil, e.RemoveTeam(ctx, sessionID, p.TeamID)
	case "addRound":
		var p roundPayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, err
		}
		return e.AddRound(ctx, sessionID, p.Title)
	case "renameRound":
		var p roundPayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, err
		}
		return nil, e.RenameRound(ctx, sessionID, p.RoundID, p.Title)
	case "addQuestion":
		var p questionPayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, err
		}
		return e.AddQuestion(ctx, sessionID, p.RoundID, p.QuestionSpec)
	case "activateQuestion":
		var p activatePayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, err
		}
		return nil, e.ActivateQuestion(ctx, sessionID, p.QuestionID)
	case "startTimer":
		return nil, e.StartTimer(ctx, sessionID)
	case "stopTimer":
		return nil, e.StopTimer(ctx, sessionID)
	case "claimBuzzer":
		var p teamPayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, err
		}
		return nil, e.ClaimBuzzer(ctx, sessionID, own(p.TeamID))
	case "submitAnswer":
		var p app.SubmitAnswerInput
		if err := decode(msg.Payload, &p); err != nil {
			return nil, err
		}
		p.TeamID = own(p.TeamID)
		return nil, e.SubmitAnswer(ctx, sessionID, p)
	case "revealAnswer":
		return e.RevealAnswer(ctx, sessionID)
	case "advanceQuestion":
		return e.AdvanceQuestion(ctx, sessionID)
	case "useJoker":
		var p app.UseJokerInput
		if err := decode(msg.Payload, &p); err != nil {
			return nil, err
		}
		p.TeamID = own(p.TeamID)
		return e.UseJoker(ctx, sessionID, p)
	case "setLive":
		var p livePayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, err
		}
		return nil, e.SetLive(ctx, sessionID, p.Live)
	case "adjustScore":
		var p scorePayload
		if err := decode(msg.Payload, &p); err != nil {
			return nil, err
		}
		return e.AdjustScore(ctx, sessionID, p.TeamID, p.Delta)
	case "updateSettings":
		var p domain.Settings
		if err := decode(msg.Payload, &p); err != nil {
			return nil, err
		}
		return nil, e.UpdateSettings(ctx, sessionID, p)
	default:
		return nil, fmt.Errorf("%w: unknown command %q", domain.ErrValidationFailed, msg.Type)
	}
}
