// Package action defines ExecutorAction, the recursive pipeline value
// chaining setup/coding-agent/cleanup/dev-server steps within a single
// TaskAttempt (spec §4.6).
package action

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/attemptengine/attemptd/internal/model"
)

// Language is the interpreter a ScriptRequest runs under.
type Language string

// LanguageBash is the only language currently supported.
const LanguageBash Language = "bash"

// ScriptContext distinguishes a setup script from a cleanup script — they
// carry the same shape but run at opposite ends of the pipeline and the
// monitor dispatches their completion differently (spec §4.7).
type ScriptContext string

const (
	ContextSetupScript   ScriptContext = "setup_script"
	ContextCleanupScript ScriptContext = "cleanup_script"
)

// Type discriminates the variants of Action.
type Type string

const (
	TypeScriptRequest                Type = "script_request"
	TypeCodingAgentInitialRequest    Type = "coding_agent_initial_request"
	TypeCodingAgentFollowUpRequest   Type = "coding_agent_follow_up_request"
	TypeDevServerRequest             Type = "dev_server_request"
)

// ScriptRequest runs an inline shell script (spec §4.6).
type ScriptRequest struct {
	Script   string        `json:"script"`
	Language Language      `json:"language"`
	Context  ScriptContext `json:"context"`
}

// CodingAgentInitialRequest starts a fresh coding-agent session.
type CodingAgentInitialRequest struct {
	Prompt            string `json:"prompt"`
	ExecutorProfileID string `json:"executor_profile_id"`
}

// CodingAgentFollowUpRequest resumes a prior coding-agent session.
type CodingAgentFollowUpRequest struct {
	Prompt            string `json:"prompt"`
	ExecutorProfileID string `json:"executor_profile_id"`
	SessionID         string `json:"session_id"`
}

// DevServerRequest starts a project's dev server; it never chains a next
// step and is excluded from the InProgress bookkeeping the supervisor
// applies to other run reasons (spec §4.7.1).
type DevServerRequest struct {
	Script string `json:"script"`
}

// Action is a recursive ExecutorAction node: `{ typ, next? }` (spec §4.6).
// Exactly one of the payload fields matching Typ is populated.
type Action struct {
	Typ Type `json:"typ"`

	Script      *ScriptRequest              `json:"script,omitempty"`
	AgentInit   *CodingAgentInitialRequest  `json:"agent_init,omitempty"`
	AgentFollow *CodingAgentFollowUpRequest `json:"agent_follow_up,omitempty"`
	DevServer   *DevServerRequest           `json:"dev_server,omitempty"`

	Next *Action `json:"next,omitempty"`
}

// ErrMissingNextAfterSetup is returned by NextOrErr when a SetupScript action
// has no chained next step — spec §4.6: "Missing next after SetupScript is
// an error."
var ErrMissingNextAfterSetup = errors.New("action: setup script action has no next step")

// RunReason maps an Action's Typ to the model.RunReason the supervisor
// records on the ExecutionProcess row.
func (a *Action) RunReason() (model.RunReason, error) {
	switch a.Typ {
	case TypeScriptRequest:
		switch a.Script.Context {
		case ContextSetupScript:
			return model.RunSetupScript, nil
		case ContextCleanupScript:
			return model.RunCleanupScript, nil
		default:
			return "", fmt.Errorf("action: script request has unknown context %q", a.Script.Context)
		}
	case TypeCodingAgentInitialRequest, TypeCodingAgentFollowUpRequest:
		return model.RunCodingAgent, nil
	case TypeDevServerRequest:
		return model.RunDevServer, nil
	default:
		return "", fmt.Errorf("action: unknown action type %q", a.Typ)
	}
}

// NextOrErr returns a's Next step, or ErrMissingNextAfterSetup if a is a
// setup-script action with none (spec §4.6).
func (a *Action) NextOrErr() (*Action, error) {
	if a.Next != nil {
		return a.Next, nil
	}
	if a.Typ == TypeScriptRequest && a.Script != nil && a.Script.Context == ContextSetupScript {
		return nil, ErrMissingNextAfterSetup
	}
	return nil, nil
}

// Chain builds the setup? → coding_agent → cleanup? pipeline for starting
// an attempt, per project configuration (spec §4.6 "Starting an
// attempt composes the chain").
func Chain(setupScript, cleanupScript string, agent CodingAgentInitialRequest) *Action {
	codingAgent := &Action{Typ: TypeCodingAgentInitialRequest, AgentInit: &agent}

	var cleanup *Action
	if cleanupScript != "" {
		cleanup = &Action{Typ: TypeScriptRequest, Script: &ScriptRequest{
			Script: cleanupScript, Language: LanguageBash, Context: ContextCleanupScript,
		}}
	}
	codingAgent.Next = cleanup

	if setupScript == "" {
		return codingAgent
	}
	setup := &Action{Typ: TypeScriptRequest, Script: &ScriptRequest{
		Script: setupScript, Language: LanguageBash, Context: ContextSetupScript,
	}}
	setup.Next = codingAgent
	return setup
}

// Marshal serializes a for storage on an ExecutionProcess row.
func (a *Action) Marshal() ([]byte, error) {
	return json.Marshal(a)
}

// Unmarshal parses a previously-stored Action.
func Unmarshal(data []byte) (*Action, error) {
	var a Action
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}
