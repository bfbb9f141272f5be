package action_test

import (
	"errors"
	"testing"

	"github.com/attemptengine/attemptd/internal/action"
	"github.com/attemptengine/attemptd/internal/model"
)

func TestChainSetupAgentCleanup(t *testing.T) {
	chain := action.Chain("echo setup", "echo cleanup", action.CodingAgentInitialRequest{
		Prompt: "do the thing", ExecutorProfileID: "claude-code",
	})

	if chain.Typ != action.TypeScriptRequest || chain.Script.Context != action.ContextSetupScript {
		t.Fatalf("expected root to be a setup script, got %+v", chain)
	}
	agent := chain.Next
	if agent == nil || agent.Typ != action.TypeCodingAgentInitialRequest {
		t.Fatalf("expected setup.Next to be the coding agent, got %+v", agent)
	}
	cleanup := agent.Next
	if cleanup == nil || cleanup.Typ != action.TypeScriptRequest || cleanup.Script.Context != action.ContextCleanupScript {
		t.Fatalf("expected agent.Next to be the cleanup script, got %+v", cleanup)
	}
	if cleanup.Next != nil {
		t.Fatalf("expected cleanup to terminate the chain")
	}
}

func TestChainWithoutSetupOrCleanup(t *testing.T) {
	chain := action.Chain("", "", action.CodingAgentInitialRequest{Prompt: "go"})
	if chain.Typ != action.TypeCodingAgentInitialRequest {
		t.Fatalf("expected root to be the coding agent when no setup script, got %+v", chain)
	}
	if chain.Next != nil {
		t.Fatalf("expected no next step when no cleanup script")
	}
}

func TestNextOrErrMissingAfterSetup(t *testing.T) {
	setup := &action.Action{Typ: action.TypeScriptRequest, Script: &action.ScriptRequest{
		Context: action.ContextSetupScript,
	}}
	_, err := setup.NextOrErr()
	if !errors.Is(err, action.ErrMissingNextAfterSetup) {
		t.Fatalf("err = %v, want ErrMissingNextAfterSetup", err)
	}
}

func TestRunReasonMapping(t *testing.T) {
	setup := &action.Action{Typ: action.TypeScriptRequest, Script: &action.ScriptRequest{Context: action.ContextSetupScript}}
	if rr, err := setup.RunReason(); err != nil || rr != model.RunSetupScript {
		t.Fatalf("RunReason() = %v, %v, want RunSetupScript", rr, err)
	}

	agent := &action.Action{Typ: action.TypeCodingAgentFollowUpRequest}
	if rr, err := agent.RunReason(); err != nil || rr != model.RunCodingAgent {
		t.Fatalf("RunReason() = %v, %v, want RunCodingAgent", rr, err)
	}

	dev := &action.Action{Typ: action.TypeDevServerRequest}
	if rr, err := dev.RunReason(); err != nil || rr != model.RunDevServer {
		t.Fatalf("RunReason() = %v, %v, want RunDevServer", rr, err)
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	chain := action.Chain("setup.sh", "", action.CodingAgentInitialRequest{Prompt: "hi", ExecutorProfileID: "claude-code"})
	data, err := chain.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := action.Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Typ != chain.Typ || got.Next.Typ != chain.Next.Typ {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, chain)
	}
}
