package ember

import (
	"context"
	"testing"
)

func TestVerifierIsComplete_PendingChecklistRejected(t *testing.T) {
	v := NewVerifier(nil)
	text := "Progress so far:\n- [x] created the branch\n- [ ] run the tests"
	if v.IsComplete(context.Background(), text, "set up the project", true) {
		t.Error("unchecked task item should mark the response incomplete")
	}
}

func TestVerifierIsComplete_ClaimWithoutToolRejected(t *testing.T) {
	v := NewVerifier(nil)
	text := "I've written the report to report.md."
	if v.IsComplete(context.Background(), text, "write a report", false) {
		t.Error("delivery claim without a successful tool call should be rejected")
	}
}

func TestVerifierIsComplete_PlainAnswerAccepted(t *testing.T) {
	brain := newScriptedAdapter("judge", textResponse("no\nshould never be consulted"))
	v := NewVerifier(brain)
	if !v.IsComplete(context.Background(), "The capital of France is Paris.", "capital of France?", false) {
		t.Error("plain answer should pass deterministically")
	}
	if brain.callCount() != 0 {
		t.Errorf("judge consulted %d times, want 0", brain.callCount())
	}
}

func TestVerifierIsComplete_GroundedClaimGoesToJudge(t *testing.T) {
	brain := newScriptedAdapter("judge", textResponse("yes\nfile exists"))
	v := NewVerifier(brain)
	if !v.IsComplete(context.Background(), "I've created the file.", "create a file", true) {
		t.Error("judge said yes, expected complete")
	}
	if brain.callCount() != 1 {
		t.Errorf("judge consulted %d times, want 1", brain.callCount())
	}
}

func TestVerifierIsComplete_JudgeSaysNo(t *testing.T) {
	brain := newScriptedAdapter("judge", textResponse("no\nthe file is empty"))
	v := NewVerifier(brain)
	if v.IsComplete(context.Background(), "I've created the file.", "create a useful file", true) {
		t.Error("judge said no, expected incomplete")
	}
}

func TestVerifierIsComplete_JudgeFailureAccepts(t *testing.T) {
	brain := newScriptedAdapter("judge", scriptStep{err: connErr("judge")})
	v := NewVerifier(brain)
	if !v.IsComplete(context.Background(), "I've saved the notes.", "save my notes", true) {
		t.Error("unreachable judge must not fail the turn")
	}
}

func TestVerifierIsComplete_NilBrainAcceptsInconclusive(t *testing.T) {
	v := NewVerifier(nil)
	if !v.IsComplete(context.Background(), "I've updated the config.", "update the config", true) {
		t.Error("nil brain should accept a grounded claim")
	}
}
