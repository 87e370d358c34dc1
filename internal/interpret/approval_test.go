package interpret

import (
	"strings"
	"testing"
)

func TestDetectApproval_NetworkAccess(t *testing.T) {
	tail := []byte("some output\nDo you want to approve access to \"example.com\"?\n")
	cand := DetectApproval("s1", tail)
	if cand == nil {
		t.Fatal("expected a candidate")
	}
	if cand.Kind != KindCodexApproval {
		t.Errorf("kind = %q", cand.Kind)
	}
	if cand.Severity != SeverityDanger {
		t.Errorf("severity = %q, want danger", cand.Severity)
	}
	if cand.Signature != "s1|codex.approval|net|example.com" {
		t.Errorf("signature = %q", cand.Signature)
	}
	if len(cand.Options) != 4 {
		t.Fatalf("expected 4 options, got %d", len(cand.Options))
	}
	wantKeys := map[string]string{"y": "y", "a": "a", "n": "n", "esc": "\x1b"}
	for _, opt := range cand.Options {
		if opt.SendKeys != wantKeys[opt.ID] {
			t.Errorf("option %q sends %q, want %q", opt.ID, opt.SendKeys, wantKeys[opt.ID])
		}
	}
}

func TestDetectApproval_ExecWithCommand(t *testing.T) {
	tail := []byte("Would you like to run the following command?\n\n  $ rm -rf build\n")
	cand := DetectApproval("s1", tail)
	if cand == nil {
		t.Fatal("expected a candidate")
	}
	if cand.Severity != SeverityWarn {
		t.Errorf("severity = %q, want warn", cand.Severity)
	}
	if cand.Signature != "s1|codex.approval|exec|rm -rf build" {
		t.Errorf("signature = %q", cand.Signature)
	}
	if !strings.Contains(cand.Body, "$ rm -rf build") {
		t.Errorf("body missing command snippet: %q", cand.Body)
	}
	for _, opt := range cand.Options {
		if opt.ID == "a" {
			t.Error("prefix option should be absent without don't-ask-again text")
		}
	}
}

func TestDetectApproval_ExecUnknownCommand(t *testing.T) {
	cand := DetectApproval("s9", []byte("Would you like to run the following command?\n"))
	if cand == nil {
		t.Fatal("expected a candidate")
	}
	if cand.Signature != "s9|codex.approval|exec|unknown" {
		t.Errorf("signature = %q", cand.Signature)
	}
}

func TestDetectApproval_ExecPrefixOption(t *testing.T) {
	tail := []byte("Would you like to run the following command?\n  $ go test ./...\n  Yes, and don't ask again for go test\n")
	cand := DetectApproval("s1", tail)
	if cand == nil {
		t.Fatal("expected a candidate")
	}
	var hasPrefix bool
	for _, opt := range cand.Options {
		if opt.ID == "a" {
			hasPrefix = true
		}
	}
	if !hasPrefix {
		t.Error("expected don't-ask-again option")
	}
}

func TestDetectApproval_Patch(t *testing.T) {
	cand := DetectApproval("s2", []byte("Would you like to make the following edits?\n"))
	if cand == nil {
		t.Fatal("expected a candidate")
	}
	if cand.Signature != "s2|codex.approval|patch" {
		t.Errorf("signature = %q", cand.Signature)
	}
	if cand.Severity != SeverityWarn {
		t.Errorf("severity = %q", cand.Severity)
	}
}

func TestDetectApproval_MCP(t *testing.T) {
	cand := DetectApproval("s3", []byte("github-mcp needs your approval.\n"))
	if cand == nil {
		t.Fatal("expected a candidate")
	}
	if cand.Severity != SeverityInfo {
		t.Errorf("severity = %q, want info", cand.Severity)
	}
	if cand.Signature != "s3|codex.approval|mcp|github-mcp" {
		t.Errorf("signature = %q", cand.Signature)
	}
}

func TestDetectApproval_NoPrompt(t *testing.T) {
	if cand := DetectApproval("s1", []byte("just regular output\n")); cand != nil {
		t.Errorf("expected nil, got %+v", cand)
	}
}

func TestDetectApproval_AnsiWrapped(t *testing.T) {
	tail := []byte("\x1b[1mDo you want to approve access to \"api.internal\"?\x1b[0m")
	cand := DetectApproval("s1", tail)
	if cand == nil {
		t.Fatal("expected detection through ANSI codes")
	}
	if !strings.HasSuffix(cand.Signature, "|net|api.internal") {
		t.Errorf("signature = %q", cand.Signature)
	}
}
