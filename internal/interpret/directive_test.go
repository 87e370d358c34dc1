package interpret

import (
	"testing"
	"time"
)

func TestDirectiveScanner_Dispatch(t *testing.T) {
	s := NewDirectiveScanner()
	out := s.Feed([]byte(`FYP_DISPATCH_JSON: {"target":"all","text":"go"}` + "\n"))
	if len(out) != 1 {
		t.Fatalf("expected 1 directive, got %d", len(out))
	}
	d := out[0]
	if d.Kind != DirectiveDispatch {
		t.Errorf("kind = %q", d.Kind)
	}
	if d.Dispatch.Target != "all" || d.Dispatch.Text != "go" {
		t.Errorf("payload = %+v", d.Dispatch)
	}
}

func TestDirectiveScanner_SendTask(t *testing.T) {
	s := NewDirectiveScanner()
	out := s.Feed([]byte(`FYP_SEND_TASK_JSON: {"target":"worker:api","task":"build it","initialize":true}` + "\n"))
	if len(out) != 1 {
		t.Fatalf("expected 1 directive, got %d", len(out))
	}
	d := out[0]
	if d.Kind != DirectiveSendTask || !d.SendTask.Initialize {
		t.Errorf("payload = %+v", d.SendTask)
	}
}

func TestDirectiveScanner_AnswerQuestion(t *testing.T) {
	s := NewDirectiveScanner()
	out := s.Feed([]byte(`FYP_ANSWER_QUESTION_JSON: {"attentionId":42,"optionId":"y","meta":{"why":"safe"}}` + "\n"))
	if len(out) != 1 {
		t.Fatalf("expected 1 directive, got %d", len(out))
	}
	d := out[0]
	if d.Answer.AttentionID != 42 || d.Answer.OptionID != "y" {
		t.Errorf("payload = %+v", d.Answer)
	}
}

func TestDirectiveScanner_SplitAcrossChunks(t *testing.T) {
	s := NewDirectiveScanner()
	if out := s.Feed([]byte(`FYP_DISPATCH_JSON: {"target":"1",`)); len(out) != 0 {
		t.Fatalf("partial line fired %d directives", len(out))
	}
	out := s.Feed([]byte(`"text":"hello"}` + "\n"))
	if len(out) != 1 {
		t.Fatalf("expected 1 directive after completion, got %d", len(out))
	}
	if out[0].Dispatch.Text != "hello" {
		t.Errorf("payload = %+v", out[0].Dispatch)
	}
}

func TestDirectiveScanner_UnterminatedCompleteLine(t *testing.T) {
	// Directives may arrive without a trailing newline; a fully parseable
	// carry fires immediately and does not re-fire on the newline.
	s := NewDirectiveScanner()
	out := s.Feed([]byte(`FYP_DISPATCH_JSON: {"target":"all","text":"go"}`))
	if len(out) != 1 {
		t.Fatalf("expected early fire, got %d", len(out))
	}
	if out := s.Feed([]byte("\n")); len(out) != 0 {
		t.Fatalf("newline completion re-fired %d directives", len(out))
	}
}

func TestDirectiveScanner_DedupWindow(t *testing.T) {
	now := time.Now()
	s := NewDirectiveScanner()
	s.now = func() time.Time { return now }

	line := []byte(`FYP_DISPATCH_JSON: {"target":"all","text":"go"}` + "\n")
	if out := s.Feed(line); len(out) != 1 {
		t.Fatalf("first feed: %d", len(out))
	}
	if out := s.Feed(line); len(out) != 0 {
		t.Fatalf("duplicate within window fired %d", len(out))
	}

	now = now.Add(directiveDedupWindow + time.Second)
	if out := s.Feed(line); len(out) != 1 {
		t.Fatalf("expired window: %d", len(out))
	}
}

func TestDirectiveScanner_RequiresLineStart(t *testing.T) {
	s := NewDirectiveScanner()
	out := s.Feed([]byte(`the directive FYP_DISPATCH_JSON: {"target":"all","text":"x"} is documented` + "\n"))
	if len(out) != 0 {
		t.Fatalf("mid-line prefix fired %d directives", len(out))
	}
	// Leading whitespace before the prefix is tolerated.
	out = s.Feed([]byte(`   FYP_DISPATCH_JSON: {"target":"all","text":"x"}` + "\n"))
	if len(out) != 1 {
		t.Fatalf("whitespace-led prefix fired %d directives", len(out))
	}
}

func TestDirectiveScanner_AnsiAndCRTolerant(t *testing.T) {
	s := NewDirectiveScanner()
	out := s.Feed([]byte("\x1b[2K\rFYP_DISPATCH_JSON: {\"target\":\"2\",\"text\":\"hi\"}\r\n"))
	if len(out) != 1 {
		t.Fatalf("expected 1 directive, got %d", len(out))
	}
	if out[0].Dispatch.Target != "2" {
		t.Errorf("target = %q", out[0].Dispatch.Target)
	}
}

func TestDirectiveScanner_InvalidJSONIgnored(t *testing.T) {
	s := NewDirectiveScanner()
	if out := s.Feed([]byte("FYP_DISPATCH_JSON: {not json}\n")); len(out) != 0 {
		t.Fatalf("invalid json fired %d directives", len(out))
	}
	if out := s.Feed([]byte("FYP_DISPATCH_JSON: {\"text\":\"missing target\"}\n")); len(out) != 0 {
		t.Fatalf("missing target fired %d directives", len(out))
	}
}

func TestCompletionAndQuestionCues(t *testing.T) {
	completions := []string{
		"COMPLETED: all subtasks",
		"Final Summary\nThe work is done.",
		"task completed without issues",
		"see the done-when criteria",
	}
	for _, c := range completions {
		if !HasCompletionCue([]byte(c)) {
			t.Errorf("expected completion cue in %q", c)
		}
	}
	if HasCompletionCue([]byte("still working on the parser")) {
		t.Error("unexpected completion cue")
	}

	packet := "QUESTION: pick a db\nOPTIONS: sqlite, postgres\nBLOCKING: yes"
	if !HasQuestionCue([]byte(packet)) {
		t.Error("expected question cue for structured packet")
	}
	if HasQuestionCue([]byte("QUESTION: but no options marker")) {
		t.Error("partial packet should not cue")
	}
	if !HasQuestionCue([]byte("I need a decision on the schema")) {
		t.Error("expected explicit-ask cue")
	}
	if !HasQuestionCue([]byte("please choose one of the approaches")) {
		t.Error("expected choose-one cue")
	}
}
