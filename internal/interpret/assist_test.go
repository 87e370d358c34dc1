package interpret

import "testing"

func findOption(a *Assist, id string) *Option {
	for i := range a.Options {
		if a.Options[i].ID == id {
			return &a.Options[i]
		}
	}
	return nil
}

func TestExtractAssist_NumberedMenu(t *testing.T) {
	tail := []byte("Which approach should I take?\n1) Rewrite the parser\n2) Patch the lexer\n3. Do nothing\n")
	a := ExtractAssist(tail)
	if a == nil {
		t.Fatal("expected an assist")
	}
	if a.Title != "Which approach should I take?" {
		t.Errorf("title = %q", a.Title)
	}
	for _, id := range []string{"1", "2", "3"} {
		opt := findOption(a, id)
		if opt == nil {
			t.Fatalf("missing option %q", id)
		}
		if opt.SendKeys != id {
			t.Errorf("option %q sends %q", id, opt.SendKeys)
		}
	}
}

func TestExtractAssist_BracketAndInline(t *testing.T) {
	a := ExtractAssist([]byte("Proceed? (Y) Yes (N) No\n"))
	if a == nil {
		t.Fatal("expected an assist")
	}
	if findOption(a, "y") == nil || findOption(a, "n") == nil {
		t.Fatalf("missing inline options: %+v", a.Options)
	}

	a = ExtractAssist([]byte("[A] Apply\n[S] Skip\n"))
	if a == nil || findOption(a, "a") == nil || findOption(a, "s") == nil {
		t.Fatal("missing bracket options")
	}
}

func TestExtractAssist_YesNoPrompt(t *testing.T) {
	a := ExtractAssist([]byte("Overwrite existing file? [y/n]\n"))
	if a == nil {
		t.Fatal("expected an assist")
	}
	if findOption(a, "y") == nil || findOption(a, "n") == nil {
		t.Fatalf("missing y/n options: %+v", a.Options)
	}
}

func TestExtractAssist_ReplyCode(t *testing.T) {
	a := ExtractAssist([]byte("1) Accept\nTo confirm, reply with CONFIRM-123\n"))
	if a == nil {
		t.Fatal("expected an assist")
	}
	opt := findOption(a, "reply:CONFIRM-123")
	if opt == nil {
		t.Fatalf("missing reply code option: %+v", a.Options)
	}
	if opt.SendKeys != "CONFIRM-123\r" {
		t.Errorf("reply sends %q", opt.SendKeys)
	}
}

func TestExtractAssist_NavigationHints(t *testing.T) {
	a := ExtractAssist([]byte("1) First\n2) Second\nUse arrow keys to move, Enter to select, Esc to cancel\n"))
	if a == nil {
		t.Fatal("expected an assist")
	}
	if findOption(a, "enter") == nil || findOption(a, "esc") == nil || findOption(a, "arrows") == nil {
		t.Fatalf("missing navigation hints: %+v", a.Options)
	}
}

func TestExtractAssist_SignatureStable(t *testing.T) {
	tail := []byte("Pick one\n1) A\n2) B\n")
	first := ExtractAssist(tail)
	second := ExtractAssist(tail)
	if first == nil || second == nil {
		t.Fatal("expected assists")
	}
	if first.Signature != second.Signature {
		t.Errorf("signatures differ: %q vs %q", first.Signature, second.Signature)
	}
	if len(first.Signature) != 16 {
		t.Errorf("signature length = %d, want 16", len(first.Signature))
	}

	changed := ExtractAssist([]byte("Pick one\n1) A\n2) C\n"))
	if changed.Signature == first.Signature {
		t.Error("signature should change with content")
	}
}

func TestExtractAssist_NothingActionable(t *testing.T) {
	if a := ExtractAssist([]byte("compiling module foo\nlinking\n")); a != nil {
		t.Errorf("expected nil, got %+v", a)
	}
}
