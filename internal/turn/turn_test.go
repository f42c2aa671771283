package turn

import (
	"testing"

	"github.com/chadiek/turngate/internal/lexicon"
)

func defaultClassifier(t *testing.T) *Classifier {
	t.Helper()
	l, err := lexicon.Load()
	if err != nil {
		t.Fatalf("load default lexicon: %v", err)
	}
	return NewClassifier(lexicon.NewStore(l))
}

func TestIsBackchannel(t *testing.T) {
	c := defaultClassifier(t)
	cases := []struct {
		name string
		text string
		want bool
	}{
		{"empty", "", true},
		{"whitespace_only", "   ", true},
		{"stray_punctuation", ".", true},
		{"case_and_punctuation", "Yeah, okay!", true},
		{"hyphen_compound", "uh-huh", true},
		{"fused_stt_spelling", "uhhuh", true},
		{"multi_backchannel", "mhm yeah right", true},
		{"substantive_tail", "Yeah but wait", false},
		{"single_command", "stop", false},
		{"digits", "route 66", false},
		{"unicode_passthrough", "Ja wirklich", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := c.IsBackchannel(tc.text); got != tc.want {
				t.Fatalf("IsBackchannel(%q) = %v, want %v", tc.text, got, tc.want)
			}
		})
	}
}

func TestIsBackchannel_Idempotent(t *testing.T) {
	c := defaultClassifier(t)
	for _, text := range []string{"yeah", "hold on", ""} {
		first := c.IsBackchannel(text)
		second := c.IsBackchannel(text)
		if first != second {
			t.Fatalf("classification of %q changed between calls: %v then %v", text, first, second)
		}
	}
}

func TestIsBackchannel_ReloadTakesEffect(t *testing.T) {
	store := lexicon.NewStore(lexicon.New([]string{"yeah"}))
	c := NewClassifier(store)
	if c.IsBackchannel("si") {
		t.Fatalf("si should be substantive before swap")
	}
	store.Swap(lexicon.New([]string{"si"}))
	if !c.IsBackchannel("si") {
		t.Fatalf("si should be backchannel after swap")
	}
	if c.IsBackchannel("yeah") {
		t.Fatalf("old set must not survive swap")
	}
}

func TestIsBackchannel_EmptyLexicon(t *testing.T) {
	c := NewClassifier(lexicon.NewStore(lexicon.New(nil)))
	if !c.IsBackchannel("...") {
		t.Fatalf("tokenless text stays backchannel with empty lexicon")
	}
	if c.IsBackchannel("yeah") {
		t.Fatalf("every spoken word is substantive with empty lexicon")
	}
}

func TestPartialTranscript(t *testing.T) {
	e := NewEngine(defaultClassifier(t))
	cases := []struct {
		name     string
		text     string
		speaking bool
		want     Action
	}{
		{"backchannel_while_speaking", "yeah", true, ActionIgnore},
		{"command_while_speaking", "stop", true, ActionInterrupt},
		{"mixed_while_speaking", "yeah but wait", true, ActionInterrupt},
		{"anything_while_silent", "stop", false, ActionNone},
		{"backchannel_while_silent", "yeah", false, ActionNone},
		{"empty_while_speaking", "", true, ActionNone},
		{"whitespace_while_speaking", "  ", true, ActionNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := e.PartialTranscript(tc.text, tc.speaking); got != tc.want {
				t.Fatalf("PartialTranscript(%q, speaking=%v) = %v, want %v", tc.text, tc.speaking, got, tc.want)
			}
		})
	}
}

func TestTurnCompleted(t *testing.T) {
	e := NewEngine(defaultClassifier(t))
	cases := []struct {
		name     string
		text     string
		speaking bool
		want     Action
	}{
		{"backchannel_turn_while_silent", "yeah", false, ActionReply},
		{"substantive_turn_while_silent", "what time is it", false, ActionReply},
		{"any_turn_while_speaking", "what time is it", true, ActionNone},
		{"backchannel_turn_while_speaking", "yeah", true, ActionNone},
		{"empty_turn", "", false, ActionNone},
		{"whitespace_turn", "   ", false, ActionNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := e.TurnCompleted(tc.text, tc.speaking); got != tc.want {
				t.Fatalf("TurnCompleted(%q, speaking=%v) = %v, want %v", tc.text, tc.speaking, got, tc.want)
			}
		})
	}
}

func TestActionString(t *testing.T) {
	pairs := map[Action]string{
		ActionNone:      "NONE",
		ActionIgnore:    "IGNORE",
		ActionInterrupt: "INTERRUPT",
		ActionReply:     "REPLY",
		Action(42):      "UNKNOWN",
	}
	for a, want := range pairs {
		if a.String() != want {
			t.Fatalf("Action(%d).String() = %q, want %q", int(a), a.String(), want)
		}
	}
}
