// Package turn implements the turn-taking core: it classifies transcribed
// user speech as backchannel or substantive content and decides whether the
// agent should be interrupted, the utterance ignored, or a reply generated.
// Everything here is pure computation; executing the decisions (stopping TTS,
// invoking the LLM) belongs to the session layer.
package turn

import (
	"strings"

	"github.com/chadiek/turngate/internal/lexicon"
)

// Utterance is one transcription event: the raw text and whether the source
// stream considers the user's turn finished. Events are consumed once, in
// arrival order.
type Utterance struct {
	Text  string
	Final bool
}

// Action is the turn-taking decision for a single utterance event.
type Action int

const (
	// ActionNone means no action is taken (empty text, or a trigger that
	// does not apply in the current speaking state). Kept distinct from
	// ActionIgnore so suppressed backchannels remain visible in logs.
	ActionNone Action = iota
	// ActionIgnore means the utterance is a backchannel while the agent is
	// speaking; playback continues.
	ActionIgnore
	// ActionInterrupt means the agent must stop speaking immediately.
	ActionInterrupt
	// ActionReply means the user finished a turn while the agent was silent
	// and a reply must be generated.
	ActionReply
)

// String returns the log tag for the action.
func (a Action) String() string {
	switch a {
	case ActionNone:
		return "NONE"
	case ActionIgnore:
		return "IGNORE"
	case ActionInterrupt:
		return "INTERRUPT"
	case ActionReply:
		return "REPLY"
	default:
		return "UNKNOWN"
	}
}

// Classifier decides whether an utterance carries substantive content. It
// reads the lexicon through a Store so configuration reloads apply to new
// classifications without synchronization.
type Classifier struct {
	store *lexicon.Store
}

// NewClassifier returns a Classifier backed by store.
func NewClassifier(store *lexicon.Store) *Classifier {
	return &Classifier{store: store}
}

// IsBackchannel reports whether text contains only non-substantive
// acknowledgments. Normalization: hyphens to spaces (so "uh-huh" matches its
// two-word form), punctuation stripped, lowercased, split on whitespace. A
// text with no tokens left (silence, stray punctuation) is treated as
// non-substantive: noise must never read as an interruption. Otherwise every
// token must be in the lexicon; a single unknown word makes the whole
// utterance substantive. No per-token scoring.
func (c *Classifier) IsBackchannel(text string) bool {
	tokens := lexicon.Tokenize(text)
	if len(tokens) == 0 {
		return true
	}
	return c.store.Current().ContainsAll(tokens)
}

// Engine combines the classifier with the agent's speaking state to produce
// turn-taking actions. It is stateless; the speaking flag is a snapshot read
// by the caller at decision time, and a stale read is tolerated as a
// best-effort signal.
type Engine struct {
	classifier *Classifier
}

// NewEngine returns an Engine using classifier.
func NewEngine(classifier *Classifier) *Engine {
	return &Engine{classifier: classifier}
}

// PartialTranscript decides on an incremental transcript fragment while the
// user is speaking. It only acts while the agent is speaking: its sole
// purpose is to stop the agent early, synchronously per fragment. A
// backchannel keeps the agent talking; anything substantive interrupts.
func (e *Engine) PartialTranscript(text string, agentSpeaking bool) Action {
	if strings.TrimSpace(text) == "" {
		return ActionNone
	}
	if !agentSpeaking {
		return ActionNone
	}
	if e.classifier.IsBackchannel(text) {
		return ActionIgnore
	}
	return ActionInterrupt
}

// TurnCompleted decides on a finalized utterance. A silent agent must never
// leave a finished user turn unanswered, so when the agent is not speaking
// this always issues a reply, even for pure backchannel text. When the
// agent is speaking, the partial path has already decided and this takes no
// action.
func (e *Engine) TurnCompleted(text string, agentSpeaking bool) Action {
	if strings.TrimSpace(text) == "" {
		return ActionNone
	}
	if agentSpeaking {
		return ActionNone
	}
	return ActionReply
}
