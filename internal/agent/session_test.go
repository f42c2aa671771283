package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chadiek/turngate/internal/lexicon"
	"github.com/chadiek/turngate/internal/turn"
)

type fakeTranscriber struct {
	events chan turn.Utterance
	closed atomic.Bool
}

func newFakeTranscriber() *fakeTranscriber {
	return &fakeTranscriber{events: make(chan turn.Utterance, 16)}
}

func (f *fakeTranscriber) Connect() error                           { return nil }
func (f *fakeTranscriber) SendPCM16KLE(pcm []byte) error            { return nil }
func (f *fakeTranscriber) Events() <-chan turn.Utterance            { return f.events }
func (f *fakeTranscriber) RecentlyDetectedVoice(time.Duration) bool { return false }
func (f *fakeTranscriber) Close() error {
	if f.closed.CompareAndSwap(false, true) {
		close(f.events)
	}
	return nil
}

type fakeLLM struct {
	reply string
	err   error
	calls int32
}

func (f *fakeLLM) Generate(ctx context.Context, prompt string) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

type fakeTTS struct{ frames int32 }

func (f *fakeTTS) StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcm := make(chan []byte, 10)
	errc := make(chan error, 1)
	go func() {
		defer close(pcm)
		defer close(errc)
		for i := 0; i < 3; i++ {
			select {
			case <-ctx.Done():
				return
			default:
			}
			pcm <- []byte{1, 0, 2, 0}
			atomic.AddInt32(&f.frames, 1)
			time.Sleep(10 * time.Millisecond)
		}
	}()
	return pcm, errc
}

type fakeSink struct{ wrote, resets int32 }

func (s *fakeSink) WritePCM(p []byte) { atomic.AddInt32(&s.wrote, 1) }
func (*fakeSink) FlushTail()          {}
func (s *fakeSink) Reset()            { atomic.AddInt32(&s.resets, 1) }

type turnRecorder struct {
	mu    sync.Mutex
	turns [][2]string
}

func (r *turnRecorder) record(user, spoken string) {
	r.mu.Lock()
	r.turns = append(r.turns, [2]string{user, spoken})
	r.mu.Unlock()
}

func (r *turnRecorder) snapshot() [][2]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][2]string, len(r.turns))
	copy(out, r.turns)
	return out
}

func testEngine(t *testing.T) *turn.Engine {
	t.Helper()
	l, err := lexicon.Load()
	if err != nil {
		t.Fatalf("load lexicon: %v", err)
	}
	return turn.NewEngine(turn.NewClassifier(lexicon.NewStore(l)))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

func TestSession_FinalWhileSilentGeneratesReply(t *testing.T) {
	tr := newFakeTranscriber()
	llm := &fakeLLM{reply: "Hello there."}
	tts := &fakeTTS{}
	sink := &fakeSink{}
	rec := &turnRecorder{}
	sess := NewSession(tr, testEngine(t), llm, tts, sink, nil, rec.record)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop, err := sess.Start(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stop()

	tr.events <- turn.Utterance{Text: "hi there", Final: true}
	if !waitFor(t, time.Second, func() bool { return len(rec.snapshot()) == 1 }) {
		t.Fatalf("expected one answered turn, got %d", len(rec.snapshot()))
	}
	got := rec.snapshot()[0]
	if got[0] != "hi there" {
		t.Fatalf("expected user text recorded, got %q", got[0])
	}
	if got[1] != "Hello there." {
		t.Fatalf("expected full spoken reply, got %q", got[1])
	}
	if atomic.LoadInt32(&sink.wrote) == 0 {
		t.Fatalf("expected audio written to sink")
	}
}

func TestSession_BackchannelFinalWhileSilentStillReplies(t *testing.T) {
	tr := newFakeTranscriber()
	llm := &fakeLLM{reply: "Glad you agree."}
	sess := NewSession(tr, testEngine(t), llm, &fakeTTS{}, &fakeSink{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop, err := sess.Start(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stop()

	tr.events <- turn.Utterance{Text: "yeah", Final: true}
	if !waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&llm.calls) == 1 }) {
		t.Fatalf("expected a reply to be generated for a backchannel-only turn")
	}
}

func TestSession_SubstantivePartialInterruptsSpeech(t *testing.T) {
	tr := newFakeTranscriber()
	llm := &fakeLLM{reply: "First sentence. Second sentence. Third sentence."}
	tts := &fakeTTS{}
	sink := &fakeSink{}
	rec := &turnRecorder{}
	sess := NewSession(tr, testEngine(t), llm, tts, sink, nil, rec.record)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop, err := sess.Start(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stop()

	tr.events <- turn.Utterance{Text: "hi", Final: true}
	if !waitFor(t, time.Second, func() bool { return sess.IsSpeaking() }) {
		t.Fatalf("expected session to start speaking")
	}
	tr.events <- turn.Utterance{Text: "wait stop", Final: false}

	if !waitFor(t, time.Second, func() bool { return len(rec.snapshot()) == 1 }) {
		t.Fatalf("expected turn to finish after barge-in")
	}
	spoken := rec.snapshot()[0][1]
	if !strings.Contains(spoken, "[INTERRUPTED BY USER]") {
		t.Fatalf("expected interruption marker in spoken text, got %q", spoken)
	}
	if atomic.LoadInt32(&sink.resets) == 0 {
		t.Fatalf("expected sink reset on barge-in")
	}
}

func TestSession_BackchannelPartialDoesNotInterrupt(t *testing.T) {
	tr := newFakeTranscriber()
	llm := &fakeLLM{reply: "One. Two."}
	tts := &fakeTTS{}
	sink := &fakeSink{}
	rec := &turnRecorder{}
	var decisions []turn.Action
	var decisionMu sync.Mutex
	onDecision := func(a turn.Action, _ string) {
		decisionMu.Lock()
		decisions = append(decisions, a)
		decisionMu.Unlock()
	}
	sess := NewSession(tr, testEngine(t), llm, tts, sink, onDecision, rec.record)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop, err := sess.Start(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stop()

	tr.events <- turn.Utterance{Text: "hi", Final: true}
	if !waitFor(t, time.Second, func() bool { return sess.IsSpeaking() }) {
		t.Fatalf("expected session to start speaking")
	}
	tr.events <- turn.Utterance{Text: "yeah", Final: false}

	if !waitFor(t, time.Second, func() bool { return len(rec.snapshot()) == 1 }) {
		t.Fatalf("expected turn to finish")
	}
	spoken := rec.snapshot()[0][1]
	if strings.Contains(spoken, "[INTERRUPTED BY USER]") {
		t.Fatalf("backchannel must not interrupt, got %q", spoken)
	}
	decisionMu.Lock()
	defer decisionMu.Unlock()
	var sawIgnore bool
	for _, a := range decisions {
		if a == turn.ActionInterrupt {
			t.Fatalf("no interrupt decision expected")
		}
		if a == turn.ActionIgnore {
			sawIgnore = true
		}
	}
	if !sawIgnore {
		t.Fatalf("expected an IGNORE decision for the backchannel partial")
	}
}

func TestSession_AtMostOneReplyInFlight(t *testing.T) {
	tr := newFakeTranscriber()
	llm := &fakeLLM{reply: "Answer. More detail."}
	rec := &turnRecorder{}
	sess := NewSession(tr, testEngine(t), llm, &fakeTTS{}, &fakeSink{}, nil, rec.record)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop, err := sess.Start(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stop()

	// Two finals back to back: the second lands while the first reply is in
	// flight and must be deferred, not raced.
	tr.events <- turn.Utterance{Text: "first question", Final: true}
	tr.events <- turn.Utterance{Text: "second question", Final: true}

	if !waitFor(t, 2*time.Second, func() bool { return len(rec.snapshot()) == 2 }) {
		t.Fatalf("expected both turns answered eventually, got %d", len(rec.snapshot()))
	}
	turns := rec.snapshot()
	if turns[0][0] != "first question" {
		t.Fatalf("expected first question answered first, got %q", turns[0][0])
	}
	if turns[1][0] != "second question" {
		t.Fatalf("expected deferred question answered second, got %q", turns[1][0])
	}
}

func TestSession_NoReplyOnLLMError(t *testing.T) {
	tr := newFakeTranscriber()
	llm := &fakeLLM{err: errors.New("boom")}
	sess := NewSession(tr, testEngine(t), llm, &fakeTTS{}, &fakeSink{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop, err := sess.Start(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stop()
	tr.events <- turn.Utterance{Text: "hi", Final: true}
	time.Sleep(50 * time.Millisecond)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	for _, h := range sess.history {
		if h.Role == "ASSISTANT" {
			t.Fatalf("expected no assistant history entry on LLM error")
		}
	}
}

func TestChunkReply_SplitsAndTrims(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"  Hello world.  How are you?\nI am fine!  ", []string{"Hello world.", "How are you?", "I am fine!"}},
		{"no punctuation here", []string{"no punctuation here"}},
		{"", nil},
	}
	for _, tc := range cases {
		got := chunkReply(tc.in)
		if len(got) != len(tc.want) {
			t.Fatalf("len mismatch for %q: got %d want %d", tc.in, len(got), len(tc.want))
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("elem %d mismatch: got %q want %q", i, got[i], tc.want[i])
			}
		}
	}
}
