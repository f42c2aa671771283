package agent

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/chadiek/turngate/internal/turn"
)

// silenceBeforeReply is how long the user must be quiet before the agent
// starts speaking a reply; silenceWaitMax bounds the total wait so a noisy
// line cannot mute the agent forever.
const (
	silenceBeforeReply = 500 * time.Millisecond
	silenceWaitMax     = 3 * time.Second
	llmTimeout         = 20 * time.Second
)

// Session orchestrates one conversation: it consumes utterance events from
// the transcriber, feeds each through the turn decision engine, and executes
// the resulting action: stop the agent's speech, log the suppressed
// backchannel, or run the reply pipeline (LLM -> chunked TTS -> sink).
//
// Decisions are made synchronously in the event loop, one event at a time, in
// arrival order. Only action execution is asynchronous: a reply takes seconds
// to speak and must stay interruptible by the events behind it.
type Session struct {
	transcriber Transcriber
	engine      *turn.Engine
	llm         LLM
	tts         TTS
	sink        PCM48kSink
	// onDecision is an optional observability hook invoked for every
	// decision, including NONE.
	onDecision func(action turn.Action, text string)
	// onTurn is invoked when a user turn has been answered. The assistant
	// text is exactly what was spoken to the user (truncated if interrupted).
	onTurn func(user, assistantSpoken string)

	mu               sync.Mutex
	speaking         bool
	replying         bool
	pendingFinal     string
	ttsCancel        context.CancelFunc
	bargeInRequested bool

	// conversation history: alternating user/assistant turns
	history []convTurn
}

type convTurn struct {
	Role string // "USER" or "ASSISTANT"
	Text string
}

// NewSession constructs a Session. sink may be nil for transcript-only use.
func NewSession(t Transcriber, engine *turn.Engine, llm LLM, tts TTS, sink PCM48kSink, onDecision func(turn.Action, string), onTurn func(string, string)) *Session {
	if sink == nil {
		sink = nopSink{}
	}
	return &Session{
		transcriber: t,
		engine:      engine,
		llm:         llm,
		tts:         tts,
		sink:        sink,
		onDecision:  onDecision,
		onTurn:      onTurn,
	}
}

// Start connects the transcriber and begins the decision loop. It returns a
// stop function that closes the transcriber (which ends the loop).
func (s *Session) Start(ctx context.Context) (func(), error) {
	if err := s.transcriber.Connect(); err != nil {
		return nil, err
	}
	go s.decisionLoop(ctx)
	stop := func() { _ = s.transcriber.Close() }
	return stop, nil
}

func (s *Session) decisionLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.transcriber.Events():
			if !ok {
				return
			}
			s.handleEvent(ctx, ev)
		}
	}
}

// handleEvent runs one decision. The speaking state is a snapshot; a state
// change racing the read costs at most one fragment of latency.
func (s *Session) handleEvent(ctx context.Context, ev turn.Utterance) {
	speaking := s.IsSpeaking()

	if !ev.Final {
		action := s.engine.PartialTranscript(ev.Text, speaking)
		s.notifyDecision(action, ev.Text)
		switch action {
		case turn.ActionInterrupt:
			log.Printf("decision=INTERRUPT text=%q", ev.Text)
			s.BargeIn()
		case turn.ActionIgnore:
			log.Printf("decision=IGNORE text=%q", ev.Text)
		}
		return
	}

	action := s.engine.TurnCompleted(ev.Text, speaking)
	s.notifyDecision(action, ev.Text)
	if action != turn.ActionReply {
		return
	}

	text := strings.TrimSpace(ev.Text)
	s.mu.Lock()
	if s.replying {
		// At most one reply is in flight. The finished turn is not lost:
		// it extends the pending text answered once the current reply ends.
		if s.pendingFinal != "" {
			s.pendingFinal += " "
		}
		s.pendingFinal += text
		s.mu.Unlock()
		log.Printf("decision=REPLY deferred (reply in flight) text=%q", text)
		return
	}
	s.replying = true
	s.mu.Unlock()

	log.Printf("decision=REPLY text=%q", text)
	go s.respond(ctx, text)
}

func (s *Session) notifyDecision(action turn.Action, text string) {
	if s.onDecision != nil {
		s.onDecision(action, text)
	}
}

// respond runs the reply pipeline for one user turn. When it finishes it
// drains any turn that completed in the meantime, so a deferred REPLY is
// still answered.
func (s *Session) respond(ctx context.Context, userText string) {
	defer func() {
		s.mu.Lock()
		pending := s.pendingFinal
		s.pendingFinal = ""
		s.replying = pending != ""
		s.mu.Unlock()
		if pending != "" {
			go s.respond(ctx, pending)
		}
	}()

	// Let the line settle before speaking over the user.
	waitCtx, waitCancel := context.WithTimeout(ctx, silenceWaitMax)
	for waitCtx.Err() == nil {
		if !s.transcriber.RecentlyDetectedVoice(silenceBeforeReply) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	waitCancel()

	convo := s.buildConversationPrompt(userText)
	ctxLLM, cancel := context.WithTimeout(ctx, llmTimeout)
	reply, err := s.llm.Generate(ctxLLM, convo)
	cancel()
	if err != nil {
		log.Printf("llm error: %v", err)
		return
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return
	}
	// The history keeps the full reply for LLM context; onTurn reports only
	// what was actually spoken.
	s.appendExchange(userText, reply)

	ctxTTS, cancelTTS := context.WithCancel(ctx)
	s.mu.Lock()
	s.speaking = true
	s.ttsCancel = cancelTTS
	s.bargeInRequested = false
	s.mu.Unlock()

	var spokenBuilder strings.Builder
	chunks := chunkReply(reply)
CHUNK_LOOP:
	for i, chunk := range chunks {
		if s.barged() {
			break CHUNK_LOOP
		}
		pcmCh, errCh := s.tts.StreamPCM48k(ctxTTS, chunk)
		openPCM, openErr := true, true
		for openPCM || openErr {
			select {
			case b, ok := <-pcmCh:
				if ok {
					if len(b) > 0 && !s.barged() {
						s.sink.WritePCM(b)
					}
				} else {
					openPCM = false
				}
			case e, ok := <-errCh:
				if ok && e != nil {
					log.Printf("tts stream error: %v", e)
				}
				openErr = false
			case <-ctx.Done():
				openPCM, openErr = false, false
			}
		}
		// Commit chunk text only once its audio has been emitted uncut.
		if s.barged() {
			break CHUNK_LOOP
		}
		spokenBuilder.WriteString(strings.TrimSpace(chunk))
		if i < len(chunks)-1 {
			spokenBuilder.WriteString(" ")
		}
	}

	s.mu.Lock()
	wasBarged := s.bargeInRequested
	s.speaking = false
	s.ttsCancel = nil
	s.bargeInRequested = false
	s.mu.Unlock()
	cancelTTS()
	if !wasBarged {
		s.sink.FlushTail()
	}

	spokenText := strings.TrimSpace(spokenBuilder.String())
	if wasBarged {
		if spokenText != "" {
			spokenText += " [INTERRUPTED BY USER]"
		} else {
			spokenText = "[INTERRUPTED BY USER]"
		}
	}
	if s.onTurn != nil {
		s.onTurn(userText, spokenText)
	}
}

func (s *Session) barged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bargeInRequested
}

// buildConversationPrompt formats all previous turns plus the latest user
// text with [USER]/[ASSISTANT] labels; the last message is always [USER].
func (s *Session) buildConversationPrompt(latestUser string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b strings.Builder
	for _, t := range s.history {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(t.Role))
		b.WriteString("] ")
		b.WriteString(t.Text)
		b.WriteString("\n")
	}
	b.WriteString("[USER] ")
	b.WriteString(latestUser)
	return b.String()
}

func (s *Session) appendExchange(user, assistant string) {
	s.mu.Lock()
	s.history = append(s.history, convTurn{Role: "USER", Text: user})
	s.history = append(s.history, convTurn{Role: "ASSISTANT", Text: assistant})
	s.mu.Unlock()
}

// FeedPCM16KLE sends input audio to the transcriber.
func (s *Session) FeedPCM16KLE(pcm []byte) {
	_ = s.transcriber.SendPCM16KLE(pcm)
}

// IsSpeaking reports whether TTS is currently active for this session.
func (s *Session) IsSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// BargeIn cancels current TTS streaming and prevents further audio from being
// written to the sink.
func (s *Session) BargeIn() {
	s.mu.Lock()
	cancel := s.ttsCancel
	if s.speaking {
		s.bargeInRequested = true
	}
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	// Drop queued audio immediately so the interruption feels instant.
	s.sink.Reset()
}

// chunkReply splits an assistant reply into sentence-like chunks so spoken
// text can be committed incrementally. Splits on '.', '?', '!' and newlines,
// retaining punctuation.
func chunkReply(reply string) []string {
	txt := strings.TrimSpace(reply)
	if txt == "" {
		return nil
	}
	var chunks []string
	var b strings.Builder
	for _, r := range txt {
		switch r {
		case '.', '!', '?':
			b.WriteRune(r)
			chunk := strings.TrimSpace(b.String())
			if chunk != "" {
				chunks = append(chunks, chunk)
			}
			b.Reset()
		case '\n', '\r':
			chunk := strings.TrimSpace(b.String())
			if chunk != "" {
				chunks = append(chunks, chunk)
			}
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	tail := strings.TrimSpace(b.String())
	if tail != "" {
		chunks = append(chunks, tail)
	}
	return chunks
}

type nopSink struct{}

func (nopSink) WritePCM(_ []byte) {}
func (nopSink) FlushTail()        {}
func (nopSink) Reset()            {}
