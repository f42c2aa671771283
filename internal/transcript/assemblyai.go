package transcript

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gorilla/websocket"

	"github.com/chadiek/turngate/internal/turn"
)

// End-of-utterance detection. The AssemblyAI stream sends running
// transcripts but no turn boundary usable at conversational latency, so one
// is derived from inactivity.
const (
	// silenceThreshold is the base quiet period before a turn commits.
	silenceThreshold = 700 * time.Millisecond
	// continuationExtension lengthens the quiet period when the transcript
	// ends on a word that usually precedes more speech ("and", "if", "to").
	continuationExtension = 1200 * time.Millisecond
	// stabilizationGrace absorbs transcript updates that straggle in just
	// after the quiet period elapses.
	stabilizationGrace = 250 * time.Millisecond
)

// AssemblyAIService streams 16 kHz PCM to the AssemblyAI v3 realtime API and
// emits utterance events: one non-final event per transcript update, and a
// final event carrying the newly committed text once the speaker goes quiet.
type AssemblyAIService struct {
	apiKey string

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool

	events chan turn.Utterance
	outbox chan []byte
	stopCh chan struct{}

	// emitMu orders event sends against the channel close in Close, so a
	// finalize racing shutdown can never send on a closed channel.
	emitMu sync.Mutex
	closed bool

	// accumulation state, guarded by accMu
	accMu        sync.Mutex
	latest       string // newest full transcript from the ASR
	committed    string // prefix already delivered as final turns
	lastUpdate   time.Time
	lastVoice    time.Time
	silenceTimer *time.Timer
}

type beginMessage struct {
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type turnMessage struct {
	Transcript    string `json:"transcript"`
	TurnFormatted bool   `json:"turn_is_formatted"`
}

type terminationMessage struct {
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`
}

type errorMessage struct {
	Error string `json:"error"`
}

func NewAssemblyAIService(apiKey string) *AssemblyAIService {
	return &AssemblyAIService{
		apiKey: apiKey,
		events: make(chan turn.Utterance, 100),
		outbox: make(chan []byte, 1000),
		stopCh: make(chan struct{}),
	}
}

// Events returns the utterance stream. Non-final events carry the latest
// full transcript; final events carry the delta since the last commit.
func (s *AssemblyAIService) Events() <-chan turn.Utterance { return s.events }

// Connect dials the realtime endpoint and starts the read and write loops.
// Calling it on a connected service is a no-op.
func (s *AssemblyAIService) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}
	if s.apiKey == "" {
		return fmt.Errorf("assemblyai: api key missing")
	}

	q := url.Values{}
	q.Set("sample_rate", "16000")
	q.Set("format_turns", "false")
	q.Set("encoding", "pcm_s16le")
	endpoint := "wss://streaming.assemblyai.com/v3/ws?" + q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.Dial(endpoint, http.Header{"Authorization": {s.apiKey}})
	if err != nil {
		if resp != nil {
			return fmt.Errorf("assemblyai: dial (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("assemblyai: dial: %w", err)
	}
	s.conn = conn
	s.connected = true

	now := time.Now()
	s.accMu.Lock()
	s.lastUpdate = now
	s.lastVoice = now
	s.accMu.Unlock()

	go s.readLoop()
	go s.writeLoop()

	log.Println("assemblyai: realtime session connected")
	return nil
}

// SendPCM16KLE queues 16-bit little-endian mono PCM at 16 kHz for streaming.
// A full outbox drops the chunk; realtime capture must not back up.
func (s *AssemblyAIService) SendPCM16KLE(pcm []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return fmt.Errorf("assemblyai: not connected")
	}
	s.trackVoiceEnergy(pcm)
	select {
	case s.outbox <- pcm:
	default:
		log.Println("assemblyai: outbox full, dropping audio chunk")
	}
	return nil
}

// trackVoiceEnergy records the time voice was last heard, from the chunk's
// RMS level. The floor is tuned against line noise; it gates timing only,
// transcript text decides everything else.
func (s *AssemblyAIService) trackVoiceEnergy(pcm []byte) {
	const minBytes = 320 // 10ms at 16 kHz
	if len(pcm) < minBytes {
		return
	}
	stride := 2
	if len(pcm) > 3200 {
		stride = 4 // large chunk, sample sparsely
	}
	var sum float64
	n := 0
	for i := 0; i+1 < len(pcm); i += 2 * stride {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i:])))
		sum += v * v
		n++
	}
	if n == 0 {
		return
	}
	const voiceFloor = 250.0
	if math.Sqrt(sum/float64(n)) < voiceFloor {
		return
	}
	s.accMu.Lock()
	s.lastVoice = time.Now()
	s.accMu.Unlock()
}

// RecentlyDetectedVoice reports whether voice energy was heard within window.
func (s *AssemblyAIService) RecentlyDetectedVoice(window time.Duration) bool {
	s.accMu.Lock()
	last := s.lastVoice
	s.accMu.Unlock()
	return time.Since(last) <= window
}

// Close terminates the session, delivers any uncommitted transcript tail as
// a last final event, then closes the event stream.
func (s *AssemblyAIService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	close(s.stopCh)

	s.accMu.Lock()
	if s.silenceTimer != nil {
		s.silenceTimer.Stop()
		s.silenceTimer = nil
	}
	s.accMu.Unlock()

	if s.conn != nil {
		_ = s.conn.WriteJSON(map[string]string{"type": "Terminate"})
		_ = s.conn.Close()
	}
	s.connected = false
	s.conn = nil

	s.flushPending()

	s.emitMu.Lock()
	s.closed = true
	s.emitMu.Unlock()
	close(s.events)

	log.Println("assemblyai: session closed")
	return nil
}

func (s *AssemblyAIService) readLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Printf("assemblyai: read: %v", err)
			return
		}
		s.dispatch(raw)
	}
}

func (s *AssemblyAIService) writeLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		case pcm := <-s.outbox:
			s.mu.RLock()
			conn := s.conn
			s.mu.RUnlock()
			if conn == nil {
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
				log.Printf("assemblyai: audio write: %v", err)
				return
			}
		}
	}
}

func (s *AssemblyAIService) dispatch(raw []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		log.Printf("assemblyai: bad message: %v", err)
		return
	}

	switch envelope.Type {
	case "Begin":
		var msg beginMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("assemblyai: bad Begin message: %v", err)
			return
		}
		log.Printf("assemblyai: session %s open until %s", msg.ID, time.Unix(msg.ExpiresAt, 0).Format(time.RFC3339))

	case "Turn":
		var msg turnMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("assemblyai: bad Turn message: %v", err)
			return
		}
		if msg.Transcript == "" {
			return
		}
		s.emitPartial(msg.Transcript)
		s.accMu.Lock()
		s.latest = msg.Transcript
		s.lastUpdate = time.Now()
		s.rescheduleLocked(silenceThreshold)
		s.accMu.Unlock()

	case "Termination":
		var msg terminationMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("assemblyai: bad Termination message: %v", err)
			return
		}
		log.Printf("assemblyai: session ended after %.2fs of audio (%.2fs total)", msg.AudioDurationSeconds, msg.SessionDurationSeconds)
		s.flushPending()

	case "Error":
		var msg errorMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("assemblyai: bad Error message: %v", err)
			return
		}
		log.Printf("assemblyai: server error: %s", msg.Error)

	default:
		log.Printf("assemblyai: unhandled message type %q", envelope.Type)
	}
}

// finalizeAfterSilence runs off the silence timer. It verifies the quiet
// period really elapsed (transcript updates and raw voice energy both count
// as activity), waits out a short grace for stragglers, then commits the
// uncommitted transcript tail as a final utterance.
func (s *AssemblyAIService) finalizeAfterSilence() {
	select {
	case <-s.stopCh:
		return
	default:
	}

	s.accMu.Lock()
	threshold := s.thresholdLocked()
	now := time.Now()
	quietText := now.Sub(s.lastUpdate)
	quietVoice := now.Sub(s.lastVoice)
	if quietText < threshold || quietVoice < threshold {
		s.rescheduleLocked(remainingQuiet(threshold, quietText, quietVoice))
		s.accMu.Unlock()
		return
	}
	seenAt := s.lastUpdate
	s.accMu.Unlock()

	time.Sleep(stabilizationGrace)

	s.accMu.Lock()
	if s.lastUpdate.After(seenAt) {
		// A straggler landed during the grace; start the quiet period over.
		s.rescheduleLocked(s.thresholdLocked())
		s.accMu.Unlock()
		return
	}
	delta := deltaSince(s.latest, s.committed)
	s.committed = s.latest
	s.accMu.Unlock()

	if delta != "" {
		s.emitFinal(delta, 2*time.Second)
	}
}

// thresholdLocked picks the quiet period for the current transcript tail.
// Caller holds accMu.
func (s *AssemblyAIService) thresholdLocked() time.Duration {
	if endsOnContinuation(s.latest) {
		return silenceThreshold + continuationExtension
	}
	return silenceThreshold
}

// remainingQuiet picks the shortest wait that completes the quiet period.
func remainingQuiet(threshold, quietText, quietVoice time.Duration) time.Duration {
	wait := threshold
	if quietText < threshold && threshold-quietText < wait {
		wait = threshold - quietText
	}
	if quietVoice < threshold && threshold-quietVoice < wait {
		wait = threshold - quietVoice
	}
	if wait < 10*time.Millisecond {
		wait = 10 * time.Millisecond
	}
	return wait
}

// rescheduleLocked arms or re-arms the silence timer. Caller holds accMu.
func (s *AssemblyAIService) rescheduleLocked(wait time.Duration) {
	if s.silenceTimer == nil {
		s.silenceTimer = time.AfterFunc(wait, s.finalizeAfterSilence)
		return
	}
	s.silenceTimer.Stop()
	s.silenceTimer.Reset(wait)
}

// flushPending commits a transcript tail that never hit the silence timer,
// so the last words of a session are not lost.
func (s *AssemblyAIService) flushPending() {
	s.accMu.Lock()
	delta := deltaSince(s.latest, s.committed)
	s.committed = s.latest
	s.accMu.Unlock()
	if delta != "" {
		s.emitFinal(delta, 200*time.Millisecond)
	}
}

// emitPartial forwards a transcript fragment. Fragments may be dropped under
// backpressure; only committed finals are delivered reliably.
func (s *AssemblyAIService) emitPartial(text string) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- turn.Utterance{Text: text}:
	default:
	}
}

// emitFinal delivers a committed turn, retrying until patience runs out. The
// closed flag is checked under emitMu on every attempt.
func (s *AssemblyAIService) emitFinal(text string, patience time.Duration) {
	deadline := time.Now().Add(patience)
	for {
		s.emitMu.Lock()
		if s.closed {
			s.emitMu.Unlock()
			return
		}
		select {
		case s.events <- turn.Utterance{Text: text, Final: true}:
			s.emitMu.Unlock()
			return
		default:
		}
		s.emitMu.Unlock()
		if time.Now().After(deadline) {
			log.Printf("assemblyai: dropped final turn, consumer stalled: %q", text)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// deltaSince extracts the uncommitted tail of the latest full transcript.
func deltaSince(latest, base string) string {
	delta := strings.TrimSpace(strings.TrimPrefix(latest, base))
	if delta == "" && base != "" {
		if idx := strings.LastIndex(latest, base); idx >= 0 && idx+len(base) <= len(latest) {
			delta = strings.TrimSpace(latest[idx+len(base):])
		}
	}
	return delta
}

// endsOnContinuation reports whether the last meaningful word suggests the
// speaker has more to say.
func endsOnContinuation(text string) bool {
	w := lastWord(text)
	if w == "" {
		return false
	}
	_, ok := continuationWords[w]
	return ok
}

func lastWord(text string) string {
	trim := strings.TrimSpace(text)
	if trim == "" {
		return ""
	}
	fields := strings.FieldsFunc(trim, func(r rune) bool { return !unicode.IsLetter(r) })
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[len(fields)-1])
}

var continuationWords = map[string]struct{}{
	// coordinating conjunctions
	"and": {}, "or": {}, "but": {}, "nor": {}, "yet": {}, "so": {},
	// subordinating conjunctions and conditionals
	"if": {}, "when": {}, "while": {}, "though": {}, "although": {},
	"because": {}, "since": {}, "unless": {}, "until": {}, "whereas": {},
	// fillers
	"also": {}, "plus": {}, "um": {}, "uh": {}, "like": {},
	// prepositions that rarely end a sentence
	"about": {}, "with": {}, "to": {}, "of": {}, "for": {}, "on": {}, "in": {}, "at": {},
}
