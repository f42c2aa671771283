package rtc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/chadiek/turngate/internal/agent"
	"github.com/chadiek/turngate/internal/archive"
	"github.com/chadiek/turngate/internal/llm"
	"github.com/chadiek/turngate/internal/transcript"
	"github.com/chadiek/turngate/internal/tts"
	"github.com/chadiek/turngate/internal/turn"
)

// SessionDescription is a small DTO to avoid exposing webrtc types in transport.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Config carries the provider credentials a call needs.
type Config struct {
	AssemblyAIKey string
	CerebrasKey   string
	CerebrasModel string
	DeepgramKey   string
	DeepgramModel string
}

// Handler answers WebRTC offers and runs one voice-agent session per peer
// connection. Interruptions are decided from transcript text by the decision
// engine, not from raw voice energy, so a listener saying "yeah" does not cut
// the agent off.
type Handler struct {
	cfg     Config
	engine  *turn.Engine
	archive archive.Storage
}

func NewHandler(cfg Config, engine *turn.Engine, store archive.Storage) *Handler {
	if store == nil {
		store = archive.Nop{}
	}
	return &Handler{cfg: cfg, engine: engine, archive: store}
}

// HandleOffer accepts an SDP offer and returns an SDP answer.
func (h *Handler) HandleOffer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, errors.New("invalid offer")
	}

	callID := generateCallID()

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return SessionDescription{}, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return SessionDescription{}, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	peerConnection, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}})
	if err != nil {
		return SessionDescription{}, err
	}

	outTrack, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1}, "agent-audio", "agent")
	if err != nil {
		_ = peerConnection.Close()
		return SessionDescription{}, err
	}
	if _, err := peerConnection.AddTrack(outTrack); err != nil {
		_ = peerConnection.Close()
		return SessionDescription{}, err
	}

	transcriptionService := transcript.NewAssemblyAIService(h.cfg.AssemblyAIKey)
	llmClient := llm.NewCerebrasClient(h.cfg.CerebrasKey, ifEmpty(h.cfg.CerebrasModel, "llama-4-maverick-17b-128e-instruct"))
	ttsClient := tts.NewDeepgramClient(h.cfg.DeepgramKey, h.cfg.DeepgramModel)

	type convoTurn struct {
		Role, Text string
		At         time.Time
	}
	var (
		transcriptMu sync.Mutex
		turns        []convoTurn
	)
	archiveOnce := sync.Once{}
	archiveTranscript := func() {
		archiveOnce.Do(func() {
			transcriptMu.Lock()
			var b strings.Builder
			for _, t := range turns {
				fmt.Fprintf(&b, "%s %s: %s\n", t.At.Format(time.RFC3339), strings.ToUpper(t.Role), t.Text)
			}
			count := len(turns)
			transcriptMu.Unlock()
			if count == 0 {
				return
			}
			key := fmt.Sprintf("transcripts/%s.txt", callID)
			if err := h.archive.Upload(key, "text/plain", []byte(b.String())); err != nil {
				log.Printf("[%s] transcript archive error: %v", callID, err)
				return
			}
			log.Printf("[%s] transcript archived (%d turns) as %s", callID, count, key)
		})
	}

	peerConnection.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("[%s] PeerConnection state: %s", callID, state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			archiveTranscript()
			_ = transcriptionService.Close()
			_ = peerConnection.Close()
		}
	})

	// The control data channel lets the client force a barge-in explicitly,
	// e.g. from a mute button. Spoken interruptions are handled by the
	// session's decision loop.
	var sessPtr atomic.Pointer[agent.Session]
	var pacedPtr atomic.Pointer[OpusPacedWriter]
	peerConnection.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != "control" {
			return
		}
		log.Printf("[%s] Control channel opened", callID)
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			cmd := strings.TrimSpace(strings.ToLower(string(msg.Data)))
			switch cmd {
			case "stop", "stop-speaking", "cancel", "barge-in":
				if s := sessPtr.Load(); s != nil {
					s.BargeIn()
				}
				if p := pacedPtr.Load(); p != nil {
					p.Reset()
				}
			}
		})
	})
	peerConnection.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) { log.Printf("[%s] ICE state: %s", callID, state.String()) })

	peerConnection.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		log.Printf("[%s] Remote audio track received: codec=%s", callID, remote.Codec().MimeType)

		paced, err := NewOpusPacedWriter(outTrack)
		if err != nil {
			log.Printf("[%s] Opus encoder error: %v", callID, err)
			return
		}
		pacedPtr.Store(paced)

		const pcm16kChunkBytes = 3200
		pcm16kBuf := make([]byte, 0, pcm16kChunkBytes*4)

		sess := agent.NewSession(
			transcriptionService,
			h.engine,
			llmClient,
			ttsClient,
			paced,
			func(action turn.Action, text string) {
				log.Printf("[%s] decision=%s text=%q", callID, action, text)
			},
			func(user, assistantSpoken string) {
				// Record only what was actually spoken; an interrupted reply
				// carries its marker.
				transcriptMu.Lock()
				turns = append(turns, convoTurn{Role: "USER", Text: user, At: time.Now()})
				if assistantSpoken != "" {
					turns = append(turns, convoTurn{Role: "ASSISTANT", Text: assistantSpoken, At: time.Now()})
				}
				transcriptMu.Unlock()
			},
		)
		sessPtr.Store(sess)

		// Mic reader (started only if transcription connects)
		startMicReader := func(dec *opus.Decoder) {
			go func() {
				pcmSamples := make([]int16, 1920)
				for {
					pkt, _, readErr := remote.ReadRTP()
					if readErr != nil {
						log.Printf("[%s] RTP read error: %v", callID, readErr)
						return
					}
					if len(pkt.Payload) == 0 {
						continue
					}
					n, decErr := dec.Decode(pkt.Payload, pcmSamples)
					if decErr != nil {
						log.Printf("[%s] Opus decode error: %v", callID, decErr)
						continue
					}
					startLen := len(pcm16kBuf)
					need := n * 2
					if cap(pcm16kBuf)-len(pcm16kBuf) < need {
						newCap := len(pcm16kBuf) + need + pcm16kChunkBytes
						tmp := make([]byte, len(pcm16kBuf), newCap)
						copy(tmp, pcm16kBuf)
						pcm16kBuf = tmp
					}
					pcm16kBuf = pcm16kBuf[:len(pcm16kBuf)+need]
					o := pcm16kBuf[startLen:]
					for i := 0; i < n; i++ {
						binary.LittleEndian.PutUint16(o[i*2:(i+1)*2], uint16(pcmSamples[i]))
					}
					for len(pcm16kBuf) >= pcm16kChunkBytes {
						chunk := pcm16kBuf[:pcm16kChunkBytes]
						sess.FeedPCM16KLE(chunk)
						copy(pcm16kBuf, pcm16kBuf[pcm16kChunkBytes:])
						pcm16kBuf = pcm16kBuf[:len(pcm16kBuf)-pcm16kChunkBytes]
					}
				}
			}()
		}

		if err := transcriptionService.Connect(); err != nil {
			log.Printf("[%s] Failed to connect to AssemblyAI (assistant replies disabled): %v", callID, err)
			return
		}
		// Create decoder for incoming mic audio only after successful connect
		dec, derr := opus.NewDecoder(16000, 1)
		if derr != nil {
			log.Printf("[%s] Opus decoder error: %v", callID, derr)
			return
		}
		startMicReader(dec)
		ctxSess, cancelSess := context.WithCancel(context.Background())
		stop, err := sess.Start(ctxSess)
		if err != nil {
			log.Printf("[%s] session start error: %v", callID, err)
		}
		// cleanup on close; allow frames to drain before closing
		peerConnection.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
			if state == webrtc.PeerConnectionStateClosed || state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateDisconnected {
				archiveTranscript()
				cancelSess()
				if stop != nil {
					stop()
				}
				paced.FlushTail()
				time.AfterFunc(400*time.Millisecond, func() { paced.Close() })
				_ = peerConnection.Close()
			}
		})
	})

	remoteOffer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := peerConnection.SetRemoteDescription(remoteOffer); err != nil {
		_ = peerConnection.Close()
		return SessionDescription{}, err
	}
	answer, err := peerConnection.CreateAnswer(nil)
	if err != nil {
		_ = peerConnection.Close()
		return SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(peerConnection)
	if err := peerConnection.SetLocalDescription(answer); err != nil {
		_ = peerConnection.Close()
		return SessionDescription{}, err
	}
	<-gatherComplete
	local := peerConnection.LocalDescription()
	if local == nil {
		_ = peerConnection.Close()
		return SessionDescription{}, errors.New("no local description")
	}
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

func ifEmpty(s, d string) string {
	if s == "" {
		return d
	}
	return s
}

func generateCallID() string { return time.Now().Format("0102150405.000") }
