package tts

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
)

const (
	defaultVoice = "aura-2-thalia-en"
	outputRate   = 48000
	outputCodec  = "linear16"

	// quietWindow ends a synthesis once audio stops arriving; the Aura
	// socket has no explicit end-of-audio signal on this path.
	quietWindow = 400 * time.Millisecond
	// synthesisDeadline bounds a single synthesis no matter what the
	// socket does.
	synthesisDeadline = 12 * time.Second
)

// DeepgramClient synthesizes speech over Deepgram's Aura websocket API,
// one short-lived socket per utterance.
type DeepgramClient struct {
	apiKey string
	voice  string
}

func NewDeepgramClient(apiKey, voice string) *DeepgramClient {
	if voice == "" {
		voice = defaultVoice
	}
	return &DeepgramClient{apiKey: apiKey, voice: voice}
}

// StreamPCM48k synthesizes text and delivers 48 kHz mono little-endian PCM
// chunks on the returned channel. Cancelling ctx is the barge-in path: the
// socket is torn down and both channels close without draining whatever
// audio remains.
func (d *DeepgramClient) StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcm := make(chan []byte, 4096)
	errs := make(chan error, 1)
	go d.synthesize(ctx, text, pcm, errs)
	return pcm, errs
}

func (d *DeepgramClient) synthesize(ctx context.Context, text string, pcm chan<- []byte, errs chan<- error) {
	defer close(pcm)
	defer close(errs)

	if d.apiKey == "" {
		errs <- fmt.Errorf("deepgram: API key missing")
		return
	}
	if strings.TrimSpace(text) == "" {
		return
	}

	rx := newAuraReceiver()
	options := &clientinterfaces.WSSpeakOptions{
		Model:      d.voice,
		Encoding:   outputCodec,
		SampleRate: outputRate,
	}
	dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, options, rx)
	if err != nil {
		errs <- fmt.Errorf("deepgram: create ws client: %w", err)
		return
	}
	defer dg.Stop()

	if ok := dg.Connect(); !ok {
		errs <- fmt.Errorf("deepgram: connect failed")
		return
	}
	if err := dg.SpeakWithText(text); err != nil {
		errs <- fmt.Errorf("deepgram: speak text: %w", err)
		return
	}
	if err := dg.Flush(); err != nil {
		log.Printf("deepgram: flush error: %v", err)
	}

	// The quiet timer starts at the full deadline and tightens to
	// quietWindow once audio begins flowing.
	quiet := time.NewTimer(synthesisDeadline)
	defer quiet.Stop()
	hardStop := time.After(synthesisDeadline)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hardStop:
			return
		case <-quiet.C:
			return
		case chunk := <-rx.audio:
			select {
			case pcm <- chunk:
			case <-ctx.Done():
				return
			}
			if !quiet.Stop() {
				select {
				case <-quiet.C:
				default:
				}
			}
			quiet.Reset(quietWindow)
		}
	}
}

// auraReceiver buffers binary audio frames arriving on the socket callback
// goroutine; control messages carry nothing this client needs.
type auraReceiver struct {
	audio chan []byte
}

func newAuraReceiver() *auraReceiver {
	return &auraReceiver{audio: make(chan []byte, 4096)}
}

// Binary copies each audio frame off the socket goroutine. A full buffer
// drops the frame rather than stalling the socket reader.
func (r *auraReceiver) Binary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	chunk := make([]byte, len(data))
	copy(chunk, data)
	select {
	case r.audio <- chunk:
	default:
	}
	return nil
}

func (r *auraReceiver) Open(*msginterfaces.OpenResponse) error         { return nil }
func (r *auraReceiver) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (r *auraReceiver) Flush(*msginterfaces.FlushedResponse) error     { return nil }
func (r *auraReceiver) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (r *auraReceiver) Close(*msginterfaces.CloseResponse) error       { return nil }
func (r *auraReceiver) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (r *auraReceiver) Error(*msginterfaces.ErrorResponse) error       { return nil }
func (r *auraReceiver) UnhandledEvent([]byte) error                    { return nil }
