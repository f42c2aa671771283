package rtc

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

// sampleWriter is the slice of the track API the pacer touches.
type sampleWriter interface {
	WriteSample(s media.Sample) error
}

const (
	frameSamples = 960 // 20ms of 48kHz mono
	framePeriod  = 20 * time.Millisecond
	// tailFrames of encoded silence follow the last chunk so the decoder
	// does not clip the final syllable.
	tailFrames     = 10
	maxPacketBytes = 4000
)

// OpusPacedWriter turns bursty 48 kHz PCM from the synthesizer into a steady
// stream of 20ms Opus frames on the outbound track. Synthesis runs far
// faster than realtime; the queue absorbs the burst and the pacer releases
// one frame per tick. Reset drops everything queued so a barge-in silences
// the line within one frame.
type OpusPacedWriter struct {
	enc   *opus.Encoder
	track sampleWriter

	mu      sync.Mutex
	pending []int16
	closed  bool

	queue chan []byte
	done  chan struct{}
}

func NewOpusPacedWriter(track *webrtc.TrackLocalStaticSample) (*OpusPacedWriter, error) {
	enc, err := opus.NewEncoder(48000, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	w := &OpusPacedWriter{
		enc:   enc,
		track: track,
		queue: make(chan []byte, 512),
		done:  make(chan struct{}),
	}
	go w.pace()
	return w, nil
}

// WritePCM appends 16-bit little-endian mono PCM at 48 kHz and queues every
// full frame it can now encode.
func (w *OpusPacedWriter) WritePCM(pcm []byte) {
	if len(pcm) < 2 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := 0; i+1 < len(pcm); i += 2 {
		w.pending = append(w.pending, int16(binary.LittleEndian.Uint16(pcm[i:])))
	}
	for len(w.pending) >= frameSamples {
		w.enqueue(w.encode(w.pending[:frameSamples]))
		w.pending = w.pending[frameSamples:]
	}
}

// FlushTail zero-pads the buffered remainder to a full frame, then appends a
// short silence tail.
func (w *OpusPacedWriter) FlushTail() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) > 0 {
		frame := make([]int16, frameSamples)
		copy(frame, w.pending)
		w.pending = w.pending[:0]
		w.enqueue(w.encode(frame))
	}
	silence := make([]int16, frameSamples)
	for i := 0; i < tailFrames; i++ {
		w.enqueue(w.encode(silence))
	}
}

// Reset discards everything buffered or queued but not yet on the wire. The
// writer stays usable; the next WritePCM starts clean.
func (w *OpusPacedWriter) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = w.pending[:0]
	for {
		select {
		case <-w.queue:
		default:
			return
		}
	}
}

// Close stops the pacer. Safe to call more than once.
func (w *OpusPacedWriter) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	close(w.done)
}

func (w *OpusPacedWriter) encode(frame []int16) []byte {
	buf := make([]byte, maxPacketBytes)
	n, err := w.enc.Encode(frame, buf)
	if err != nil || n == 0 {
		return nil
	}
	return buf[:n]
}

// enqueue blocks until the queue has room or the writer closes. The pacer
// keeps draining, so a full queue always makes progress.
func (w *OpusPacedWriter) enqueue(pkt []byte) {
	if pkt == nil {
		return
	}
	select {
	case w.queue <- pkt:
	case <-w.done:
	}
}

// pace emits at most one queued frame per tick.
func (w *OpusPacedWriter) pace() {
	tick := time.NewTicker(framePeriod)
	defer tick.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-tick.C:
			select {
			case pkt := <-w.queue:
				_ = w.track.WriteSample(media.Sample{Data: pkt, Duration: framePeriod})
			default:
			}
		}
	}
}
