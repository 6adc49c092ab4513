package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/text/encoding"

	"github.com/rhuss/sandout/pkg/debug"
	"github.com/rhuss/sandout/pkg/observability"
)

const (
	// TimedOutSuffix is appended when the session was cancelled.
	TimedOutSuffix = "\n(Execution timed out)"
	// UnexpectedEndSuffix is appended when the stream ended or the buffers
	// filled up before the marker appeared.
	UnexpectedEndSuffix = "\n(Unexpected end of output)"
)

// ErrEmptyMarker is returned when the end marker is empty.
var ErrEmptyMarker = errors.New("capture: end marker must not be empty")

// Options configures a Reader.
type Options struct {
	// ByteBufferSize bounds the raw bytes read per session.
	ByteBufferSize int
	// CharBufferSize bounds the decoded UTF-8 text per session.
	CharBufferSize int
	// Encoding of the stream. Nil means UTF-8.
	Encoding encoding.Encoding
}

// Result is the outcome of one capture session.
type Result struct {
	// Output is the text before the marker, or the text read so far plus
	// a failure suffix.
	Output    string
	Failed    bool
	Outcome   Outcome
	BytesRead int
	Duration  time.Duration
}

// Reader runs capture sessions. It is safe for concurrent use; each call
// to ReadOutput leases its own buffers.
type Reader struct {
	bytes *Pool
	chars *Pool
	enc   encoding.Encoding

	// reapers tracks goroutines waiting on abandoned reads. Once draining
	// is set no new reaper is added, so Add never races a running Wait.
	mu       sync.Mutex
	draining bool
	reapers  sync.WaitGroup
}

// NewReader creates a Reader with the given options.
func NewReader(opts Options) *Reader {
	return &Reader{
		bytes: NewPool(opts.ByteBufferSize),
		chars: NewPool(opts.CharBufferSize),
		enc:   opts.Encoding,
	}
}

var defaultReader = NewReader(Options{})

// ReadOutput reads stream with default buffers and UTF-8 decoding and
// returns the captured text and whether the capture failed.
func ReadOutput(ctx context.Context, stream io.Reader, marker string) (string, bool, error) {
	res, err := defaultReader.ReadOutput(ctx, stream, marker)
	if err != nil {
		return "", false, err
	}
	return res.Output, res.Failed, nil
}

// ReadOutput consumes stream until marker appears, ctx is done, the
// stream ends, or a buffer is full. Cancellation is reported in the
// Result, not as an error. Errors are returned only for an empty marker,
// a transport fault, or a decoder fault.
//
// If ctx is cancelled while a read is blocked, ReadOutput returns
// immediately and the read keeps running until the caller closes the
// stream.
func (r *Reader) ReadOutput(ctx context.Context, stream io.Reader, marker string) (*Result, error) {
	if marker == "" {
		return nil, ErrEmptyMarker
	}
	start := time.Now()

	byteBuf := r.bytes.Acquire()
	charBuf := r.chars.Acquire()
	src := newCancellableReader(stream)
	defer func() {
		r.chars.Release(charBuf)
		r.releaseAfterRead(byteBuf, src.abandoned())
	}()

	s := session{
		src:    src,
		dec:    NewDecoder(r.enc),
		bytes:  byteBuf.B,
		chars:  charBuf.B,
		marker: []byte(marker),
		end:    -1,
	}
	if err := s.run(ctx); err != nil {
		observability.CaptureTotal.WithLabelValues("fault").Inc()
		return nil, err
	}

	res := &Result{
		Outcome:   s.outcome,
		Failed:    s.outcome.Failed(),
		BytesRead: s.byteIndex,
		Duration:  time.Since(start),
	}
	if s.outcome == OutcomeMarkerFound {
		res.Output = string(s.chars[:s.end])
	} else {
		res.Output = string(s.chars[:s.charIndex]) + s.outcome.suffix()
	}

	observability.CaptureTotal.WithLabelValues(s.outcome.String()).Inc()
	observability.CaptureBytes.Observe(float64(s.byteIndex))
	observability.CaptureDuration.WithLabelValues(s.outcome.String()).Observe(res.Duration.Seconds())
	debug.Log("capture", "session finished",
		"outcome", s.outcome.String(),
		"bytes", s.byteIndex,
		"chars", s.charIndex,
		"duration", res.Duration,
	)
	return res, nil
}

// WaitAbandoned blocks until every read abandoned by a cancelled session
// has returned and its buffer is back in the pool, or ctx is done. Reads
// abandoned after the first call still release their buffers but are not
// waited for.
func (r *Reader) WaitAbandoned(ctx context.Context) error {
	r.mu.Lock()
	r.draining = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.reapers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BufferPools exposes the byte and char pools, mainly for health reporting.
func (r *Reader) BufferPools() (bytePool, charPool *Pool) {
	return r.bytes, r.chars
}

func (r *Reader) releaseAfterRead(b *Buffer, pending <-chan readResult) {
	if pending == nil {
		r.bytes.Release(b)
		return
	}
	observability.CaptureAbandonedReads.Inc()
	r.mu.Lock()
	tracked := !r.draining
	if tracked {
		r.reapers.Add(1)
	}
	r.mu.Unlock()
	go func() {
		if tracked {
			defer r.reapers.Done()
		}
		res := <-pending
		observability.CaptureAbandonedReads.Dec()
		r.bytes.Release(b)
		debug.Log("capture", "abandoned read returned", "bytes", res.n, "error", res.err)
	}()
}

// session is the per-call state of the capture loop.
type session struct {
	src    *cancellableReader
	dec    *Decoder
	bytes  []byte
	chars  []byte
	marker []byte

	byteIndex int
	charIndex int
	end       int
	outcome   Outcome
}

func (s *session) run(ctx context.Context) error {
	for !s.outcome.Terminal() {
		n, status, err := s.src.read(ctx, s.bytes[s.byteIndex:])
		if err != nil {
			return fmt.Errorf("reading output stream: %w", err)
		}
		switch status {
		case readCancelled:
			s.outcome = OutcomeCancelled
			continue
		case readEOF:
			s.outcome = OutcomeEndOfStream
			continue
		}

		nChars, full, err := s.dec.Decode(s.chars[s.charIndex:], s.bytes[s.byteIndex:s.byteIndex+n])
		if err != nil {
			return fmt.Errorf("decoding output stream: %w", err)
		}
		total := s.charIndex + nChars
		if debug.TraceIsEnabled("capture") {
			debug.Trace("capture", "chunk", "bytes", n, "text", string(s.chars[s.charIndex:total]))
		}

		if i := findMarker(s.chars[:total], s.charIndex, s.marker); i >= 0 {
			s.end = i
			s.outcome = OutcomeMarkerFound
		}

		s.byteIndex += n
		s.charIndex = total

		if s.outcome.Terminal() {
			continue
		}
		if full || s.byteIndex == len(s.bytes) || s.charIndex == len(s.chars) {
			slog.Warn("capture buffer exhausted before end marker",
				"bytes", s.byteIndex,
				"chars", s.charIndex,
			)
			s.outcome = OutcomeBufferExhausted
		}
	}
	return nil
}
