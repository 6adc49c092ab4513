package capture

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"golang.org/x/text/encoding/charmap"
)

// chunkReader returns one chunk per Read call, then io.EOF.
type chunkReader struct {
	chunks []string
	calls  int
}

func newChunkReader(chunks ...string) *chunkReader {
	return &chunkReader{chunks: chunks}
}

func (r *chunkReader) Read(p []byte) (int, error) {
	r.calls++
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	if n < len(r.chunks[0]) {
		r.chunks[0] = r.chunks[0][n:]
	} else {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

// stallReader returns its chunks and then blocks until released. The
// first blocked Read signals on stalled. On release it writes into the
// buffer it was given, as a late transport would.
type stallReader struct {
	chunks  []string
	stalled chan struct{}
	release chan struct{}
	once    sync.Once
}

func newStallReader(chunks ...string) *stallReader {
	return &stallReader{
		chunks:  chunks,
		stalled: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (r *stallReader) Read(p []byte) (int, error) {
	if len(r.chunks) > 0 {
		n := copy(p, r.chunks[0])
		r.chunks = r.chunks[1:]
		return n, nil
	}
	r.once.Do(func() { close(r.stalled) })
	<-r.release
	return copy(p, "late"), nil
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

// dataEOFReader returns all data together with io.EOF in a single call.
type dataEOFReader struct{ data string }

func (r *dataEOFReader) Read(p []byte) (int, error) {
	if r.data == "" {
		return 0, io.EOF
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	if r.data == "" {
		return n, io.EOF
	}
	return n, nil
}

func assertPoolsIdle(t *testing.T, r *Reader) {
	t.Helper()
	b, c := r.BufferPools()
	if b.InUse() != 0 || c.InUse() != 0 {
		t.Errorf("leased buffers after session: bytes=%d chars=%d, want 0", b.InUse(), c.InUse())
	}
}

func TestReadOutput_Scenarios(t *testing.T) {
	tests := []struct {
		name        string
		stream      io.Reader
		marker      string
		wantOutput  string
		wantFailed  bool
		wantOutcome Outcome
	}{
		{
			name:        "marker in single chunk",
			stream:      newChunkReader("hello<<END>>"),
			marker:      "<<END>>",
			wantOutput:  "hello",
			wantOutcome: OutcomeMarkerFound,
		},
		{
			name:        "marker split across chunks",
			stream:      newChunkReader("hello<<E", "ND>>"),
			marker:      "<<END>>",
			wantOutput:  "hello",
			wantOutcome: OutcomeMarkerFound,
		},
		{
			name:        "marker split with text after it",
			stream:      newChunkReader("hello<", "<END>>ignored"),
			marker:      "<<END>>",
			wantOutput:  "hello",
			wantOutcome: OutcomeMarkerFound,
		},
		{
			name:        "marker split across three chunks",
			stream:      newChunkReader("out<", "<EN", "D>>"),
			marker:      "<<END>>",
			wantOutput:  "out",
			wantOutcome: OutcomeMarkerFound,
		},
		{
			name:        "end of stream without marker",
			stream:      newChunkReader("partial"),
			marker:      "<<END>>",
			wantOutput:  "partial" + UnexpectedEndSuffix,
			wantFailed:  true,
			wantOutcome: OutcomeEndOfStream,
		},
		{
			name:        "empty stream",
			stream:      newChunkReader(),
			marker:      "<<END>>",
			wantOutput:  UnexpectedEndSuffix,
			wantFailed:  true,
			wantOutcome: OutcomeEndOfStream,
		},
		{
			name:        "marker at start",
			stream:      newChunkReader("<<END>>trailing"),
			marker:      "<<END>>",
			wantOutput:  "",
			wantOutcome: OutcomeMarkerFound,
		},
		{
			name:        "text after marker is dropped",
			stream:      newChunkReader("a\nb\n<<END>>c\n", "more"),
			marker:      "<<END>>",
			wantOutput:  "a\nb\n",
			wantOutcome: OutcomeMarkerFound,
		},
		{
			name:        "first occurrence wins",
			stream:      newChunkReader("x<<END>>y<<END>>"),
			marker:      "<<END>>",
			wantOutput:  "x",
			wantOutcome: OutcomeMarkerFound,
		},
		{
			name:        "marker is case sensitive",
			stream:      newChunkReader("x<<end>>"),
			marker:      "<<END>>",
			wantOutput:  "x<<end>>" + UnexpectedEndSuffix,
			wantFailed:  true,
			wantOutcome: OutcomeEndOfStream,
		},
		{
			name:        "data delivered with EOF contains marker",
			stream:      &dataEOFReader{data: "done<<END>>"},
			marker:      "<<END>>",
			wantOutput:  "done",
			wantOutcome: OutcomeMarkerFound,
		},
		{
			name:        "data delivered with EOF without marker",
			stream:      &dataEOFReader{data: "abc"},
			marker:      "<<END>>",
			wantOutput:  "abc" + UnexpectedEndSuffix,
			wantFailed:  true,
			wantOutcome: OutcomeEndOfStream,
		},
		{
			name:        "multi-byte character split across reads",
			stream:      newChunkReader("日\xe6", "\x9c\xac<<END>>"),
			marker:      "<<END>>",
			wantOutput:  "日本",
			wantOutcome: OutcomeMarkerFound,
		},
		{
			name:        "multi-byte marker split inside a character",
			stream:      newChunkReader("ok\xe2\x86", "\x92END"),
			marker:      "→END",
			wantOutput:  "ok",
			wantOutcome: OutcomeMarkerFound,
		},
		{
			name:        "malformed bytes become replacement characters",
			stream:      newChunkReader("\xffok<<END>>"),
			marker:      "<<END>>",
			wantOutput:  "\uFFFDok",
			wantOutcome: OutcomeMarkerFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReader(Options{})
			res, err := r.ReadOutput(context.Background(), tt.stream, tt.marker)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Output != tt.wantOutput {
				t.Errorf("Output = %q, want %q", res.Output, tt.wantOutput)
			}
			if res.Failed != tt.wantFailed {
				t.Errorf("Failed = %v, want %v", res.Failed, tt.wantFailed)
			}
			if res.Outcome != tt.wantOutcome {
				t.Errorf("Outcome = %v, want %v", res.Outcome, tt.wantOutcome)
			}
			assertPoolsIdle(t, r)
		})
	}
}

func TestReadOutput_PackageLevel(t *testing.T) {
	out, failed, err := ReadOutput(context.Background(), strings.NewReader("hello<<END>>"), "<<END>>")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "hello" || failed {
		t.Errorf("got (%q, %v), want (%q, false)", out, failed, "hello")
	}
}

func TestReadOutput_ChunkingIndependence(t *testing.T) {
	const marker = "<<END>>"
	const body = "héllo wörld 日本 🙂\n"
	stream := body + marker + "ignored"

	for split := 0; split <= len(stream); split++ {
		r := NewReader(Options{})
		res, err := r.ReadOutput(context.Background(), newChunkReader(stream[:split], stream[split:]), marker)
		if err != nil {
			t.Fatalf("split %d: unexpected error: %v", split, err)
		}
		if res.Output != body || res.Failed {
			t.Errorf("split %d: got (%q, %v), want (%q, false)", split, res.Output, res.Failed, body)
		}
	}

	r := NewReader(Options{})
	res, err := r.ReadOutput(context.Background(), iotest.OneByteReader(strings.NewReader(stream)), marker)
	if err != nil {
		t.Fatalf("one byte reader: unexpected error: %v", err)
	}
	if res.Output != body {
		t.Errorf("one byte reader: Output = %q, want %q", res.Output, body)
	}
}

func TestReadOutput_RandomChunking(t *testing.T) {
	const marker = "<<END>>"
	const body = "first line\nzweite Zeile ä\n第三行\n"
	stream := body + marker + "trailing text after the marker"

	rng := rand.New(rand.NewPCG(1, 2))
	for iter := 0; iter < 200; iter++ {
		var chunks []string
		for rest := stream; rest != ""; {
			n := min(1+rng.IntN(13), len(rest))
			chunks = append(chunks, rest[:n])
			rest = rest[n:]
		}

		r := NewReader(Options{})
		res, err := r.ReadOutput(context.Background(), newChunkReader(chunks...), marker)
		if err != nil {
			t.Fatalf("iteration %d: unexpected error: %v", iter, err)
		}
		if res.Output != body || res.Failed {
			t.Fatalf("iteration %d, chunks %q: got (%q, %v), want (%q, false)", iter, chunks, res.Output, res.Failed, body)
		}
	}
}

func TestReadOutput_Cancelled(t *testing.T) {
	r := NewReader(Options{})
	stream := newStallReader("abc")
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		<-stream.stalled
		cancel()
	}()

	res, err := r.ReadOutput(ctx, stream, "<<END>>")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := "abc" + TimedOutSuffix; res.Output != want {
		t.Errorf("Output = %q, want %q", res.Output, want)
	}
	if !res.Failed || res.Outcome != OutcomeCancelled {
		t.Errorf("got failed=%v outcome=%v, want failed cancelled", res.Failed, res.Outcome)
	}

	// The stalled read still owns the byte buffer.
	bytePool, charPool := r.BufferPools()
	if bytePool.InUse() != 1 {
		t.Errorf("byte buffers in use = %d, want 1 while read is pending", bytePool.InUse())
	}
	if charPool.InUse() != 0 {
		t.Errorf("char buffers in use = %d, want 0", charPool.InUse())
	}

	close(stream.release)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	if err := r.WaitAbandoned(waitCtx); err != nil {
		t.Fatalf("WaitAbandoned: %v", err)
	}
	assertPoolsIdle(t, r)
}

func TestReadOutput_AbandonedAfterDrainStarted(t *testing.T) {
	r := NewReader(Options{})
	first := newStallReader("a")
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-first.stalled
		cancel()
	}()
	if _, err := r.ReadOutput(ctx, first, "<<END>>"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	drained := make(chan error, 1)
	go func() { drained <- r.WaitAbandoned(context.Background()) }()
	for {
		r.mu.Lock()
		draining := r.draining
		r.mu.Unlock()
		if draining {
			break
		}
		time.Sleep(time.Millisecond)
	}

	// Sessions keep running while the drain is in progress.
	var wg sync.WaitGroup
	late := make([]*stallReader, 8)
	for i := range late {
		late[i] = newStallReader("b")
		wg.Add(1)
		go func(stream *stallReader) {
			defer wg.Done()
			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				<-stream.stalled
				cancel()
			}()
			if _, err := r.ReadOutput(ctx, stream, "<<END>>"); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}(late[i])
	}
	wg.Wait()

	close(first.release)
	select {
	case err := <-drained:
		if err != nil {
			t.Fatalf("WaitAbandoned: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("WaitAbandoned blocked on reads abandoned after it started")
	}

	for _, stream := range late {
		close(stream.release)
	}
	deadline := time.Now().Add(5 * time.Second)
	bytePool, _ := r.BufferPools()
	for bytePool.InUse() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assertPoolsIdle(t, r)
}

func TestReadOutput_Deadline(t *testing.T) {
	r := NewReader(Options{})
	stream := newStallReader("still running")
	defer close(stream.release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res, err := r.ReadOutput(ctx, stream, "<<END>>")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := "still running" + TimedOutSuffix; res.Output != want {
		t.Errorf("Output = %q, want %q", res.Output, want)
	}
}

func TestReadOutput_AlreadyCancelled(t *testing.T) {
	r := NewReader(Options{})
	stream := newChunkReader("hello<<END>>")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := r.ReadOutput(ctx, stream, "<<END>>")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Output != TimedOutSuffix || res.Outcome != OutcomeCancelled {
		t.Errorf("got (%q, %v), want (%q, cancelled)", res.Output, res.Outcome, TimedOutSuffix)
	}
	if stream.calls != 0 {
		t.Errorf("stream read %d times, want 0", stream.calls)
	}
	assertPoolsIdle(t, r)
}

func TestReadOutput_BufferExhausted(t *testing.T) {
	tests := []struct {
		name       string
		opts       Options
		stream     io.Reader
		marker     string
		wantOutput string
		wantFailed bool
	}{
		{
			name:       "byte buffer fills",
			opts:       Options{ByteBufferSize: 8, CharBufferSize: 64},
			stream:     newChunkReader("0123456789"),
			marker:     "<<END>>",
			wantOutput: "01234567" + UnexpectedEndSuffix,
			wantFailed: true,
		},
		{
			name:       "byte buffer fills over several reads",
			opts:       Options{ByteBufferSize: 8, CharBufferSize: 64},
			stream:     newChunkReader("0123", "45", "6789"),
			marker:     "<<END>>",
			wantOutput: "01234567" + UnexpectedEndSuffix,
			wantFailed: true,
		},
		{
			name:       "marker that exactly fills the buffer is found",
			opts:       Options{ByteBufferSize: 12, CharBufferSize: 12},
			stream:     newChunkReader("hello<<END>>"),
			marker:     "<<END>>",
			wantOutput: "hello",
		},
		{
			name: "char buffer fills before byte buffer",
			opts: Options{
				ByteBufferSize: 16,
				CharBufferSize: 8,
				Encoding:       charmap.ISO8859_1,
			},
			// Six Latin-1 bytes decode to twelve UTF-8 units.
			stream:     newChunkReader("\xe9\xe9\xe9\xe9\xe9\xe9"),
			marker:     "<<END>>",
			wantOutput: "éééé" + UnexpectedEndSuffix,
			wantFailed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReader(tt.opts)
			res, err := r.ReadOutput(context.Background(), tt.stream, tt.marker)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Output != tt.wantOutput {
				t.Errorf("Output = %q, want %q", res.Output, tt.wantOutput)
			}
			if res.Failed != tt.wantFailed {
				t.Errorf("Failed = %v, want %v", res.Failed, tt.wantFailed)
			}
			if tt.wantFailed && res.Outcome != OutcomeBufferExhausted {
				t.Errorf("Outcome = %v, want %v", res.Outcome, OutcomeBufferExhausted)
			}
			assertPoolsIdle(t, r)
		})
	}
}

func TestReadOutput_Latin1Stream(t *testing.T) {
	r := NewReader(Options{Encoding: charmap.ISO8859_1})
	res, err := r.ReadOutput(context.Background(), newChunkReader("caf\xe9<<END>>"), "<<END>>")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Output != "café" {
		t.Errorf("Output = %q, want %q", res.Output, "café")
	}
}

func TestReadOutput_TransportFault(t *testing.T) {
	boom := errors.New("connection reset")
	r := NewReader(Options{})

	_, err := r.ReadOutput(context.Background(), errReader{err: boom}, "<<END>>")
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want wrapping %v", err, boom)
	}
	assertPoolsIdle(t, r)
}

func TestReadOutput_FaultAfterData(t *testing.T) {
	boom := errors.New("broken pipe")
	r := NewReader(Options{})
	stream := io.MultiReader(strings.NewReader("partial"), errReader{err: boom})

	_, err := r.ReadOutput(context.Background(), stream, "<<END>>")
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want wrapping %v", err, boom)
	}
}

func TestReadOutput_EmptyMarker(t *testing.T) {
	r := NewReader(Options{})
	_, err := r.ReadOutput(context.Background(), strings.NewReader("x"), "")
	if !errors.Is(err, ErrEmptyMarker) {
		t.Fatalf("error = %v, want ErrEmptyMarker", err)
	}
	assertPoolsIdle(t, r)
}

func TestReadOutput_ConcurrentSessions(t *testing.T) {
	r := NewReader(Options{})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.ReadOutput(context.Background(), newChunkReader("out", "put<<E", "ND>>"), "<<END>>")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if res.Output != "output" {
				t.Errorf("Output = %q, want %q", res.Output, "output")
			}
		}()
	}
	wg.Wait()
	assertPoolsIdle(t, r)
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		o          Outcome
		wantString string
		wantFailed bool
	}{
		{OutcomeReading, "reading", false},
		{OutcomeMarkerFound, "marker_found", false},
		{OutcomeCancelled, "cancelled", true},
		{OutcomeEndOfStream, "end_of_stream", true},
		{OutcomeBufferExhausted, "buffer_exhausted", true},
	}
	for _, tt := range tests {
		if got := tt.o.String(); got != tt.wantString {
			t.Errorf("String() = %q, want %q", got, tt.wantString)
		}
		if got := tt.o.Failed(); got != tt.wantFailed {
			t.Errorf("%s.Failed() = %v, want %v", tt.o, got, tt.wantFailed)
		}
	}
}
