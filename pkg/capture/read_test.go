package capture

import (
	"context"
	"errors"
	"io"
	"testing"
)

type zeroReader struct{ calls int }

func (r *zeroReader) Read([]byte) (int, error) {
	r.calls++
	return 0, nil
}

func TestCancellableReader_DataThenEOF(t *testing.T) {
	cr := newCancellableReader(&dataEOFReader{data: "abc"})
	buf := make([]byte, 8)

	n, status, err := cr.read(context.Background(), buf)
	if err != nil || status != readData || n != 3 {
		t.Fatalf("first read = (%d, %v, %v), want (3, data, nil)", n, status, err)
	}
	for i := 0; i < 2; i++ {
		n, status, err = cr.read(context.Background(), buf)
		if err != nil || status != readEOF || n != 0 {
			t.Fatalf("read %d = (%d, %v, %v), want (0, eof, nil)", i+2, n, status, err)
		}
	}
}

func TestCancellableReader_NoProgress(t *testing.T) {
	zr := &zeroReader{}
	cr := newCancellableReader(zr)
	buf := make([]byte, 8)

	var err error
	for i := 0; i < maxEmptyReads && err == nil; i++ {
		_, _, err = cr.read(context.Background(), buf)
	}
	if !errors.Is(err, io.ErrNoProgress) {
		t.Fatalf("error = %v, want io.ErrNoProgress", err)
	}
	if zr.calls != maxEmptyReads {
		t.Errorf("reader called %d times, want %d", zr.calls, maxEmptyReads)
	}
}

func TestCancellableReader_StaysCancelled(t *testing.T) {
	stream := newStallReader()
	cr := newCancellableReader(stream)
	ctx, cancel := context.WithCancel(context.Background())
	buf := make([]byte, 8)

	go func() {
		<-stream.stalled
		cancel()
	}()
	if _, status, _ := cr.read(ctx, buf); status != readCancelled {
		t.Fatalf("status = %v, want cancelled", status)
	}
	if cr.abandoned() == nil {
		t.Fatal("expected a pending read after cancellation")
	}

	// A second read must not start another physical read.
	if _, status, _ := cr.read(context.Background(), buf); status != readCancelled {
		t.Errorf("status after abandon = %v, want cancelled", status)
	}

	close(stream.release)
	res := <-cr.abandoned()
	if res.n != len("late") {
		t.Errorf("abandoned read wrote %d bytes, want %d", res.n, len("late"))
	}
}
