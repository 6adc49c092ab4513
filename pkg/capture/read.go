package capture

import (
	"context"
	"errors"
	"io"
)

// maxEmptyReads matches the bufio limit for readers that keep returning
// (0, nil).
const maxEmptyReads = 100

type readStatus int

const (
	readData readStatus = iota
	readEOF
	readCancelled
)

type readResult struct {
	n   int
	err error
}

// cancellableReader performs one read at a time against an io.Reader,
// racing each read against a context.
//
// Data that arrives together with an error is delivered first; the error
// is reported by the next call without touching the reader again.
type cancellableReader struct {
	r          io.Reader
	deferred   error
	emptyReads int

	// pending is set when a read lost the race against cancellation and
	// may still write into the caller's buffer.
	pending <-chan readResult
}

func newCancellableReader(r io.Reader) *cancellableReader {
	return &cancellableReader{r: r}
}

// read fills p with at most len(p) bytes. A context that is already done
// returns readCancelled without starting a read.
func (cr *cancellableReader) read(ctx context.Context, p []byte) (int, readStatus, error) {
	if cr.pending != nil {
		return 0, readCancelled, nil
	}
	if err := cr.deferred; err != nil {
		cr.deferred = nil
		return cr.settle(readResult{err: err})
	}
	if ctx.Err() != nil {
		return 0, readCancelled, nil
	}

	ch := make(chan readResult, 1)
	go func() {
		n, err := cr.r.Read(p)
		ch <- readResult{n: n, err: err}
	}()

	select {
	case res := <-ch:
		return cr.settle(res)
	case <-ctx.Done():
		cr.pending = ch
		return 0, readCancelled, nil
	}
}

func (cr *cancellableReader) settle(res readResult) (int, readStatus, error) {
	if res.n > 0 {
		cr.emptyReads = 0
		cr.deferred = res.err
		return res.n, readData, nil
	}
	switch {
	case res.err == nil:
		cr.emptyReads++
		if cr.emptyReads >= maxEmptyReads {
			return 0, readData, io.ErrNoProgress
		}
		return 0, readData, nil
	case errors.Is(res.err, io.EOF):
		// Keep reporting end-of-stream on later calls.
		cr.deferred = res.err
		return 0, readEOF, nil
	default:
		return 0, readData, res.err
	}
}

// abandoned returns the result channel of a read that lost the race
// against cancellation, or nil.
func (cr *cancellableReader) abandoned() <-chan readResult {
	return cr.pending
}
