// Package capture reads a sandboxed program's standard output until a
// caller-chosen end marker appears, the caller cancels, the stream ends,
// or the fixed-size buffers fill up.
//
// Bytes are decoded incrementally: a multi-byte sequence split across two
// reads is carried inside the Decoder and completed by the next read, and
// the decoder is never flushed. Decoded text is held as UTF-8, so "chars"
// in this package are UTF-8 code units and the marker is matched ordinally
// with bytes.Index.
//
// Each read races the cancellation signal. A read that loses the race is
// abandoned, not interrupted, so the byte buffer it writes into is handed
// back to the pool only after that read returns. Closing the underlying
// transport is what finally unblocks it.
//
// Result text mapping:
//
//	marker found        -> text before the marker, failed=false
//	cancelled           -> text + "\n(Execution timed out)", failed=true
//	end of stream       -> text + "\n(Unexpected end of output)", failed=true
//	buffer exhausted    -> text + "\n(Unexpected end of output)", failed=true
//
// Transport errors other than end-of-stream are returned as errors.
package capture
