package channel

import "bytes"

// readChunkSize is how much the reader loop asks the stream for at a time.
const readChunkSize = 32768

var newline = []byte{'\n'}

// FrameReader reassembles newline-delimited frames from arbitrarily chunked input.
// A chunk may hold no frame, many frames, or end in the middle of one.
type FrameReader struct {
	buf []byte
}

// Feed appends chunk to the buffered input and calls emit for every frame completed by it, in order.
// Data after the last newline is kept until a later chunk terminates it.
// Feed stops at the first error returned by emit.
func (r *FrameReader) Feed(chunk []byte, emit func(frame string) error) error {
	pieces := bytes.Split(chunk, newline)
	if len(pieces) == 1 {
		r.buf = append(r.buf, chunk...)
		return nil
	}

	first := string(r.buf) + string(pieces[0])
	last := pieces[len(pieces)-1]
	r.buf = append(r.buf[:0], last...)

	if err := emit(first); err != nil {
		return err
	}
	for _, p := range pieces[1 : len(pieces)-1] {
		if err := emit(string(p)); err != nil {
			return err
		}
	}
	return nil
}

// Buffered returns the number of bytes waiting for a newline.
func (r *FrameReader) Buffered() int {
	return len(r.buf)
}
