package framing

import "bytes"

// Terminator ends every request on the wire.
var Terminator = []byte("\r\n\r\n")

// Framer splits a byte stream into requests delimited by Terminator.
//
// Bytes are collected into a ChunkRing, one chunk per fed segment. When the
// terminator is seen the ring is joined into a request and cleared. If a
// request spans more chunks than the ring holds, its oldest chunks are
// silently dropped and the request arrives truncated; Feed reports how many
// chunks were evicted so callers can surface it.
type Framer struct {
	ring    *ChunkRing
	pending []byte // trailing bytes that may be the start of a terminator
}

// NewFramer creates a framer whose chunk ring holds capacity chunks.
func NewFramer(capacity int) *Framer {
	return &Framer{ring: NewChunkRing(capacity)}
}

// Feed consumes chunk and returns the requests it completed, in stream
// order, together with the number of chunks evicted while doing so.
func (f *Framer) Feed(chunk []byte) (requests []string, evicted int) {
	data := chunk
	if len(f.pending) > 0 {
		data = make([]byte, 0, len(f.pending)+len(chunk))
		data = append(data, f.pending...)
		data = append(data, chunk...)
		f.pending = nil
	}

	for {
		idx := bytes.Index(data, Terminator)
		if idx < 0 {
			break
		}
		if idx > 0 && f.ring.Push(data[:idx]) {
			evicted++
		}
		requests = append(requests, string(f.ring.Join()))
		f.ring.Clear()
		data = data[idx+len(Terminator):]
	}

	keep := partialTerminator(data)
	if n := len(data) - keep; n > 0 && f.ring.Push(data[:n]) {
		evicted++
	}
	if keep > 0 {
		f.pending = append([]byte(nil), data[len(data)-keep:]...)
	}
	return requests, evicted
}

// Pending reports whether unterminated bytes are buffered.
func (f *Framer) Pending() bool {
	return !f.ring.IsEmpty() || len(f.pending) > 0
}

// Reset discards any unterminated bytes.
func (f *Framer) Reset() {
	f.ring.Clear()
	f.pending = nil
}

// partialTerminator returns the length of the longest suffix of data that
// is a proper prefix of Terminator.
func partialTerminator(data []byte) int {
	longest := min(len(Terminator)-1, len(data))
	for k := longest; k > 0; k-- {
		if bytes.HasSuffix(data, Terminator[:k]) {
			return k
		}
	}
	return 0
}
