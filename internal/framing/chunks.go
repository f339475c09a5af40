package framing

// ChunkRing is a fixed capacity ring of byte chunks. Pushing into a full
// ring evicts the oldest chunk, so a request that never terminates keeps
// only its most recent chunks. The ring is owned by a single connection
// and is not safe for concurrent use.
type ChunkRing struct {
	chunks [][]byte
	size   int
	head   int // index of the oldest chunk
	count  int
	bytes  int
}

// NewChunkRing creates a ring holding at most size chunks
func NewChunkRing(size int) *ChunkRing {
	if size < 1 {
		size = 1
	}
	return &ChunkRing{
		chunks: make([][]byte, size),
		size:   size,
	}
}

// Push appends a copy of chunk. It returns true if the oldest chunk had to
// be evicted to make room.
func (r *ChunkRing) Push(chunk []byte) bool {
	c := make([]byte, len(chunk))
	copy(c, chunk)

	evicted := false
	if r.count == r.size {
		r.bytes -= len(r.chunks[r.head])
		r.chunks[r.head] = nil
		r.head = (r.head + 1) % r.size
		r.count--
		evicted = true
	}

	r.chunks[(r.head+r.count)%r.size] = c
	r.count++
	r.bytes += len(c)
	return evicted
}

// Join concatenates the buffered chunks, oldest first
func (r *ChunkRing) Join() []byte {
	out := make([]byte, 0, r.bytes)
	for i := 0; i < r.count; i++ {
		out = append(out, r.chunks[(r.head+i)%r.size]...)
	}
	return out
}

// Clear drops every buffered chunk
func (r *ChunkRing) Clear() {
	for i := range r.chunks {
		r.chunks[i] = nil
	}
	r.head = 0
	r.count = 0
	r.bytes = 0
}

// IsEmpty returns true if no chunk is buffered
func (r *ChunkRing) IsEmpty() bool {
	return r.count == 0
}
