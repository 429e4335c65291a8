// Package scrollback provides a bounded append-only byte log for terminal
// output. Eviction removes whole previously-written chunks from the front,
// never mid-chunk, so replayed content never starts inside an escape
// sequence that a chunk boundary kept intact.
package scrollback

// DefaultMaxBytes caps a session's retained output at 10 MiB.
const DefaultMaxBytes = 10 * 1024 * 1024

// Buffer is a FIFO chunk log with a byte-size cap.
type Buffer struct {
	chunks   [][]byte
	size     int
	maxBytes int
}

// New creates a buffer capped at maxBytes. Non-positive values fall back to
// DefaultMaxBytes.
func New(maxBytes int) *Buffer {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Buffer{maxBytes: maxBytes}
}

// Write appends a chunk, evicting old chunks from the front until the total
// is under the cap. The last remaining chunk is never evicted, so a single
// oversized write is retained rather than rejected.
func (b *Buffer) Write(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	owned := append([]byte(nil), chunk...)
	b.chunks = append(b.chunks, owned)
	b.size += len(owned)
	for b.size > b.maxBytes && len(b.chunks) > 1 {
		b.size -= len(b.chunks[0])
		b.chunks[0] = nil
		b.chunks = b.chunks[1:]
	}
}

// Contents returns the buffered output as a single byte slice.
func (b *Buffer) Contents() []byte {
	out := make([]byte, 0, b.size)
	for _, chunk := range b.chunks {
		out = append(out, chunk...)
	}
	return out
}

// Len returns the total buffered size in bytes.
func (b *Buffer) Len() int { return b.size }

// Clear empties the buffer.
func (b *Buffer) Clear() {
	b.chunks = nil
	b.size = 0
}
