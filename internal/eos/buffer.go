package eos

// Buffer accumulates the PCM of the utterance currently being captured.
// Append-only between flushes; Flush atomically hands the accumulated bytes
// to the caller and resets the buffer, so no later Append can observe the
// prior contents.
//
// DTX markers never reach the buffer: the decoder tags them and the
// controller drops them before appending. The buffer is not safe for
// concurrent use; the session's inbound path is the single writer.
type Buffer struct {
	pcm []byte
	seq int
}

// Append adds decoded PCM to the current utterance.
func (b *Buffer) Append(pcm []byte) {
	b.pcm = append(b.pcm, pcm...)
}

// Size returns the number of buffered bytes.
func (b *Buffer) Size() int { return len(b.pcm) }

// Seq returns the sequence number of the utterance being captured. It
// increments on every Flush.
func (b *Buffer) Seq() int { return b.seq }

// Flush returns the accumulated PCM and resets the buffer for the next
// utterance. The returned slice is owned by the caller.
func (b *Buffer) Flush() []byte {
	out := b.pcm
	b.pcm = nil
	b.seq++
	return out
}

// TrimFront drops the oldest bytes until at most max remain. Used to cap the
// pre-roll retained while waiting for speech onset.
func (b *Buffer) TrimFront(max int) {
	if len(b.pcm) > max {
		b.pcm = append(b.pcm[:0], b.pcm[len(b.pcm)-max:]...)
	}
}

// Reset discards buffered audio without advancing the sequence.
func (b *Buffer) Reset() { b.pcm = nil }
