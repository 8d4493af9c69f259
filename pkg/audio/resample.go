package audio

// Resampler converts 16-bit mono PCM from a source rate to a destination rate
// using linear interpolation. Unlike a one-shot resample, it carries the last
// input sample and the fractional read position across calls so that
// consecutive 20 ms packets join without clicks.
//
// A Resampler is owned by a single decoder and is not safe for concurrent use.
type Resampler struct {
	srcRate int
	dstRate int

	// last is the final sample of the previous input block, used to
	// interpolate across the block boundary.
	last int16
	// pos is the fractional source read position left over from the
	// previous block, in source-sample units within [0, 1).
	pos float64
	// primed is false until the first block has been processed.
	primed bool
}

// NewResampler creates a resampler from srcRate to dstRate. Both rates must
// be positive; when they are equal Process returns its input unchanged.
func NewResampler(srcRate, dstRate int) *Resampler {
	return &Resampler{srcRate: srcRate, dstRate: dstRate}
}

// Reset clears the carried state. Call between unrelated audio streams.
func (r *Resampler) Reset() {
	r.last = 0
	r.pos = 0
	r.primed = false
}

// Process resamples one block of 16-bit mono little-endian PCM. The output
// length varies by ±1 sample between calls as the fractional position drifts;
// over a long stream the output rate converges exactly on dstRate.
func (r *Resampler) Process(pcm []byte) []byte {
	if r.srcRate <= 0 || r.dstRate <= 0 || r.srcRate == r.dstRate {
		return pcm
	}
	src := BytesToInt16s(pcm)
	if len(src) == 0 {
		return nil
	}

	ratio := float64(r.srcRate) / float64(r.dstRate)

	// Virtual input: previous block's last sample followed by this block.
	// Position 0 refers to the carried sample; position i+1 to src[i].
	at := func(i int) int16 {
		if i <= 0 {
			if r.primed {
				return r.last
			}
			return src[0]
		}
		if i-1 >= len(src) {
			return src[len(src)-1]
		}
		return src[i-1]
	}

	start := r.pos
	if !r.primed {
		start = 1 // no carried sample yet; begin at the first real sample
	}

	var out []int16
	p := start
	limit := float64(len(src)) // one past the last interpolable pair
	for p < limit {
		i := int(p)
		frac := p - float64(i)
		s0 := at(i)
		s1 := at(i + 1)
		out = append(out, int16(float64(s0)*(1-frac)+float64(s1)*frac))
		p += ratio
	}

	r.pos = p - float64(len(src))
	r.last = src[len(src)-1]
	r.primed = true
	return Int16sToBytes(out)
}

// DownmixToMono averages interleaved stereo 16-bit PCM into mono with equal
// gain per channel, clamping to the int16 range.
func DownmixToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		rt := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (l + rt) / 2
		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}
