// Package audio provides the PCM plumbing for the edgevox pipeline: Opus
// frame decoding with DTX detection, channel downmixing, state-carrying
// resampling, and WAV packaging for batch providers.
//
// The pipeline-wide audio format is 16 kHz mono 16-bit little-endian PCM in
// 20 ms frames. Every component downstream of the frame decoder may assume
// this format.
package audio

// Pipeline-wide audio constants. Devices speak Opus (or raw PCM) and the
// decoder normalises everything to this format before it reaches the VAD.
const (
	// SampleRate is the pipeline sample rate in Hz.
	SampleRate = 16000

	// Channels is the pipeline channel count (mono).
	Channels = 1

	// FrameMs is the duration of one pipeline frame in milliseconds.
	FrameMs = 20

	// FrameSamples is the number of samples in one 20 ms frame at 16 kHz.
	FrameSamples = SampleRate * FrameMs / 1000 // 320

	// FrameBytes is the byte length of one frame of 16-bit PCM.
	FrameBytes = FrameSamples * 2 // 640
)

// Codec identifies the negotiated inbound audio encoding of a session.
type Codec string

const (
	// CodecOpus is the default: each binary frame is one Opus packet.
	CodecOpus Codec = "opus"

	// CodecPCM means the device sends raw 16 kHz mono PCM16LE; the decoder
	// is a pass-through.
	CodecPCM Codec = "pcm"
)

// IsValid reports whether c is a recognised codec tag.
func (c Codec) IsValid() bool {
	return c == CodecOpus || c == CodecPCM
}

// BytesToInt16s converts little-endian PCM bytes to int16 samples.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// Int16sToBytes converts int16 samples to little-endian PCM bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}
