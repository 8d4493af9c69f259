package audio

import "encoding/binary"

// WAV wraps 16 kHz mono PCM16LE bytes in a canonical 44-byte RIFF/WAVE
// header. Batch transcription and speaker-identification providers expect
// containerised audio; the pipeline itself never carries WAV.
//
// An odd trailing byte (half a sample) is dropped.
func WAV(pcm []byte) []byte {
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}

	const headerLen = 44
	buf := make([]byte, headerLen+len(pcm))

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16) // PCM chunk size
	binary.LittleEndian.PutUint16(buf[20:22], 1)  // PCM format
	binary.LittleEndian.PutUint16(buf[22:24], Channels)
	binary.LittleEndian.PutUint32(buf[24:28], SampleRate)
	binary.LittleEndian.PutUint32(buf[28:32], SampleRate*Channels*2) // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], Channels*2)            // block align
	binary.LittleEndian.PutUint16(buf[34:36], 16)                    // bits per sample

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[44:], pcm)
	return buf
}
