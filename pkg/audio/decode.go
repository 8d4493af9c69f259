package audio

import (
	"fmt"
	"log/slog"

	"layeh.com/gopus"
)

// DefaultDTXThresholdBytes is the packet size at or below which an inbound
// binary frame is treated as a DTX (comfort noise / silence) marker and never
// decoded. 12 bytes covers the Opus DTX and CELT silence packets emitted by
// embedded encoders.
const DefaultDTXThresholdBytes = 12

// decodeFrameSamples is the per-channel sample budget handed to the Opus
// decoder. Devices send 20–60 ms packets; 60 ms is the upper bound.
func decodeFrameSamples(rate int) int { return rate * 60 / 1000 }

// Packet is the tagged result of decoding one inbound binary frame. Exactly
// one of the two cases holds: DTX is true and PCM is empty, or DTX is false
// and PCM holds 16 kHz mono PCM16LE.
type Packet struct {
	DTX bool
	PCM []byte
}

// Decoder turns inbound device packets into pipeline-format PCM. The source
// format is negotiated in the session hello; when it differs from the
// pipeline format the decoder downmixes to mono (equal-gain) and resamples
// through a state-carrying [Resampler] so consecutive packets join cleanly.
// One Decoder per session; not safe for concurrent use.
type Decoder struct {
	codec        Codec
	srcRate      int
	srcChannels  int
	dtxThreshold int

	opus      *gopus.Decoder
	resampler *Resampler // nil when srcRate == SampleRate
	log       *slog.Logger
}

// DecoderOption is a functional option for configuring a Decoder.
type DecoderOption func(*Decoder)

// WithDTXThreshold overrides the DTX packet-size threshold in bytes.
func WithDTXThreshold(n int) DecoderOption {
	return func(d *Decoder) { d.dtxThreshold = n }
}

// WithSourceFormat declares the device-side sample rate and channel count
// from the hello negotiation. Defaults to the pipeline format (16 kHz mono).
func WithSourceFormat(rate, channels int) DecoderOption {
	return func(d *Decoder) {
		d.srcRate = rate
		d.srcChannels = channels
	}
}

// WithLogger sets the logger used for per-packet decode warnings.
func WithLogger(l *slog.Logger) DecoderOption {
	return func(d *Decoder) { d.log = l }
}

// NewDecoder creates a Decoder for the negotiated codec. For [CodecPCM] the
// decoder is a pass-through (DTX detection and format conversion still apply).
func NewDecoder(codec Codec, opts ...DecoderOption) (*Decoder, error) {
	if !codec.IsValid() {
		return nil, fmt.Errorf("audio: unknown codec %q", codec)
	}
	d := &Decoder{
		codec:        codec,
		srcRate:      SampleRate,
		srcChannels:  Channels,
		dtxThreshold: DefaultDTXThresholdBytes,
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	if d.srcRate <= 0 || d.srcChannels < 1 || d.srcChannels > 2 {
		return nil, fmt.Errorf("audio: unsupported source format %d Hz / %d ch", d.srcRate, d.srcChannels)
	}
	if codec == CodecOpus {
		dec, err := gopus.NewDecoder(d.srcRate, d.srcChannels)
		if err != nil {
			return nil, fmt.Errorf("audio: create opus decoder: %w", err)
		}
		d.opus = dec
	}
	if d.srcRate != SampleRate {
		d.resampler = NewResampler(d.srcRate, SampleRate)
	}
	return d, nil
}

// Decode processes one inbound binary frame. Packets at or below the DTX
// threshold are reported as DTX without decoding. A malformed packet is
// dropped (empty non-DTX result) with a warning; it never fails the session.
func (d *Decoder) Decode(packet []byte) Packet {
	if len(packet) <= d.dtxThreshold {
		return Packet{DTX: true}
	}

	var pcm []byte
	if d.codec == CodecPCM {
		pcm = packet
	} else {
		samples, err := d.opus.Decode(packet, decodeFrameSamples(d.srcRate), false)
		if err != nil {
			d.log.Warn("audio: dropping undecodable packet", "bytes", len(packet), "err", err)
			return Packet{}
		}
		pcm = Int16sToBytes(samples)
	}
	return Packet{PCM: d.normalize(pcm)}
}

// normalize converts source-format PCM to 16 kHz mono. Downmix happens before
// resampling so only one channel's worth of samples is interpolated.
func (d *Decoder) normalize(pcm []byte) []byte {
	if d.srcChannels == 2 {
		pcm = DownmixToMono(pcm)
	}
	if d.resampler != nil {
		pcm = d.resampler.Process(pcm)
	}
	return pcm
}
