package session

import "github.com/jmallek/edgevox/pkg/audio"

// Listen modes negotiated in hello or listen control messages.
const (
	ModeAuto     = "auto"
	ModeManual   = "manual"
	ModeRealtime = "realtime"
)

// audioParams mirrors the hello negotiation block. The device states what it
// sends; the server replies with the pipeline format it speaks.
type audioParams struct {
	Format        string `json:"format,omitempty"`
	SampleRate    int    `json:"sample_rate,omitempty"`
	Channels      int    `json:"channels,omitempty"`
	FrameDuration int    `json:"frame_duration,omitempty"`
}

// inboundMessage is the union of every client control message. Type selects
// which fields are meaningful.
type inboundMessage struct {
	Type        string       `json:"type"`
	State       string       `json:"state,omitempty"`
	Mode        string       `json:"mode,omitempty"`
	Text        string       `json:"text,omitempty"`
	SessionID   string       `json:"session_id,omitempty"`
	Version     int          `json:"version,omitempty"`
	Transport   string       `json:"transport,omitempty"`
	AudioParams *audioParams `json:"audio_params,omitempty"`
}

// helloAck is the server's hello response.
type helloAck struct {
	Type        string      `json:"type"`
	Transport   string      `json:"transport"`
	SessionID   string      `json:"session_id"`
	AudioParams audioParams `json:"audio_params"`
}

// sttMessage displays the recognised transcript on the device.
type sttMessage struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
}

// ttsMessage signals reply playback state transitions.
type ttsMessage struct {
	Type      string `json:"type"`
	State     string `json:"state"`
	Text      string `json:"text,omitempty"`
	SessionID string `json:"session_id"`
}

func newHelloAck(sessionID string) helloAck {
	return helloAck{
		Type:      "hello",
		Transport: "websocket",
		SessionID: sessionID,
		AudioParams: audioParams{
			Format:        string(audio.CodecOpus),
			SampleRate:    audio.SampleRate,
			Channels:      audio.Channels,
			FrameDuration: audio.FrameMs,
		},
	}
}
