package eos

import "fmt"

// StopKind enumerates why an utterance was declared finished.
type StopKind int

const (
	// StopNone means no stop has been decided.
	StopNone StopKind = iota

	// StopSilenceDuration fires when the time since the last voiced frame
	// reaches the configured minimum silence duration.
	StopSilenceDuration

	// StopSilenceFrames fires when the consecutive unvoiced frame counter
	// reaches the configured threshold.
	StopSilenceFrames

	// StopWatchdog fires when the independent last-voice watchdog sees one
	// second without voice. It backstops DTX sequences that starve the
	// frame-counter path.
	StopWatchdog

	// StopManual fires when the client ends capture with a listen-stop
	// control message (manual mode).
	StopManual
)

// StopCause is the typed stop reason carried on a flushed utterance.
// Detail fields are populated per kind and rendered only for logs.
type StopCause struct {
	Kind StopKind

	// SilenceMs is the observed silence duration (StopSilenceDuration).
	SilenceMs int64

	// Frames is the consecutive unvoiced frame count (StopSilenceFrames).
	Frames int
}

// String renders the cause in the historical log format.
func (c StopCause) String() string {
	switch c.Kind {
	case StopSilenceDuration:
		return fmt.Sprintf("vad:silence_ms(ms=%d)", c.SilenceMs)
	case StopSilenceFrames:
		return fmt.Sprintf("vad:consecutive_false(false=%d)", c.Frames)
	case StopWatchdog:
		return "watchdog_silence_1s"
	case StopManual:
		return "client_listen_stop"
	default:
		return "none"
	}
}
