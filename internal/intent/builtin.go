package intent

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
)

// ExitCommand ends the session when the user says goodbye. The farewell is
// spoken before the socket closes.
func ExitCommand(farewell string, phrases ...string) Command {
	if len(phrases) == 0 {
		phrases = []string{"goodbye", "bye bye", "see you later", "exit", "quit"}
	}
	return Command{
		Name:    "exit",
		Phrases: phrases,
		Handle: func(ctx context.Context, m Match) (Outcome, error) {
			return Outcome{Reply: farewell, Close: true}, nil
		},
	}
}

const volumeStep = 10

var setVolumePattern = regexp.MustCompile(`\b(?:set|change)\s+(?:the\s+)?volume\s+to\s+(\d{1,3})\b`)

// VolumeCommand adjusts device playback volume. "set volume to N" is parsed
// exactly; "volume up"/"volume down" move by a fixed step from the current
// level supplied by the session.
func VolumeCommand(current func() int) Command {
	return Command{
		Name: "volume",
		Phrases: []string{
			"volume up", "turn up the volume", "louder",
			"volume down", "turn down the volume", "quieter",
		},
		Pattern: setVolumePattern,
		Handle: func(ctx context.Context, m Match) (Outcome, error) {
			if len(m.Groups) > 1 {
				level, err := strconv.Atoi(m.Groups[1])
				if err != nil || level > 100 {
					return Outcome{}, fmt.Errorf("intent: volume %q out of range", m.Groups[1])
				}
				return Outcome{
					Reply:     fmt.Sprintf("Volume set to %d.", level),
					SetVolume: true,
					Volume:    level,
				}, nil
			}

			level := clampVolume(current() + directionStep(m.Phrase))
			return Outcome{
				Reply:     fmt.Sprintf("Volume set to %d.", level),
				SetVolume: true,
				Volume:    level,
			}, nil
		},
	}
}

func directionStep(phrase string) int {
	switch phrase {
	case "volume down", "turn down the volume", "quieter":
		return -volumeStep
	default:
		return volumeStep
	}
}

func clampVolume(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
