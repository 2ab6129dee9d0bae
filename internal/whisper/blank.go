package whisper

import "strings"

// blankAudioToken is what whisper.cpp emits for silent or non-speech audio.
const blankAudioToken = "[BLANK_AUDIO]"

func isBlankSegment(text string) bool {
	return strings.EqualFold(strings.TrimSpace(text), blankAudioToken)
}
