// Package audio inspects audio files the model is about to consume.
package audio

import (
	"fmt"
	"os"

	"github.com/go-audio/wav"
)

// Duration returns the length of a PCM WAV file in seconds. The boolean is
// false for anything that is not a readable WAV file.
func Duration(path string) (float64, bool) {
	seconds, err := wavDuration(path)
	if err != nil {
		return 0, false
	}
	return seconds, true
}

func wavDuration(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return 0, fmt.Errorf("invalid wav file %s", path)
	}

	if err := d.FwdToPCM(); err != nil {
		return 0, fmt.Errorf("locate wav data: %w", err)
	}

	bytesPerSecond := int64(d.SampleRate) * int64(d.NumChans) * int64(d.BitDepth) / 8
	if bytesPerSecond <= 0 {
		return 0, fmt.Errorf("unsupported wav format in %s", path)
	}

	return float64(d.PCMSize) / float64(bytesPerSecond), nil
}
