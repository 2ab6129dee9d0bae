// Package transcript holds the timed text produced by a speech-to-text model
// and renders it into the textual formats callers can ask for.
package transcript

import "strings"

// Segment is a time-bounded span of transcribed text. Start and End are in
// seconds from the beginning of the audio.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
	Words []Word  `json:"words,omitempty"`
}

// Word is a single timed token, only present when word timestamps were
// requested from the model.
type Word struct {
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Word        string  `json:"word"`
	Probability float64 `json:"probability"`
}

// Info is the summary metadata the model reports next to the segments.
type Info struct {
	Language string
	Duration float64
}

// Materialize returns a copy of segments with trimmed text. Segments with no
// text left after trimming are kept so that indices in SRT output stay
// aligned with what the model produced.
func Materialize(segments []Segment) []Segment {
	out := make([]Segment, 0, len(segments))
	for _, s := range segments {
		s.Text = strings.TrimSpace(s.Text)
		out = append(out, s)
	}
	return out
}
