package normalize

// Normalizer applies the full cleanup chain to one transcription result.
type Normalizer struct {
	ConfidenceThreshold float64
	Languages           []string
}

// Apply turns a transcription into clean text. raw is used when segments
// are unavailable. previous is the room's last transcript and history its
// recent transcripts; both may be empty. The result may be empty.
func (n Normalizer) Apply(raw string, segments []Segment, previous string, history []string) string {
	text := raw
	if len(segments) > 0 {
		text = FilterSegments(segments, n.ConfidenceThreshold)
	}
	text = Clean(text)
	text = RemoveOverlap(previous, text)
	text = Deduplicate(text, history)
	return FilterLanguage(text, n.Languages)
}
