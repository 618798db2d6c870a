package redact

// StreamSanitizer accumulates streamed chunks in a side buffer so PII
// detection can run over text that may be split across SSE frames, without
// delaying or altering the live bytes forwarded to the client. The live
// stream is never redacted in place; the sanitizer records which detectors
// fired and exposes the accumulated text via Buffered, so a redacted copy
// can be produced for the audit record once the stream ends.
type StreamSanitizer struct {
	dets    []detector
	buf     []byte
	matched map[string]bool
}

// NewStreamSanitizer returns a sanitizer scanning for patternNames (or every
// known detector if empty).
func NewStreamSanitizer(patternNames []string) *StreamSanitizer {
	return &StreamSanitizer{dets: detectorsFor(patternNames), matched: map[string]bool{}}
}

// Feed appends chunk to the accumulation buffer and rescans it. Rescanning
// the whole buffer (rather than just the new chunk) is what makes this safe
// against a PII pattern split across two chunks.
func (s *StreamSanitizer) Feed(chunk []byte) {
	s.buf = append(s.buf, chunk...)
	text := string(s.buf)
	for _, d := range s.dets {
		if !s.matched[d.name] && d.re.MatchString(text) {
			s.matched[d.name] = true
		}
	}
}

// Buffered returns the full text accumulated so far. The returned slice
// aliases internal state and must not be retained past the next Feed or
// Reset call. Used at stream end to run a real Apply pass
// over the assembled text for the audit copy, rather than just knowing which
// detectors fired.
func (s *StreamSanitizer) Buffered() []byte {
	return s.buf
}

// Matched returns the sorted-by-detector-order list of pattern names that
// fired anywhere in the accumulated stream so far.
func (s *StreamSanitizer) Matched() []string {
	var out []string
	for _, d := range s.dets {
		if s.matched[d.name] {
			out = append(out, d.name)
		}
	}
	return out
}

// Reset clears accumulated state, keeping the buffer's capacity so the
// sanitizer can be reused.
func (s *StreamSanitizer) Reset() {
	s.buf = s.buf[:0]
	for k := range s.matched {
		delete(s.matched, k)
	}
}
