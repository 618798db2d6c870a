package upstream

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/ailink/egressgw/internal"
)

const (
	sseInitialBufSize = 4 * 1024
	sseMaxBufSize     = 64 * 1024
)

// SSELine is a single parsed Server-Sent Events frame line.
type SSELine struct {
	Field string // "data", "event", "id", "retry", or "" for a blank separator line
	Value string
}

// NewSSEScanner returns a bufio.Scanner configured for SSE line buffering:
// a 4KiB initial buffer growing up to 64KiB, matching typical provider frame
// sizes without over-allocating for the common case.
func NewSSEScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, sseInitialBufSize), sseMaxBufSize)
	return sc
}

// ParseSSELine splits a raw SSE line into its field and value. Lines with no
// colon are field-only (value empty); a blank line is returned as ("", "").
func ParseSSELine(line string) SSELine {
	if line == "" {
		return SSELine{}
	}
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return SSELine{Field: line}
	}
	value := line[idx+1:]
	value = strings.TrimPrefix(value, " ")
	return SSELine{Field: line[:idx], Value: value}
}

// StreamUsageExtractor watches SSE data frames as they pass through and
// extracts the final usage block, without altering or delaying a single byte
// of the passthrough stream -- it observes a copy, it never owns the pipe.
type StreamUsageExtractor struct {
	usage gateway.Usage
	found bool
}

// Observe inspects one SSE data payload for the provider's usage chunk. Both
// OpenAI's {"usage":{"prompt_tokens":...}} and Anthropic's
// {"usage":{"input_tokens":...}} shapes are recognized.
func (s *StreamUsageExtractor) Observe(data []byte) {
	if !gjson.ValidBytes(data) {
		return
	}
	root := gjson.ParseBytes(data)
	if model := root.Get("model"); model.Exists() {
		s.usage.Model = model.String()
	}
	usage := root.Get("usage")
	if !usage.Exists() {
		return
	}
	if pt := usage.Get("prompt_tokens"); pt.Exists() {
		s.usage.PromptTokens = int(pt.Int())
		s.found = true
	} else if it := usage.Get("input_tokens"); it.Exists() {
		s.usage.PromptTokens = int(it.Int())
		s.found = true
	}
	if ct := usage.Get("completion_tokens"); ct.Exists() {
		s.usage.CompletionTokens = int(ct.Int())
		s.found = true
	} else if ot := usage.Get("output_tokens"); ot.Exists() {
		s.usage.CompletionTokens = int(ot.Int())
		s.found = true
	}
}

// Usage returns the last-observed usage and whether any was found.
func (s *StreamUsageExtractor) Usage() (gateway.Usage, bool) {
	return s.usage, s.found
}

// TeeSSE copies every byte from src to dst unmodified while feeding each
// "data:" payload to extractor, so usage extraction never sits on the
// critical path between the upstream and the client.
func TeeSSE(dst io.Writer, src io.Reader, extractor *StreamUsageExtractor) error {
	sc := NewSSEScanner(src)
	for sc.Scan() {
		line := sc.Bytes()
		if _, err := dst.Write(line); err != nil {
			return err
		}
		if _, err := dst.Write([]byte("\n")); err != nil {
			return err
		}
		parsed := ParseSSELine(string(line))
		if parsed.Field == "data" && parsed.Value != "" && parsed.Value != "[DONE]" {
			extractor.Observe(bytes.TrimSpace([]byte(parsed.Value)))
		}
	}
	return sc.Err()
}
