package stream

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// maxLineSize bounds a single stream line. Agent tool output can be large.
const maxLineSize = 1024 * 1024 // 1 MB

// Scan reads newline-delimited lines from r and invokes fn for each one,
// in order, until EOF or a read error. JSON lines carrying a known event
// type are delivered parsed; everything else is delivered as plain text.
// Scan returns the scanner error, if any (EOF is not an error).
func Scan(r io.Reader, fn func(Line)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, maxLineSize), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		raw := make([]byte, len(line))
		copy(raw, line)
		fn(ParseLine(raw))
	}
	return scanner.Err()
}

// ParseLine classifies one raw line. A line parses as an event only when it
// is valid JSON and carries a recognized type; anything else is plain text.
func ParseLine(raw []byte) Line {
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, "{") {
		return Line{Raw: raw, Text: trimmed}
	}

	var ev AgentEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Line{Raw: raw, Text: trimmed}
	}
	switch ev.Type {
	case TypeSystem, TypeAssistant, TypeResult:
		return Line{Raw: raw, Event: &ev}
	default:
		// Valid JSON but not a stream event — treat as plain output.
		return Line{Raw: raw, Text: trimmed}
	}
}

// benignStderrPatterns are substrings of known-noisy stderr lines that carry
// no signal: runtime deprecation warnings and similar chatter from the agent
// CLI's node runtime.
var benignStderrPatterns = []string{
	"ExperimentalWarning",
	"DeprecationWarning",
	"punycode",
	"--trace-warnings",
	"NODE_TLS_REJECT_UNAUTHORIZED",
}

// BenignStderr reports whether a stderr line matches a known-benign pattern
// and can be dropped from notifications.
func BenignStderr(line string) bool {
	for _, p := range benignStderrPatterns {
		if strings.Contains(line, p) {
			return true
		}
	}
	return false
}
