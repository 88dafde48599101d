package stream

import (
	"strings"
	"testing"
)

func TestParseLineInit(t *testing.T) {
	raw := []byte(`{"type":"system","subtype":"init","session_id":"sess-123","model":"opus"}`)
	line := ParseLine(raw)

	if line.Event == nil {
		t.Fatalf("expected event, got text %q", line.Text)
	}
	if line.Event.Type != TypeSystem || line.Event.Subtype != SubtypeInit {
		t.Errorf("type/subtype = %s/%s, want system/init", line.Event.Type, line.Event.Subtype)
	}
	if line.Event.SessionID != "sess-123" {
		t.Errorf("session_id = %q, want sess-123", line.Event.SessionID)
	}
}

func TestParseLineAssistant(t *testing.T) {
	raw := []byte(`{"type":"assistant","message":{"content":[` +
		`{"type":"text","text":"working on it"},` +
		`{"type":"tool_use","name":"Bash","input":{"command":"ls"}},` +
		`{"type":"text","text":" now"}]}}`)
	line := ParseLine(raw)

	if line.Event == nil {
		t.Fatalf("expected event, got text %q", line.Text)
	}
	if got := line.Event.Message.Text(); got != "working on it now" {
		t.Errorf("Text() = %q", got)
	}
	tools := line.Event.Message.ToolUses()
	if len(tools) != 1 || tools[0] != "Bash" {
		t.Errorf("ToolUses() = %v, want [Bash]", tools)
	}
}

func TestParseLineResult(t *testing.T) {
	raw := []byte(`{"type":"result","result":"done","duration_ms":1234.5,"is_error":false}`)
	line := ParseLine(raw)

	if line.Event == nil {
		t.Fatalf("expected event, got text %q", line.Text)
	}
	if line.Event.Result != "done" || line.Event.DurationMS != 1234.5 {
		t.Errorf("result = %q duration = %v", line.Event.Result, line.Event.DurationMS)
	}
}

// Lines that are not stream JSON must surface as plain text, never as
// failures.
func TestParseLinePlainTextFallback(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"not json", "plain progress output", "plain progress output"},
		{"malformed json", `{"type":"assistant"`, `{"type":"assistant"`},
		{"unknown type", `{"type":"telemetry","x":1}`, `{"type":"telemetry","x":1}`},
		{"json array", `[1,2,3]`, `[1,2,3]`},
		{"whitespace padded", "  hello  ", "hello"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			line := ParseLine([]byte(tc.raw))
			if line.Event != nil {
				t.Fatalf("expected plain text, got event %+v", line.Event)
			}
			if line.Text != tc.want {
				t.Errorf("text = %q, want %q", line.Text, tc.want)
			}
		})
	}
}

func TestScanOrderAndEmptyLines(t *testing.T) {
	input := `{"type":"system","subtype":"init","session_id":"s1"}

first text
{"type":"result","result":"ok"}
`
	var got []string
	err := Scan(strings.NewReader(input), func(line Line) {
		if line.Event != nil {
			got = append(got, "event:"+line.Event.Type)
		} else {
			got = append(got, "text:"+line.Text)
		}
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	want := []string{"event:system", "text:first text", "event:result"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBenignStderr(t *testing.T) {
	benign := []string{
		"(node:12345) ExperimentalWarning: stream/web is experimental",
		"(node:1) [DEP0040] DeprecationWarning: punycode is deprecated",
		"(Use `node --trace-warnings ...` to show where the warning was created)",
	}
	for _, line := range benign {
		if !BenignStderr(line) {
			t.Errorf("BenignStderr(%q) = false, want true", line)
		}
	}

	if BenignStderr("Error: ENOENT no such file or directory") {
		t.Error("real error classified as benign")
	}
	if BenignStderr("panic: runtime error") {
		t.Error("panic classified as benign")
	}
}
