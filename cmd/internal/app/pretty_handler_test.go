package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestPrettyHandler_PlainOutput(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))
	log.With("component", "dm").WithGroup("req").Info("http.request",
		"method", "get",
		"status", 404,
		"status_class", "4xx",
		"duration_ms", int64(12),
		"room_id", int64(9),
		"reason", "not a member",
		slog.Group("sink", "name", "websocket"),
	)

	line := buf.String()
	for _, want := range []string{
		"[INFO] http.request",
		" component=dm",
		"req.method=GET",
		"req.status=404",
		"req.class=4xx",
		"req.duration=12ms",
		"req.room_id=9",
		`req.reason="not a member"`,
		"req.sink.name=websocket",
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("missing %q in %q", want, line)
		}
	}
	if strings.Contains(line, "req.component") {
		t.Fatalf("attrs bound before WithGroup must not be grouped: %q", line)
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("color codes in plain output: %q", line)
	}
}

func TestPrettyHandler_LevelFilterAndColor(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}, true))
	log.Info("skipped")
	log.Error("http.request", "status", 503, "result", "server_error", "task_id", "01J")

	line := buf.String()
	if strings.Contains(line, "skipped") {
		t.Fatalf("info record not filtered: %q", line)
	}
	for _, want := range []string{
		ansiRed + "[ERROR]" + ansiReset,
		"status=" + ansiRed + "503" + ansiReset,
		"result=" + ansiRed + "server_error" + ansiReset,
		" task_id=01J",
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("missing %q in %q", want, line)
		}
	}
}

func TestPrettyStyles(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		got  string
		want string
	}{
		{"slow request", durationMSStyle(slog.Int64Value(1500), true), ansiRed + "1500ms" + ansiReset},
		{"duration not int", durationMSStyle(slog.StringValue("n/a"), true), "n/a"},
		{"redirect class", statusStyle(slog.StringValue("3xx"), true), ansiCyan + "3xx" + ansiReset},
		{"unknown class", statusStyle(slog.StringValue("unknown"), true), "unknown"},
		{"unknown result", resultStyle(slog.StringValue("other"), true), "other"},
		{"empty string", plainStyle(slog.StringValue(""), false), `""`},
		{"needs quoting", plainStyle(slog.StringValue(`a=b`), false), `"a=b"`},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.name, tc.got, tc.want)
		}
	}
}
