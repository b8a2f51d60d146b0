package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// prettyHandler writes one terminal-friendly line per record:
//
//	15:04:05.000 [INFO] http.request method=GET path=/v1/dm/rooms status=200 class=2xx duration=3ms
//
// Keys found in prettyStyles are colored by value and may be shortened; the rest are
// printed as plain key=value pairs, quoted when needed.
type prettyHandler struct {
	w      io.Writer
	level  slog.Leveler
	source bool
	color  bool

	// pre holds attrs bound by WithAttrs, already rendered.
	pre string
	// prefix is the dotted group path opened by WithGroup.
	prefix string

	mu *sync.Mutex
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{w: w, level: slog.LevelInfo, color: color, mu: &sync.Mutex{}}
	if opts != nil {
		if opts.Level != nil {
			h.level = opts.Level
		}
		h.source = opts.AddSource
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	b.WriteString(paint(ts.Format("15:04:05.000"), ansiDim, h.color))
	b.WriteByte(' ')
	b.WriteString(levelTag(r.Level, h.color))
	b.WriteByte(' ')
	b.WriteString(paint(r.Message, ansiBold, h.color))

	if h.source && r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if frame.File != "" {
			b.WriteString(" src=")
			b.WriteString(paint(filepath.Base(frame.File)+":"+strconv.Itoa(frame.Line), ansiDim, h.color))
		}
	}

	b.WriteString(h.pre)
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(&b, a, h.prefix)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	cp := *h
	var b strings.Builder
	b.WriteString(h.pre)
	for _, a := range attrs {
		h.appendAttr(&b, a, h.prefix)
	}
	cp.pre = b.String()
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	name = strings.TrimSpace(name)
	if name == "" {
		return h
	}
	cp := *h
	cp.prefix = h.prefix + name + "."
	return &cp
}

func (h *prettyHandler) appendAttr(b *strings.Builder, a slog.Attr, prefix string) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}

	if a.Value.Kind() == slog.KindGroup {
		// An empty group key inlines its members.
		if a.Key != "" {
			prefix += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			h.appendAttr(b, ga, prefix)
		}
		return
	}

	key := strings.TrimSpace(a.Key)
	if key == "" {
		return
	}
	name, render := key, plainStyle
	if st, ok := prettyStyles[key]; ok {
		if st.name != "" {
			name = st.name
		}
		render = st.render
	}

	b.WriteByte(' ')
	b.WriteString(prefix)
	b.WriteString(name)
	b.WriteByte('=')
	b.WriteString(render(a.Value, h.color))
}

type prettyStyle struct {
	name   string
	render func(v slog.Value, color bool) string
}

// prettyStyles covers the keys emitted by the request logger, the dm service and
// the notification pipeline.
var prettyStyles = map[string]prettyStyle{
	"method":       {render: methodStyle},
	"path":         {render: fixedStyle(ansiCyan)},
	"status":       {render: statusStyle},
	"status_class": {name: "class", render: statusStyle},
	"duration_ms":  {name: "duration", render: durationMSStyle},
	"result":       {render: resultStyle},

	"room_id":      {render: fixedStyle(ansiMagenta)},
	"log_id":       {render: fixedStyle(ansiMagenta)},
	"user_id":      {render: fixedStyle(ansiMagenta)},
	"recipient_id": {render: fixedStyle(ansiMagenta)},
	"sender_id":    {render: fixedStyle(ansiMagenta)},

	"err":    {render: fixedStyle(ansiYellow)},
	"reason": {render: fixedStyle(ansiYellow)},
}

func plainStyle(v slog.Value, _ bool) string {
	if v.Kind() == slog.KindTime {
		return v.Time().Format(time.RFC3339)
	}
	return quoteIfNeeded(v.String())
}

func fixedStyle(code string) func(slog.Value, bool) string {
	return func(v slog.Value, color bool) string {
		return paint(plainStyle(v, false), code, color)
	}
}

func methodStyle(v slog.Value, color bool) string {
	m := strings.ToUpper(strings.TrimSpace(v.String()))
	switch m {
	case "GET":
		return paint(m, ansiGreen, color)
	case "POST", "PUT":
		return paint(m, ansiYellow, color)
	case "DELETE":
		return paint(m, ansiRed, color)
	default:
		return paint(m, ansiBlue, color)
	}
}

// statusStyle colors both numeric codes (404) and classes (4xx) by leading digit.
func statusStyle(v slog.Value, color bool) string {
	s := plainStyle(v, false)
	code := ""
	if s != "" {
		switch s[0] {
		case '5':
			code = ansiRed
		case '4':
			code = ansiYellow
		case '3':
			code = ansiCyan
		case '1', '2':
			code = ansiGreen
		}
	}
	return paint(s, code, color)
}

func durationMSStyle(v slog.Value, color bool) string {
	if v.Kind() != slog.KindInt64 {
		return plainStyle(v, color)
	}
	ms := v.Int64()
	s := strconv.FormatInt(ms, 10) + "ms"
	switch {
	case ms >= 1000:
		return paint(s, ansiRed, color)
	case ms >= 250:
		return paint(s, ansiYellow, color)
	default:
		return paint(s, ansiGreen, color)
	}
}

// resultColors matches the outcomes produced by requestLogMeta.
var resultColors = map[string]string{
	"success":      ansiGreen,
	"redirect":     ansiCyan,
	"client_error": ansiYellow,
	"server_error": ansiRed,
}

func resultStyle(v slog.Value, color bool) string {
	s := plainStyle(v, false)
	return paint(s, resultColors[s], color)
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

const (
	ansiReset   = "\x1b[0m"
	ansiBold    = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

func paint(s, code string, color bool) string {
	if !color || code == "" || s == "" {
		return s
	}
	return code + s + ansiReset
}

func levelTag(level slog.Level, color bool) string {
	switch {
	case level >= slog.LevelError:
		return paint("[ERROR]", ansiRed, color)
	case level >= slog.LevelWarn:
		return paint("[WARN]", ansiYellow, color)
	case level < slog.LevelInfo:
		return paint("[DEBUG]", ansiMagenta, color)
	default:
		return paint("[INFO]", ansiBlue, color)
	}
}
