package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// PrettyHandlerOptions configures the human-readable slog handler.
type PrettyHandlerOptions struct {
	SlogOpts         slog.HandlerOptions
	UseColor         bool
	TimeFormat       string
	LevelWidth       int
	DisableTimestamp bool
	FieldSeparator   string
}

func DefaultOptions() PrettyHandlerOptions {
	return PrettyHandlerOptions{
		SlogOpts: slog.HandlerOptions{
			Level: slog.LevelInfo,
		},
		UseColor:       true,
		TimeFormat:     time.RFC3339,
		LevelWidth:     7,
		FieldSeparator: " | ",
	}
}

// PrettyHandler renders slog records as a single colorized line:
// timestamp | LEVEL | message | key=value ...
type PrettyHandler struct {
	opts   PrettyHandlerOptions
	writer io.Writer
	mu     *sync.Mutex
	groups []string
	attrs  []slog.Attr

	colorTime    func(...any) string
	colorMessage func(...any) string
	colorFields  func(...any) string
	colorLevel   map[slog.Level]func(...any) string
}

func NewPrettyHandler(w io.Writer, opts *PrettyHandlerOptions) *PrettyHandler {
	if opts == nil {
		defaults := DefaultOptions()
		opts = &defaults
	}
	if opts.TimeFormat == "" {
		opts.TimeFormat = time.RFC3339
	}
	if opts.LevelWidth < 5 {
		opts.LevelWidth = 7
	}
	if opts.FieldSeparator == "" {
		opts.FieldSeparator = " | "
	}

	h := &PrettyHandler{
		opts:   *opts,
		writer: w,
		mu:     &sync.Mutex{},
	}
	h.initColorFuncs()

	return h
}

func (h *PrettyHandler) initColorFuncs() {
	if !h.opts.UseColor {
		plain := func(a ...any) string { return fmt.Sprint(a...) }
		h.colorTime = plain
		h.colorMessage = plain
		h.colorFields = plain
		h.colorLevel = map[slog.Level]func(...any) string{
			slog.LevelDebug: plain,
			slog.LevelInfo:  plain,
			slog.LevelWarn:  plain,
			slog.LevelError: plain,
		}
		return
	}

	h.colorTime = color.New(color.FgHiBlack).SprintFunc()
	h.colorMessage = color.New(color.FgCyan).SprintFunc()
	h.colorFields = color.New(color.FgWhite).SprintFunc()
	h.colorLevel = map[slog.Level]func(...any) string{
		slog.LevelDebug: color.New(color.FgMagenta).SprintFunc(),
		slog.LevelInfo:  color.New(color.FgBlue).SprintFunc(),
		slog.LevelWarn:  color.New(color.FgYellow).SprintFunc(),
		slog.LevelError: color.New(color.FgRed, color.Bold).SprintFunc(),
	}
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.SlogOpts.Level.Level()
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		bufPool.Put(buf)
	}()

	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.opts.DisableTimestamp {
		buf.WriteString(h.colorTime(r.Time.Format(h.opts.TimeFormat)))
		buf.WriteString(h.opts.FieldSeparator)
	}

	buf.WriteString(h.formatLevel(r.Level))
	buf.WriteString(h.opts.FieldSeparator)
	buf.WriteString(h.colorMessage(r.Message))

	fields := h.collectFields(r)
	if len(fields) > 0 {
		buf.WriteString(h.opts.FieldSeparator)
		buf.WriteString(h.colorFields(strings.Join(fields, " ")))
	}

	buf.WriteByte('\n')
	_, err := h.writer.Write(buf.Bytes())
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}

	next := &PrettyHandler{
		opts:   h.opts,
		writer: h.writer,
		mu:     h.mu,
		groups: append([]string(nil), h.groups...),
		attrs:  append(append([]slog.Attr(nil), h.attrs...), attrs...),
	}
	next.initColorFuncs()

	return next
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	next := &PrettyHandler{
		opts:   h.opts,
		writer: h.writer,
		mu:     h.mu,
		groups: append(append([]string(nil), h.groups...), name),
		attrs:  append([]slog.Attr(nil), h.attrs...),
	}
	next.initColorFuncs()

	return next
}

func (h *PrettyHandler) formatLevel(level slog.Level) string {
	s := fmt.Sprintf("%-*s", h.opts.LevelWidth, strings.ToUpper(level.String()))
	if fn, ok := h.colorLevel[level]; ok {
		return fn(s)
	}

	return s
}

func (h *PrettyHandler) collectFields(r slog.Record) []string {
	prefix := strings.Join(h.groups, ".")
	fields := make([]string, 0, len(h.attrs)+r.NumAttrs())

	appendAttr := func(attr slog.Attr) {
		key := attr.Key
		if prefix != "" {
			key = prefix + "." + key
		}
		fields = append(fields, key+"="+h.formatValue(attr.Value))
	}

	for _, attr := range h.attrs {
		appendAttr(attr)
	}
	r.Attrs(func(attr slog.Attr) bool {
		appendAttr(attr)
		return true
	})

	sort.Strings(fields)
	return fields
}

func (h *PrettyHandler) formatValue(v slog.Value) string {
	v = v.Resolve()

	switch v.Kind() {
	case slog.KindTime:
		return v.Time().Format(h.opts.TimeFormat)
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindGroup:
		parts := make([]string, 0, len(v.Group()))
		for _, a := range v.Group() {
			parts = append(parts, a.Key+"="+h.formatValue(a.Value))
		}
		return "{" + strings.Join(parts, " ") + "}"
	default:
		s := fmt.Sprint(v.Any())
		if strings.ContainsAny(s, " \t") {
			return fmt.Sprintf("%q", s)
		}
		return s
	}
}
