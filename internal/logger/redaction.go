package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

type rule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Redactor masks credentials that channel adapters and exporters may log.
type Redactor struct {
	rules []rule
}

// NewRedactor creates a redactor with the default patterns.
func NewRedactor() *Redactor {
	r := &Redactor{}
	for _, re := range []*regexp.Regexp{
		// Telegram bot tokens
		regexp.MustCompile(`\d{8,10}:[a-zA-Z0-9_-]{30,}`),
		// Slack bot, user and app tokens
		regexp.MustCompile(`xox[abposr]-[a-zA-Z0-9-]{10,}`),
		regexp.MustCompile(`xapp-[a-zA-Z0-9-]{10,}`),
		// Discord bot tokens
		regexp.MustCompile(`[MN][a-zA-Z0-9_-]{23,25}\.[a-zA-Z0-9_-]{6}\.[a-zA-Z0-9_-]{27,}`),
		// Provider API keys
		regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`),
		// Authorization headers, including OTLP exporter headers
		regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._~+/-]+=*`),
	} {
		r.rules = append(r.rules, rule{pattern: re, replacement: redacted})
	}
	// key=value and "key":"value" forms keep the key so JSON lines stay valid
	r.rules = append(r.rules, rule{
		pattern:     regexp.MustCompile(`(?i)((?:password|secret|api[_-]?key|token)["']?\s*[:=]\s*["']?)[^\s"',}]+`),
		replacement: "${1}" + redacted,
	})
	return r
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, rule{pattern: re, replacement: redacted})
	return nil
}

// Redact masks every match of every pattern.
func (r *Redactor) Redact(s string) string {
	for _, rule := range r.rules {
		s = rule.pattern.ReplaceAllString(s, rule.replacement)
	}
	return s
}

// Wrap returns a writer that redacts before writing to w.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so callers do not see a short write when
// redaction changes the length.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
