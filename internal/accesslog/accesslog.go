// Package accesslog emits one structured zerolog event per completed RTSP
// request, separate from the per-component slog debug logging in
// internal/logger. It is grounded in the teacher's (otherwise unexercised)
// github.com/rs/zerolog dependency.
package accesslog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Log is an access-log sink for completed RTSP requests.
type Log struct {
	logger zerolog.Logger
}

// New creates an access log writing to w (os.Stdout if nil).
func New(w io.Writer) *Log {
	if w == nil {
		w = os.Stdout
	}
	return &Log{logger: zerolog.New(w).With().Timestamp().Logger()}
}

// Entry describes one finished RTSP request/response exchange.
type Entry struct {
	RemoteAddr string
	Method     string
	URL        string
	CSeq       int
	Session    string
	StatusCode int
	Latency    time.Duration
	Err        error
}

// Record writes one access-log line for e.
func (l *Log) Record(e Entry) {
	ev := l.logger.Info()
	if e.StatusCode >= 400 {
		ev = l.logger.Warn()
	}
	ev = ev.
		Str("remote_addr", e.RemoteAddr).
		Str("method", e.Method).
		Str("url", e.URL).
		Int("cseq", e.CSeq).
		Int("status", e.StatusCode).
		Dur("latency", e.Latency)
	if e.Session != "" {
		ev = ev.Str("session", e.Session)
	}
	if e.Err != nil {
		ev = ev.Err(e.Err)
	}
	ev.Msg("rtsp_request")
}
