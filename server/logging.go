package server

import (
	"io"
	"sync"

	"github.com/fatih/color"
	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
)

var (
	warnColor  = color.New(color.FgYellow)
	errorColor = color.New(color.FgRed)
	okColor    = color.New(color.FgGreen)
)

// colorSink formats with funcr and colours whole lines: errors red,
// warnings (Error with a nil error) yellow, request lines by status class.
type colorSink struct {
	funcr.Formatter
	mu  *sync.Mutex
	out io.Writer
}

// NewLogger returns a logger writing coloured lines to w. Messages above
// verbosity are dropped. A nil w writes to color.Error.
func NewLogger(w io.Writer, verbosity int) logr.Logger {
	if w == nil {
		w = color.Error
	}
	return logr.New(&colorSink{
		Formatter: funcr.NewFormatter(funcr.Options{
			LogTimestamp:    true,
			TimestampFormat: "2006/01/02 15:04:05",
			Verbosity:       verbosity,
		}),
		mu:  &sync.Mutex{},
		out: w,
	})
}

func (s colorSink) WithName(name string) logr.LogSink {
	s.Formatter.AddName(name)
	return &s
}

func (s colorSink) WithValues(kvList ...any) logr.LogSink {
	s.Formatter.AddValues(kvList)
	return &s
}

func (s colorSink) WithCallDepth(depth int) logr.LogSink {
	s.Formatter.AddCallDepth(depth)
	return &s
}

func (s colorSink) Info(level int, msg string, kvList ...any) {
	prefix, args := s.FormatInfo(level, msg, kvList)
	s.write(statusColor(kvList), prefix, args)
}

func (s colorSink) Error(err error, msg string, kvList ...any) {
	prefix, args := s.FormatError(err, msg, kvList)
	c := errorColor
	if err == nil {
		c = warnColor
	}
	s.write(c, prefix, args)
}

func (s colorSink) write(c *color.Color, prefix, args string) {
	line := args
	if prefix != "" {
		line = prefix + " " + args
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c == nil {
		io.WriteString(s.out, line+"\n")
		return
	}
	c.Fprintln(s.out, line)
}

// statusColor picks the colour for request lines carrying a "status" value.
func statusColor(kvList []any) *color.Color {
	for i := 0; i+1 < len(kvList); i += 2 {
		if k, ok := kvList[i].(string); !ok || k != "status" {
			continue
		}
		status, ok := kvList[i+1].(int)
		if !ok {
			return nil
		}
		switch {
		case status >= 200 && status < 300:
			return okColor
		case status >= 400 && status < 500:
			return errorColor
		}
		return nil
	}
	return nil
}

// logRequest logs an HTTP request, colour-coded by status
func logRequest(log logr.Logger, method, target string, status int) {
	log.Info("request", "method", method, "target", target, "status", status)
}
