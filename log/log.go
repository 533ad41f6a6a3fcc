// Package log contains simple leveled logging implementation on top of stdlib logger.
// NOTE: without "only stdlib" constraint I would use github.com/uber-go/zap for logging.
package log

import (
	"fmt"
	"io"
	"log"
	"sort"
	"strconv"
	"strings"
)

type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Panic(args ...interface{})
	Panicf(format string, args ...interface{})
	WithFields(fields Fields) Logger
}

type Fields map[string]interface{}

type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	}
	panic("unexpected level: " + strconv.Itoa(int(l)))
}

func LevelFromString(s string) (Level, error) {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return DebugLevel, nil
	case "INFO":
		return InfoLevel, nil
	case "WARN":
		return WarnLevel, nil
	case "ERROR":
		return ErrorLevel, nil
	}
	return 0, fmt.Errorf("invalid level %q", s)
}

// Sink receives formatted log lines. callDepth is relative to the Output call.
type Sink interface {
	Output(callDepth int, level Level, line string)
}

const stdLoggerFlags = log.LstdFlags | log.Lmicroseconds | log.Lshortfile

func NewLogger(l Level, w io.Writer) Logger {
	return NewLoggerSink(l, &stdSink{log.New(w, "", stdLoggerFlags)})
}

func NewLoggerSink(l Level, s Sink) Logger {
	return &logger{sink: s, level: l}
}

type logger struct {
	sink   Sink
	level  Level
	fields Fields
}

func (l *logger) WithFields(fields Fields) Logger {
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	clone := *l
	clone.fields = merged
	return &clone
}

func (l *logger) Debug(args ...interface{})                 { l.log(DebugLevel, fmt.Sprint(args...)) }
func (l *logger) Debugf(format string, args ...interface{}) { l.log(DebugLevel, fmt.Sprintf(format, args...)) }
func (l *logger) Info(args ...interface{})                  { l.log(InfoLevel, fmt.Sprint(args...)) }
func (l *logger) Infof(format string, args ...interface{})  { l.log(InfoLevel, fmt.Sprintf(format, args...)) }
func (l *logger) Warn(args ...interface{})                  { l.log(WarnLevel, fmt.Sprint(args...)) }
func (l *logger) Warnf(format string, args ...interface{})  { l.log(WarnLevel, fmt.Sprintf(format, args...)) }
func (l *logger) Error(args ...interface{})                 { l.log(ErrorLevel, fmt.Sprint(args...)) }
func (l *logger) Errorf(format string, args ...interface{}) { l.log(ErrorLevel, fmt.Sprintf(format, args...)) }

func (l *logger) Panic(args ...interface{}) {
	msg := fmt.Sprint(args...)
	l.log(ErrorLevel, msg)
	panic(msg)
}

func (l *logger) Panicf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.log(ErrorLevel, msg)
	panic(msg)
}

const initialLoggerCallDepth = 3

func (l *logger) log(level Level, msg string) {
	if level < l.level {
		return
	}
	l.sink.Output(initialLoggerCallDepth, level, formatLine(level, l.fields, msg))
}

// formatLine renders "LEVEL: msg k1=v1 k2=v2" with fields in key order,
// so lines are stable for grepping and tests.
func formatLine(level Level, fields Fields, msg string) string {
	var b strings.Builder
	b.WriteString(level.String())
	b.WriteString(": ")
	b.WriteString(msg)
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, fields[k])
		}
	}
	return b.String()
}

type stdSink struct {
	std *log.Logger
}

func (s *stdSink) Output(callDepth int, _ Level, line string) {
	s.std.Output(callDepth+1, line)
}
