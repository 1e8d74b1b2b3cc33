// Package log is a small leveled logger with a subscribable feed.
//
// API inspired by zerolog https://github.com/rs/zerolog
package log

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Level defines log level.
type Level uint8

// Logging constants, matching ffmpeg.
const (
	LevelError   Level = 16
	LevelWarning Level = 24
	LevelInfo    Level = 32
	LevelDebug   Level = 48
)

// UnixMillisecond .
type UnixMillisecond uint64

// Entry defines a log entry.
type Entry struct {
	Level Level
	Time  UnixMillisecond
	Msg   string
	Src   string // Source package or component.
	File  string // Source file, if any.
}

// Event defines an in-flight log event.
type Event struct {
	level Level
	time  UnixMillisecond
	src   string
	file  string

	logger *Logger
}

// Src sets event source.
func (e *Event) Src(source string) *Event {
	if e == nil {
		return nil
	}
	e.src = source
	return e
}

// File sets the file the event relates to.
func (e *Event) File(file string) *Event {
	if e == nil {
		return nil
	}
	e.file = file
	return e
}

// Time sets event time.
func (e *Event) Time(t time.Time) *Event {
	if e == nil {
		return nil
	}
	e.time = UnixMillisecond(t.UnixNano() / 1000)
	return e
}

// Msg sends the event with msg added as the message field.
func (e *Event) Msg(msg string) {
	if e == nil {
		return
	}
	e.logger.send(Entry{
		Level: e.level,
		Time:  e.time,
		Msg:   msg,
		Src:   e.src,
		File:  e.file,
	})
}

// Msgf sends the event with formatted msg added as the message field.
func (e *Event) Msgf(format string, v ...interface{}) {
	if e == nil {
		return
	}
	e.Msg(fmt.Sprintf(format, v...))
}

// Feed defines a feed of log entries.
type Feed <-chan Entry

// Logger logs. A nil *Logger discards every event.
type Logger struct {
	mu     sync.Mutex
	subs   []chan Entry
	stderr bool
}

// NewLogger returns a Logger.
func NewLogger() *Logger {
	return &Logger{}
}

// NewStderrLogger returns a Logger that also prints entries to stderr.
func NewStderrLogger() *Logger {
	return &Logger{stderr: true}
}

func (l *Logger) newEvent(level Level) *Event {
	if l == nil {
		return nil
	}
	return &Event{
		level:  level,
		time:   UnixMillisecond(time.Now().UnixNano() / 1000),
		logger: l,
	}
}

// Error starts a new message with error level.
func (l *Logger) Error() *Event {
	return l.newEvent(LevelError)
}

// Warn starts a new message with warning level.
func (l *Logger) Warn() *Event {
	return l.newEvent(LevelWarning)
}

// Info starts a new message with info level.
func (l *Logger) Info() *Event {
	return l.newEvent(LevelInfo)
}

// Debug starts a new message with debug level.
func (l *Logger) Debug() *Event {
	return l.newEvent(LevelDebug)
}

func (l *Logger) send(entry Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stderr {
		printEntry(entry)
	}
	for _, sub := range l.subs {
		select {
		case sub <- entry:
		default: // Drop entry if subscriber is too slow.
		}
	}
}

// Subscribe returns a feed of log entries and a cancel function.
func (l *Logger) Subscribe() (Feed, func()) {
	sub := make(chan Entry, 64)

	l.mu.Lock()
	l.subs = append(l.subs, sub)
	l.mu.Unlock()

	cancel := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, s := range l.subs {
			if s == sub {
				l.subs = append(l.subs[:i], l.subs[i+1:]...)
				return
			}
		}
	}
	return sub, cancel
}

func printEntry(entry Entry) {
	var level string
	switch entry.Level {
	case LevelError:
		level = "[ERROR] "
	case LevelWarning:
		level = "[WARNING] "
	case LevelInfo:
		level = "[INFO] "
	case LevelDebug:
		level = "[DEBUG] "
	}

	var src string
	if entry.Src != "" {
		src = entry.Src + ": "
	}
	var file string
	if entry.File != "" {
		file = entry.File + ": "
	}

	fmt.Fprintf(os.Stderr, "%v%v%v%v\n", level, src, file, entry.Msg)
}
