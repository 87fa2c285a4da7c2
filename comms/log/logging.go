/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package log provides the structured logging stack used by the tracing
// service, producers, and the relay. Output is RFC5424 with an optional
// raw mode for interactive debugging.
package log

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/crewjam/rfc5424"
)

const (
	OFF      Level = 0
	DEBUG    Level = 1
	INFO     Level = 2
	WARN     Level = 3
	ERROR    Level = 4
	CRITICAL Level = 5
	FATAL    Level = 6
)

const (
	DefaultDepth = 3
	DefaultID    = `tgd@1`

	maxAppname  = 48
	maxHostname = 255
)

var (
	ErrNotOpen      = errors.New("Logger is not open")
	ErrInvalidLevel = errors.New("Log level is invalid")
)

type Level int

type Logger struct {
	wtrs     []io.WriteCloser
	mtx      sync.Mutex
	lvl      Level
	hot      bool
	raw      bool //skip RFC5424 formatting, emit the short interactive form
	hostname string
	appname  string
}

// New creates a new logger with the given writer at log level INFO.
func New(wtr io.WriteCloser) (l *Logger) {
	l = &Logger{
		wtrs: []io.WriteCloser{wtr},
		lvl:  INFO,
		hot:  true,
	}
	l.guessHostnameAppname()
	return
}

// NewFile creates a new logger appending to the file at f, creating it if
// needed.
func NewFile(f string) (*Logger, error) {
	fout, err := os.OpenFile(f, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0660)
	if err != nil {
		return nil, err
	}
	return New(fout), nil
}

type discardCloser struct{}

func (dc discardCloser) Write(b []byte) (int, error) { return len(b), nil }
func (dc discardCloser) Close() error                { return nil }

func NewDiscardLogger() *Logger {
	var dc discardCloser
	return New(dc)
}

func NewStderrLogger() *Logger {
	return New(os.Stderr)
}

func (l *Logger) guessHostnameAppname() {
	if h, err := os.Hostname(); err == nil {
		if len(h) > maxHostname {
			h = h[:maxHostname]
		}
		l.hostname = h
	}
	if args := os.Args; len(args) > 0 {
		exe := filepath.Base(args[0])
		exe = strings.TrimSuffix(exe, filepath.Ext(exe))
		if len(exe) > maxAppname {
			exe = exe[:maxAppname]
		}
		l.appname = exe
	}
}

func (l *Logger) SetAppname(v string) {
	l.mtx.Lock()
	l.appname = v
	l.mtx.Unlock()
}

// Close closes the logger and all currently associated writers.
func (l *Logger) Close() (err error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if err = l.ready(); err != nil {
		return
	}
	l.hot = false
	for i := range l.wtrs {
		if lerr := l.wtrs[i].Close(); lerr != nil {
			err = lerr
		}
	}
	return
}

func (l *Logger) EnableRawMode() {
	l.raw = true
}

func (l *Logger) ready() error {
	if !l.hot || len(l.wtrs) == 0 {
		return ErrNotOpen
	}
	return nil
}

// AddWriter adds a writer which will get all log lines as they are handled.
func (l *Logger) AddWriter(wtr io.WriteCloser) error {
	if wtr == nil {
		return errors.New("Invalid writer, is nil")
	}
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if err := l.ready(); err != nil {
		return err
	}
	l.wtrs = append(l.wtrs, wtr)
	return nil
}

// SetLevelString sets the log level from a config file value.
func (l *Logger) SetLevelString(s string) error {
	lvl, err := LevelFromString(s)
	if err != nil {
		return err
	}
	return l.SetLevel(lvl)
}

func (l *Logger) SetLevel(lvl Level) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if err := l.ready(); err != nil {
		return err
	}
	if !lvl.Valid() {
		return ErrInvalidLevel
	}
	l.lvl = lvl
	return nil
}

func (l *Logger) GetLevel() Level {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if err := l.ready(); err != nil {
		return OFF
	}
	return l.lvl
}

func (l *Logger) Debugf(f string, args ...interface{}) error {
	return l.outputf(DefaultDepth, DEBUG, f, args...)
}

func (l *Logger) Infof(f string, args ...interface{}) error {
	return l.outputf(DefaultDepth, INFO, f, args...)
}

func (l *Logger) Warnf(f string, args ...interface{}) error {
	return l.outputf(DefaultDepth, WARN, f, args...)
}

func (l *Logger) Errorf(f string, args ...interface{}) error {
	return l.outputf(DefaultDepth, ERROR, f, args...)
}

func (l *Logger) Criticalf(f string, args ...interface{}) error {
	return l.outputf(DefaultDepth, CRITICAL, f, args...)
}

// Fatalf writes a log then issues an os.Exit(-1).
func (l *Logger) Fatalf(f string, args ...interface{}) {
	l.outputf(DefaultDepth, FATAL, f, args...)
	os.Exit(-1)
}

func (l *Logger) Debug(msg string, sds ...rfc5424.SDParam) error {
	return l.outputStructured(DefaultDepth, DEBUG, msg, sds...)
}

func (l *Logger) Info(msg string, sds ...rfc5424.SDParam) error {
	return l.outputStructured(DefaultDepth, INFO, msg, sds...)
}

func (l *Logger) Warn(msg string, sds ...rfc5424.SDParam) error {
	return l.outputStructured(DefaultDepth, WARN, msg, sds...)
}

func (l *Logger) Error(msg string, sds ...rfc5424.SDParam) error {
	return l.outputStructured(DefaultDepth, ERROR, msg, sds...)
}

func (l *Logger) Critical(msg string, sds ...rfc5424.SDParam) error {
	return l.outputStructured(DefaultDepth, CRITICAL, msg, sds...)
}

func (l *Logger) Fatal(msg string, sds ...rfc5424.SDParam) {
	l.outputStructured(DefaultDepth, FATAL, msg, sds...)
	os.Exit(-1)
}

func (l *Logger) outputf(depth int, lvl Level, f string, args ...interface{}) error {
	if l.lvl == OFF || lvl < l.lvl {
		return nil
	}
	ts := time.Now()
	ln := strings.TrimRight(l.genOutput(ts, CallLoc(depth), lvl, fmt.Sprintf(f, args...)), "\n\t\r")
	return l.writeOutput(ln)
}

func (l *Logger) outputStructured(depth int, lvl Level, msg string, sds ...rfc5424.SDParam) error {
	if l.lvl == OFF || lvl < l.lvl {
		return nil
	}
	ts := time.Now()
	ln := strings.TrimRight(l.genOutput(ts, CallLoc(depth), lvl, msg, sds...), "\n\t\r")
	return l.writeOutput(ln)
}

func (l *Logger) writeOutput(ln string) (err error) {
	l.mtx.Lock()
	if err = l.ready(); err == nil {
		for _, w := range l.wtrs {
			if _, lerr := io.WriteString(w, ln+"\n"); lerr != nil {
				err = lerr
			}
		}
	}
	l.mtx.Unlock()
	return
}

func (l *Logger) genOutput(ts time.Time, loc string, lvl Level, msg string, sds ...rfc5424.SDParam) string {
	if l.raw {
		return fmt.Sprintf("%s %s %s %s", ts.UTC().Format(time.RFC3339Nano), lvl.String(), loc, msg)
	}
	m := rfc5424.Message{
		Priority:  lvl.priority(),
		Timestamp: ts,
		Hostname:  l.hostname,
		AppName:   l.appname,
		Message:   []byte(msg),
	}
	sd := rfc5424.StructuredData{ID: DefaultID}
	sd.Parameters = append(sd.Parameters, rfc5424.SDParam{Name: `loc`, Value: loc})
	sd.Parameters = append(sd.Parameters, sds...)
	m.StructuredData = append(m.StructuredData, sd)
	if b, err := m.MarshalBinary(); err == nil {
		return string(b)
	}
	return fmt.Sprintf("%s %s %s", ts.UTC().Format(time.RFC3339Nano), lvl.String(), msg)
}

// CallLoc returns the file:line of the caller at the given stack depth.
func CallLoc(depth int) string {
	if _, file, line, ok := runtime.Caller(depth); ok {
		return fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}
	return `unknown`
}

// KV is a convenience wrapper for building structured data parameters.
func KV(name string, value interface{}) rfc5424.SDParam {
	return rfc5424.SDParam{Name: name, Value: fmt.Sprintf("%v", value)}
}

func (l Level) Valid() bool {
	return l >= OFF && l <= FATAL
}

func (l Level) String() string {
	switch l {
	case OFF:
		return `OFF`
	case DEBUG:
		return `DEBUG`
	case INFO:
		return `INFO`
	case WARN:
		return `WARN`
	case ERROR:
		return `ERROR`
	case CRITICAL:
		return `CRITICAL`
	case FATAL:
		return `FATAL`
	}
	return `UNKNOWN`
}

func (l Level) priority() rfc5424.Priority {
	switch l {
	case DEBUG:
		return rfc5424.Debug
	case INFO:
		return rfc5424.Info
	case WARN:
		return rfc5424.Warning
	case ERROR:
		return rfc5424.Error
	case CRITICAL:
		return rfc5424.Crit
	case FATAL:
		return rfc5424.Emergency
	}
	return rfc5424.Info
}

// LevelFromString resolves a config file level name.
func LevelFromString(s string) (Level, error) {
	switch strings.TrimSpace(strings.ToUpper(s)) {
	case `OFF`:
		return OFF, nil
	case `DEBUG`:
		return DEBUG, nil
	case `INFO`:
		return INFO, nil
	case `WARN`, `WARNING`:
		return WARN, nil
	case `ERROR`:
		return ERROR, nil
	case `CRITICAL`:
		return CRITICAL, nil
	case `FATAL`:
		return FATAL, nil
	}
	return OFF, ErrInvalidLevel
}
