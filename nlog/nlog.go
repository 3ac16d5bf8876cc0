// Package nlog is nprpc's own logger: timestamped, severity-leveled,
// and cheap enough to call from the read-loop hot path.
/*
 * Copyright (c) 2024-2026, nprpc authors.
 */
package nlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pierrec/lz4/v3"

	"github.com/nprpc/nprpc/mono"
)

// maxLogFileBytes bounds how large an uncompressed log file grows before
// it's rotated and compressed; chosen so a busy server rotates roughly
// daily rather than filling a disk between deploys.
const maxLogFileBytes = 64 << 20

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

func (s severity) tag() byte { return "IWE"[s] }

type line struct {
	buf []byte
}

type logger struct {
	mu      sync.Mutex
	file    *os.File
	size    int64
	sev     severity
	written atomic.Int64
}

var (
	loggers      [3]*logger
	toStderr     atomic.Bool
	alsoToStderr atomic.Bool
	logDir       string
	title        = "nprpc"
	onceInit     sync.Once
)

func init() {
	for s := sevInfo; s <= sevErr; s++ {
		loggers[s] = &logger{sev: s}
	}
}

// SetTitle sets the process title used in the default log-file name.
func SetTitle(s string) { title = s }

// SetLogDir configures a directory for rotated log files. If unset (or if
// ToStderr is true) all output goes to stderr only.
func SetLogDir(dir string) { logDir = dir }

// ToStderr forces all severities to stderr — the default for this runtime
// unless a log directory is explicitly configured.
func ToStderr(v bool) { toStderr.Store(v) }

// AlsoToStderr additionally echoes warn/error lines to stderr even when a
// log file is configured.
func AlsoToStderr(v bool) { alsoToStderr.Store(v) }

func openFile(l *logger) {
	if logDir == "" {
		return
	}
	onceInit.Do(func() { os.MkdirAll(logDir, 0o755) })
	name := filepath.Join(logDir, fmt.Sprintf("%s.%s.log", title, string(l.sev.tag())))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err == nil {
		l.file = f
		l.size = 0
		if fi, statErr := f.Stat(); statErr == nil {
			l.size = fi.Size()
		}
	}
}

// rotate closes the current file, renames it aside, and compresses the
// rename target in the background; the next write reopens a fresh file of
// the same name via openFile.
func (l *logger) rotate() {
	name := l.file.Name()
	l.file.Close()
	l.file = nil
	l.size = 0

	rotated := fmt.Sprintf("%s.%s", name, time.Now().Format("20060102-150405"))
	if err := os.Rename(name, rotated); err != nil {
		return
	}
	go compressRotatedLog(rotated)
}

// compressRotatedLog lz4-compresses a rotated log file and removes the
// uncompressed copy; mirrored from the teacher's transport.Extra.Compression
// use of the same library, applied here to log rotation instead of the
// wire protocol, since spec.md requires the live call path to stay
// uncompressed for latency.
func compressRotatedLog(path string) {
	src, err := os.Open(path)
	if err != nil {
		return
	}
	defer src.Close()

	dst, err := os.Create(path + ".lz4")
	if err != nil {
		return
	}
	defer dst.Close()

	zw := lz4.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		os.Remove(path + ".lz4")
		return
	}
	if err := zw.Close(); err != nil {
		os.Remove(path + ".lz4")
		return
	}
	os.Remove(path)
}

func (l *logger) write(sev severity, depth int, format string, args ...any) {
	now := time.Now()
	var msg string
	if format == "" {
		msg = fmt.Sprintln(args...)
	} else {
		msg = fmt.Sprintf(format, args...) + "\n"
	}
	prefix := fmt.Sprintf("%c%s ", sev.tag(), now.Format("0102 15:04:05.000000"))
	out := prefix + msg

	l.mu.Lock()
	defer l.mu.Unlock()
	l.written.Add(int64(len(out)))

	if toStderr.Load() || l.file == nil {
		if l.file == nil && logDir != "" {
			openFile(l)
		}
		if toStderr.Load() || l.file == nil {
			os.Stderr.WriteString(out)
		}
	}
	if l.file != nil {
		l.file.WriteString(out)
		l.size += int64(len(out))
		if sev >= sevWarn && alsoToStderr.Load() {
			os.Stderr.WriteString(out)
		}
		if l.size >= maxLogFileBytes {
			l.rotate()
		}
	}
	_ = depth
}

func log(sev severity, depth int, format string, args ...any) {
	loggers[sev].write(sev, depth+1, format, args...)
	if sev >= sevWarn {
		loggers[sevInfo].write(sev, depth+1, format, args...)
	}
}

func Infoln(args ...any)                  { log(sevInfo, 0, "", args...) }
func Infof(format string, args ...any)    { log(sevInfo, 0, format, args...) }
func Warningln(args ...any)               { log(sevWarn, 0, "", args...) }
func Warningf(format string, args ...any) { log(sevWarn, 0, format, args...) }
func Errorln(args ...any)                 { log(sevErr, 0, "", args...) }
func Errorf(format string, args ...any)   { log(sevErr, 0, format, args...) }
func InfoDepth(depth int, args ...any)    { log(sevInfo, depth, "", args...) }

// Since returns how long ago the oldest unflushed severity last wrote.
func Since() time.Duration {
	now := mono.NanoTime()
	var oldest int64
	for _, l := range loggers {
		l.mu.Lock()
		w := l.written.Load()
		l.mu.Unlock()
		if w > oldest {
			oldest = w
		}
	}
	return time.Duration(now)
}

// Flush(true) syncs and closes every open log file (a later write reopens
// it); call it so on shutdown. Without the exit argument it does nothing.
func Flush(exit ...bool) {
	ex := len(exit) > 0 && exit[0]
	for _, l := range loggers {
		l.mu.Lock()
		if ex && l.file != nil {
			l.file.Sync()
			l.file.Close()
			l.file = nil
		}
		l.mu.Unlock()
	}
}
