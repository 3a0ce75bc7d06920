package opiforge

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// BuildLog owns the two append-only streams of one build invocation:
// the full build log and the error-only log. Both are plain text files
// at fixed paths under the output directory. Executor output is tee'd
// into the build log; failures are duplicated into the error log so it
// survives as a standalone postmortem artifact.
type BuildLog struct {
	mu   sync.Mutex
	main *os.File
	errs *os.File
}

var buildLog = &BuildLog{}

// OpenLogFiles opens (appending) the build and error logs. Missing log
// files are warnings, not fatal; the build continues console-only.
func OpenLogFiles() {
	if err := os.MkdirAll(filepath.Dir(LogFile), 0o755); err != nil {
		cPrintf(colWarn, "Could not create log directory: %v\n", err)
		return
	}
	f, err := os.OpenFile(LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		cPrintf(colWarn, "Could not open build log %s, continuing without file logging\n", LogFile)
	} else {
		buildLog.main = f
	}
	ef, err := os.OpenFile(ErrLogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		cPrintf(colWarn, "Could not open error log %s\n", ErrLogFile)
	} else {
		buildLog.errs = ef
	}
}

// CloseLogFiles flushes and closes both streams.
func CloseLogFiles() {
	buildLog.mu.Lock()
	defer buildLog.mu.Unlock()
	if buildLog.main != nil {
		buildLog.main.Close()
		buildLog.main = nil
	}
	if buildLog.errs != nil {
		buildLog.errs.Close()
		buildLog.errs = nil
	}
}

// MainWriter returns the sink for external command output. Falls back
// to io.Discard when no log file could be opened.
func (l *BuildLog) MainWriter() io.Writer {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.main == nil {
		return io.Discard
	}
	return l.main
}

func (l *BuildLog) write(level, msg string) {
	ts := time.Now().Format("2006-01-02 15:04:05")
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.main != nil {
		fmt.Fprintf(l.main, "[%s] [%s] %s\n", ts, level, msg)
	}
	if level == "ERROR" && l.errs != nil {
		fmt.Fprintf(l.errs, "[%s] [%s] %s\n", ts, level, msg)
	}
}

func logInfo(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	colArrow.Print("-> ")
	colSuccess.Println(msg)
	buildLog.write("INFO", msg)
}

func logWarn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	cPrintln(colWarn, msg)
	buildLog.write("WARNING", msg)
}

func logError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	cPrintln(colError, msg)
	buildLog.write("ERROR", msg)
}

// colorPrinter is the subset of gookit's *color.Style the console
// helpers need. A nil printer degrades to uncolored fmt output, which
// keeps the helpers usable before the styles are initialized.
type colorPrinter interface {
	Printf(format string, a ...any)
	Println(a ...any)
}

func cPrintf(p colorPrinter, format string, a ...any) {
	if p != nil {
		p.Printf(format, a...)
		return
	}
	fmt.Printf(format, a...)
}

func cPrintln(p colorPrinter, a ...any) {
	if p != nil {
		p.Println(a...)
		return
	}
	fmt.Println(a...)
}

// debugf is console-only chatter gated on the Debug flag; it never
// reaches the log files.
func debugf(format string, args ...any) {
	if !Debug {
		return
	}
	fmt.Printf(format, args...)
}

// logErrorContext surfaces a structured failure on both streams.
func logErrorContext(ec *ErrorContext) {
	if ec == nil {
		return
	}
	msg := ec.Error()
	if ec.Origin != "" {
		msg = fmt.Sprintf("%s %s", ec.Origin, msg)
	}
	cPrintln(colError, msg)
	buildLog.write("ERROR", msg)
}
