package opiforge

import (
	"sync/atomic"

	"github.com/gookit/color"
)

// GLOBAL STATE
// cancelRequested is set by the signal handler and polled between
// pipeline stages and between retry attempts. 1 means cancelled.
var cancelRequested atomic.Int32

// Global variables
var (
	BuildDir   string
	OutputDir  string
	PatchesDir string
	CacheStore string
	LogFile    string
	ErrLogFile string
	Debug      bool
	Verbose    bool
	ConfigFile = "/etc/opiforge.conf"
	version    = "dev"     //default version; overridden at build time
	buildDate  = "unknown" // overridden at build time
	// Global executors (declared, to be assigned in main)
	UserExec *Executor
	RootExec *Executor
)

// CancelRequested reports whether a cancellation signal has been observed.
func CancelRequested() bool {
	return cancelRequested.Load() == 1
}

// RequestCancel marks the process-wide cancellation flag.
func RequestCancel() {
	cancelRequested.Store(1)
}

// ResetCancel clears the flag. Only tests and a fresh pipeline use this.
func ResetCancel() {
	cancelRequested.Store(0)
}

// criticalAtomic marks phases that must not be torn down mid-flight
// (raw bootloader writes, filesystem teardown). The signal handler
// blocks the first interrupt while it is set.
var criticalAtomic atomic.Int32

// EnterCritical marks the start of a non-interruptible phase.
func EnterCritical() { criticalAtomic.Store(1) }

// ExitCritical marks its end.
func ExitCritical() { criticalAtomic.Store(0) }

// InCritical reports whether a non-interruptible phase is active.
func InCritical() bool { return criticalAtomic.Load() == 1 }

// Version returns the binary version string set at link time.
func Version() string {
	return version + " (" + buildDate + ")"
}

// color helpers
var (
	colInfo    = color.Info // style provided by gookit/color
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
)
