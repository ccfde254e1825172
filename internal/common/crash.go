package common

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// crashDir receives crash-*.log files; set by InstallCrashHandler
var crashDir = "./logs"

// maxStackDump caps the all-goroutine dump in a crash report
const maxStackDump = 16 << 20

// InstallCrashHandler prepares the crash directory. Pair it with a deferred
// RecoverWithCrashFile at the top of main.
func InstallCrashHandler(dir string) {
	if dir != "" {
		crashDir = dir
	}
	if err := os.MkdirAll(crashDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "crash handler: cannot create %s: %v\n", crashDir, err)
	}
}

// CrashReport is the content of one crash file
type CrashReport struct {
	Time       time.Time
	Panic      *PanicError
	Goroutines string
}

// NewCrashReport captures the process state around a recovered panic
func NewCrashReport(perr *PanicError) *CrashReport {
	return &CrashReport{
		Time:       time.Now(),
		Panic:      perr,
		Goroutines: allStacks(),
	}
}

// WriteTo renders the report as plain text
func (r *CrashReport) WriteTo(w io.Writer) (int64, error) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var b strings.Builder
	fmt.Fprintf(&b, "marketfinder crash at %s\n", r.Time.Format(time.RFC3339))
	fmt.Fprintf(&b, "version: %s\n", GetFullVersion())
	fmt.Fprintf(&b, "go: %s %s/%s cpus=%d goroutines=%d spawned=%d\n",
		runtime.Version(), runtime.GOOS, runtime.GOARCH,
		runtime.NumCPU(), runtime.NumGoroutine(), GetGoroutineCount())
	fmt.Fprintf(&b, "memory: alloc=%dMB sys=%dMB gc=%d\n\n", mem.Alloc>>20, mem.Sys>>20, mem.NumGC)

	fmt.Fprintf(&b, "panic: %v\n\n%s\n", r.Panic.Value, r.Panic.Stack)
	fmt.Fprintf(&b, "--- all goroutines ---\n%s\n", r.Goroutines)

	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

// WriteCrashFile writes the report under the crash directory and returns its
// path. When the file cannot be written the report goes to stderr instead.
func WriteCrashFile(perr *PanicError) string {
	report := NewCrashReport(perr)
	path := filepath.Join(crashDir, "crash-"+report.Time.Format("2006-01-02T15-04-05")+".log")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "crash handler: cannot create %s: %v\n", path, err)
		report.WriteTo(os.Stderr)
		return ""
	}
	defer f.Close()

	if _, err := report.WriteTo(f); err != nil {
		fmt.Fprintf(os.Stderr, "crash handler: cannot write %s: %v\n", path, err)
		report.WriteTo(os.Stderr)
		return ""
	}
	f.Sync()

	fmt.Fprintf(os.Stderr, "FATAL: %v (report: %s)\n", perr.Value, path)
	return path
}

// RecoverWithCrashFile writes a crash file for a panic in main and exits.
// Usage: defer common.RecoverWithCrashFile()
func RecoverWithCrashFile() {
	if perr := AsPanicError(recover()); perr != nil {
		WriteCrashFile(perr)
		os.Exit(1)
	}
}

func allStacks() string {
	buf := make([]byte, 64<<10)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) || len(buf) >= maxStackDump {
			return string(buf[:n])
		}
		buf = make([]byte, len(buf)*2)
	}
}
