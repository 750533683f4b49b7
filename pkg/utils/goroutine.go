// Package utils holds small helpers shared by the engine packages and
// their tests.
package utils

import (
	"runtime"
	"strings"
	"testing"
	"time"
)

// GoroutineLeakDetector fails a test when goroutines started during it are
// still running at the end. Goroutines that belong to the test runtime or
// the net/http keep-alive pool are ignored.
type GoroutineLeakDetector struct {
	t             testing.TB
	initialCount  int
	allowedGrowth int
	timeout       time.Duration
}

// NewGoroutineLeakDetector records the current goroutine count
func NewGoroutineLeakDetector(t testing.TB) *GoroutineLeakDetector {
	d := &GoroutineLeakDetector{t: t, timeout: 2 * time.Second}
	d.initialCount = countGoroutines()
	return d
}

// SetAllowedGrowth sets the number of goroutines allowed to outlive the test
func (d *GoroutineLeakDetector) SetAllowedGrowth(n int) *GoroutineLeakDetector {
	d.allowedGrowth = n
	return d
}

// SetTimeout bounds how long Check waits for goroutines to exit
func (d *GoroutineLeakDetector) SetTimeout(timeout time.Duration) *GoroutineLeakDetector {
	d.timeout = timeout
	return d
}

// Check polls until the goroutine count returns to the baseline or the
// timeout expires
func (d *GoroutineLeakDetector) Check() {
	d.t.Helper()

	deadline := time.Now().Add(d.timeout)
	count := countGoroutines()
	for count-d.initialCount > d.allowedGrowth && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
		count = countGoroutines()
	}

	if leaked := count - d.initialCount; leaked > d.allowedGrowth {
		buf := make([]byte, 1<<20)
		n := runtime.Stack(buf, true)
		d.t.Errorf("goroutine leak: started with %d, ended with %d (allowed growth %d)\n%s",
			d.initialCount, count, d.allowedGrowth, buf[:n])
	}
}

func countGoroutines() int {
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	count := 0
	for _, g := range strings.Split(string(buf[:n]), "\n\n") {
		if g == "" || isBackgroundGoroutine(g) {
			continue
		}
		count++
	}
	return count
}

func isBackgroundGoroutine(stack string) bool {
	for _, marker := range []string{
		"net/http.(*persistConn)",
		"internal/poll.runtime_pollWait",
		"testing.(*T).Run",
		"testing.tRunner.func1",
		"runtime.goexit0",
	} {
		if strings.Contains(stack, marker) {
			return true
		}
	}
	return false
}
