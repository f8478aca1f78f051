package diskcheck

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func restoreStatfs() {
	statfs = syscall.Statfs
}

func emptyStatfs(path string, buf *syscall.Statfs_t) error {
	buf.Bsize = 4096
	buf.Blocks = 1000
	buf.Bfree = 1000
	buf.Bavail = 1000
	return nil
}

// usageFS reports the usages queued in it, one per call, repeating the last
// one when it runs out.
type usageFS struct {
	mu     sync.Mutex
	usages []int
	calls  int
}

func (f *usageFS) Statfs(path string, buf *syscall.Statfs_t) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	u := f.usages[len(f.usages)-1]
	if f.calls < len(f.usages) {
		u = f.usages[f.calls]
	}
	f.calls++

	if u < 0 {
		return errors.New("device not ready")
	}
	buf.Bsize = 4096
	buf.Blocks = 100
	buf.Bfree = uint64(100 - u)
	buf.Bavail = buf.Bfree
	return nil
}

// startChecker runs a checker of a disk with the given successive usages.
// The first usage is consumed by New.
func startChecker(t *testing.T, usages ...int) (Checker, func()) {
	t.Helper()

	fs := &usageFS{usages: usages}
	statfs = fs.Statfs

	c, err := New("/notexists", 90, 60, 5*time.Millisecond, testLogger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	return c, func() {
		cancel()
		<-done
		restoreStatfs()
	}
}

func receive(t *testing.T, c Checker) Health {
	t.Helper()
	select {
	case h := <-c.C():
		return h
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for a health change")
		return Healthy
	}
}

func assertQuiet(t *testing.T, c Checker) {
	t.Helper()
	select {
	case h := <-c.C():
		t.Fatalf("Received unexpected %q", h)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestHealthyDisk(t *testing.T) {
	c, stop := startChecker(t, 10, 50, 90)
	defer stop()

	// 90% is not above the high threshold
	assertQuiet(t, c)
}

func TestFullDisk(t *testing.T) {
	c, stop := startChecker(t, 0, 100)
	defer stop()

	assert.Equal(t, Sick, receive(t, c))
	// still full
	assertQuiet(t, c)
}

func TestHysteresis(t *testing.T) {
	// sick above 90, healthy again only at 60 or less
	c, stop := startChecker(t, 0, 95, 80, 70, 61, 60, 85, 91)
	defer stop()

	assert.Equal(t, Sick, receive(t, c))
	assert.Equal(t, Healthy, receive(t, c))
	assert.Equal(t, Sick, receive(t, c))
	assertQuiet(t, c)
}

func TestUnreadableDiskKeepsState(t *testing.T) {
	c, stop := startChecker(t, 0, 95, -1, -1, 95)
	defer stop()

	assert.Equal(t, Sick, receive(t, c))
	assertQuiet(t, c)
}

func TestCancelWhileReporting(t *testing.T) {
	_, stop := startChecker(t, 0, 100)

	// Nobody reads the Sick report
	time.Sleep(30 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestNew(t *testing.T) {
	statfs = emptyStatfs
	defer restoreStatfs()

	for _, th := range [][2]int{{60, 90}, {90, 90}, {101, 50}, {50, -1}} {
		_, err := New("/notexists", th[0], th[1], time.Second, testLogger)
		assert.Error(t, err, "high=%d low=%d", th[0], th[1])
	}

	statfs = func(path string, buf *syscall.Statfs_t) error { return syscall.ENOENT }
	_, err := New("/notexists", 90, 60, time.Second, testLogger)
	assert.Error(t, err)
}

func TestUsage(t *testing.T) {
	cases := map[capacity]int{
		{total: 0}:                0,
		{total: 1000, free: 1000}: 0,
		{total: 1000, free: 0}:    100,
		{total: 1000, free: 55}:   94,
		{total: 1 << 50, free: 0}: 100,
	}
	for c, expected := range cases {
		assert.Equal(t, expected, c.usage(), "%+v", c)
	}
}
