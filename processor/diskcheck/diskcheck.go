// Package diskcheck watches the disk downloads are written to and takes
// stock of the download folders on it.
package diskcheck

import (
	"context"
	"fmt"
	"log/slog"
	"syscall"
	"time"
)

// The health of a disk. A disk becomes Sick when its usage goes above the
// high threshold and Healthy again once it is at or below the low one.
const (
	Healthy Health = Health(true)
	Sick           = Health(false)
)

var statfs = syscall.Statfs

// Health is the state of a disk.
type Health bool

func (h Health) String() string {
	if h == Healthy {
		return "healthy"
	}
	return "sick"
}

// Checker reports the changes of the health of a disk.
//
// A Checker considers its disk healthy when it starts. Run sends on C only
// when the health changes, so the values received alternate between Sick
// and Healthy, starting with Sick.
type Checker interface {
	Run(ctx context.Context)
	C() chan Health
}

type diskChecker struct {
	path     string
	interval time.Duration

	// usage percentages
	high, low int

	c   chan Health
	log *slog.Logger
}

// New returns a Checker of the disk of path, polled every interval. It
// requires 0 <= low < high <= 100 and path to be readable.
func New(path string, high int, low int, interval time.Duration, logger *slog.Logger) (Checker, error) {
	if high < 0 || high > 100 || low < 0 || low > 100 {
		return nil, fmt.Errorf("Thresholds must be between 0 and 100: high=%d, low=%d", high, low)
	}
	if low >= high {
		return nil, fmt.Errorf("Low threshold (%d) must be smaller than high (%d)", low, high)
	}
	if _, err := readCapacity(path); err != nil {
		return nil, err
	}

	return &diskChecker{
		path:     path,
		interval: interval,
		high:     high,
		low:      low,
		c:        make(chan Health),
		log:      logger,
	}, nil
}

// C is the channel health changes are sent to. It is never closed.
func (d *diskChecker) C() chan Health {
	return d.c
}

// Run polls the disk until ctx is done. A pending report is abandoned when
// ctx is done.
func (d *diskChecker) Run(ctx context.Context) {
	tick := time.NewTicker(d.interval)
	defer tick.Stop()

	current := Healthy
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}

		c, err := readCapacity(d.path)
		if err != nil {
			d.log.Warn("could not read disk usage", "path", d.path, "error", err)
			continue
		}

		next := d.next(current, c.usage())
		if next == current {
			continue
		}

		d.log.Info("disk health changed", "path", d.path, "usage", c.usage(), "health", next.String())
		select {
		case d.c <- next:
			current = next
		case <-ctx.Done():
			return
		}
	}
}

// next returns the health of a disk with the given usage, that was
// previously in state h.
func (d *diskChecker) next(h Health, usage int) Health {
	switch {
	case h == Healthy && usage > d.high:
		return Sick
	case h == Sick && usage <= d.low:
		return Healthy
	default:
		return h
	}
}

// capacity is the size of a file system in bytes.
type capacity struct {
	total, free, avail uint64
}

// usage is the used percentage of c, rounded down.
func (c capacity) usage() int {
	if c.total == 0 {
		return 0
	}
	return int((c.total - c.free) * 100 / c.total)
}

func readCapacity(path string) (capacity, error) {
	var st syscall.Statfs_t
	if err := statfs(path, &st); err != nil {
		return capacity{}, fmt.Errorf("Could not get file system statistics: %w", err)
	}

	bsize := uint64(st.Bsize)
	return capacity{
		total: st.Blocks * bsize,
		free:  st.Bfree * bsize,
		avail: st.Bavail * bsize,
	}, nil
}
