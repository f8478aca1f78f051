package diskcheck

import (
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/skroutz/downloadq/job"
)

// Inventory reports every immediate subdirectory of root, including
// symbolic links to directories, along with the capacity of the file system
// it lives on.
//
// Entries that can't be read are skipped.
func Inventory(root string, now time.Time) ([]job.FolderStat, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	stats := make([]job.FolderStat, 0, len(entries))
	for _, e := range entries {
		p := filepath.Join(root, e.Name())

		switch {
		case e.IsDir():
		case e.Type()&fs.ModeSymlink != 0:
			real, err := filepath.EvalSymlinks(p)
			if err != nil {
				continue
			}
			fi, err := os.Stat(real)
			if err != nil || !fi.IsDir() {
				continue
			}
			p = real
		default:
			continue
		}

		c, err := readCapacity(p)
		if err != nil {
			continue
		}

		stats = append(stats, job.FolderStat{
			Name:       e.Name(),
			Path:       p,
			SizeBytes:  dirSize(p),
			FreeBytes:  c.avail,
			TotalBytes: c.total,
			UpdatedAt:  now.UnixMilli(),
		})
	}

	return stats, nil
}

// dirSize sums the sizes of the regular files below dir. Symbolic links to
// files count with the size of their target.
func dirSize(dir string) int64 {
	var total int64
	filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// unreadable entries are skipped
			if d != nil && d.IsDir() && p != dir {
				return fs.SkipDir
			}
			return nil
		}

		switch {
		case d.Type().IsRegular():
			if fi, err := d.Info(); err == nil {
				total += fi.Size()
			}
		case d.Type()&fs.ModeSymlink != 0:
			if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
				total += fi.Size()
			}
		}
		return nil
	})
	return total
}
