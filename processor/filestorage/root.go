package filestorage

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/skroutz/downloadq/job"
)

var (
	// ErrUnsafeFolder is returned for folder names that could escape the root.
	ErrUnsafeFolder = errors.New("Invalid folder name")
	// ErrNotDirectory is returned for folders that exist but are not directories.
	ErrNotDirectory = errors.New("Folder is not a directory")
)

// Root is the directory all downloads end up in. Jobs pick one of its
// immediate subdirectories by name, or the root itself.
//
// A download is first written to a hidden part file next to its
// destination. Part files are unique per job so concurrent jobs never write
// to the same path, even when they share a filename.
type Root struct {
	Dir string
}

// NewRoot returns a Root for dir, or an error if dir is not writable.
func NewRoot(dir string) (*Root, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	// verify we can write to dir
	tmpf, err := os.CreateTemp(abs, "write-check-")
	if err != nil {
		return nil, errors.New("Error verifying storage directory is writable: " + err.Error())
	}
	_, err = tmpf.Write([]byte("a"))
	if cerr := tmpf.Close(); err == nil {
		err = cerr
	}
	if rerr := os.Remove(tmpf.Name()); err == nil {
		err = rerr
	}
	if err != nil {
		return nil, errors.New("Error verifying storage directory is writable: " + err.Error())
	}

	return &Root{Dir: abs}, nil
}

// ResolveFolder returns the absolute path of the folder named name. The empty
// name denotes the root. The folder must already exist; symbolic links to
// directories are followed.
func (r *Root) ResolveFolder(name string) (string, error) {
	if name == "" {
		return r.Dir, nil
	}
	if !job.IsSafeFolderName(name) {
		return "", fmt.Errorf("%w: %q", ErrUnsafeFolder, name)
	}

	dir := filepath.Join(r.Dir, name)
	if filepath.Dir(dir) != r.Dir {
		return "", fmt.Errorf("%w: %q", ErrUnsafeFolder, name)
	}

	fi, err := os.Stat(dir)
	if err != nil {
		return "", err
	}
	if !fi.IsDir() {
		return "", fmt.Errorf("%w: %q", ErrNotDirectory, name)
	}
	return dir, nil
}

// maxNameLen is the longest file name most file systems accept, in bytes.
const maxNameLen = 255

// PartPath returns the path jobID streams filename into, inside dir. The
// filename is shortened when the part name would not fit in maxNameLen; the
// job id keeps it unique.
func (r *Root) PartPath(dir, filename, jobID string) string {
	suffix := "." + jobID + ".part"
	if room := maxNameLen - 1 - len(suffix); len(filename) > room {
		filename = truncate(filename, room)
	}
	return filepath.Join(dir, "."+filename+suffix)
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Commit moves a finished part file to its destination, replacing any
// previous file of the same name.
func (r *Root) Commit(partPath, dst string) error {
	return os.Rename(partPath, dst)
}

// Remove deletes p. Removing a missing file is not an error.
func (r *Root) Remove(p string) error {
	err := os.Remove(p)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Filename derives the name of the downloaded file from the last element of
// the path of u. URLs without a usable last element get a name derived from
// jobID.
func Filename(u *url.URL, jobID string) string {
	base := path.Base(u.Path)
	base = strings.Map(func(r rune) rune {
		if r == '\\' || r == 0 {
			return '_'
		}
		return r
	}, base)

	if base == "" || base == "." || base == "/" || base == ".." {
		return "download-" + jobID
	}
	return base
}
