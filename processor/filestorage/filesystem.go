package filestorage

import (
	"io"
	"os"
	"path/filepath"
)

// FileSystem mirrors files below a local directory, e.g. a network mount.
type FileSystem struct {
	RootDir string
}

func NewFileSystem(rootdir string) (*FileSystem, error) {
	err := os.MkdirAll(rootdir, os.FileMode(0755))
	if err != nil {
		return nil, err
	}
	return &FileSystem{RootDir: rootdir}, nil
}

// StoreFile copies srcpath into the filesystem storage. Metadata are
// ignored. The copy appears atomically under destpath.
func (fs FileSystem) StoreFile(srcpath string, destpath string, metadata map[string]string) error {
	fulldestpath := filepath.Join(fs.RootDir, filepath.Clean("/"+destpath))
	err := os.MkdirAll(filepath.Dir(fulldestpath), os.FileMode(0755))
	if err != nil {
		return err
	}

	fsrc, err := os.Open(srcpath)
	if err != nil {
		return err
	}
	defer fsrc.Close()

	fdest, err := os.CreateTemp(filepath.Dir(fulldestpath), ".mirror-")
	if err != nil {
		return err
	}
	tmp := fdest.Name()

	_, err = io.Copy(fdest, fsrc)
	if err == nil {
		err = fdest.Sync()
	}
	if cerr := fdest.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, fulldestpath)
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}

	return nil
}

// DeleteFile removes a file from the filesystem storage
func (fs FileSystem) DeleteFile(path string) error {
	abspath := filepath.Join(fs.RootDir, filepath.Clean("/"+path))
	err := os.Remove(abspath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// FileExists returns true if the file exists, false otherwise
func (fs FileSystem) FileExists(path string) bool {
	abspath := filepath.Join(fs.RootDir, filepath.Clean("/"+path))
	_, err := os.Stat(abspath)
	return err == nil
}
