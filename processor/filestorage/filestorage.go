// Package filestorage places downloaded files on disk and optionally mirrors
// them to a secondary storage backend.
package filestorage

// FileStorage is an interface for implementing file storage backends
// that completed downloads are mirrored to.
//
// StoreFile copies srcpath to destpath, which is relative to the backend's
// root. The source file is left in place.
type FileStorage interface {
	StoreFile(srcpath string, destpath string, metadata map[string]string) error
	DeleteFile(filepath string) error
	FileExists(filepath string) bool
}
