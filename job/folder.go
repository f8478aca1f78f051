package job

// FolderStat describes one download folder and the disk it lives on.
type FolderStat struct {
	Name string `json:"name"`
	Path string `json:"path"`

	// SizeBytes is the total size of the files in the folder
	SizeBytes int64 `json:"sizeBytes"`

	FreeBytes  uint64 `json:"freeBytes"`
	TotalBytes uint64 `json:"totalBytes"`

	// UpdatedAt is in milliseconds since the epoch
	UpdatedAt int64 `json:"updatedAt"`
}
