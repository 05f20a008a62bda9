package provider

import (
	"context"
	"time"
)

// FileInfo represents the standard metadata for a file or a directory.
type FileInfo interface {
	Name() string
	Size() int64
	IsDir() bool
	ModTime() time.Time
}

// Provider is the read-only view of a plot source the discovery feed walks.
type Provider interface {
	// Stat returns the FileInfo for the given path.
	Stat(ctx context.Context, path string) (FileInfo, error)

	// List returns the contents of the given directory.
	List(ctx context.Context, path string) ([]FileInfo, error)
}

// SpaceProvider reports free space on the filesystem holding a path.
type SpaceProvider interface {
	FreeSpace(ctx context.Context, path string) (uint64, error)
}
