package sab

import "errors"

// MemoryProvider is one joined workspace region.
// Implementations may be backed by an mmap'd shm file or an in-process buffer.
type MemoryProvider interface {
	Name() string
	Size() uint64
	Mode() JoinMode
	// Bytes exposes the mapping for zero-copy object joins. Writing through it
	// on a read-only join faults (mmap) or corrupts the shared image (memory).
	Bytes() []byte
	ReadAt(offset uint64, dest []byte) error
	WriteAt(offset uint64, src []byte) error
	Close() error
}

// Backend creates, joins and removes named workspace regions.
type Backend interface {
	Create(name string, pageSz, pageCnt uint64) (MemoryProvider, error)
	Join(name string, mode JoinMode) (MemoryProvider, error)
	Remove(name string) error
	Exists(name string) bool
}

var (
	ErrOutOfBounds = errors.New("offset out of bounds")
	ErrReadOnly    = errors.New("region joined read-only")
	ErrExists      = errors.New("region already exists")
	ErrNotFound    = errors.New("region not found")
)

// RegionFileName is the backing name of workspace wksp for app.
func RegionFileName(app, wksp string) string {
	return app + "_" + wksp + ".wksp"
}

func checkRange(size, offset uint64, n int) error {
	if offset > size || uint64(n) > size-offset {
		return ErrOutOfBounds
	}
	return nil
}
