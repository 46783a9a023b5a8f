//go:build unix

package sab

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// SharedMemoryProvider is a workspace region mapped from a shm file.
type SharedMemoryProvider struct {
	name string
	file *os.File
	data []byte
	mode JoinMode
}

// ShmBackend places regions as files under Dir. Pointing Dir at a hugetlbfs
// mount gives the regions huge or gigantic page backing.
type ShmBackend struct {
	Dir string
	// Lock mlocks every mapping created or joined read-write.
	Lock bool
}

// DefaultSharedMemoryDir returns /dev/shm when present, else the temp dir.
func DefaultSharedMemoryDir() string {
	if _, err := os.Stat("/dev/shm"); err == nil {
		return "/dev/shm"
	}
	return os.TempDir()
}

// NewShmBackend returns a backend rooted at dir (DefaultSharedMemoryDir when empty).
func NewShmBackend(dir string) *ShmBackend {
	if dir == "" {
		dir = DefaultSharedMemoryDir()
	}
	return &ShmBackend{Dir: dir}
}

func (b *ShmBackend) path(name string) string {
	return filepath.Join(b.Dir, filepath.Base(name))
}

func (b *ShmBackend) Create(name string, pageSz, pageCnt uint64) (MemoryProvider, error) {
	if pageSz == 0 || pageCnt == 0 {
		return nil, fmt.Errorf("create %s: zero page geometry", name)
	}
	size := pageSz * pageCnt
	file, err := os.OpenFile(b.path(name), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create %s: %w", name, ErrExists)
		}
		return nil, fmt.Errorf("open shared memory file: %w", err)
	}
	if err := file.Truncate(int64(size)); err != nil {
		_ = file.Close()
		_ = os.Remove(file.Name())
		return nil, fmt.Errorf("truncate shared memory file: %w", err)
	}
	p, err := b.mapFile(name, file, size, JoinReadWrite)
	if err != nil {
		_ = os.Remove(file.Name())
		return nil, err
	}
	return p, nil
}

func (b *ShmBackend) Join(name string, mode JoinMode) (MemoryProvider, error) {
	flags := os.O_RDONLY
	switch mode {
	case JoinReadOnly:
	case JoinReadWrite:
		flags = os.O_RDWR
	default:
		return nil, fmt.Errorf("join %s: mode none", name)
	}
	file, err := os.OpenFile(b.path(name), flags, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("join %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("open shared memory file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat shared memory file: %w", err)
	}
	if info.Size() == 0 {
		_ = file.Close()
		return nil, errors.New("shared memory file has zero size")
	}
	return b.mapFile(name, file, uint64(info.Size()), mode)
}

func (b *ShmBackend) mapFile(name string, file *os.File, size uint64, mode JoinMode) (*SharedMemoryProvider, error) {
	prot := unix.PROT_READ
	if mode == JoinReadWrite {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(file.Fd()), 0, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("mmap shared memory file: %w", err)
	}
	if b.Lock && mode == JoinReadWrite {
		if err := unix.Mlock(data); err != nil {
			_ = unix.Munmap(data)
			_ = file.Close()
			return nil, fmt.Errorf("mlock %s: %w", name, err)
		}
	}
	return &SharedMemoryProvider{name: name, file: file, data: data, mode: mode}, nil
}

func (b *ShmBackend) Remove(name string) error {
	if err := os.Remove(b.path(name)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", name, ErrNotFound)
		}
		return err
	}
	return nil
}

func (b *ShmBackend) Exists(name string) bool {
	_, err := os.Stat(b.path(name))
	return err == nil
}

func (s *SharedMemoryProvider) Name() string { return s.name }
func (s *SharedMemoryProvider) Size() uint64 { return uint64(len(s.data)) }
func (s *SharedMemoryProvider) Mode() JoinMode { return s.mode }
func (s *SharedMemoryProvider) Bytes() []byte { return s.data }

func (s *SharedMemoryProvider) ReadAt(offset uint64, dest []byte) error {
	if err := checkRange(s.Size(), offset, len(dest)); err != nil {
		return err
	}
	copy(dest, s.data[offset:])
	return nil
}

func (s *SharedMemoryProvider) WriteAt(offset uint64, src []byte) error {
	if s.mode != JoinReadWrite {
		return ErrReadOnly
	}
	if err := checkRange(s.Size(), offset, len(src)); err != nil {
		return err
	}
	copy(s.data[offset:], src)
	return nil
}

func (s *SharedMemoryProvider) Close() error {
	var err error
	if s.data != nil {
		if unmapErr := unix.Munmap(s.data); unmapErr != nil {
			err = unmapErr
		}
		s.data = nil
	}
	if s.file != nil {
		if closeErr := s.file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		s.file = nil
	}
	return err
}
