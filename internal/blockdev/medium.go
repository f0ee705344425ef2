// Package blockdev maps arbitrary byte ranges onto a fixed-size-sector
// medium.
package blockdev

import (
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	"github.com/bamsammich/sdsync/internal/platform"
)

// DefaultSectorSize is used when no sector size is configured.
const DefaultSectorSize = 512

// Medium is a whole-sector storage device.
type Medium interface {
	// SectorSize returns the size of one sector in bytes.
	SectorSize() int

	// SectorCount returns the number of addressable sectors.
	SectorCount() uint32

	// ReadSectors reads count sectors starting at index into buf.
	// len(buf) must be at least count*SectorSize().
	ReadSectors(index uint32, buf []byte, count uint32) error

	// WriteSectors writes count sectors from buf starting at index.
	WriteSectors(index uint32, buf []byte, count uint32) error
}

// Syncer is implemented by media that buffer writes.
type Syncer interface {
	Sync() error
}

// MemoryMedium is a RAM-backed Medium.
type MemoryMedium struct {
	mu         sync.RWMutex
	data       []byte
	sectorSize int
	present    bool
}

var _ Medium = (*MemoryMedium)(nil)

// NewMemoryMedium allocates count zeroed sectors of sectorSize bytes.
func NewMemoryMedium(sectorSize int, count uint32) *MemoryMedium {
	return &MemoryMedium{
		data:       make([]byte, sectorSize*int(count)),
		sectorSize: sectorSize,
		present:    true,
	}
}

func (m *MemoryMedium) SectorSize() int { return m.sectorSize }

func (m *MemoryMedium) SectorCount() uint32 {
	return uint32(len(m.data) / m.sectorSize) //nolint:gosec // sized from a uint32 at construction
}

func (m *MemoryMedium) ReadSectors(index uint32, buf []byte, count uint32) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	off, n, err := m.span(index, buf, count)
	if err != nil {
		return err
	}
	copy(buf[:n], m.data[off:off+n])
	return nil
}

func (m *MemoryMedium) WriteSectors(index uint32, buf []byte, count uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	off, n, err := m.span(index, buf, count)
	if err != nil {
		return err
	}
	copy(m.data[off:off+n], buf[:n])
	return nil
}

func (m *MemoryMedium) span(index uint32, buf []byte, count uint32) (int, int, error) {
	if !m.present {
		return 0, 0, ErrMediumUnavailable
	}
	off := int(index) * m.sectorSize
	n := int(count) * m.sectorSize
	if off+n > len(m.data) {
		return 0, 0, io.EOF
	}
	if len(buf) < n {
		return 0, 0, io.ErrShortBuffer
	}
	return off, n, nil
}

// Bytes returns a copy of the medium's contents.
func (m *MemoryMedium) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}

// SetPresent simulates inserting or removing the medium.
func (m *MemoryMedium) SetPresent(present bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.present = present
}

// FileMedium is a Medium backed by a block device node or an image file.
type FileMedium struct {
	file       *os.File
	sectorSize int
	count      uint32
	readOnly   bool
}

var _ Medium = (*FileMedium)(nil)

// OpenFileMedium opens path as a medium with the given sector size. Any
// trailing partial sector is not addressable.
func OpenFileMedium(path string, sectorSize int, readOnly bool) (*FileMedium, error) {
	if sectorSize <= 0 {
		sectorSize = DefaultSectorSize
	}

	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMediumUnavailable, err)
	}

	// Block devices report a zero Stat size; seeking to the end works for both.
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: size %s: %w", ErrMediumUnavailable, path, err)
	}
	sectors := size / int64(sectorSize)
	if sectors > math.MaxUint32 {
		f.Close()
		return nil, fmt.Errorf("%w: %s has %d sectors, more than a 32-bit index can address",
			ErrMediumUnavailable, path, sectors)
	}

	return &FileMedium{
		file:       f,
		sectorSize: sectorSize,
		count:      uint32(sectors),
		readOnly:   readOnly,
	}, nil
}

func (m *FileMedium) SectorSize() int     { return m.sectorSize }
func (m *FileMedium) SectorCount() uint32 { return m.count }

// ReadOnly reports whether the medium was opened without write access.
func (m *FileMedium) ReadOnly() bool { return m.readOnly }

func (m *FileMedium) ReadSectors(index uint32, buf []byte, count uint32) error {
	n := int(count) * m.sectorSize
	if len(buf) < n {
		return io.ErrShortBuffer
	}
	_, err := m.file.ReadAt(buf[:n], int64(index)*int64(m.sectorSize))
	return err
}

func (m *FileMedium) WriteSectors(index uint32, buf []byte, count uint32) error {
	if m.readOnly {
		return os.ErrPermission
	}
	n := int(count) * m.sectorSize
	if len(buf) < n {
		return io.ErrShortBuffer
	}
	_, err := m.file.WriteAt(buf[:n], int64(index)*int64(m.sectorSize))
	return err
}

// Sync flushes written sectors to the device.
func (m *FileMedium) Sync() error {
	return platform.Datasync(m.file)
}

func (m *FileMedium) Close() error {
	return m.file.Close()
}
