package blockdev

import (
	"fmt"
	"runtime"
	"sync"
)

// DefaultMaxBatchSectors bounds how many whole sectors a single medium call
// moves before Yield runs.
const DefaultMaxBatchSectors = 128

// Translator performs byte-granular reads and writes on a Medium. Aligned
// whole-sector runs go straight to the medium from the caller's buffer;
// partial sectors use read-modify-write through one scratch sector.
//
// All calls are serialized. The scratch buffer is shared state.
type Translator struct {
	mu         sync.Mutex
	medium     Medium
	sectorSize uint64
	scratch    []byte
	maxBatch   uint32
	yield      func()
}

// Option configures a Translator.
type Option func(*Translator)

// WithMaxBatchSectors caps the sectors moved per medium call.
func WithMaxBatchSectors(n uint32) Option {
	return func(t *Translator) {
		if n > 0 {
			t.maxBatch = n
		}
	}
}

// WithYield sets the function run after each chunk.
func WithYield(fn func()) Option {
	return func(t *Translator) {
		if fn != nil {
			t.yield = fn
		}
	}
}

// NewTranslator wraps m.
func NewTranslator(m Medium, opts ...Option) (*Translator, error) {
	if m == nil {
		return nil, ErrMediumUnavailable
	}
	ss := m.SectorSize()
	if ss <= 0 {
		return nil, fmt.Errorf("%w: invalid sector size %d", ErrMediumUnavailable, ss)
	}

	t := &Translator{
		medium:     m,
		sectorSize: uint64(ss),
		scratch:    make([]byte, ss),
		maxBatch:   DefaultMaxBatchSectors,
		yield:      runtime.Gosched,
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// SectorSize returns the medium's sector size in bytes.
func (t *Translator) SectorSize() int { return int(t.sectorSize) }

// SectorCount returns the medium's sector count.
func (t *Translator) SectorCount() uint32 { return t.medium.SectorCount() }

// Size returns the medium's capacity in bytes.
func (t *Translator) Size() uint64 {
	return uint64(t.medium.SectorCount()) * t.sectorSize
}

// Read fills buf from the medium starting offset bytes into sector.
func (t *Translator) Read(sector, offset uint32, buf []byte) (int, error) {
	return t.transfer(sector, offset, buf, false)
}

// Write stores buf on the medium starting offset bytes into sector. Bytes
// outside [offset, offset+len(buf)) in the touched sectors are preserved.
func (t *Translator) Write(sector, offset uint32, buf []byte) (int, error) {
	return t.transfer(sector, offset, buf, true)
}

// Sync flushes the medium if it buffers writes.
func (t *Translator) Sync() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.medium.(Syncer)
	if !ok {
		return nil
	}
	if err := s.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %w", ErrIO, err)
	}
	return nil
}

func (t *Translator) transfer(sector, offset uint32, buf []byte, write bool) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ss := t.sectorSize
	count := uint64(t.medium.SectorCount())
	start := uint64(sector)*ss + uint64(offset)

	last := start / ss
	if len(buf) > 0 {
		last = (start + uint64(len(buf)) - 1) / ss
	}
	if last >= count {
		return 0, fmt.Errorf("%w: sector %d, medium has %d", ErrOutOfRange, last, count)
	}

	done := 0
	for done < len(buf) {
		pos := start + uint64(done)
		index := uint32(pos / ss) //nolint:gosec // bounded by count above
		within := int(pos % ss)
		remaining := len(buf) - done

		var err error
		if within == 0 && uint64(remaining) >= ss {
			n := min(uint64(remaining)/ss, uint64(t.maxBatch))
			chunk := buf[done : done+int(n*ss)]
			if write {
				err = t.medium.WriteSectors(index, chunk, uint32(n))
			} else {
				err = t.medium.ReadSectors(index, chunk, uint32(n))
			}
			if err != nil {
				return done, t.ioError(write, index, err)
			}
			done += len(chunk)
		} else {
			k := min(int(ss)-within, remaining)
			if err = t.medium.ReadSectors(index, t.scratch, 1); err != nil {
				return done, t.ioError(false, index, err)
			}
			if write {
				copy(t.scratch[within:within+k], buf[done:done+k])
				if err = t.medium.WriteSectors(index, t.scratch, 1); err != nil {
					return done, t.ioError(true, index, err)
				}
			} else {
				copy(buf[done:done+k], t.scratch[within:within+k])
			}
			done += k
		}

		t.yield()
	}

	return done, nil
}

func (t *Translator) ioError(write bool, index uint32, err error) error {
	op := "read"
	if write {
		op = "write"
	}
	return fmt.Errorf("%w: %s sector %d: %w", ErrIO, op, index, err)
}
