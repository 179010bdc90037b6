package shm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff/v4"

	internalshm "github.com/shmdict/shmdict/internal/shm"
)

const (
	// SegmentMagic identifies a dictionary segment region.
	SegmentMagic = "SHMDICT\x00"

	// SegmentVersion is the current in-region layout version.
	SegmentVersion = uint32(1)

	// SegmentHeaderSize is the fixed header size at the start of every
	// region. The encoded image starts immediately after it.
	SegmentHeaderSize = 64
)

// segmentMagicWord is the magic as a little-endian word so it can be
// published with a single atomic store after the rest of the header is
// initialized.
var segmentMagicWord = binary.LittleEndian.Uint64([]byte(SegmentMagic))

// segmentHeader is the fixed-width in-region header. Every attaching
// process, regardless of identity, addresses the same 64 bytes:
//
//	0x00 magic      [8]byte "SHMDICT\0"
//	0x08 version    uint32
//	0x0C flags      uint32 (reserved)
//	0x10 capacity   uint64 data area size in bytes
//	0x18 used       uint64 valid image length
//	0x20 generation uint64 bumped on every committed mutation
//	0x28 creatorPID uint32
//	0x2C pad        uint32
//	0x30-0x3F       reserved
type segmentHeader struct {
	magic      uint64
	version    uint32
	flags      uint32
	capacity   uint64
	used       uint64
	generation uint64
	creatorPID uint32
	pad        uint32
	reserved   [16]byte
}

func (h *segmentHeader) Magic() uint64        { return atomic.LoadUint64(&h.magic) }
func (h *segmentHeader) SetMagic(m uint64)    { atomic.StoreUint64(&h.magic, m) }
func (h *segmentHeader) Version() uint32      { return atomic.LoadUint32(&h.version) }
func (h *segmentHeader) SetVersion(v uint32)  { atomic.StoreUint32(&h.version, v) }
func (h *segmentHeader) Capacity() uint64     { return atomic.LoadUint64(&h.capacity) }
func (h *segmentHeader) SetCapacity(c uint64) { atomic.StoreUint64(&h.capacity, c) }
func (h *segmentHeader) Used() uint64         { return atomic.LoadUint64(&h.used) }
func (h *segmentHeader) SetUsed(u uint64)     { atomic.StoreUint64(&h.used, u) }
func (h *segmentHeader) Generation() uint64   { return atomic.LoadUint64(&h.generation) }
func (h *segmentHeader) BumpGeneration() uint64 {
	return atomic.AddUint64(&h.generation, 1)
}
func (h *segmentHeader) CreatorPID() uint32     { return atomic.LoadUint32(&h.creatorPID) }
func (h *segmentHeader) SetCreatorPID(p uint32) { atomic.StoreUint32(&h.creatorPID, p) }

// Segment is a named, fixed-capacity shared byte region. Capacity is fixed
// at creation; a write that would exceed it fails instead of growing the
// region under other attached processes.
//
// Segment itself performs no locking. Write and Read must be called with
// the dictionary lock held; that precondition is the caller's.
type Segment struct {
	name   string
	region *internalshm.MappedRegion
}

// CreateSegment allocates and zero-initializes a new named segment with
// capacity data bytes. It fails with ErrAlreadyExists if the name is taken.
func CreateSegment(name string, capacity uint64) (*Segment, error) {
	if capacity == 0 {
		return nil, fmt.Errorf("shm: segment %q: capacity must be positive", name)
	}
	region, err := internalshm.Map(internalshm.MapOptions{
		Name:   name,
		Size:   int(SegmentHeaderSize + capacity),
		Create: true,
	})
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("segment %q: %w", name, ErrAlreadyExists)
		}
		return nil, err
	}

	s := &Segment{name: name, region: region}
	h := s.header()
	h.SetVersion(SegmentVersion)
	h.SetCapacity(capacity)
	h.SetUsed(0)
	h.SetCreatorPID(uint32(os.Getpid()))
	// Publishing the magic last makes a half-initialized header
	// distinguishable from a valid one to a racing attacher.
	h.SetMagic(segmentMagicWord)
	return s, nil
}

// AttachSegment attaches to an existing named segment. It fails with
// ErrNotFound if no segment of that name exists and ErrInvalidSegment if the
// region does not carry a valid header.
func AttachSegment(name string) (*Segment, error) {
	region, err := internalshm.Map(internalshm.MapOptions{Name: name})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("segment %q: %w", name, ErrNotFound)
		}
		return nil, err
	}

	s := &Segment{name: name, region: region}
	if err := s.validate(); err != nil {
		region.Close()
		return nil, err
	}
	return s, nil
}

// AttachOrCreateSegment attaches to the named segment, creating it when it
// does not exist. Two processes racing to create the same name resolve
// deterministically: exclusive creation makes the first creator win, and the
// loser retries attaching with backoff until the winner has published the
// header. The returned flag reports whether this call created the segment.
func AttachOrCreateSegment(name string, capacity uint64) (*Segment, bool, error) {
	var (
		seg     *Segment
		created bool
	)
	op := func() error {
		s, err := AttachSegment(name)
		switch {
		case err == nil:
			seg = s
			return nil
		case errors.Is(err, ErrNotFound):
			s, cerr := CreateSegment(name, capacity)
			if cerr == nil {
				seg, created = s, true
				return nil
			}
			if errors.Is(cerr, ErrAlreadyExists) {
				// Lost the create race; the next attempt attaches.
				return cerr
			}
			return backoff.Permanent(cerr)
		case errors.Is(err, errNotReady), errors.Is(err, internalshm.ErrNotReady):
			// Creator is mid-initialization.
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Millisecond
	bo.MaxElapsedTime = 5 * time.Second
	if err := backoff.Retry(op, bo); err != nil {
		return nil, false, err
	}
	return seg, created, nil
}

// DestroySegment removes the OS-level region backing the named segment.
// Processes still attached keep their stale mapping; coordinating teardown
// is the caller's job. Destroying a missing segment is a no-op.
func DestroySegment(name string) error {
	err := internalshm.Unlink(name)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Segment) header() *segmentHeader {
	return (*segmentHeader)(unsafe.Pointer(&s.region.Data[0]))
}

func (s *Segment) data() []byte {
	return s.region.Data[SegmentHeaderSize:]
}

func (s *Segment) validate() error {
	if len(s.region.Data) < SegmentHeaderSize {
		return fmt.Errorf("segment %q: region smaller than header: %w", s.name, ErrInvalidSegment)
	}
	h := s.header()
	if h.Magic() != segmentMagicWord {
		if h.Magic() == 0 {
			return fmt.Errorf("segment %q: %w", s.name, errNotReady)
		}
		return fmt.Errorf("segment %q: bad magic: %w", s.name, ErrInvalidSegment)
	}
	if h.Version() != SegmentVersion {
		return fmt.Errorf("segment %q: version %d, want %d: %w", s.name, h.Version(), SegmentVersion, ErrInvalidSegment)
	}
	if h.Capacity() != uint64(len(s.region.Data)-SegmentHeaderSize) {
		return fmt.Errorf("segment %q: capacity %d inconsistent with region size %d: %w",
			s.name, h.Capacity(), len(s.region.Data), ErrInvalidSegment)
	}
	if h.Used() > h.Capacity() {
		return fmt.Errorf("segment %q: used %d exceeds capacity %d: %w",
			s.name, h.Used(), h.Capacity(), ErrInvalidSegment)
	}
	return nil
}

// Name returns the segment's region name.
func (s *Segment) Name() string { return s.name }

// Capacity returns the data area size in bytes.
func (s *Segment) Capacity() uint64 { return s.header().Capacity() }

// Used returns the length of the currently committed image.
func (s *Segment) Used() uint64 { return s.header().Used() }

// Generation returns the mutation counter. It increases on every committed
// write, so a cached view can detect that it is stale.
func (s *Segment) Generation() uint64 { return s.header().Generation() }

// Read returns a copy of the currently committed image bytes. The copy
// decouples the caller from later writes by other processes. Must be called
// with the lock held.
func (s *Segment) Read() ([]byte, error) {
	h := s.header()
	used := h.Used()
	if used > h.Capacity() {
		return nil, fmt.Errorf("segment %q: used %d exceeds capacity %d: %w",
			s.name, used, h.Capacity(), ErrInvalidSegment)
	}
	out := make([]byte, used)
	copy(out, s.data()[:used])
	return out, nil
}

// Write replaces the committed image with b and bumps the generation
// counter. It fails with ErrCapacityExceeded, leaving the previous image
// untouched, when b does not fit. Must be called with the lock held.
func (s *Segment) Write(b []byte) error {
	h := s.header()
	if uint64(len(b)) > h.Capacity() {
		return fmt.Errorf("segment %q: image %d bytes, capacity %d: %w",
			s.name, len(b), h.Capacity(), ErrCapacityExceeded)
	}
	copy(s.data(), b)
	h.SetUsed(uint64(len(b)))
	h.BumpGeneration()
	return nil
}

// Close detaches this process from the segment. The region itself lives on
// until DestroySegment.
func (s *Segment) Close() error {
	if s.region == nil {
		return nil
	}
	err := s.region.Close()
	s.region = nil
	return err
}
