// Package shmem provisions the single shared-memory segment and semaphore
// pool the supervisor creates once at boot and reprovisions exactly once
// on every crash-restart. The supervisor never reads or writes the
// segment's contents itself; its only job is to size it, create it,
// checksum a header, and hand every subsystem a chance to initialize its
// own region in a fixed, dependency-ordered sequence.
package shmem

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

const (
	headerMagic   = 0x50475353 // "PGSS"
	headerVersion = 1
	headerSize    = 32
	pageSize      = 4096
)

// Sizer returns the number of bytes a subsystem needs in the shared
// segment. Registered once, in RegisterOrder, before SizeAndInit is ever
// called; all size requests are gathered before the segment exists.
type Sizer func() int

// InitFn performs a subsystem's one-time initialization of its region of
// the segment. It is invoked in RegisterOrder, which is fixed so that
// dependency order holds: locks before anything that takes them, process
// array before anything that registers a slot into it.
type InitFn func(seg *Segment) error

// subsystem is a registered (name, sizer, init) triple.
type subsystem struct {
	name string
	size Sizer
	init InitFn
}

// Provisioner owns the registration list and the live segment/semaphore
// handles. It is safe to call SizeAndInit followed later by Reinit, but
// Reinit is only valid once every child has exited.
type Provisioner struct {
	log      zerolog.Logger
	subs     []subsystem
	finished bool // registration closed once SizeAndInit has run once

	seg    *Segment
	semID  int
	nsems  int
	shmKey int
}

// RegisterOrder is the fixed dependency order subsystems are summed and
// initialized in. Extra subsystems discovered via preload-library
// registration are appended after these, never reordered ahead of them.
var RegisterOrder = []string{
	"locks",
	"buffers",
	"procarray",
	"pmsignal",
	"replslot",
	"stats",
	"walbuf",
}

// New creates a Provisioner that will size and initialize a shared segment.
// The segment is always an anonymous shared mapping; shmKey is only
// recorded in Segment.Key as a logical identifier, and nothing in this
// package attaches to an existing segment by that key.
func New(log zerolog.Logger, shmKey int) *Provisioner {
	return &Provisioner{
		log:    log,
		shmKey: shmKey,
	}
}

// Register adds a subsystem's size request and init callback. It must be
// called before the first SizeAndInit. Calling it after the segment has
// been provisioned is a programmer error and panics, matching the fatal
// treatment the rest of supervisor startup gives to ordering violations.
func (p *Provisioner) Register(name string, size Sizer, init InitFn) {
	if p.finished {
		panic(fmt.Sprintf("shmem: Register(%q) called after SizeAndInit", name))
	}
	p.subs = append(p.subs, subsystem{name: name, size: size, init: init})
}

// Segment is the header-prefixed shared-memory region plus the semaphore
// pool sized alongside it.
type Segment struct {
	Key     int
	SemID   int
	NSems   int
	Header  Header
	mapping []byte // includes the header; subsystems address mapping[headerSize:]
	regions map[string][2]int // per-subsystem (offset, size) into Region()
}

// Header is written at the start of the segment: a version tag and a
// self-checksum over the remainder of the header.
type Header struct {
	Magic    uint32
	Version  uint32
	Size     uint64
	Nonce    uint64 // distinguishes incarnations across crash-restarts
	Checksum uint32
}

// Region returns the subsystem-addressable portion of the segment (after
// the header).
func (s *Segment) Region() []byte { return s.mapping[headerSize:] }

// RegionOf returns the slice of the segment assigned to the named
// subsystem, carved out in registration order during SizeAndInit.
func (s *Segment) RegionOf(name string) ([]byte, error) {
	r, ok := s.regions[name]
	if !ok {
		return nil, fmt.Errorf("shmem: no region registered for subsystem %q", name)
	}
	return s.Region()[r[0] : r[0]+r[1]], nil
}

// SizeAndInit sums every registered subsystem's size request, rounds up to
// the page size, creates the segment and semaphore pool, writes the
// header, and invokes each subsystem's InitFn in registration order.
// Failure to acquire the segment is fatal.
func (p *Provisioner) SizeAndInit() (*Segment, error) {
	total := 0
	regions := make(map[string][2]int, len(p.subs))
	for _, s := range p.subs {
		sz := s.size()
		regions[s.name] = [2]int{total, sz}
		// Keep every subsystem 8-byte aligned so word-sized views over a
		// region never straddle its neighbor.
		total += (sz + 7) &^ 7
	}
	total = roundUpToPage(total + headerSize)

	mapping, err := unix.Mmap(-1, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("shmem: mmap %d bytes: %w", total, err)
	}

	nsems := len(p.subs)
	if nsems == 0 {
		nsems = 1
	}
	semID, err := unix.Semget(unix.IPC_PRIVATE, nsems, unix.IPC_CREAT|0600)
	if err != nil {
		unix.Munmap(mapping)
		return nil, fmt.Errorf("shmem: semget %d semaphores: %w", nsems, err)
	}

	seg := &Segment{
		Key:     p.shmKey,
		SemID:   semID,
		NSems:   nsems,
		mapping: mapping,
		regions: regions,
	}
	seg.Header = Header{
		Magic:   headerMagic,
		Version: headerVersion,
		Size:    uint64(total),
		Nonce:   randomNonce(),
	}
	seg.Header.Checksum = checksumHeader(seg.Header)
	writeHeader(mapping, seg.Header)

	for _, s := range p.subs {
		if err := s.init(seg); err != nil {
			unix.Munmap(mapping)
			destroySemaphores(semID)
			return nil, fmt.Errorf("shmem: init subsystem %q: %w", s.name, err)
		}
	}

	p.seg = seg
	p.semID = semID
	p.nsems = nsems
	p.finished = true
	p.log.Info().Int("bytes", total).Int("subsystems", len(p.subs)).Int("semaphores", nsems).Msg("shared memory provisioned")
	return seg, nil
}

// Reinit tears down the current segment and semaphore pool and
// reprovisions a fresh one, running every subsystem's InitFn again. It is
// only valid to call once every child has exited;
// callers (internal/statemachine's crash cascade) are responsible for that
// precondition.
func (p *Provisioner) Reinit() (*Segment, error) {
	p.log.Warn().Msg("reinitializing shared memory after crash")
	if p.seg != nil {
		unix.Munmap(p.seg.mapping)
		destroySemaphores(p.semID)
		p.seg = nil
	}
	p.finished = false
	return p.SizeAndInit()
}

// Destroy releases the segment and semaphore pool without reprovisioning,
// used on final supervisor exit.
func (p *Provisioner) Destroy() {
	if p.seg == nil {
		return
	}
	unix.Munmap(p.seg.mapping)
	destroySemaphores(p.semID)
	p.seg = nil
}

func destroySemaphores(semID int) {
	// IPC_RMID removes the whole semaphore set; failures here are not
	// fatal, since the segment mapping has already been dropped.
	_, _ = unix.Semctl(semID, 0, unix.IPC_RMID)
}

func roundUpToPage(n int) int {
	if n <= 0 {
		return pageSize
	}
	return (n + pageSize - 1) / pageSize * pageSize
}

func randomNonce() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b[:])
}

func checksumHeader(h Header) uint32 {
	var b [24]byte
	binary.LittleEndian.PutUint32(b[0:4], h.Magic)
	binary.LittleEndian.PutUint32(b[4:8], h.Version)
	binary.LittleEndian.PutUint64(b[8:16], h.Size)
	binary.LittleEndian.PutUint64(b[16:24], h.Nonce)
	return crc32.ChecksumIEEE(b[:])
}

func writeHeader(mapping []byte, h Header) {
	binary.LittleEndian.PutUint32(mapping[0:4], h.Magic)
	binary.LittleEndian.PutUint32(mapping[4:8], h.Version)
	binary.LittleEndian.PutUint64(mapping[8:16], h.Size)
	binary.LittleEndian.PutUint64(mapping[16:24], h.Nonce)
	binary.LittleEndian.PutUint32(mapping[24:28], h.Checksum)
}

// VerifyHeader re-reads the header from mapping and confirms the magic
// and the checksum match.
func VerifyHeader(mapping []byte) (Header, error) {
	if len(mapping) < headerSize {
		return Header{}, fmt.Errorf("shmem: mapping too small for header")
	}
	h := Header{
		Magic:    binary.LittleEndian.Uint32(mapping[0:4]),
		Version:  binary.LittleEndian.Uint32(mapping[4:8]),
		Size:     binary.LittleEndian.Uint64(mapping[8:16]),
		Nonce:    binary.LittleEndian.Uint64(mapping[16:24]),
		Checksum: binary.LittleEndian.Uint32(mapping[24:28]),
	}
	if h.Magic != headerMagic {
		return Header{}, fmt.Errorf("shmem: bad magic %#x", h.Magic)
	}
	if got := checksumHeader(Header{Magic: h.Magic, Version: h.Version, Size: h.Size, Nonce: h.Nonce}); got != h.Checksum {
		return Header{}, fmt.Errorf("shmem: checksum mismatch (got %#x want %#x)", got, h.Checksum)
	}
	return h, nil
}
