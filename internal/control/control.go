// Package control implements the shared session control block: a small
// memory-mapped file through which a second process (the stop command) can
// signal a running watch loop without sockets or pid files.
package control

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const (
	BlockSize = 4096       // 1 page
	Magic     = 0x47525443 // 'GRTC'
	Version   = 1
)

// Block is the on-disk layout of the control file. Field order and sizes are
// load-bearing: two processes of different builds map the same page.
type Block struct {
	Magic      uint32
	Version    uint32
	StopFlag   uint32 // Atomic
	_          uint32
	Generation uint64 // Atomic, bumped once per ingest batch
	StartedAt  int64  // Unix seconds
	SessionID  [36]byte
	_          [4]byte
	Root       [256]byte
	_          [BlockSize - 328]byte
}

// Session is a live mapping of the control block.
type Session struct {
	path string
	file *os.File
	data []byte
	ptr  *Block
}

// Create initializes a fresh control block for a new watch session, stamping
// it with a new session ID. An existing file is reinitialized: stale blocks
// from a crashed session carry no state worth keeping.
func Create(path, root string) (*Session, error) {
	if len(root) >= 256 {
		return nil, fmt.Errorf("acquisition root too long (max 255)")
	}
	s, err := open(path, true)
	if err != nil {
		return nil, err
	}
	*s.ptr = Block{Magic: Magic, Version: Version, StartedAt: time.Now().Unix()}
	copy(s.ptr.SessionID[:], uuid.NewString())
	copy(s.ptr.Root[:], root)
	s.sync()
	return s, nil
}

// Open maps an existing control block, validating magic and version.
func Open(path string) (*Session, error) {
	s, err := open(path, false)
	if err != nil {
		return nil, err
	}
	if magic := s.ptr.Magic; magic != Magic {
		_ = s.Close()
		return nil, fmt.Errorf("%s: not a control block (magic %#x)", path, magic)
	}
	if version := s.ptr.Version; version != Version {
		_ = s.Close()
		return nil, fmt.Errorf("%s: control block version %d, want %d", path, version, Version)
	}
	return s, nil
}

func open(path string, create bool) (*Session, error) {
	flags := os.O_RDWR
	if create {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir: %w", err)
		}
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat: %w", err)
	}
	if info.Size() < BlockSize {
		if !create {
			_ = f.Close()
			return nil, fmt.Errorf("%s: truncated control block", path)
		}
		if err := f.Truncate(BlockSize); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("truncate: %w", err)
		}
	}
	data, err := unix.Mmap(int(f.Fd()), 0, BlockSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &Session{
		path: path,
		file: f,
		data: data,
		ptr:  (*Block)(unsafe.Pointer(&data[0])),
	}, nil
}

// RequestStop raises the stop flag. The watch loop observes it between
// ingest batches.
func (s *Session) RequestStop() {
	atomic.StoreUint32(&s.ptr.StopFlag, 1)
	s.sync()
}

// StopRequested reports whether a stop has been signalled.
func (s *Session) StopRequested() bool {
	return atomic.LoadUint32(&s.ptr.StopFlag) != 0
}

// Heartbeat bumps the generation counter so an observer can tell a live
// session from a stalled one.
func (s *Session) Heartbeat() uint64 {
	return atomic.AddUint64(&s.ptr.Generation, 1)
}

// Generation returns the current heartbeat count.
func (s *Session) Generation() uint64 {
	return atomic.LoadUint64(&s.ptr.Generation)
}

// ID returns the session's UUID.
func (s *Session) ID() string {
	return cstring(s.ptr.SessionID[:])
}

// Root returns the acquisition root the session was started on.
func (s *Session) Root() string {
	return cstring(s.ptr.Root[:])
}

// StartedAt returns when the session began.
func (s *Session) StartedAt() time.Time {
	return time.Unix(s.ptr.StartedAt, 0)
}

func (s *Session) sync() {
	_ = unix.Msync(s.data, unix.MS_SYNC)
}

// Close unmaps and closes the control file.
func (s *Session) Close() error {
	if err := unix.Munmap(s.data); err != nil {
		return err
	}
	return s.file.Close()
}

func cstring(b []byte) string {
	for i, v := range b {
		if v == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
