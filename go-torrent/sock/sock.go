// Package sock implements a buffered non-blocking TCP socket. Writes are
// queued and pushed out by Flush, reads are pulled into a buffer by
// NetworkRead and consumed whole by Read. Nothing in this package blocks.
package sock

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	// MaxSegmentSize bounds a single NetworkRead.
	MaxSegmentSize = 1460
)

var (
	ErrNotEnoughData = errors.New("not enough data buffered")
	ErrClosed        = errors.New("socket closed")
	ErrConnFailed    = errors.New("connection failed")
)

// Socket is a non-blocking stream socket with an outbound write queue and an
// inbound read buffer.
type Socket struct {
	mu     sync.Mutex
	fd     int
	closed bool
	addr   *net.TCPAddr

	queue   [][]byte
	sentOff int

	rbuf []byte

	flushStart   time.Time
	flushBytes   int
	uploadRate   float64
	readStart    time.Time
	readBytes    int
	downloadRate float64
}

func sockaddr(addr *net.TCPAddr) (unix.Sockaddr, int, error) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET, nil
	}
	if ip6 := addr.IP.To16(); ip6 != nil {
		sa := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa.Addr[:], ip6)
		return sa, unix.AF_INET6, nil
	}
	return nil, 0, errors.Errorf("invalid address %s", addr)
}

// Dial opens a non-blocking socket and starts connecting to addr. The connect
// is usually still in progress on return; PollWritable reports when it has
// finished.
func Dial(addr *net.TCPAddr) (*Socket, error) {
	sa, family, err := sockaddr(addr)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "socket")
	}
	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "connect %s", addr)
	}
	return newSocket(fd, addr), nil
}

// FromConn takes ownership of an accepted connection. The original conn is
// closed and a non-blocking duplicate of its descriptor is kept.
func FromConn(conn *net.TCPConn) (*Socket, error) {
	defer conn.Close()

	addr, _ := conn.RemoteAddr().(*net.TCPAddr)
	f, err := conn.File()
	if err != nil {
		return nil, errors.Wrap(err, "dup conn")
	}
	defer f.Close()

	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return nil, errors.Wrap(err, "dup fd")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "set nonblock")
	}
	return newSocket(fd, addr), nil
}

func newSocket(fd int, addr *net.TCPAddr) *Socket {
	return &Socket{
		fd:   fd,
		addr: addr,
	}
}

func (s *Socket) RemoteAddr() *net.TCPAddr {
	return s.addr
}

func (s *Socket) poll(events int16) (int16, error) {
	s.mu.Lock()
	closed, fd := s.closed, s.fd
	s.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}

	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		_, err := unix.Poll(fds, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, errors.Wrap(err, "poll")
		}
		return fds[0].Revents, nil
	}
}

// PollReadable reports whether a NetworkRead would make progress.
func (s *Socket) PollReadable() bool {
	revents, err := s.poll(unix.POLLIN)
	return err == nil && revents&unix.POLLIN != 0
}

// PollWritable reports whether a Flush would make progress. For a socket that
// is still connecting it also reports a completed connect; a failed connect
// shows up as HasHungUp.
func (s *Socket) PollWritable() bool {
	revents, err := s.poll(unix.POLLOUT)
	if err != nil || revents&unix.POLLOUT == 0 {
		return false
	}
	return s.soError() == nil
}

// HasHungUp reports a closed, reset or failed socket.
func (s *Socket) HasHungUp() bool {
	revents, err := s.poll(unix.POLLIN | unix.POLLOUT)
	if err != nil {
		return true
	}
	if revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
		return true
	}
	return false
}

func (s *Socket) soError() error {
	s.mu.Lock()
	fd := s.fd
	s.mu.Unlock()

	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return errors.Wrap(unix.Errno(errno), "so_error")
	}
	return nil
}

// Write queues a copy of data. It never touches the network. Empty writes are
// dropped.
func (s *Socket) Write(data []byte) {
	if len(data) == 0 {
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue = append(s.queue, buf)
}

// Pending returns the number of queued bytes not yet sent.
func (s *Socket) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := -s.sentOff
	for _, b := range s.queue {
		n += len(b)
	}
	return n
}

// Flush sends queued data. It returns (false, nil) when the kernel accepted
// only part of the queue and the rest should be retried later, (true, nil)
// once the queue is empty and an error when the send failed.
func (s *Socket) Flush() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrClosed
	}
	if len(s.queue) > 0 && s.flushStart.IsZero() {
		s.flushStart = time.Now()
		s.flushBytes = 0
	}
	for len(s.queue) > 0 {
		head := s.queue[0][s.sentOff:]
		n, err := unix.Write(s.fd, head)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return false, nil
		}
		if err != nil {
			return false, errors.Wrap(err, "send")
		}
		if n == 0 {
			return false, ErrConnFailed
		}
		s.flushBytes += n
		if n < len(head) {
			s.sentOff += n
			return false, nil
		}
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.sentOff = 0
	}
	if !s.flushStart.IsZero() {
		s.uploadRate = rate(s.flushBytes, s.flushStart)
		s.flushStart = time.Time{}
	}
	return true, nil
}

// NetworkRead pulls at most one segment from the socket into the read buffer.
// It returns the number of bytes read; 0 with a nil error means nothing was
// ready. A peer that closed the connection yields ErrConnFailed.
func (s *Socket) NetworkRead() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}
	buf := make([]byte, MaxSegmentSize)
	n, err := unix.Read(s.fd, buf)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "recv")
	}
	if n == 0 {
		return 0, ErrConnFailed
	}
	if s.readStart.IsZero() {
		s.readStart = time.Now()
	}
	s.readBytes += n
	s.downloadRate = rate(s.readBytes, s.readStart)
	s.rbuf = append(s.rbuf, buf[:n]...)
	return n, nil
}

// Buffered returns the number of bytes waiting in the read buffer.
func (s *Socket) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.rbuf)
}

// Read consumes exactly n bytes from the read buffer, or returns
// ErrNotEnoughData and consumes nothing.
func (s *Socket) Read(n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.rbuf) < n {
		return nil, ErrNotEnoughData
	}
	out := make([]byte, n)
	copy(out, s.rbuf)
	rest := copy(s.rbuf, s.rbuf[n:])
	s.rbuf = s.rbuf[:rest]
	return out, nil
}

// Rates returns the last upload and the running download estimate in bytes
// per millisecond.
func (s *Socket) Rates() (upload, download float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.uploadRate, s.downloadRate
}

// Close releases the descriptor. Calling it again is a no-op.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.queue = nil
	return unix.Close(s.fd)
}

func rate(bytes int, since time.Time) float64 {
	ms := time.Since(since).Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return float64(bytes) / float64(ms)
}
