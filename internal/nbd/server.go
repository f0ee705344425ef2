package nbd

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bamsammich/sdsync/internal/blockdev"
	"github.com/bamsammich/sdsync/internal/metrics"
)

// DefaultExportName is advertised by LIST and accepted alongside the empty
// name.
const DefaultExportName = "sdsync"

// Server exports one Translator.
type Server struct {
	tr         *blockdev.Translator
	exportName string
	readOnly   bool
	drain      time.Duration

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithExportName sets the export name clients must request.
func WithExportName(name string) Option {
	return func(s *Server) { s.exportName = name }
}

// WithReadOnly rejects writes with EPERM and advertises the read-only flag.
func WithReadOnly(ro bool) Option {
	return func(s *Server) { s.readOnly = ro }
}

// WithDrainTimeout bounds how long Serve waits for attached clients after
// its context is cancelled.
func WithDrainTimeout(d time.Duration) Option {
	return func(s *Server) { s.drain = d }
}

func NewServer(tr *blockdev.Translator, opts ...Option) *Server {
	s := &Server{
		tr:         tr,
		exportName: DefaultExportName,
		drain:      30 * time.Second,
		conns:      make(map[net.Conn]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Server) transmissionFlags() uint16 {
	f := flagHasFlags | flagSendFlush
	if s.readOnly {
		f |= flagReadOnly
	}
	return f
}

// Serve accepts connections on ln until ctx is cancelled. Blocks until every
// connection has finished.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	slog.Info("nbd server listening", "addr", ln.Addr(), "export", s.exportName,
		"size", s.tr.Size(), "read_only", s.readOnly)

	var wg sync.WaitGroup

	go func() {
		<-ctx.Done()
		ln.Close()

		time.AfterFunc(s.drain, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for conn := range s.conns {
				conn.Close()
			}
		})
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			slog.Error("accept error", "error", err)
			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		wg.Go(func() {
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
			}()
			remote := conn.RemoteAddr().String()
			if err := s.ServeConn(ctx, conn); err != nil {
				slog.Warn("nbd connection ended", "remote", remote, "error", err)
				return
			}
			slog.Info("nbd client disconnected", "remote", remote)
		})
	}

	wg.Wait()
	return nil
}

// ServeConn runs negotiation and transmission on one connection and closes
// it when done. A clean disconnect or abort returns nil.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	noZeroes, err := s.handshake(conn)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	for {
		opt, err := readOption(conn)
		if err != nil {
			return fmt.Errorf("read option: %w", err)
		}

		switch opt.code {
		case optExportName:
			if !s.knownExport(string(opt.data)) {
				// No error reply exists for EXPORT_NAME; the only answer is
				// to hang up.
				return fmt.Errorf("unknown export %q", opt.data)
			}
			if err := s.writeExportNameReply(conn, noZeroes); err != nil {
				return err
			}
			return s.transmit(ctx, conn)

		case optAbort:
			_ = writeOptionReply(conn, opt.code, repAck, nil)
			return nil

		case optList:
			if err := s.replyList(conn); err != nil {
				return err
			}

		case optInfo, optGo:
			ok, err := s.replyInfo(conn, opt)
			if err != nil {
				return err
			}
			if ok && opt.code == optGo {
				return s.transmit(ctx, conn)
			}

		default:
			if err := writeOptionReply(conn, opt.code, repErrUnsup, nil); err != nil {
				return err
			}
		}
	}
}

func (s *Server) knownExport(name string) bool {
	return name == "" || name == s.exportName
}

func (s *Server) handshake(conn net.Conn) (bool, error) {
	var hello [18]byte
	binary.BigEndian.PutUint64(hello[0:8], nbdMagic)
	binary.BigEndian.PutUint64(hello[8:16], optMagic)
	binary.BigEndian.PutUint16(hello[16:18], flagFixedNewstyle|flagNoZeroes)
	if _, err := conn.Write(hello[:]); err != nil {
		return false, err
	}

	var cf [4]byte
	if _, err := io.ReadFull(conn, cf[:]); err != nil {
		return false, err
	}
	flags := binary.BigEndian.Uint32(cf[:])
	if flags&clientFlagFixedNewstyle == 0 {
		return false, errors.New("client does not support fixed newstyle negotiation")
	}
	return flags&clientFlagNoZeroes != 0, nil
}

func (s *Server) writeExportNameReply(conn net.Conn, noZeroes bool) error {
	n := 10
	if !noZeroes {
		n += 124
	}
	buf := make([]byte, n)
	binary.BigEndian.PutUint64(buf[0:8], s.tr.Size())
	binary.BigEndian.PutUint16(buf[8:10], s.transmissionFlags())
	_, err := conn.Write(buf)
	return err
}

//nolint:gosec // G115: export names are short
func (s *Server) replyList(conn net.Conn) error {
	data := make([]byte, 4+len(s.exportName))
	binary.BigEndian.PutUint32(data[0:4], uint32(len(s.exportName)))
	copy(data[4:], s.exportName)
	if err := writeOptionReply(conn, optList, repServer, data); err != nil {
		return err
	}
	return writeOptionReply(conn, optList, repAck, nil)
}

// replyInfo answers INFO and GO. It reports whether the export was accepted.
func (s *Server) replyInfo(conn net.Conn, opt option) (bool, error) {
	name, err := parseInfoRequest(opt.data)
	if err != nil {
		return false, writeOptionReply(conn, opt.code, repErrInvalid, []byte(err.Error()))
	}
	if !s.knownExport(name) {
		return false, writeOptionReply(conn, opt.code, repErrUnknown, nil)
	}
	if err := writeOptionReply(conn, opt.code, repInfo, exportInfo(s.tr.Size(), s.transmissionFlags())); err != nil {
		return false, err
	}
	if err := writeOptionReply(conn, opt.code, repInfo, blockSizeInfo(s.tr.SectorSize())); err != nil {
		return false, err
	}
	return true, writeOptionReply(conn, opt.code, repAck, nil)
}

func (s *Server) transmit(ctx context.Context, conn net.Conn) error {
	metrics.ClientAttached(1)
	defer metrics.ClientAttached(-1)
	slog.Info("nbd client attached", "remote", conn.RemoteAddr().String())

	for {
		if ctx.Err() != nil {
			return nil
		}
		req, err := readRequest(conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}

		if req.cmd == cmdDisc {
			return nil
		}

		start := time.Now()
		data, errno, err := s.handle(conn, req)
		if err != nil {
			return err
		}
		metrics.RecordBlockRequest(commandName(req.cmd), len(data)+writeLen(req), time.Since(start), errno == 0)
		if err := writeSimpleReply(conn, req.handle, errno, data); err != nil {
			return fmt.Errorf("write reply: %w", err)
		}
	}
}

func writeLen(req request) int {
	if req.cmd == cmdWrite {
		return int(req.length)
	}
	return 0
}

// handle executes one request. A non-nil error means the connection can no
// longer be trusted and must be dropped.
func (s *Server) handle(conn net.Conn, req request) ([]byte, uint32, error) {
	switch req.cmd {
	case cmdRead:
		if req.length > MaxRequestSize {
			return nil, errInval, nil
		}
		sector, off, ok := s.split(req.offset)
		if !ok {
			return nil, errInval, nil
		}
		buf := make([]byte, req.length)
		if _, err := s.tr.Read(sector, off, buf); err != nil {
			return nil, s.errno(err), nil
		}
		return buf, 0, nil

	case cmdWrite:
		if req.length > MaxRequestSize {
			if _, err := io.CopyN(io.Discard, conn, int64(req.length)); err != nil {
				return nil, 0, fmt.Errorf("drain write payload: %w", err)
			}
			return nil, errInval, nil
		}
		buf := make([]byte, req.length)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return nil, 0, fmt.Errorf("read write payload: %w", err)
		}
		if s.readOnly {
			return nil, errPerm, nil
		}
		sector, off, ok := s.split(req.offset)
		if !ok {
			return nil, errInval, nil
		}
		if _, err := s.tr.Write(sector, off, buf); err != nil {
			return nil, s.errno(err), nil
		}
		return nil, 0, nil

	case cmdFlush:
		if err := s.tr.Sync(); err != nil {
			return nil, s.errno(err), nil
		}
		return nil, 0, nil

	default:
		return nil, errInval, nil
	}
}

// split turns a byte offset into a sector index and in-sector offset.
//
//nolint:gosec // G115: both values are range-checked
func (s *Server) split(offset uint64) (uint32, uint32, bool) {
	ss := uint64(s.tr.SectorSize())
	sector := offset / ss
	if sector > math.MaxUint32 {
		return 0, 0, false
	}
	return uint32(sector), uint32(offset % ss), true
}

func (s *Server) errno(err error) uint32 {
	switch {
	case errors.Is(err, blockdev.ErrOutOfRange):
		return errInval
	case errors.Is(err, os.ErrPermission):
		return errPerm
	default:
		slog.Warn("block request failed", "error", err)
		return errIO
	}
}
