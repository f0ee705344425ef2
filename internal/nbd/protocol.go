// Package nbd exports a block device to a host over the NBD fixed-newstyle
// protocol. Every request is served through a blockdev.Translator.
package nbd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	nbdMagic   uint64 = 0x4e42444d41474943 // "NBDMAGIC"
	optMagic   uint64 = 0x49484156454f5054 // "IHAVEOPT"
	replyMagic uint64 = 0x3e889045565a9

	requestMagic     uint32 = 0x25609513
	simpleReplyMagic uint32 = 0x67446698
)

// Handshake flags.
const (
	flagFixedNewstyle uint16 = 1 << 0
	flagNoZeroes      uint16 = 1 << 1

	clientFlagFixedNewstyle uint32 = 1 << 0
	clientFlagNoZeroes      uint32 = 1 << 1
)

// Transmission flags.
const (
	flagHasFlags  uint16 = 1 << 0
	flagReadOnly  uint16 = 1 << 1
	flagSendFlush uint16 = 1 << 2
)

// Option types.
const (
	optExportName uint32 = 1
	optAbort      uint32 = 2
	optList       uint32 = 3
	optInfo       uint32 = 6
	optGo         uint32 = 7
)

// Option reply types.
const (
	repAck        uint32 = 1
	repServer     uint32 = 2
	repInfo       uint32 = 3
	repErrUnsup   uint32 = 1<<31 + 1
	repErrInvalid uint32 = 1<<31 + 3
	repErrUnknown uint32 = 1<<31 + 6
)

// Info types carried in repInfo replies.
const (
	infoExport    uint16 = 0
	infoBlockSize uint16 = 3
)

// Commands.
const (
	cmdRead  uint16 = 0
	cmdWrite uint16 = 1
	cmdDisc  uint16 = 2
	cmdFlush uint16 = 3
)

// Errno values sent in simple replies.
const (
	errPerm  uint32 = 1
	errIO    uint32 = 5
	errInval uint32 = 22
)

const (
	// MaxRequestSize bounds the payload of a single READ or WRITE.
	MaxRequestSize = 32 << 20

	maxOptionSize = 64 << 10
)

var (
	// ErrBadMagic is returned when a peer sends an unexpected magic number.
	ErrBadMagic = errors.New("bad magic")

	// ErrAborted is returned when the client aborts negotiation.
	ErrAborted = errors.New("client aborted negotiation")
)

func commandName(cmd uint16) string {
	switch cmd {
	case cmdRead:
		return "read"
	case cmdWrite:
		return "write"
	case cmdDisc:
		return "disconnect"
	case cmdFlush:
		return "flush"
	default:
		return "unknown"
	}
}

type option struct {
	code uint32
	data []byte
}

func readOption(r io.Reader) (option, error) {
	var hdr [16]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return option{}, err
	}
	if m := binary.BigEndian.Uint64(hdr[0:8]); m != optMagic {
		return option{}, fmt.Errorf("%w: option %#x", ErrBadMagic, m)
	}
	o := option{code: binary.BigEndian.Uint32(hdr[8:12])}
	n := binary.BigEndian.Uint32(hdr[12:16])
	if n > maxOptionSize {
		return option{}, fmt.Errorf("option %d too large: %d bytes", o.code, n)
	}
	o.data = make([]byte, n)
	if _, err := io.ReadFull(r, o.data); err != nil {
		return option{}, err
	}
	return o, nil
}

// writeOptionReply writes header and payload in one call.
//
//nolint:gosec // G115: payload length bounded by maxOptionSize
func writeOptionReply(w io.Writer, opt, typ uint32, data []byte) error {
	buf := make([]byte, 20+len(data))
	binary.BigEndian.PutUint64(buf[0:8], replyMagic)
	binary.BigEndian.PutUint32(buf[8:12], opt)
	binary.BigEndian.PutUint32(buf[12:16], typ)
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(data)))
	copy(buf[20:], data)
	_, err := w.Write(buf)
	return err
}

type request struct {
	flags  uint16
	cmd    uint16
	handle uint64
	offset uint64
	length uint32
}

func readRequest(r io.Reader) (request, error) {
	var hdr [28]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return request{}, err
	}
	if m := binary.BigEndian.Uint32(hdr[0:4]); m != requestMagic {
		return request{}, fmt.Errorf("%w: request %#x", ErrBadMagic, m)
	}
	return request{
		flags:  binary.BigEndian.Uint16(hdr[4:6]),
		cmd:    binary.BigEndian.Uint16(hdr[6:8]),
		handle: binary.BigEndian.Uint64(hdr[8:16]),
		offset: binary.BigEndian.Uint64(hdr[16:24]),
		length: binary.BigEndian.Uint32(hdr[24:28]),
	}, nil
}

// writeSimpleReply writes a reply header followed by data. data is sent only
// when errno is zero.
func writeSimpleReply(w io.Writer, handle uint64, errno uint32, data []byte) error {
	if errno != 0 {
		data = nil
	}
	buf := make([]byte, 16+len(data))
	binary.BigEndian.PutUint32(buf[0:4], simpleReplyMagic)
	binary.BigEndian.PutUint32(buf[4:8], errno)
	binary.BigEndian.PutUint64(buf[8:16], handle)
	copy(buf[16:], data)
	_, err := w.Write(buf)
	return err
}

// parseInfoRequest decodes the payload of INFO and GO options: a
// length-prefixed export name followed by requested info types.
func parseInfoRequest(data []byte) (string, error) {
	if len(data) < 6 {
		return "", errors.New("short info request")
	}
	n := binary.BigEndian.Uint32(data[0:4])
	if uint64(n)+6 > uint64(len(data)) {
		return "", errors.New("info request name overruns payload")
	}
	name := string(data[4 : 4+n])
	count := binary.BigEndian.Uint16(data[4+n : 6+n])
	if len(data) != int(6+n)+2*int(count) {
		return "", errors.New("info request length mismatch")
	}
	return name, nil
}

func exportInfo(size uint64, flags uint16) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint16(buf[0:2], infoExport)
	binary.BigEndian.PutUint64(buf[2:10], size)
	binary.BigEndian.PutUint16(buf[10:12], flags)
	return buf
}

//nolint:gosec // G115: sector sizes are small powers of two
func blockSizeInfo(sectorSize int) []byte {
	buf := make([]byte, 14)
	binary.BigEndian.PutUint16(buf[0:2], infoBlockSize)
	binary.BigEndian.PutUint32(buf[2:6], 1)
	binary.BigEndian.PutUint32(buf[6:10], uint32(sectorSize))
	binary.BigEndian.PutUint32(buf[10:14], MaxRequestSize)
	return buf
}
