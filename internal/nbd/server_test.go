package nbd

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/sdsync/internal/blockdev"
)

const (
	testSectorSize = 512
	testSectors    = 64
)

type testClient struct {
	t    *testing.T
	conn net.Conn
}

func startServer(t *testing.T, opts ...Option) (*testClient, *blockdev.MemoryMedium, <-chan error) {
	t.Helper()
	m := blockdev.NewMemoryMedium(testSectorSize, testSectors)
	tr, err := blockdev.NewTranslator(m)
	require.NoError(t, err)

	srv := NewServer(tr, opts...)
	serverConn, clientConn := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- srv.ServeConn(context.Background(), serverConn) }()
	t.Cleanup(func() { clientConn.Close() })

	return &testClient{t: t, conn: clientConn}, m, done
}

func (c *testClient) read(n int) []byte {
	c.t.Helper()
	buf := make([]byte, n)
	_, err := io.ReadFull(c.conn, buf)
	require.NoError(c.t, err)
	return buf
}

func (c *testClient) write(b []byte) {
	c.t.Helper()
	_, err := c.conn.Write(b)
	require.NoError(c.t, err)
}

func (c *testClient) hello(clientFlags uint32) {
	c.t.Helper()
	h := c.read(18)
	assert.Equal(c.t, nbdMagic, binary.BigEndian.Uint64(h[0:8]))
	assert.Equal(c.t, optMagic, binary.BigEndian.Uint64(h[8:16]))
	assert.Equal(c.t, flagFixedNewstyle|flagNoZeroes, binary.BigEndian.Uint16(h[16:18]))

	var cf [4]byte
	binary.BigEndian.PutUint32(cf[:], clientFlags)
	c.write(cf[:])
}

func (c *testClient) option(code uint32, data []byte) {
	c.t.Helper()
	buf := make([]byte, 16+len(data))
	binary.BigEndian.PutUint64(buf[0:8], optMagic)
	binary.BigEndian.PutUint32(buf[8:12], code)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(data)))
	copy(buf[16:], data)
	c.write(buf)
}

func infoPayload(name string) []byte {
	buf := make([]byte, 6+len(name))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(name)))
	copy(buf[4:], name)
	return buf
}

type optReply struct {
	opt  uint32
	typ  uint32
	data []byte
}

func (c *testClient) optionReply() optReply {
	c.t.Helper()
	h := c.read(20)
	require.Equal(c.t, replyMagic, binary.BigEndian.Uint64(h[0:8]))
	r := optReply{
		opt: binary.BigEndian.Uint32(h[8:12]),
		typ: binary.BigEndian.Uint32(h[12:16]),
	}
	if n := binary.BigEndian.Uint32(h[16:20]); n > 0 {
		r.data = c.read(int(n))
	}
	return r
}

// negotiate completes GO for the default export and returns the advertised
// size and flags.
func (c *testClient) negotiate() (uint64, uint16) {
	c.t.Helper()
	c.hello(clientFlagFixedNewstyle | clientFlagNoZeroes)
	c.option(optGo, infoPayload(""))

	exp := c.optionReply()
	require.Equal(c.t, repInfo, exp.typ)
	require.Len(c.t, exp.data, 12)
	assert.Equal(c.t, infoExport, binary.BigEndian.Uint16(exp.data[0:2]))

	bs := c.optionReply()
	require.Equal(c.t, repInfo, bs.typ)
	assert.Equal(c.t, infoBlockSize, binary.BigEndian.Uint16(bs.data[0:2]))
	assert.Equal(c.t, uint32(testSectorSize), binary.BigEndian.Uint32(bs.data[6:10]))

	ack := c.optionReply()
	require.Equal(c.t, repAck, ack.typ)

	return binary.BigEndian.Uint64(exp.data[2:10]), binary.BigEndian.Uint16(exp.data[10:12])
}

func (c *testClient) request(cmd uint16, handle, offset uint64, length uint32, payload []byte) {
	c.t.Helper()
	buf := make([]byte, 28+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], requestMagic)
	binary.BigEndian.PutUint16(buf[6:8], cmd)
	binary.BigEndian.PutUint64(buf[8:16], handle)
	binary.BigEndian.PutUint64(buf[16:24], offset)
	binary.BigEndian.PutUint32(buf[24:28], length)
	copy(buf[28:], payload)
	c.write(buf)
}

// reply reads a simple reply carrying dataLen bytes on success.
func (c *testClient) reply(handle uint64, dataLen int) (uint32, []byte) {
	c.t.Helper()
	h := c.read(16)
	require.Equal(c.t, simpleReplyMagic, binary.BigEndian.Uint32(h[0:4]))
	require.Equal(c.t, handle, binary.BigEndian.Uint64(h[8:16]))
	errno := binary.BigEndian.Uint32(h[4:8])
	if errno != 0 || dataLen == 0 {
		return errno, nil
	}
	return errno, c.read(dataLen)
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("server did not finish")
		return nil
	}
}

func TestGoReadWriteFlush(t *testing.T) {
	c, m, done := startServer(t)
	size, flags := c.negotiate()
	assert.Equal(t, uint64(testSectorSize*testSectors), size)
	assert.Equal(t, flagHasFlags|flagSendFlush, flags)

	payload := bytes.Repeat([]byte{0xab, 0xcd, 0xef}, 333)
	c.request(cmdWrite, 1, 700, uint32(len(payload)), payload)
	errno, _ := c.reply(1, 0)
	require.Zero(t, errno)
	assert.Equal(t, payload, m.Bytes()[700:700+len(payload)])

	c.request(cmdRead, 2, 700, uint32(len(payload)), nil)
	errno, got := c.reply(2, len(payload))
	require.Zero(t, errno)
	assert.Equal(t, payload, got)

	c.request(cmdFlush, 3, 0, 0, nil)
	errno, _ = c.reply(3, 0)
	assert.Zero(t, errno)

	c.request(cmdDisc, 4, 0, 0, nil)
	assert.NoError(t, waitDone(t, done))
}

func TestOutOfRangeLeavesMediumUntouched(t *testing.T) {
	c, m, done := startServer(t)
	c.negotiate()
	before := append([]byte(nil), m.Bytes()...)

	end := uint64(testSectorSize * testSectors)
	c.request(cmdWrite, 7, end-10, 20, make([]byte, 20))
	errno, _ := c.reply(7, 0)
	assert.Equal(t, errInval, errno)

	c.request(cmdRead, 8, end, 1, nil)
	errno, _ = c.reply(8, 1)
	assert.Equal(t, errInval, errno)

	assert.Equal(t, before, m.Bytes())
	c.request(cmdDisc, 9, 0, 0, nil)
	assert.NoError(t, waitDone(t, done))
}

func TestReadOnlyRejectsWrites(t *testing.T) {
	c, m, done := startServer(t, WithReadOnly(true))
	_, flags := c.negotiate()
	assert.NotZero(t, flags&flagReadOnly)

	c.request(cmdWrite, 1, 0, 4, []byte("abcd"))
	errno, _ := c.reply(1, 0)
	assert.Equal(t, errPerm, errno)
	assert.Equal(t, make([]byte, 4), m.Bytes()[:4])

	// The payload was consumed, so the stream is still in sync.
	c.request(cmdRead, 2, 0, 4, nil)
	errno, got := c.reply(2, 4)
	require.Zero(t, errno)
	assert.Equal(t, make([]byte, 4), got)

	c.request(cmdDisc, 3, 0, 0, nil)
	assert.NoError(t, waitDone(t, done))
}

func TestExportNameWithZeroes(t *testing.T) {
	c, _, done := startServer(t)
	c.hello(clientFlagFixedNewstyle)
	c.option(optExportName, nil)

	r := c.read(10 + 124)
	assert.Equal(t, uint64(testSectorSize*testSectors), binary.BigEndian.Uint64(r[0:8]))
	assert.Equal(t, make([]byte, 124), r[10:])

	c.request(cmdDisc, 1, 0, 0, nil)
	assert.NoError(t, waitDone(t, done))
}

func TestListAndUnknownOptions(t *testing.T) {
	c, _, done := startServer(t, WithExportName("card"))
	c.hello(clientFlagFixedNewstyle | clientFlagNoZeroes)

	c.option(optList, nil)
	srv := c.optionReply()
	require.Equal(t, repServer, srv.typ)
	assert.Equal(t, "card", string(srv.data[4:]))
	assert.Equal(t, repAck, c.optionReply().typ)

	c.option(5, nil) // STARTTLS
	assert.Equal(t, repErrUnsup, c.optionReply().typ)

	c.option(optInfo, infoPayload("other"))
	assert.Equal(t, repErrUnknown, c.optionReply().typ)

	c.option(optInfo, []byte{0, 0})
	assert.Equal(t, repErrInvalid, c.optionReply().typ)

	c.option(optAbort, nil)
	assert.Equal(t, repAck, c.optionReply().typ)
	assert.NoError(t, waitDone(t, done))
}

func TestRejectsUnfixedClient(t *testing.T) {
	c, _, done := startServer(t)
	c.hello(0)
	assert.Error(t, waitDone(t, done))
}

func TestServeStopsOnCancel(t *testing.T) {
	tr, err := blockdev.NewTranslator(blockdev.NewMemoryMedium(testSectorSize, testSectors))
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(tr, WithDrainTimeout(10*time.Millisecond)).Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	c := &testClient{t: t, conn: conn}
	c.negotiate()

	cancel()
	assert.NoError(t, waitDone(t, done))
	conn.Close()
}
