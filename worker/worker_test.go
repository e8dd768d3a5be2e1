package worker

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/alecthomas/assert/v2"
)

// serveOnce accepts a single session: it reads the header blob, drains the
// body until the client half-closes, then writes resp and closes.
func serveOnce(t *testing.T, ln net.Listener, gotHeaders *[]byte, resp string) {
	t.Helper()
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	var prefix [4]byte
	if _, err := io.ReadFull(conn, prefix[:]); err != nil {
		return
	}
	blob := make([]byte, binary.BigEndian.Uint32(prefix[:]))
	if _, err := io.ReadFull(conn, blob); err != nil {
		return
	}
	*gotHeaders = blob

	io.Copy(io.Discard, conn)
	conn.Write([]byte(resp))
}

func listen(t *testing.T) (net.Listener, string) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "worker.sock")
	ln, err := net.Listen("unix", sock)
	assert.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln, sock
}

func TestSessionRoundTrip(t *testing.T) {
	ln, sock := listen(t)

	var gotHeaders []byte
	done := make(chan struct{})
	go func() {
		defer close(done)
		serveOnce(t, ln, &gotHeaders, "hello world")
	}()

	w := New(42, "/srv/app", sock, nil)
	assert.Equal(t, 42, w.Pid())
	assert.Equal(t, "/srv/app", w.AppRoot())

	var released atomic.Int32
	sess, err := w.Connect(func() { released.Add(1) })
	assert.NoError(t, err)
	assert.Equal(t, 42, sess.Pid())

	headers := EncodeHeaders([]Header{
		{"REQUEST_METHOD", "GET"},
		{"REQUEST_URI", "/foo/new"},
	})
	assert.NoError(t, sess.SendHeaders(headers))
	assert.NoError(t, sess.SendBodyBlock([]byte("body data")))
	assert.NoError(t, sess.ShutdownWriter())

	out, err := io.ReadAll(sess.Stream())
	assert.NoError(t, err)
	assert.Equal(t, "hello world", string(out))

	<-done
	assert.Equal(t, string(headers), string(gotHeaders))

	assert.NoError(t, sess.Close())
	assert.NoError(t, sess.Close())
	assert.Equal(t, int32(1), released.Load())

	// the session rejects writes after close
	assert.Error(t, sess.SendBodyBlock([]byte("late")))
}

func TestConnectDeadWorker(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "gone.sock")
	w := New(7, "/srv/app", sock, nil)
	_, err := w.Connect(nil)
	assert.Error(t, err)
}

func TestShutdownOnce(t *testing.T) {
	var calls atomic.Int32
	w := New(7, "/srv/app", "unused", func() error {
		calls.Add(1)
		return nil
	})
	assert.NoError(t, w.Shutdown())
	assert.NoError(t, w.Shutdown())
	assert.Equal(t, int32(1), calls.Load())
}

func TestReaderTimeout(t *testing.T) {
	ln, sock := listen(t)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		// hold the connection open without writing
		defer conn.Close()
		io.Copy(io.Discard, conn)
	}()

	w := New(1, "/srv/app", sock, nil)
	sess, err := w.Connect(nil)
	assert.NoError(t, err)
	defer sess.Close()

	assert.NoError(t, sess.SetReaderTimeout(50))
	buf := make([]byte, 1)
	_, err = sess.Stream().Read(buf)
	nerr, ok := err.(net.Error)
	assert.True(t, ok)
	assert.True(t, nerr.Timeout())
}

func TestEncodeHeaders(t *testing.T) {
	buf := EncodeHeaders([]Header{
		{"HTTP_HOST", "www.test.com"},
		{"QUERY_STRING", ""},
	})

	want := bytes.Join([][]byte{
		[]byte("HTTP_HOST"), []byte("www.test.com"),
		[]byte("QUERY_STRING"), []byte(""),
		[]byte("_"), []byte("_"),
		nil,
	}, []byte{0})
	assert.Equal(t, string(want), string(buf))
}

func TestEncodeHeadersEmpty(t *testing.T) {
	assert.Equal(t, "_\x00_\x00", string(EncodeHeaders(nil)))
}
