package poolclient

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"golang.org/x/time/rate"

	"github.com/appyard/appyard/auth"
	"github.com/appyard/appyard/pool"
	"github.com/appyard/appyard/poolserver"
	"github.com/appyard/appyard/spawn"
	"github.com/appyard/appyard/worker"
)

const serverName = "pool-test"

type fixture struct {
	mock   *spawn.Mock
	pool   *pool.StandardPool
	server *poolserver.Server
	signer auth.Signer
}

func newFixture(t *testing.T, poolOpts []pool.Opt, servOpts ...poolserver.Opt) *fixture {
	t.Helper()

	pub, priv, err := auth.GenKeypair()
	assert.NoError(t, err)
	signer, err := auth.NewSigner(priv)
	assert.NoError(t, err)
	verifier, err := auth.NewVerifier(pub, serverName, 30*time.Second)
	assert.NoError(t, err)

	mock := spawn.NewMock(t.TempDir())
	p := pool.NewStandard(mock, poolOpts...)

	sock := filepath.Join(t.TempDir(), "pool.sock")
	servOpts = append([]poolserver.Opt{poolserver.Verifier(verifier)}, servOpts...)
	srv, err := poolserver.New(p, sock, servOpts...)
	assert.NoError(t, err)
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })

	return &fixture{mock: mock, pool: p, server: srv, signer: signer}
}

func (f *fixture) dial(t *testing.T) *Client {
	t.Helper()
	c, err := Dial(f.server.SocketPath(), Auth(f.signer, serverName))
	assert.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestGetOverSocket(t *testing.T) {
	f := newFixture(t, nil)
	c := f.dial(t)

	sess, err := c.Get(context.Background(), pool.NewOptions("/srv/a"))
	assert.NoError(t, err)

	assert.Equal(t, 1, c.Active())
	assert.Equal(t, 1, c.Count())

	headers := worker.EncodeHeaders([]worker.Header{
		{Name: "REQUEST_METHOD", Value: "GET"},
		{Name: "REQUEST_URI", Value: "/"},
	})
	assert.NoError(t, sess.SendHeaders(headers))
	assert.NoError(t, sess.SendBodyBlock([]byte("payload")))
	assert.NoError(t, sess.ShutdownWriter())

	out, err := io.ReadAll(sess.Stream())
	assert.NoError(t, err)
	assert.Equal(t, "hello world from /srv/a", string(out))

	assert.NoError(t, sess.Close())
	assert.Equal(t, 0, c.Active())
	assert.Equal(t, 1, c.Count())
}

func TestSequentialGetsShareWorker(t *testing.T) {
	f := newFixture(t, nil)
	c := f.dial(t)

	sess, err := c.Get(context.Background(), pool.NewOptions("/srv/a"))
	assert.NoError(t, err)
	pid := sess.Pid()
	assert.NoError(t, sess.Close())

	sess, err = c.Get(context.Background(), pool.NewOptions("/srv/a"))
	assert.NoError(t, err)
	assert.Equal(t, pid, sess.Pid())
	assert.NoError(t, sess.Close())

	assert.Equal(t, 1, f.mock.SpawnCount())
}

func TestAdminCommands(t *testing.T) {
	f := newFixture(t, nil)
	c := f.dial(t)

	assert.NoError(t, c.SetMax(3))
	assert.NoError(t, c.SetMaxPerApp(2))
	assert.NoError(t, c.SetMaxIdleTime(30*time.Second))
	assert.Equal(t, f.mock.Pid(), c.SpawnServerPid())

	sess, err := c.Get(context.Background(), pool.NewOptions("/srv/a"))
	assert.NoError(t, err)
	assert.NoError(t, sess.Close())
	assert.Equal(t, 1, c.Count())

	assert.NoError(t, c.Clear())
	assert.Equal(t, 0, c.Count())
	assert.Equal(t, 0, c.Active())
}

func TestSpawnErrorCrossesTheWire(t *testing.T) {
	f := newFixture(t, nil)
	c := f.dial(t)

	f.mock.FailNext(&spawn.Error{
		Message:   "could not load application",
		ErrorPage: "<html>\n\nit broke\n</html>",
	})

	_, err := c.Get(context.Background(), pool.NewOptions("/srv/a"))
	assert.Error(t, err)

	var serr *spawn.Error
	assert.True(t, errors.As(err, &serr))
	assert.Equal(t, "could not load application", serr.Message)
	assert.Equal(t, "<html>\n\nit broke\n</html>", serr.ErrorPage)
}

func TestBusyWhenPoolSaturated(t *testing.T) {
	f := newFixture(t, []pool.Opt{pool.Max(1), pool.GetTimeout(150 * time.Millisecond)})
	c := f.dial(t)

	sess, err := c.Get(context.Background(), pool.NewOptions("/srv/a"))
	assert.NoError(t, err)
	defer sess.Close()

	_, err = c.Get(context.Background(), pool.NewOptions("/srv/b"))
	assert.True(t, errors.Is(err, pool.ErrBusy))
}

func TestBusyWhenRateLimited(t *testing.T) {
	f := newFixture(t, nil, poolserver.Limit(rate.Limit(0), 1))
	c := f.dial(t)

	sess, err := c.Get(context.Background(), pool.NewOptions("/srv/a"))
	assert.NoError(t, err)
	assert.NoError(t, sess.Close())

	_, err = c.Get(context.Background(), pool.NewOptions("/srv/a"))
	assert.True(t, errors.Is(err, pool.ErrBusy))
}

func TestAuthRejected(t *testing.T) {
	f := newFixture(t, nil)

	_, badPriv, err := auth.GenKeypair()
	assert.NoError(t, err)
	badSigner, err := auth.NewSigner(badPriv)
	assert.NoError(t, err)

	_, err = Dial(f.server.SocketPath(), Auth(badSigner, serverName))
	assert.Error(t, err)

	// the right key still works
	c := f.dial(t)
	assert.Equal(t, 0, c.Count())
}

func TestDisconnectReleasesSessions(t *testing.T) {
	f := newFixture(t, nil)
	c := f.dial(t)

	_, err := c.Get(context.Background(), pool.NewOptions("/srv/a"))
	assert.NoError(t, err)
	assert.Equal(t, 1, f.pool.Active())

	assert.NoError(t, c.Close())

	deadline := time.Now().Add(5 * time.Second)
	for f.pool.Active() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 0, f.pool.Active())
	assert.Equal(t, 1, f.pool.Count())
}

func TestTwoClientsShareOnePool(t *testing.T) {
	f := newFixture(t, nil)
	c1 := f.dial(t)
	c2 := f.dial(t)

	s1, err := c1.Get(context.Background(), pool.NewOptions("/srv/a"))
	assert.NoError(t, err)
	s2, err := c2.Get(context.Background(), pool.NewOptions("/srv/a"))
	assert.NoError(t, err)

	assert.Equal(t, 2, c1.Active())
	assert.Equal(t, 2, c2.Count())

	assert.NoError(t, s1.Close())
	assert.NoError(t, s2.Close())
	assert.Equal(t, 0, c1.Active())
}
