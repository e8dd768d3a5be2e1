package poolserver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/appyard/appyard/pool"
	"github.com/appyard/appyard/wire"
)

// handleConn runs the sequential command loop for one client connection.
// Sessions handed out on this connection that are still open when it
// drops are released.
func (s *Server) handleConn(uc *net.UnixConn) {
	wc := wire.New(uc)
	defer wc.Close()

	sessions := make(map[string]pool.Session)
	defer func() {
		for sid, sess := range sessions {
			log.Printf("server: releasing orphaned session %s", sid)
			sess.Close()
		}
	}()

	if s.verifier != nil {
		if err := s.authenticate(wc); err != nil {
			log.Printf("server: auth: %v", err)
			return
		}
	}

	for {
		frame, err := wc.ReadFrame()
		if err != nil {
			return
		}
		if len(frame) == 0 {
			continue
		}

		if err := s.dispatch(wc, sessions, frame); err != nil {
			log.Printf("server: %s: %v", frame[0], err)
			return
		}
	}
}

func (s *Server) authenticate(wc *wire.Conn) error {
	frame, err := wc.ReadFrame()
	if err != nil {
		return err
	}
	if len(frame) != 2 || frame[0] != "auth" {
		writeError(wc, &wire.RemoteError{Kind: wire.KindAuth, Message: "auth required"})
		return fmt.Errorf("expected auth frame")
	}
	if err := s.verifier(time.Now(), frame[1]); err != nil {
		writeError(wc, &wire.RemoteError{Kind: wire.KindAuth, Message: "authentication failed"})
		return err
	}
	return wc.WriteFrame("ok")
}

// dispatch handles one command frame. A returned error tears the
// connection down; per-command failures are reported in-band.
func (s *Server) dispatch(wc *wire.Conn, sessions map[string]pool.Session, frame []string) error {
	cmd, args := frame[0], frame[1:]

	switch cmd {
	case "get":
		return s.handleGet(wc, sessions, args)

	case "close":
		if len(args) != 1 {
			return fmt.Errorf("close wants 1 arg, got %d", len(args))
		}
		if sess, ok := sessions[args[0]]; ok {
			delete(sessions, args[0])
			sess.Close()
		}
		return wc.WriteFrame("ok")

	case "clear":
		if err := s.pool.Clear(); err != nil {
			return writeError(wc, err)
		}
		return wc.WriteFrame("ok")

	case "setMax", "setMaxPerApp", "setMaxIdleTime":
		if len(args) != 1 {
			return fmt.Errorf("%s wants 1 arg, got %d", cmd, len(args))
		}
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			return fmt.Errorf("%s: bad argument %q", cmd, args[0])
		}
		switch cmd {
		case "setMax":
			err = s.pool.SetMax(n)
		case "setMaxPerApp":
			err = s.pool.SetMaxPerApp(n)
		case "setMaxIdleTime":
			err = s.pool.SetMaxIdleTime(time.Duration(n) * time.Second)
		}
		if err != nil {
			return writeError(wc, err)
		}
		return wc.WriteFrame("ok")

	case "getActive":
		return wc.WriteFrame(strconv.Itoa(s.pool.Active()))
	case "getCount":
		return wc.WriteFrame(strconv.Itoa(s.pool.Count()))
	case "getSpawnServerPid":
		return wc.WriteFrame(strconv.Itoa(s.pool.SpawnServerPid()))

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (s *Server) handleGet(wc *wire.Conn, sessions map[string]pool.Session, args []string) error {
	if len(args) != 6 {
		return fmt.Errorf("get wants 6 args, got %d", len(args))
	}
	opts := pool.Options{
		AppRoot:        args[0],
		LowerPrivilege: args[1] == "1",
		LowestUser:     args[2],
		Environment:    args[3],
		SpawnMethod:    args[4],
		AppType:        args[5],
	}

	if s.limiter != nil && !s.limiter.Allow(opts.AppRoot) {
		s.mets.ObserveBusy()
		return wc.WriteFrame("busy")
	}

	sess, err := s.pool.Get(context.Background(), opts)
	if errors.Is(err, pool.ErrBusy) {
		s.mets.ObserveBusy()
		return wc.WriteFrame("busy")
	}
	if err != nil {
		return writeError(wc, err)
	}

	f, err := sessionFile(sess)
	if err != nil {
		sess.Close()
		return writeError(wc, err)
	}
	defer f.Close()

	sid := uuid.NewString()
	if err := wc.WriteFrame(fmt.Sprintf("ok %d %s", sess.Pid(), sid)); err != nil {
		sess.Close()
		return err
	}
	if err := wc.SendFD(f); err != nil {
		sess.Close()
		return err
	}

	sessions[sid] = sess
	return nil
}

// sessionFile duplicates the session stream's descriptor for passing.
func sessionFile(sess pool.Session) (*os.File, error) {
	uc, ok := sess.Stream().(*net.UnixConn)
	if !ok {
		return nil, &wire.RemoteError{Kind: wire.KindIo, Message: "session stream is not a unix socket"}
	}
	return uc.File()
}

// writeError reports err in-band: "error <kind> <message>", with the
// spawn error page as a trailing data payload when present.
func writeError(wc *wire.Conn, err error) error {
	kind, msg, page := wire.EncodeError(err)
	msg = strings.ReplaceAll(msg, "\n", " ")
	head := fmt.Sprintf("error %s %s", kind, msg)
	if len(page) == 0 {
		return wc.WriteFrame(head)
	}
	if werr := wc.WriteFrame(head, fmt.Sprintf("data %d", len(page))); werr != nil {
		return werr
	}
	return wc.WriteData(page)
}
