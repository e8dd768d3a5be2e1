package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/nacl/sign"
)

const signPrivKeySize = 64
const signPubKeySize = 32

var ErrBadAuth = fmt.Errorf("Authentication failed")
var timeSlack = 5 * time.Second

// GenKeypair returns a newly generated public and private key.
func GenKeypair() (string, string, error) {
	pub, priv, err := sign.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", err
	}

	return hex.EncodeToString(pub[:]), hex.EncodeToString(priv[:]), nil
}

// parseKey parses a hex-encoded key that is expected to be sz bytes long.
func parseKey(s string, sz int) ([]byte, error) {
	bs, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(bs) != sz {
		return nil, fmt.Errorf("Key is malformed")
	}

	return bs, nil
}

// A Signer produces an authentication token binding the current time
// to the name of the pool server the client wants to talk to.
type Signer func(now time.Time, serverName string) string

func NewSigner(hexPrivKey string) (Signer, error) {
	privKeyBs, err := parseKey(hexPrivKey, signPrivKeySize)
	if err != nil {
		return nil, fmt.Errorf("Error parsing private key: %w", err)
	}
	privKey := (*[signPrivKeySize]byte)(privKeyBs)

	return func(now time.Time, serverName string) string {
		msg := []byte(newMsg(now, serverName))
		sig := make([]byte, 0, len(msg)+sign.Overhead)
		sig = sign.Sign(sig, msg, privKey)
		return hex.EncodeToString(sig)
	}, nil
}

// newMsg makes an auth message with ts and serverName.
func newMsg(ts time.Time, serverName string) string {
	return fmt.Sprintf("%d,%s", ts.Unix(), serverName)
}

// parseMsg parses an auth message into ts and serverName.
func parseMsg(msg string) (ts time.Time, serverName string, err error) {
	ws := strings.Split(string(msg), ",")
	if len(ws) != 2 {
		err = fmt.Errorf("malformed, need two fields")
		return
	}

	unix, err := strconv.ParseInt(ws[0], 10, 64)
	if err != nil {
		err = fmt.Errorf("bad time field: %w", err)
		return
	}

	ts = time.Unix(unix, 0)
	serverName = ws[1]
	return
}

// A Verifier checks an authentication token presented by a connecting
// pool client against this server's name and a liveness window.
type Verifier func(now time.Time, auth string) error

func NewVerifier(hexPubKey string, serverName string, liveness time.Duration) (Verifier, error) {
	pubKeyBs, err := parseKey(hexPubKey, signPubKeySize)
	if err != nil {
		return nil, fmt.Errorf("Error parsing public key: %w", err)
	}
	pubKey := (*[signPubKeySize]byte)(pubKeyBs)

	return func(now time.Time, auth string) error {
		sig, err := hex.DecodeString(auth)
		if err != nil {
			return ErrBadAuth
		}

		msg, ok := sign.Open(nil, sig, pubKey)
		if !ok {
			log.Printf("bad signature for %s", auth)
			return ErrBadAuth
		}

		ts, name, err := parseMsg(string(msg))
		if err != nil {
			log.Printf("bad message format: %v", err)
			return ErrBadAuth
		}

		dt := now.Sub(ts)
		if !(-timeSlack < dt && dt < liveness) {
			log.Printf("bad ts %v (dt=%v)", ts, dt)
			return ErrBadAuth
		}

		if name != serverName {
			log.Printf("bad server name %v != %v", name, serverName)
			return ErrBadAuth
		}

		return nil
	}, nil
}
