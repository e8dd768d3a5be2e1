package wire

import (
	"errors"
	"fmt"

	"github.com/appyard/appyard/spawn"
)

// Error kinds carried on the wire.
const (
	KindSpawn  = "Spawn"
	KindIo     = "Io"
	KindSystem = "System"
	KindConfig = "Config"
	KindAuth   = "Auth"
)

// RemoteError is an error reported by the pool server that has no richer
// local representation.
type RemoteError struct {
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("pool server: %s: %s", e.Kind, e.Message)
}

// EncodeError classifies err for the wire, returning its kind, message
// and optional binary page payload.
func EncodeError(err error) (kind, msg string, page []byte) {
	var serr *spawn.Error
	if errors.As(err, &serr) {
		return KindSpawn, serr.Message, []byte(serr.ErrorPage)
	}
	var rerr *RemoteError
	if errors.As(err, &rerr) {
		return rerr.Kind, rerr.Message, nil
	}
	return KindIo, err.Error(), nil
}

// DecodeError reconstructs the error a server reported.
func DecodeError(kind, msg string, page []byte) error {
	switch kind {
	case KindSpawn:
		return &spawn.Error{Message: msg, ErrorPage: string(page)}
	default:
		return &RemoteError{Kind: kind, Message: msg}
	}
}
