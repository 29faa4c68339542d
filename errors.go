package findnet

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidID   = errors.New("find: ids must be exactly 64 hexadecimal characters")
	ErrInvalidCfg  = errors.New("find: invalid options")
	ErrInvalidKind = errors.New("find: unknown container kind")
	ErrNodeClosed  = errors.New("find: node is shut down")
	ErrNodeStarted = errors.New("find: node already started")

	ErrBrokerResolve = errors.New("broker: could not resolve peer")
	ErrBrokerList    = errors.New("broker: could not list peers")
	ErrNoBroker      = errors.New("broker: no broker configured")

	ErrPeerQuery    = errors.New("peer: query failed")
	ErrPeerResponse = errors.New("peer: invalid response")
	ErrProbe        = errors.New("peer: storage probe failed")

	ErrPersistRead  = errors.New("store: could not read persisted state")
	ErrPersistWrite = errors.New("store: could not write persisted state")
)

// StatusError is returned when a remote HTTP endpoint answers with a status
// we did not expect.
type StatusError struct {
	URL  string
	Code int
}

func (serr *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", serr.Code, serr.URL)
}
