package domain

import (
	"errors"
	"fmt"
)

// ErrSameIdentity means the two sides of the session resolved to the same
// participant. This is a fatal configuration error, never retried.
var ErrSameIdentity = errors.New("local and remote participants resolve to the same identity")

// Identity pins the two participants of one session. RemoteID may be unknown
// at setup and is discovered from the first signal received.
type Identity struct {
	SessionID string
	LocalID   string
	RemoteID  string
}

// PinRemote records the remote participant id. Re-pinning the same value is
// a no-op; pinning the local id or changing an already-pinned remote fails.
func (id *Identity) PinRemote(remote string) error {
	if remote == "" {
		return errors.New("empty remote participant id")
	}
	if remote == id.LocalID {
		return ErrSameIdentity
	}
	if id.RemoteID == "" {
		id.RemoteID = remote
		return nil
	}
	if id.RemoteID != remote {
		return fmt.Errorf("remote participant already pinned to %q, got %q", id.RemoteID, remote)
	}
	return nil
}

// RemoteKnown reports whether the remote participant has been discovered.
func (id *Identity) RemoteKnown() bool { return id.RemoteID != "" }

// Initiator reports whether the local peer sends the first offer. Both peers
// evaluate this independently and always agree: the lexicographically lower
// id initiates.
func (id *Identity) Initiator() bool {
	return id.RemoteKnown() && id.LocalID < id.RemoteID
}

// Polite reports whether the local peer yields on offer glare. The polite
// peer is the non-initiator.
func (id *Identity) Polite() bool {
	return id.RemoteKnown() && id.LocalID > id.RemoteID
}
