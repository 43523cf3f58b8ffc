// Package pairing implements the one-time trust-establishment ceremony
// between two previously unknown devices: a QR-carried signed payload, an
// out-of-band PIN check, and an X25519 key agreement.
package pairing

import (
	"crypto/ecdh"
	"time"

	"portalfusion/models"
)

// State is the lifecycle state of one pairing session.
type State string

const (
	StateInitiated           State = "INITIATED"
	StatePendingVerification State = "PENDING_VERIFICATION"
	StateVerifying           State = "VERIFYING"
	StatePaired              State = "PAIRED"
	StateFailed              State = "FAILED"
	StateCancelled           State = "CANCELLED"
)

// Role distinguishes the device that rendered the code from the one that
// scanned it.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleJoiner    Role = "joiner"
)

// Session is a read-only snapshot of one pairing attempt.
type Session struct {
	ID     string
	Role   Role
	State  State
	Local  models.Device
	Remote *models.Device

	PIN          string
	PublicKey    []byte // local ephemeral X25519 public key
	SharedSecret []byte // set once the PIN has been verified

	Attempts    int
	MaxAttempts int

	CreatedAt   time.Time
	ExpiresAt   time.Time
	CompletedAt time.Time
}

// session is the mutable service-owned state behind a Session snapshot.
type session struct {
	Session

	privateKey      *ecdh.PrivateKey
	remoteEphemeral []byte // remote ephemeral X25519 public key

	disposeTimer *time.Timer
}

func (s *session) snapshot() Session {
	out := s.Session
	out.PublicKey = append([]byte(nil), s.PublicKey...)
	out.SharedSecret = append([]byte(nil), s.SharedSecret...)
	if s.Remote != nil {
		remote := *s.Remote
		out.Remote = &remote
	}
	return out
}

func (s *session) expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
