package pairing

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"portalfusion/crypto"
	"portalfusion/fault"
	"portalfusion/models"
	"portalfusion/storage"
)

const (
	// DefaultPINLength is the number of PIN digits.
	DefaultPINLength = 6
	// DefaultMaxAttempts bounds wrong-PIN retries before the session fails.
	DefaultMaxAttempts = 3
	// DefaultSessionTimeout bounds the whole ceremony, QR scan included.
	DefaultSessionTimeout = 5 * time.Minute
	// DefaultSweepInterval is how often expired sessions are collected.
	DefaultSweepInterval = 30 * time.Second
	// DefaultDisposalGrace keeps a PAIRED session around briefly so a late
	// retry of the final handshake ack can still resolve session data.
	DefaultDisposalGrace = 10 * time.Second
)

// EventKind classifies pairing notifications.
type EventKind string

const (
	EventPaired    EventKind = "paired"
	EventFailed    EventKind = "failed"
	EventCancelled EventKind = "cancelled"
	EventExpired   EventKind = "expired"
)

// Event is a typed pairing notification.
type Event struct {
	Kind      EventKind
	SessionID string
	Device    *models.Device
}

// Options configures a pairing service.
type Options struct {
	Identity models.Identity
	Store    *storage.Store // optional; registry and audit writes are skipped when nil

	PINLength      int
	MaxAttempts    int
	SessionTimeout time.Duration
	SweepInterval  time.Duration
	DisposalGrace  time.Duration

	Logger *zap.Logger
}

// Service owns all pairing sessions for one local device.
type Service struct {
	opts Options
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
	byLocal  map[string]string // local device id -> outstanding session id

	emitMu    sync.RWMutex
	closed    bool
	events    chan Event
	closeOnce sync.Once
}

// NewService validates options and starts the expiry sweeper.
func NewService(options Options) (*Service, error) {
	if err := options.Identity.Validate(); err != nil {
		return nil, err
	}
	if options.PINLength <= 0 {
		options.PINLength = DefaultPINLength
	}
	if options.MaxAttempts <= 0 {
		options.MaxAttempts = DefaultMaxAttempts
	}
	if options.SessionTimeout <= 0 {
		options.SessionTimeout = DefaultSessionTimeout
	}
	if options.SweepInterval <= 0 {
		options.SweepInterval = DefaultSweepInterval
	}
	if options.DisposalGrace <= 0 {
		options.DisposalGrace = DefaultDisposalGrace
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	svc := &Service{
		opts:     options,
		log:      options.Logger.Named("pairing"),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
		byLocal:  make(map[string]string),
		events:   make(chan Event, 16),
	}

	svc.wg.Add(1)
	go svc.sweepLoop()

	return svc, nil
}

// Close cancels all timers and the sweeper. No timer fires after Close.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		for _, sess := range s.sessions {
			if sess.disposeTimer != nil {
				sess.disposeTimer.Stop()
			}
		}
		s.mu.Unlock()

		s.wg.Wait()

		s.emitMu.Lock()
		s.closed = true
		s.emitMu.Unlock()
		close(s.events)
	})
}

// Events returns the pairing notification channel.
func (s *Service) Events() <-chan Event {
	return s.events
}

// Session returns a snapshot of a live session. Disposed sessions report ok=false.
func (s *Service) Session(sessionID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return sess.snapshot(), true
}

// Initiate starts a new pairing attempt on the initiator side: a fresh
// ephemeral keypair, a one-time PIN, and a signed base64 payload for the QR
// code. Any prior outstanding session for this device is invalidated.
func (s *Service) Initiate() (Session, string, error) {
	local := s.opts.Identity.Device

	pin, err := generatePIN(s.opts.PINLength)
	if err != nil {
		return Session{}, "", fault.Wrap(fault.SystemOperationFailed, "pairing.Initiate", err)
	}
	ephemeral, err := crypto.GenerateExchangeKey()
	if err != nil {
		return Session{}, "", fault.Wrap(fault.SystemOperationFailed, "pairing.Initiate", err)
	}

	now := time.Now()
	sess := &session{
		Session: Session{
			ID:          uuid.NewString(),
			Role:        RoleInitiator,
			State:       StateInitiated,
			Local:       local,
			PIN:         pin,
			PublicKey:   ephemeral.PublicKey().Bytes(),
			MaxAttempts: s.opts.MaxAttempts,
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.opts.SessionTimeout),
		},
		privateKey: ephemeral,
	}

	payload := Payload{
		SessionID:   sess.ID,
		DeviceID:    local.ID,
		DeviceName:  local.Name,
		PublicKey:   local.PublicKey,
		ExchangeKey: local.ExchangeKey,
		SessionKey:  base64.StdEncoding.EncodeToString(sess.PublicKey),
		IP:          local.IP,
		Port:        local.Port,
		PIN:         pin,
		Timestamp:   now.UnixMilli(),
	}
	if err := signPayload(&payload, s.opts.Identity.SigningKey); err != nil {
		return Session{}, "", fault.Wrap(fault.SystemOperationFailed, "pairing.Initiate", err)
	}
	code, err := encodePayload(payload)
	if err != nil {
		return Session{}, "", fault.Wrap(fault.SystemOperationFailed, "pairing.Initiate", err)
	}

	s.mu.Lock()
	s.invalidateOutstandingLocked(local.ID)
	s.sessions[sess.ID] = sess
	s.byLocal[local.ID] = sess.ID
	s.mu.Unlock()

	s.audit(storage.EventPairingInitiated, "", "session "+sess.ID)
	s.log.Info("pairing initiated", zap.String("session_id", sess.ID))

	return sess.snapshot(), code, nil
}

// ScanCode parses and authenticates a scanned QR payload. Malformed data and
// bad signatures fail with AUTH_FAILED; stale payloads with AUTH_EXPIRED.
func (s *Service) ScanCode(data string) (Payload, error) {
	const op = "pairing.ScanCode"

	payload, err := decodePayload(data)
	if err != nil {
		return Payload{}, fault.Wrap(fault.AuthFailed, op, err)
	}
	if err := payload.validate(); err != nil {
		return Payload{}, fault.Wrap(fault.AuthFailed, op, err)
	}
	if err := verifyPayloadSignature(payload); err != nil {
		return Payload{}, fault.Wrap(fault.AuthFailed, op, err)
	}

	age := time.Since(time.UnixMilli(payload.Timestamp))
	if age > s.opts.SessionTimeout {
		return Payload{}, fault.Errorf(fault.AuthExpired, op, "payload is %s old", age.Round(time.Second))
	}

	return payload, nil
}

// Join attaches the local device to a scanned pairing attempt on the joiner
// side. The session shares the initiator's session id.
func (s *Service) Join(payload Payload) (Session, error) {
	const op = "pairing.Join"

	if err := payload.validate(); err != nil {
		return Session{}, fault.Wrap(fault.AuthFailed, op, err)
	}
	remoteEphemeral, err := base64.StdEncoding.DecodeString(payload.SessionKey)
	if err != nil {
		return Session{}, fault.Wrap(fault.AuthFailed, op, err)
	}

	ephemeral, err := crypto.GenerateExchangeKey()
	if err != nil {
		return Session{}, fault.Wrap(fault.SystemOperationFailed, op, err)
	}

	local := s.opts.Identity.Device
	remote := payload.Device()
	now := time.Now()
	sess := &session{
		Session: Session{
			ID:          payload.SessionID,
			Role:        RoleJoiner,
			State:       StatePendingVerification,
			Local:       local,
			Remote:      &remote,
			PIN:         payload.PIN,
			PublicKey:   ephemeral.PublicKey().Bytes(),
			MaxAttempts: s.opts.MaxAttempts,
			CreatedAt:   now,
			ExpiresAt:   time.UnixMilli(payload.Timestamp).Add(s.opts.SessionTimeout),
		},
		privateKey:      ephemeral,
		remoteEphemeral: remoteEphemeral,
	}

	s.mu.Lock()
	s.invalidateOutstandingLocked(local.ID)
	s.sessions[sess.ID] = sess
	s.byLocal[local.ID] = sess.ID
	s.mu.Unlock()

	s.audit(storage.EventPairingJoined, remote.ID, "session "+sess.ID)
	s.log.Info("pairing joined", zap.String("session_id", sess.ID), zap.String("remote_device", remote.ID))

	return sess.snapshot(), nil
}

// Response produces the joiner's signed reply for the initiator.
func (s *Service) Response(sessionID string) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return Response{}, fault.Errorf(fault.AuthFailed, "pairing.Response", "unknown session %q", sessionID)
	}
	if sess.Role != RoleJoiner {
		return Response{}, errors.New("pairing response is produced by the joiner side")
	}

	local := s.opts.Identity.Device
	response := Response{
		SessionID:   sess.ID,
		DeviceID:    local.ID,
		DeviceName:  local.Name,
		PublicKey:   local.PublicKey,
		ExchangeKey: local.ExchangeKey,
		SessionKey:  base64.StdEncoding.EncodeToString(sess.PublicKey),
		IP:          local.IP,
		Port:        local.Port,
		Timestamp:   time.Now().UnixMilli(),
	}
	if err := signResponse(&response, s.opts.Identity.SigningKey); err != nil {
		return Response{}, fault.Wrap(fault.SystemOperationFailed, "pairing.Response", err)
	}
	return response, nil
}

// RegisterResponse attaches the joiner's reply on the initiator side and
// moves the session to PENDING_VERIFICATION.
func (s *Service) RegisterResponse(sessionID string, response Response) error {
	const op = "pairing.RegisterResponse"

	if err := verifyResponseSignature(response); err != nil {
		return fault.Wrap(fault.AuthFailed, op, err)
	}
	remoteEphemeral, err := base64.StdEncoding.DecodeString(response.SessionKey)
	if err != nil {
		return fault.Wrap(fault.AuthFailed, op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return fault.Errorf(fault.AuthFailed, op, "unknown session %q", sessionID)
	}
	if sess.Role != RoleInitiator {
		return errors.New("pairing response is consumed by the initiator side")
	}
	if sess.expired(time.Now()) {
		return fault.Errorf(fault.AuthExpired, op, "session %q expired", sessionID)
	}
	if sess.State != StateInitiated {
		return fmt.Errorf("session %q is in state %s, want %s", sessionID, sess.State, StateInitiated)
	}
	if response.SessionID != sess.ID {
		return fault.Errorf(fault.AuthFailed, op, "response session mismatch")
	}

	remote := response.Device()
	sess.Remote = &remote
	sess.remoteEphemeral = remoteEphemeral
	sess.State = StatePendingVerification
	return nil
}

// VerifyPIN checks one PIN entry. Every call counts one attempt; reaching the
// attempt limit on a mismatch destroys the session with AUTH_FAILED. A match
// computes the shared secret and moves the session to VERIFYING.
func (s *Service) VerifyPIN(sessionID, pin string) (bool, error) {
	const op = "pairing.VerifyPIN"

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return false, fault.Errorf(fault.AuthFailed, op, "unknown session %q", sessionID)
	}
	if sess.expired(time.Now()) {
		s.failLocked(sess, "session expired")
		return false, fault.Errorf(fault.AuthExpired, op, "session %q expired", sessionID)
	}
	if sess.State != StatePendingVerification {
		return false, fmt.Errorf("session %q is in state %s, want %s", sessionID, sess.State, StatePendingVerification)
	}

	sess.Attempts++
	if subtle.ConstantTimeCompare([]byte(pin), []byte(sess.PIN)) != 1 {
		if sess.Attempts >= sess.MaxAttempts {
			s.failLocked(sess, "pin attempts exceeded")
			return false, fault.Errorf(fault.AuthFailed, op, "pin attempts exceeded")
		}
		s.log.Warn("pin mismatch",
			zap.String("session_id", sess.ID),
			zap.Int("attempts", sess.Attempts),
			zap.Int("max_attempts", sess.MaxAttempts))
		return false, nil
	}

	remotePublic, err := crypto.ParseExchangePublicKey(sess.remoteEphemeral)
	if err != nil {
		s.failLocked(sess, "invalid remote ephemeral key")
		return false, fault.Wrap(fault.AuthFailed, op, err)
	}
	secret, err := crypto.SharedSecret(sess.privateKey, remotePublic)
	if err != nil {
		s.failLocked(sess, "key agreement failed")
		return false, fault.Wrap(fault.AuthFailed, op, err)
	}
	derived, err := crypto.DeriveKey(secret, "portalfusion/pairing/"+sess.ID)
	if err != nil {
		s.failLocked(sess, "key derivation failed")
		return false, fault.Wrap(fault.AuthFailed, op, err)
	}

	sess.SharedSecret = derived
	sess.State = StateVerifying
	return true, nil
}

// Complete finishes a verified session: the remote device is marked paired
// and trusted, persisted to the registry, and the session is disposed after a
// short grace delay.
func (s *Service) Complete(sessionID string) (models.Device, error) {
	const op = "pairing.Complete"

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return models.Device{}, fault.Errorf(fault.AuthFailed, op, "unknown session %q", sessionID)
	}
	if sess.State != StateVerifying {
		s.mu.Unlock()
		return models.Device{}, fmt.Errorf("session %q is in state %s, want %s", sessionID, sess.State, StateVerifying)
	}
	if sess.Remote == nil {
		s.mu.Unlock()
		return models.Device{}, fault.Errorf(fault.SystemOperationFailed, op, "session %q has no remote device", sessionID)
	}

	remote := *sess.Remote
	remote.Paired = true
	remote.Trusted = true
	sess.Remote = &remote
	sess.State = StatePaired
	sess.CompletedAt = time.Now()
	sess.disposeTimer = time.AfterFunc(s.opts.DisposalGrace, func() {
		if s.ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		s.removeLocked(sess)
		s.mu.Unlock()
	})
	s.mu.Unlock()

	if s.opts.Store != nil {
		if err := s.opts.Store.SaveDevice(remote); err != nil {
			s.log.Error("persist paired device", zap.String("device_id", remote.ID), zap.Error(err))
		}
	}
	s.audit(storage.EventPairingCompleted, remote.ID, "session "+sessionID)
	s.emit(Event{Kind: EventPaired, SessionID: sessionID, Device: &remote})
	s.log.Info("pairing completed", zap.String("session_id", sessionID), zap.String("remote_device", remote.ID))

	return remote, nil
}

// Cancel aborts a session. Cancelling an unknown session is a no-op.
func (s *Service) Cancel(sessionID string) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok {
		sess.State = StateCancelled
		s.removeLocked(sess)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.audit(storage.EventPairingCancelled, "", "session "+sessionID)
	s.emit(Event{Kind: EventCancelled, SessionID: sessionID})
}

func (s *Service) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweepExpired()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) sweepExpired() {
	now := time.Now()

	s.mu.Lock()
	var expired []*session
	for _, sess := range s.sessions {
		if sess.State != StatePaired && sess.expired(now) {
			sess.State = StateFailed
			s.removeLocked(sess)
			expired = append(expired, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range expired {
		s.audit(storage.EventPairingExpired, "", "session "+sess.ID)
		s.emit(Event{Kind: EventExpired, SessionID: sess.ID})
		s.log.Info("pairing session expired", zap.String("session_id", sess.ID))
	}
}

// failLocked transitions a session to FAILED and removes it. Callers hold s.mu.
func (s *Service) failLocked(sess *session, reason string) {
	sess.State = StateFailed
	s.removeLocked(sess)
	s.audit(storage.EventPairingFailed, "", "session "+sess.ID+": "+reason)
	s.emit(Event{Kind: EventFailed, SessionID: sess.ID})
	s.log.Warn("pairing failed", zap.String("session_id", sess.ID), zap.String("reason", reason))
}

func (s *Service) invalidateOutstandingLocked(localDeviceID string) {
	priorID, ok := s.byLocal[localDeviceID]
	if !ok {
		return
	}
	if prior, ok := s.sessions[priorID]; ok {
		prior.State = StateCancelled
		s.removeLocked(prior)
	}
}

// removeLocked drops a session from the maps. Callers hold s.mu.
func (s *Service) removeLocked(sess *session) {
	if sess.disposeTimer != nil {
		sess.disposeTimer.Stop()
	}
	delete(s.sessions, sess.ID)
	if s.byLocal[sess.Local.ID] == sess.ID {
		delete(s.byLocal, sess.Local.ID)
	}
}

func (s *Service) emit(event Event) {
	s.emitMu.RLock()
	defer s.emitMu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- event:
	default:
		// Slow consumer; pairing notifications are advisory.
	}
}

func (s *Service) audit(eventType, deviceID, details string) {
	if s.opts.Store == nil {
		return
	}
	if err := s.opts.Store.RecordPairingEvent(eventType, deviceID, details); err != nil {
		s.log.Error("record pairing event", zap.String("event_type", eventType), zap.Error(err))
	}
}

func generatePIN(length int) (string, error) {
	digits := make([]byte, length)
	for i := range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("generate pin digit: %w", err)
		}
		digits[i] = '0' + byte(n.Int64())
	}
	return string(digits), nil
}
