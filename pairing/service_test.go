package pairing

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"portalfusion/crypto"
	"portalfusion/fault"
	"portalfusion/models"
)

func newTestIdentity(t *testing.T, id, name string) models.Identity {
	t.Helper()

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	exchangeKey, err := crypto.GenerateExchangeKey()
	if err != nil {
		t.Fatalf("generate exchange key: %v", err)
	}

	return models.Identity{
		Device: models.Device{
			ID:          id,
			Name:        name,
			PublicKey:   base64.StdEncoding.EncodeToString(publicKey),
			ExchangeKey: base64.StdEncoding.EncodeToString(exchangeKey.PublicKey().Bytes()),
			Fingerprint: crypto.Fingerprint(publicKey),
			IP:          "127.0.0.1",
			Port:        47200,
		},
		SigningKey:  privateKey,
		ExchangeKey: exchangeKey,
	}
}

func newTestService(t *testing.T, identity models.Identity) *Service {
	t.Helper()

	svc, err := NewService(Options{Identity: identity})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc
}

// runCeremony walks both sides through a complete pairing exchange and
// returns the two session ids.
func runCeremony(t *testing.T, initiator, joiner *Service) (string, string) {
	t.Helper()

	initiated, code, err := initiator.Initiate()
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	if initiated.State != StateInitiated {
		t.Fatalf("expected INITIATED, got %s", initiated.State)
	}

	payload, err := joiner.ScanCode(code)
	if err != nil {
		t.Fatalf("ScanCode failed: %v", err)
	}
	joined, err := joiner.Join(payload)
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if joined.ID != initiated.ID {
		t.Fatalf("joiner session id %q does not match initiator %q", joined.ID, initiated.ID)
	}
	if joined.State != StatePendingVerification {
		t.Fatalf("expected PENDING_VERIFICATION, got %s", joined.State)
	}

	response, err := joiner.Response(joined.ID)
	if err != nil {
		t.Fatalf("Response failed: %v", err)
	}
	if err := initiator.RegisterResponse(initiated.ID, response); err != nil {
		t.Fatalf("RegisterResponse failed: %v", err)
	}

	return initiated.ID, joined.ID
}

func TestPairingHappyPath(t *testing.T) {
	initiator := newTestService(t, newTestIdentity(t, "device-a", "Desk"))
	joiner := newTestService(t, newTestIdentity(t, "device-b", "Phone"))

	initiatorSession, joinerSession := runCeremony(t, initiator, joiner)

	snapshot, ok := initiator.Session(initiatorSession)
	if !ok {
		t.Fatalf("initiator session disappeared")
	}
	pin := snapshot.PIN

	okJoiner, err := joiner.VerifyPIN(joinerSession, pin)
	if err != nil || !okJoiner {
		t.Fatalf("joiner VerifyPIN: ok=%v err=%v", okJoiner, err)
	}
	okInitiator, err := initiator.VerifyPIN(initiatorSession, pin)
	if err != nil || !okInitiator {
		t.Fatalf("initiator VerifyPIN: ok=%v err=%v", okInitiator, err)
	}

	initiatorSnap, _ := initiator.Session(initiatorSession)
	joinerSnap, _ := joiner.Session(joinerSession)
	if initiatorSnap.State != StateVerifying || joinerSnap.State != StateVerifying {
		t.Fatalf("expected both sides VERIFYING, got %s and %s", initiatorSnap.State, joinerSnap.State)
	}
	if len(initiatorSnap.SharedSecret) == 0 {
		t.Fatalf("initiator has no shared secret")
	}
	if !bytes.Equal(initiatorSnap.SharedSecret, joinerSnap.SharedSecret) {
		t.Fatalf("the two sides derived different shared secrets")
	}

	remote, err := initiator.Complete(initiatorSession)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if remote.ID != "device-b" || !remote.Paired || !remote.Trusted {
		t.Fatalf("unexpected paired device: %+v", remote)
	}
	if _, err := joiner.Complete(joinerSession); err != nil {
		t.Fatalf("joiner Complete failed: %v", err)
	}

	select {
	case event := <-initiator.Events():
		if event.Kind != EventPaired {
			t.Fatalf("expected paired event, got %s", event.Kind)
		}
	case <-time.After(time.Second):
		t.Fatalf("no pairing event emitted")
	}
}

func TestVerifyPINExhaustsAttempts(t *testing.T) {
	initiator := newTestService(t, newTestIdentity(t, "device-a", "Desk"))
	joiner := newTestService(t, newTestIdentity(t, "device-b", "Phone"))

	_, joinerSession := runCeremony(t, initiator, joiner)

	for attempt := 1; attempt <= DefaultMaxAttempts; attempt++ {
		ok, err := joiner.VerifyPIN(joinerSession, "000000x")
		if ok {
			t.Fatalf("wrong pin must not verify")
		}
		if attempt < DefaultMaxAttempts {
			if err != nil {
				t.Fatalf("attempt %d: expected retryable mismatch, got %v", attempt, err)
			}
			continue
		}
		if !fault.IsCode(err, fault.AuthFailed) {
			t.Fatalf("final attempt: expected AUTH_FAILED, got %v", err)
		}
	}

	if _, ok := joiner.Session(joinerSession); ok {
		t.Fatalf("session must be destroyed after exhausting attempts")
	}
	if _, err := joiner.VerifyPIN(joinerSession, "anything"); !fault.IsCode(err, fault.AuthFailed) {
		t.Fatalf("expected AUTH_FAILED for destroyed session, got %v", err)
	}
}

func TestScanCodeRejectsTamperedPayload(t *testing.T) {
	initiator := newTestService(t, newTestIdentity(t, "device-a", "Desk"))
	joiner := newTestService(t, newTestIdentity(t, "device-b", "Phone"))

	_, code, err := initiator.Initiate()
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}

	payload, err := decodePayload(code)
	if err != nil {
		t.Fatalf("decode test payload: %v", err)
	}
	payload.DeviceName = "Impostor"
	tampered, err := encodePayload(payload)
	if err != nil {
		t.Fatalf("re-encode test payload: %v", err)
	}

	if _, err := joiner.ScanCode(tampered); !fault.IsCode(err, fault.AuthFailed) {
		t.Fatalf("expected AUTH_FAILED for tampered payload, got %v", err)
	}
}

func TestScanCodeRejectsGarbage(t *testing.T) {
	joiner := newTestService(t, newTestIdentity(t, "device-b", "Phone"))

	if _, err := joiner.ScanCode("not a payload"); !fault.IsCode(err, fault.AuthFailed) {
		t.Fatalf("expected AUTH_FAILED for malformed payload, got %v", err)
	}
}

func TestScanCodeRejectsStalePayload(t *testing.T) {
	initiatorIdentity := newTestIdentity(t, "device-a", "Desk")
	initiator := newTestService(t, initiatorIdentity)
	joiner := newTestService(t, newTestIdentity(t, "device-b", "Phone"))

	_, code, err := initiator.Initiate()
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}

	payload, err := decodePayload(code)
	if err != nil {
		t.Fatalf("decode test payload: %v", err)
	}
	payload.Timestamp = time.Now().Add(-2 * DefaultSessionTimeout).UnixMilli()
	if err := signPayload(&payload, initiatorIdentity.SigningKey); err != nil {
		t.Fatalf("re-sign test payload: %v", err)
	}
	stale, err := encodePayload(payload)
	if err != nil {
		t.Fatalf("re-encode test payload: %v", err)
	}

	if _, err := joiner.ScanCode(stale); !fault.IsCode(err, fault.AuthExpired) {
		t.Fatalf("expected AUTH_EXPIRED for stale payload, got %v", err)
	}
}

func TestCancelDestroysSession(t *testing.T) {
	initiator := newTestService(t, newTestIdentity(t, "device-a", "Desk"))

	session, _, err := initiator.Initiate()
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}

	initiator.Cancel(session.ID)
	if _, ok := initiator.Session(session.ID); ok {
		t.Fatalf("cancelled session must be removed")
	}

	select {
	case event := <-initiator.Events():
		if event.Kind != EventCancelled {
			t.Fatalf("expected cancelled event, got %s", event.Kind)
		}
	case <-time.After(time.Second):
		t.Fatalf("no cancellation event emitted")
	}

	// Cancelling again is a no-op.
	initiator.Cancel(session.ID)
}

func TestCancelAfterCloseIsSafe(t *testing.T) {
	initiator := newTestService(t, newTestIdentity(t, "device-a", "Desk"))

	session, _, err := initiator.Initiate()
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}

	initiator.Close()

	// Notifications after shutdown are discarded, not sent.
	initiator.Cancel(session.ID)
	if _, err := initiator.VerifyPIN(session.ID, "0000000"); err == nil {
		t.Fatalf("expected an error for a cancelled session")
	}
}

func TestInitiateInvalidatesOutstandingSession(t *testing.T) {
	initiator := newTestService(t, newTestIdentity(t, "device-a", "Desk"))

	first, _, err := initiator.Initiate()
	if err != nil {
		t.Fatalf("first Initiate failed: %v", err)
	}
	second, _, err := initiator.Initiate()
	if err != nil {
		t.Fatalf("second Initiate failed: %v", err)
	}

	if _, ok := initiator.Session(first.ID); ok {
		t.Fatalf("first session must be invalidated by the second")
	}
	if _, ok := initiator.Session(second.ID); !ok {
		t.Fatalf("second session must be live")
	}
}

func TestVerifyPINOnExpiredSession(t *testing.T) {
	identity := newTestIdentity(t, "device-a", "Desk")
	svc, err := NewService(Options{
		Identity:       identity,
		SessionTimeout: 10 * time.Millisecond,
		SweepInterval:  time.Hour, // keep the sweeper out of this test
	})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	t.Cleanup(svc.Close)

	joinerIdentity := newTestIdentity(t, "device-b", "Phone")
	joiner, err := NewService(Options{
		Identity:       joinerIdentity,
		SessionTimeout: 10 * time.Millisecond,
		SweepInterval:  time.Hour,
	})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	t.Cleanup(joiner.Close)

	_, code, err := svc.Initiate()
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	payload, err := joiner.ScanCode(code)
	if err != nil {
		t.Fatalf("ScanCode failed: %v", err)
	}
	joined, err := joiner.Join(payload)
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	time.Sleep(30 * time.Millisecond)

	if _, err := joiner.VerifyPIN(joined.ID, payload.PIN); !fault.IsCode(err, fault.AuthExpired) {
		t.Fatalf("expected AUTH_EXPIRED, got %v", err)
	}
}

func TestGeneratePINLengthAndDigits(t *testing.T) {
	pin, err := generatePIN(6)
	if err != nil {
		t.Fatalf("generatePIN failed: %v", err)
	}
	if len(pin) != 6 {
		t.Fatalf("expected 6 digits, got %d", len(pin))
	}
	for _, c := range pin {
		if c < '0' || c > '9' {
			t.Fatalf("pin contains non-digit %q", c)
		}
	}
}
