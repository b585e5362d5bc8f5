// Package session implements the broker's session manager (spec C5): the
// unlock/lock state machine holding derived secrets in volatile memory,
// gated by an inactivity timeout.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/privatedatabroker/pdb/internal/brokererr"
	"github.com/privatedatabroker/pdb/internal/cryptoprim"
	"github.com/privatedatabroker/pdb/internal/netadapter"
	"github.com/privatedatabroker/pdb/internal/secretstore"
	"github.com/privatedatabroker/pdb/internal/storageclient"
	"github.com/privatedatabroker/pdb/internal/totp"
)

// TOTPChallengeWindow is how long a pending TOTP-gated unlock stays valid,
// mirroring the teacher's own two-factor login challenge window.
const TOTPChallengeWindow = 3 * time.Minute

// InactivityTimeout is the spec §4.5 constant: 15 minutes of no action
// through the action router locks the session.
const InactivityTimeout = 15 * time.Minute

const (
	keyCredentialBlob = "nillion_credentials"
	keySessionActive  = "pdm_session_active"
	keySessionPass    = "pdm_session_password"
	keyLastActivity   = "pdm_last_activity"
)

// CredentialBlob is the spec §3 Credential Blob tuple, plaintext form. It
// is held only transiently — during Configure (before encryption) and
// during Unlock (after decryption, until handed to the storage client).
type CredentialBlob struct {
	APIKey     string `json:"apiKey"`
	PrivateKey string `json:"privateKey,omitempty"`
	UserID     string `json:"userId,omitempty"`
	AppID      string `json:"appId"`
	TOTPSecret string `json:"totpSecret,omitempty"`
}

// Challenge is returned by Unlock in place of completing immediately when
// the configured credential blob has a TOTP secret enrolled. The caller
// must present a code through VerifyTOTP before ChallengeID expires.
type Challenge struct {
	ChallengeID string    `json:"challengeId"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// pendingUnlock holds the already-decrypted key and blob for an unlock that
// is waiting on a TOTP code, so VerifyTOTP doesn't need the passphrase
// again and never re-touches the persisted ciphertext.
type pendingUnlock struct {
	blob       CredentialBlob
	passphrase []byte
	key        cryptoprim.Key
	expires    time.Time
}

// ciphertextEnvelope is the persisted at-rest shape: (salt, iv, ciphertext).
type ciphertextEnvelope struct {
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
}

// Manager owns the Session's lifecycle end to end: it is the only
// component that may read the credential blob, derive its key, or reach
// the storage client's Init path. Constructed once per process and passed
// explicitly (spec §9 "ambient process-wide singletons" redesign note).
type Manager struct {
	store       secretstore.Store
	adapter     netadapter.Adapter
	fallbackDir string

	mu             sync.Mutex
	unlocked       bool
	derivedKey     cryptoprim.Key
	passphrase     []byte
	lastActivityAt time.Time
	storageClient  storageclient.Client

	chMu    sync.Mutex
	pending map[string]*pendingUnlock
}

func New(store secretstore.Store, adapter netadapter.Adapter, fallbackDir string) *Manager {
	return &Manager{store: store, adapter: adapter, fallbackDir: fallbackDir, pending: make(map[string]*pendingUnlock)}
}

// Configure encrypts blob under a freshly salted key derived from
// passphrase and persists the resulting ciphertext envelope. Spec §3:
// "Created once via a configuration interface; mutated only by an explicit
// re-store."
func (m *Manager) Configure(ctx context.Context, passphrase []byte, blob CredentialBlob) error {
	salt, err := cryptoprim.NewSalt()
	if err != nil {
		return err
	}
	key := cryptoprim.Derive(passphrase, salt)
	defer cryptoprim.ZeroKey(&key)

	plaintext, err := json.Marshal(blob)
	if err != nil {
		return err
	}

	nonce, ciphertext, err := cryptoprim.Encrypt(key, plaintext, nil)
	if err != nil {
		return err
	}

	env := ciphertextEnvelope{Salt: salt, Nonce: nonce, Ciphertext: ciphertext}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return m.store.PutPersistent(ctx, keyCredentialBlob, raw)
}

// HasCredentials reports whether Configure has ever run, the Go analogue
// of the in-page UI's CHECK_CREDENTIALS message.
func (m *Manager) HasCredentials(ctx context.Context) (bool, error) {
	_, ok, err := m.store.GetPersistent(ctx, keyCredentialBlob)
	return ok, err
}

// decryptBlob reads the persisted credential blob and attempts decryption
// under a key derived from passphrase and the blob's salt. It returns
// BadPassphrase without distinguishing an auth failure from a corrupted
// blob, per spec §4.1.
func (m *Manager) decryptBlob(ctx context.Context, passphrase []byte) (cryptoprim.Key, CredentialBlob, error) {
	raw, ok, err := m.store.GetPersistent(ctx, keyCredentialBlob)
	if err != nil {
		return cryptoprim.Key{}, CredentialBlob{}, err
	}
	if !ok {
		return cryptoprim.Key{}, CredentialBlob{}, brokererr.New(brokererr.NotFound, "no credentials configured")
	}

	var env ciphertextEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return cryptoprim.Key{}, CredentialBlob{}, brokererr.ErrBadPassphrase
	}

	key := cryptoprim.Derive(passphrase, env.Salt)
	plaintext, err := cryptoprim.Decrypt(key, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		cryptoprim.ZeroKey(&key)
		return cryptoprim.Key{}, CredentialBlob{}, brokererr.ErrBadPassphrase
	}
	defer cryptoprim.Zero(plaintext)

	var blob CredentialBlob
	if err := json.Unmarshal(plaintext, &blob); err != nil {
		cryptoprim.ZeroKey(&key)
		return cryptoprim.Key{}, CredentialBlob{}, brokererr.ErrBadPassphrase
	}
	return key, blob, nil
}

// completeUnlock initializes the storage client from blob and installs the
// derived key, passphrase copy and activity clock into Manager state. It is
// the tail shared by a direct unlock and a TOTP-verified one.
func (m *Manager) completeUnlock(ctx context.Context, key cryptoprim.Key, passphrase []byte, blob CredentialBlob) error {
	client, err := storageclient.Init(ctx, m.adapter, m.store, blob.APIKey, blob.PrivateKey, m.fallbackDir)
	if err != nil {
		cryptoprim.ZeroKey(&key)
		return err
	}

	m.mu.Lock()
	m.unlocked = true
	m.derivedKey = key
	_ = cryptoprim.LockMemory(m.derivedKey[:])
	m.passphrase = append([]byte(nil), passphrase...)
	m.lastActivityAt = time.Now()
	m.storageClient = client
	m.mu.Unlock()

	m.mirrorEphemeral(ctx)
	return nil
}

// Unlock decrypts the credential blob for passphrase. If the blob has no
// TOTP secret enrolled it unlocks immediately and returns a nil Challenge,
// matching the spec's base unlock{password} -> {unlocked: true} flow. If a
// TOTP secret is enrolled, it instead parks the decrypted key and returns a
// Challenge that VerifyTOTP must resolve within TOTPChallengeWindow,
// mirroring the teacher's login-then-challenge-then-verify flow.
func (m *Manager) Unlock(ctx context.Context, passphrase []byte) (*Challenge, error) {
	key, blob, err := m.decryptBlob(ctx, passphrase)
	if err != nil {
		return nil, err
	}

	if blob.TOTPSecret == "" {
		return nil, m.completeUnlock(ctx, key, passphrase, blob)
	}

	id := uuid.New().String()
	m.chMu.Lock()
	m.pending[id] = &pendingUnlock{
		blob:       blob,
		passphrase: append([]byte(nil), passphrase...),
		key:        key,
		expires:    time.Now().Add(TOTPChallengeWindow),
	}
	m.chMu.Unlock()

	return &Challenge{ChallengeID: id, ExpiresAt: time.Now().Add(TOTPChallengeWindow)}, nil
}

// VerifyTOTP resolves a pending TOTP-gated unlock. A wrong code leaves the
// challenge in place so the caller can retry within the same window; an
// expired or unknown challenge id is rejected outright.
func (m *Manager) VerifyTOTP(ctx context.Context, challengeID, code string) error {
	m.chMu.Lock()
	p, ok := m.pending[challengeID]
	m.chMu.Unlock()
	if !ok {
		return brokererr.New(brokererr.NotFound, "unknown or already-resolved challenge")
	}
	if time.Now().After(p.expires) {
		m.chMu.Lock()
		delete(m.pending, challengeID)
		m.chMu.Unlock()
		cryptoprim.ZeroKey(&p.key)
		cryptoprim.Zero(p.passphrase)
		return brokererr.New(brokererr.InvalidArgument, "TOTP challenge expired")
	}

	if !totp.Verify(code, p.blob.TOTPSecret, time.Now().UTC()) {
		return brokererr.ErrBadPassphrase
	}

	m.chMu.Lock()
	delete(m.pending, challengeID)
	m.chMu.Unlock()

	return m.completeUnlock(ctx, p.key, p.passphrase, p.blob)
}

// unlockDirect bypasses the TOTP challenge entirely. Used only by
// RestoreFromEphemeral, where the passphrase was already re-derived from a
// session the user had previously completed a full unlock for.
func (m *Manager) unlockDirect(ctx context.Context, passphrase []byte) error {
	key, blob, err := m.decryptBlob(ctx, passphrase)
	if err != nil {
		return err
	}
	return m.completeUnlock(ctx, key, passphrase, blob)
}

// Lock clears the in-memory session unconditionally. Safe to call whether
// or not a session is currently unlocked.
func (m *Manager) Lock(ctx context.Context) {
	m.mu.Lock()
	_ = cryptoprim.UnlockMemory(m.derivedKey[:])
	cryptoprim.ZeroKey(&m.derivedKey)
	cryptoprim.Zero(m.passphrase)
	m.passphrase = nil
	m.unlocked = false
	m.storageClient = nil
	m.mu.Unlock()

	m.store.RemoveEphemeral(keySessionActive)
	m.store.RemoveEphemeral(keySessionPass)
	m.store.RemoveEphemeral(keyLastActivity)
}

// IsUnlocked reports current state without side effects.
func (m *Manager) IsUnlocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unlocked
}

// Touch bumps lastActivityAt and re-mirrors the ephemeral restore token.
// Called by the router after every successfully admitted, non-rate-limited
// action (spec §4.8 step 5).
func (m *Manager) Touch(ctx context.Context) {
	m.mu.Lock()
	if !m.unlocked {
		m.mu.Unlock()
		return
	}
	m.lastActivityAt = time.Now()
	m.mu.Unlock()
	m.mirrorEphemeral(ctx)
}

// CheckExpiry locks the session if it has been idle past InactivityTimeout
// and reports whether that happened, so callers can distinguish a fresh
// Locked state from a SessionExpired one.
func (m *Manager) CheckExpiry(ctx context.Context) (expired bool) {
	m.mu.Lock()
	if !m.unlocked {
		m.mu.Unlock()
		return false
	}
	idle := time.Since(m.lastActivityAt)
	m.mu.Unlock()

	if idle > InactivityTimeout {
		m.Lock(ctx)
		return true
	}
	return false
}

// StorageClient returns the client initialized at Unlock, or nil if the
// session is locked.
func (m *Manager) StorageClient() storageclient.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.storageClient
}

// mirrorEphemeral writes the restore token to ephemeral storage: the
// passphrase wrapped under the process-local key (secretstore.WrapEphemeral)
// plus the plaintext activity timestamp, matching the persisted-state
// layout's pdm_session_password / pdm_last_activity keys.
func (m *Manager) mirrorEphemeral(ctx context.Context) {
	m.mu.Lock()
	passphrase := append([]byte(nil), m.passphrase...)
	lastActivity := m.lastActivityAt
	m.mu.Unlock()

	wrapped, err := secretstore.WrapEphemeral(passphrase)
	cryptoprim.Zero(passphrase)
	if err != nil {
		return
	}
	m.store.PutEphemeral(keySessionActive, []byte("1"))
	m.store.PutEphemeral(keySessionPass, wrapped)
	ts, _ := lastActivity.MarshalBinary()
	m.store.PutEphemeral(keyLastActivity, ts)
}

// RestoreFromEphemeral re-derives the session from the ephemeral mirror if
// one exists and is no older than InactivityTimeout, letting a Manager
// rebuilt over the same Store skip forcing the user to re-unlock. A stale
// token is cleared rather than honored. The mirror lives in the Store's
// in-process ephemeral map and is wrapped under a per-process key, so it
// does not survive a restart of the process.
func (m *Manager) RestoreFromEphemeral(ctx context.Context) (bool, error) {
	activeRaw, ok := m.store.GetEphemeral(keySessionActive)
	if !ok || string(activeRaw) != "1" {
		return false, nil
	}
	tsRaw, ok := m.store.GetEphemeral(keyLastActivity)
	if !ok {
		return false, nil
	}
	var lastActivity time.Time
	if err := lastActivity.UnmarshalBinary(tsRaw); err != nil {
		m.clearEphemeral()
		return false, nil
	}
	if time.Since(lastActivity) > InactivityTimeout {
		m.clearEphemeral()
		return false, nil
	}

	wrapped, ok := m.store.GetEphemeral(keySessionPass)
	if !ok {
		return false, nil
	}
	passphrase, err := secretstore.UnwrapEphemeral(wrapped)
	if err != nil {
		m.clearEphemeral()
		return false, nil
	}
	defer cryptoprim.Zero(passphrase)

	if err := m.unlockDirect(ctx, passphrase); err != nil {
		m.clearEphemeral()
		return false, err
	}

	m.mu.Lock()
	m.lastActivityAt = lastActivity
	m.mu.Unlock()
	return true, nil
}

func (m *Manager) clearEphemeral() {
	m.store.RemoveEphemeral(keySessionActive)
	m.store.RemoveEphemeral(keySessionPass)
	m.store.RemoveEphemeral(keyLastActivity)
}
