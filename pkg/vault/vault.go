package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/nimbusdb/pkg/dberr"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Envelope is the on-disk record of an encrypted value: which key sealed
// it, the nonce used, and the ciphertext (AES-256-GCM, tag included).
type Envelope struct {
	KeyID      string `cbor:"key_id"`
	Nonce      []byte `cbor:"nonce"`
	Ciphertext []byte `cbor:"ciphertext"`
}

// Permissions gates which key ids a caller may decrypt with. Decrypt treats
// a nil Permissions as denying every key, matching "no permissions
// attached".
type Permissions interface {
	CanDecrypt(keyID string) bool
}

// AllowAll grants decryption of any key id; used by the database façade
// when no effective permissions were configured for a handle.
type AllowAll struct{}

func (AllowAll) CanDecrypt(string) bool { return true }

// Vault is the encryption capability mediating document- and entry-body
// confidentiality (spec component 4.B).
type Vault interface {
	Encrypt(keyID string, plaintext []byte) (Envelope, error)
	Decrypt(env Envelope, perms Permissions) ([]byte, error)
}

// LocalKeyring is a Vault backed by an in-process map of 32-byte AES-256
// keys. Other implementations (KMS-backed, a null test vault) satisfy the
// plain Vault interface without exposing key management.
type LocalKeyring interface {
	Vault
	AddKey(keyID string, key []byte) error
	GenerateKey() (keyID string, err error)
}

// localVault is LocalKeyring's implementation, grounded on
// pkg/security/secrets.go's SecretsManager: the same AES-256-GCM sealing,
// generalized from one global cluster key to a named keyring.
type localVault struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

// NewLocalKeyring creates an empty local keyring vault.
func NewLocalKeyring() LocalKeyring {
	return &localVault{keys: make(map[string][]byte)}
}

// AddKey registers a 32-byte AES-256 key under keyID, overwriting any
// existing key with that id (the rotation path: callers keep decrypting
// old envelopes sealed under a previous AddKey call for the same id only
// if they retain that key separately — rotation here means "this id now
// seals new data with this key").
func (v *localVault) AddKey(keyID string, key []byte) error {
	if len(key) != 32 {
		return dberr.New("vault.AddKey", dberr.KindStorage, fmt.Errorf("key must be 32 bytes for AES-256, got %d", len(key)))
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.keys[keyID] = key
	return nil
}

// GenerateKey creates a fresh random 32-byte key under a new uuid-derived
// key id and registers it, returning the id.
func (v *localVault) GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", dberr.New("vault.GenerateKey", dberr.KindIO, err)
	}
	keyID := uuid.NewString()
	if err := v.AddKey(keyID, key); err != nil {
		return "", err
	}
	return keyID, nil
}

func (v *localVault) Encrypt(keyID string, plaintext []byte) (Envelope, error) {
	v.mu.RLock()
	key, ok := v.keys[keyID]
	v.mu.RUnlock()
	if !ok {
		return Envelope{}, dberr.New("vault.Encrypt", dberr.KindStorage, fmt.Errorf("unknown key id %q", keyID))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return Envelope{}, dberr.New("vault.Encrypt", dberr.KindStorage, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Envelope{}, dberr.New("vault.Encrypt", dberr.KindStorage, err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Envelope{}, dberr.New("vault.Encrypt", dberr.KindIO, err)
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	return Envelope{KeyID: keyID, Nonce: nonce, Ciphertext: ciphertext}, nil
}

func (v *localVault) Decrypt(env Envelope, perms Permissions) ([]byte, error) {
	if perms == nil || !perms.CanDecrypt(env.KeyID) {
		return nil, dberr.New("vault.Decrypt", dberr.KindUnauthorized, fmt.Errorf("not permitted to decrypt key %q", env.KeyID))
	}

	v.mu.RLock()
	key, ok := v.keys[env.KeyID]
	v.mu.RUnlock()
	if !ok {
		return nil, dberr.New("vault.Decrypt", dberr.KindStorage, fmt.Errorf("unknown key id %q", env.KeyID))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, dberr.New("vault.Decrypt", dberr.KindStorage, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, dberr.New("vault.Decrypt", dberr.KindStorage, err)
	}
	plaintext, err := gcm.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, dberr.New("vault.Decrypt", dberr.KindStorage, fmt.Errorf("open seal: %w", err))
	}
	return plaintext, nil
}

// Resolve picks the first non-empty key id in priority order:
// document-header key, collection-default key, database-default key. An
// empty return means plaintext storage (spec §4.B).
func Resolve(headerKeyID, collectionKeyID, databaseKeyID *string) string {
	for _, id := range []*string{headerKeyID, collectionKeyID, databaseKeyID} {
		if id != nil && *id != "" {
			return *id
		}
	}
	return ""
}

// sealedRecord is the self-describing envelope-or-plain wire shape
// DecryptSerialized/EncryptSerialized operate on.
type sealedRecord struct {
	Sealed   bool     `cbor:"sealed"`
	Envelope Envelope `cbor:"envelope,omitempty"`
	Plain    []byte   `cbor:"plain,omitempty"`
}

// EncryptSerialized CBOR-encodes v and, if keyID is non-empty, seals it
// with vault, producing the self-describing bytes DecryptSerialized
// reverses.
func EncryptSerialized[T any](v Vault, keyID string, value T) ([]byte, error) {
	body, err := cbor.Marshal(value)
	if err != nil {
		return nil, dberr.New("vault.EncryptSerialized", dberr.KindSerialization, err)
	}

	rec := sealedRecord{Plain: body}
	if keyID != "" {
		env, err := v.Encrypt(keyID, body)
		if err != nil {
			return nil, err
		}
		rec = sealedRecord{Sealed: true, Envelope: env}
	}

	out, err := cbor.Marshal(rec)
	if err != nil {
		return nil, dberr.New("vault.EncryptSerialized", dberr.KindSerialization, err)
	}
	return out, nil
}

// DecryptSerialized deserializes a self-describing envelope-or-plain
// record produced by EncryptSerialized, decrypting it first if it was
// sealed. Decryption failures (including unauthorized access) propagate
// verbatim rather than silently producing a zero value, per spec I1.
func DecryptSerialized[T any](v Vault, perms Permissions, data []byte) (T, error) {
	var zero T
	var rec sealedRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return zero, dberr.New("vault.DecryptSerialized", dberr.KindSerialization, err)
	}

	body := rec.Plain
	if rec.Sealed {
		plaintext, err := v.Decrypt(rec.Envelope, perms)
		if err != nil {
			return zero, err
		}
		body = plaintext
	}

	var out T
	if err := cbor.Unmarshal(body, &out); err != nil {
		return zero, dberr.New("vault.DecryptSerialized", dberr.KindSerialization, err)
	}
	return out, nil
}
