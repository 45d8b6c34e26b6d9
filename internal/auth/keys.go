package auth

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrInvalidKey is returned for unknown key names and wrong secrets alike,
// so callers cannot distinguish the two cases.
var ErrInvalidKey = errors.New("auth: invalid API key")

// Key is a registered API key. The secret itself is never stored, only
// its Argon2id hash.
type Key struct {
	ID        uuid.UUID
	Name      string
	Hash      string
	ProjectID string // empty grants access to all projects
}

// Keystore holds registered API keys in memory, indexed by name.
type Keystore struct {
	mu   sync.RWMutex
	keys map[string]Key
}

// NewKeystore creates an empty keystore.
func NewKeystore() *Keystore {
	return &Keystore{keys: make(map[string]Key)}
}

// Register hashes the secret and stores the key under name, replacing any
// existing key with the same name.
func (ks *Keystore) Register(name, secret, projectID string) (Key, error) {
	if name == "" || secret == "" {
		return Key{}, errors.New("auth: key name and secret are required")
	}
	hash, err := HashAPIKey(secret)
	if err != nil {
		return Key{}, err
	}
	key := Key{
		ID:        uuid.New(),
		Name:      name,
		Hash:      hash,
		ProjectID: projectID,
	}
	ks.mu.Lock()
	ks.keys[name] = key
	ks.mu.Unlock()
	return key, nil
}

// Authenticate verifies the secret for the named key. It runs a dummy hash
// for unknown names so lookup misses take as long as real verification.
func (ks *Keystore) Authenticate(name, secret string) (Key, error) {
	ks.mu.RLock()
	key, ok := ks.keys[name]
	ks.mu.RUnlock()

	if !ok {
		DummyVerify()
		return Key{}, ErrInvalidKey
	}

	valid, err := VerifyAPIKey(secret, key.Hash)
	if err != nil {
		return Key{}, err
	}
	if !valid {
		return Key{}, ErrInvalidKey
	}
	return key, nil
}

// Len returns the number of registered keys.
func (ks *Keystore) Len() int {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return len(ks.keys)
}
