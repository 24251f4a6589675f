// Package auth guards the mutating deal endpoints with static API keys.
//
// Keys come from configuration as "sk_<secret>" or "sk_<secret>:<wallet>".
// Only SHA-256 hashes are kept in memory. A key bound to a wallet may only
// act as that wallet.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid API key")
	ErrNotOwner      = errors.New("API key is not allowed to act as this wallet")
)

const keyPrefix = "sk_"

// Key is a configured API key.
type Key struct {
	ID     string // First characters of the hash, safe to log
	Hash   string
	Wallet string // Lowercase; empty means any wallet
}

// Keyring validates presented keys.
type Keyring struct {
	byHash map[string]*Key
}

// ParseKeys builds a Keyring from a comma-separated list. An empty list
// yields a disabled Keyring.
func ParseKeys(raw string) (*Keyring, error) {
	k := &Keyring{byHash: make(map[string]*Key)}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		secret, wallet, _ := strings.Cut(entry, ":")
		if !strings.HasPrefix(secret, keyPrefix) || len(secret) < len(keyPrefix)+16 {
			return nil, fmt.Errorf("API key must start with %q and carry at least 16 characters", keyPrefix)
		}
		if wallet != "" && !common.IsHexAddress(wallet) {
			return nil, fmt.Errorf("API key wallet %q is not a hex address", wallet)
		}
		h := hashKey(secret)
		k.byHash[h] = &Key{ID: h[:12], Hash: h, Wallet: strings.ToLower(wallet)}
	}
	return k, nil
}

// Enabled reports whether any key is configured.
func (k *Keyring) Enabled() bool {
	return k != nil && len(k.byHash) > 0
}

// Validate returns the key matching raw. raw may carry a "Bearer " prefix.
func (k *Keyring) Validate(raw string) (*Key, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw == "" {
		return nil, ErrNoAPIKey
	}
	if !strings.HasPrefix(raw, keyPrefix) || k == nil {
		return nil, ErrInvalidAPIKey
	}
	key, ok := k.byHash[hashKey(raw)]
	if !ok {
		return nil, ErrInvalidAPIKey
	}
	return key, nil
}

// CanActAs reports whether key may act for wallet.
func (key *Key) CanActAs(wallet string) bool {
	return key.Wallet == "" || strings.EqualFold(key.Wallet, wallet)
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
