// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package instance

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/holomush/pluginrt/pkg/plugin"
	"github.com/holomush/pluginrt/pkg/plugin/schema"
)

// Fingerprinter derives cache keys from plugin id and configuration.
// Secret values never enter the key: they contribute only through a keyed
// BLAKE2b MAC whose key lives in this process.
type Fingerprinter struct {
	key []byte
}

// NewFingerprinter creates a Fingerprinter with a random MAC key.
func NewFingerprinter() (*Fingerprinter, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate fingerprint key: %w", err)
	}
	return &Fingerprinter{key: key}, nil
}

// NewFingerprinterWithKey uses a fixed MAC key of up to 64 bytes.
func NewFingerprinterWithKey(key []byte) *Fingerprinter {
	return &Fingerprinter{key: append([]byte(nil), key...)}
}

type fingerprintInput struct {
	ID        string `json:"id"`
	Variables any    `json:"variables"`
	Secrets   string `json:"secrets"`
}

// Fingerprint returns "<id>@<sha256 hex>". Equal id and config always give
// the same fingerprint; map key order does not matter.
func (f *Fingerprinter) Fingerprint(id string, cfg plugin.Config) (string, error) {
	variables, err := schema.Normalize(cfg.Variables)
	if err != nil {
		return "", fmt.Errorf("fingerprint variables: %w", err)
	}
	secretsID, err := f.secretsIdentity(cfg.Secrets)
	if err != nil {
		return "", err
	}

	// encoding/json sorts map keys, so the encoding is canonical.
	data, err := json.Marshal(fingerprintInput{ID: id, Variables: variables, Secrets: secretsID})
	if err != nil {
		return "", fmt.Errorf("fingerprint encode: %w", err)
	}
	sum := sha256.Sum256(data)
	return id + "@" + hex.EncodeToString(sum[:]), nil
}

func (f *Fingerprinter) secretsIdentity(secrets any) (string, error) {
	normalized, err := schema.Normalize(secrets)
	if err != nil {
		return "", fmt.Errorf("fingerprint secrets: %w", err)
	}
	data, err := json.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("fingerprint secrets: %w", err)
	}
	mac, err := blake2b.New256(f.key)
	if err != nil {
		return "", fmt.Errorf("fingerprint mac: %w", err)
	}
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
