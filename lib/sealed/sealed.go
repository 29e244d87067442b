// Copyright 2026 The SiteWarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed wraps filippo.io/age for the credential vault's
// three operations: generate x25519 keypairs, encrypt plaintext to
// one or more recipients, and decrypt ciphertext with a private key.
//
// Ciphertext is base64-encoded for storage in the site_credentials
// table. Private keys and decrypted plaintext travel in
// secret.Buffer values (mmap-backed, mlocked, zeroed on Close) and
// never touch the Go heap longer than the age API forces them to.
package sealed

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"filippo.io/age"

	"github.com/sitewarden/sitewarden/lib/secret"
)

// Keypair holds an age x25519 keypair. The private key lives in a
// secret.Buffer; the public key is a plain string, safe to publish
// and to store in the vault's key registry. Call Close when done.
type Keypair struct {
	// PrivateKey is the AGE-SECRET-KEY-1... identity. Never logged,
	// never written to disk unencrypted by this module.
	PrivateKey *secret.Buffer

	// PublicKey is the corresponding age1... recipient.
	PublicKey string
}

// Close releases the private key memory. Idempotent.
func (k *Keypair) Close() error {
	if k.PrivateKey != nil {
		return k.PrivateKey.Close()
	}
	return nil
}

// GenerateKeypair generates a new age x25519 keypair, moving the
// private key into protected memory immediately.
func GenerateKeypair() (*Keypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("sealed: generating keypair: %w", err)
	}

	// identity.String() is a heap string we cannot avoid; the
	// protected buffer is the durable copy.
	privateKey, err := secret.NewFromBytes([]byte(identity.String()))
	if err != nil {
		return nil, fmt.Errorf("sealed: protecting private key: %w", err)
	}

	return &Keypair{
		PrivateKey: privateKey,
		PublicKey:  identity.Recipient().String(),
	}, nil
}

// Encrypt encrypts plaintext to the given age public keys and returns
// base64-encoded ciphertext. At least one recipient is required; for
// credentials the recipients are the current key version's service
// key plus the operator escrow key.
func Encrypt(plaintext []byte, recipientKeys []string) (string, error) {
	if len(plaintext) == 0 {
		return "", fmt.Errorf("sealed: plaintext must not be empty")
	}
	if len(recipientKeys) == 0 {
		return "", fmt.Errorf("sealed: at least one recipient is required")
	}

	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return "", fmt.Errorf("sealed: parsing recipient %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipients...)
	if err != nil {
		return "", fmt.Errorf("sealed: creating encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return "", fmt.Errorf("sealed: writing plaintext: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("sealed: finalizing encryption: %w", err)
	}

	return base64.StdEncoding.EncodeToString(ciphertext.Bytes()), nil
}

// Decrypt decrypts base64 ciphertext with the given private key and
// returns the plaintext in a new protected buffer. The private key is
// borrowed, not closed. The caller must Close the returned buffer.
func Decrypt(ciphertext string, privateKey *secret.Buffer) (*secret.Buffer, error) {
	identity, err := age.ParseX25519Identity(privateKey.String())
	if err != nil {
		return nil, fmt.Errorf("sealed: parsing private key: %w", err)
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("sealed: decoding ciphertext: %w", err)
	}

	reader, err := age.Decrypt(bytes.NewReader(raw), identity)
	if err != nil {
		return nil, fmt.Errorf("sealed: decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("sealed: reading plaintext: %w", err)
	}

	if len(plaintext) == 0 {
		return nil, fmt.Errorf("sealed: ciphertext decrypted to empty plaintext")
	}

	buffer, err := secret.NewFromBytes(plaintext)
	if err != nil {
		for i := range plaintext {
			plaintext[i] = 0
		}
		return nil, fmt.Errorf("sealed: protecting plaintext: %w", err)
	}
	return buffer, nil
}

// ValidatePublicKey reports whether key parses as an age x25519
// public key. Used to validate key registry entries before sealing
// credentials to them.
func ValidatePublicKey(key string) error {
	if _, err := age.ParseX25519Recipient(key); err != nil {
		return fmt.Errorf("sealed: invalid public key: %w", err)
	}
	return nil
}
