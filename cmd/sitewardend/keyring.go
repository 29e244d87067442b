// Copyright 2026 The SiteWarden Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"fmt"
	"os"
	"strconv"

	"github.com/sitewarden/sitewarden/lib/config"
	"github.com/sitewarden/sitewarden/lib/secret"
	"github.com/sitewarden/sitewarden/lib/vault"
)

// loadKeyring reads the vault key file and assembles the keyring. The
// file holds one line per key version, "<version>:<AGE-SECRET-KEY>",
// with blank lines and #-comments ignored; the matching public keys
// come from vault.recipient_keys in the config. Generate keypairs with
// sitewarden-credentials keygen.
//
// Key material is kept in byte slices, never strings, so every copy
// can be zeroed once the identities land in locked buffers.
func loadKeyring(cfg config.VaultConfig) (*vault.Keyring, error) {
	raw, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	defer zero(raw)

	keyring := vault.NewKeyring(cfg.ActiveVersion)
	loaded := make(map[int]bool)
	for lineNumber, line := range bytes.Split(raw, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		versionText, key, ok := bytes.Cut(line, []byte(":"))
		if !ok {
			keyring.Close()
			return nil, fmt.Errorf("%s:%d: expected <version>:<AGE-SECRET-KEY>", cfg.KeyFile, lineNumber+1)
		}
		version, err := strconv.Atoi(string(versionText))
		if err != nil {
			keyring.Close()
			return nil, fmt.Errorf("%s:%d: bad key version %q", cfg.KeyFile, lineNumber+1, versionText)
		}
		if loaded[version] {
			keyring.Close()
			return nil, fmt.Errorf("%s:%d: duplicate key version %d", cfg.KeyFile, lineNumber+1, version)
		}
		recipient, ok := cfg.RecipientKeys[version]
		if !ok {
			keyring.Close()
			return nil, fmt.Errorf("%s:%d: no vault.recipient_keys entry for version %d", cfg.KeyFile, lineNumber+1, version)
		}
		identity, err := secret.NewFromBytes(key)
		if err != nil {
			keyring.Close()
			return nil, err
		}
		if err := keyring.AddVersion(version, identity, recipient); err != nil {
			identity.Close()
			keyring.Close()
			return nil, err
		}
		loaded[version] = true
	}
	if !loaded[cfg.ActiveVersion] {
		keyring.Close()
		return nil, fmt.Errorf("%s: no private key for active version %d", cfg.KeyFile, cfg.ActiveVersion)
	}
	return keyring, nil
}

// zero scrubs the raw key file bytes once the identities are copied
// into locked buffers.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
