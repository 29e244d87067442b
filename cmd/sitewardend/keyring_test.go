// Copyright 2026 The SiteWarden Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sitewarden/sitewarden/lib/config"
	"github.com/sitewarden/sitewarden/lib/sealed"
)

func writeKeyFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vault.key")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing key file: %v", err)
	}
	return path
}

func testKeypair(t *testing.T) *sealed.Keypair {
	t.Helper()
	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	t.Cleanup(func() { keypair.Close() })
	return keypair
}

func TestLoadKeyring(t *testing.T) {
	first := testKeypair(t)
	second := testKeypair(t)

	path := writeKeyFile(t, fmt.Sprintf(
		"# vault identities\n\n1:%s\n2:%s\n",
		first.PrivateKey.String(), second.PrivateKey.String()))

	keyring, err := loadKeyring(config.VaultConfig{
		KeyFile:       path,
		ActiveVersion: 2,
		RecipientKeys: map[int]string{1: first.PublicKey, 2: second.PublicKey},
	})
	if err != nil {
		t.Fatalf("loadKeyring: %v", err)
	}
	defer keyring.Close()

	if keyring.ActiveVersion() != 2 {
		t.Errorf("active version = %d, want 2", keyring.ActiveVersion())
	}
}

func TestLoadKeyringErrors(t *testing.T) {
	keypair := testKeypair(t)

	cases := []struct {
		name string
		file string
		cfg  config.VaultConfig
		want string
	}{
		{
			name: "missing active version",
			file: "1:" + keypair.PrivateKey.String() + "\n",
			cfg: config.VaultConfig{
				ActiveVersion: 2,
				RecipientKeys: map[int]string{1: keypair.PublicKey},
			},
			want: "active version 2",
		},
		{
			name: "malformed line",
			file: "not a key line\n",
			cfg: config.VaultConfig{
				ActiveVersion: 1,
				RecipientKeys: map[int]string{1: keypair.PublicKey},
			},
			want: "expected <version>",
		},
		{
			name: "no recipient for version",
			file: "1:" + keypair.PrivateKey.String() + "\n",
			cfg: config.VaultConfig{
				ActiveVersion: 1,
			},
			want: "recipient_keys",
		},
		{
			name: "duplicate version",
			file: "1:" + keypair.PrivateKey.String() + "\n1:" + keypair.PrivateKey.String() + "\n",
			cfg: config.VaultConfig{
				ActiveVersion: 1,
				RecipientKeys: map[int]string{1: keypair.PublicKey},
			},
			want: "duplicate key version",
		},
	}
	for _, tc := range cases {
		tc.cfg.KeyFile = writeKeyFile(t, tc.file)
		_, err := loadKeyring(tc.cfg)
		if err == nil {
			t.Errorf("%s: loadKeyring succeeded, want error", tc.name)
			continue
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: error %q does not mention %q", tc.name, err, tc.want)
		}
	}
}
