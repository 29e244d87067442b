// Copyright 2026 The SiteWarden Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sitewarden/sitewarden/lib/clock"
	"github.com/sitewarden/sitewarden/lib/fault"
	"github.com/sitewarden/sitewarden/lib/ident"
	"github.com/sitewarden/sitewarden/lib/sealed"
	"github.com/sitewarden/sitewarden/lib/store"
	"github.com/sitewarden/sitewarden/lib/tenant"
)

type fixture struct {
	store *store.Store
	vault *Vault
	tctx  tenant.Context
	site  store.Site
}

func keypairVersion(t *testing.T, keyring *Keyring, version int) *sealed.Keypair {
	t.Helper()
	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	if err := keyring.AddVersion(version, keypair.PrivateKey, keypair.PublicKey); err != nil {
		t.Fatalf("AddVersion: %v", err)
	}
	return keypair
}

func newFixture(t *testing.T, activeVersion int) (*fixture, *Keyring) {
	t.Helper()
	st, err := store.Open(store.Config{
		Path:  filepath.Join(t.TempDir(), "state.db"),
		Clock: clock.Fake(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	keyring := NewKeyring(activeVersion)
	t.Cleanup(func() { keyring.Close() })
	keypairVersion(t, keyring, activeVersion)

	v, err := New(st, keyring, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tctx, err := tenant.Bind(ident.NewTenantID(), tenant.ScopeAPI)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	site, err := st.CreateSite(context.Background(), tctx, "shop", "https://shop.example")
	if err != nil {
		t.Fatalf("CreateSite: %v", err)
	}

	return &fixture{store: st, vault: v, tctx: tctx, site: site}, keyring
}

func TestSealAndWithPlaintext(t *testing.T) {
	f, _ := newFixture(t, 1)

	original := []byte("admin:correct horse battery staple")
	want := bytes.Clone(original)
	if err := f.vault.Seal(context.Background(), f.tctx, f.site.ID, store.CredentialWPAdmin, original); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	// Seal zeroes the caller's plaintext.
	if !bytes.Equal(original, make([]byte, len(original))) {
		t.Fatal("Seal left plaintext in the caller's slice")
	}

	// The stored row carries only ciphertext.
	credential, err := f.store.GetCredential(context.Background(), f.tctx, f.site.ID, store.CredentialWPAdmin)
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if bytes.Contains([]byte(credential.Ciphertext), want) {
		t.Fatal("ciphertext contains plaintext")
	}
	if credential.KeyVersion != 1 {
		t.Fatalf("key version = %d, want 1", credential.KeyVersion)
	}

	called := false
	err = f.vault.WithPlaintext(context.Background(), f.tctx, f.site.ID, store.CredentialWPAdmin, func(plaintext []byte) error {
		called = true
		if !bytes.Equal(plaintext, want) {
			t.Fatalf("plaintext = %q, want %q", plaintext, want)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithPlaintext: %v", err)
	}
	if !called {
		t.Fatal("fn was not called")
	}
}

func TestWithPlaintextMissingCredential(t *testing.T) {
	f, _ := newFixture(t, 1)

	err := f.vault.WithPlaintext(context.Background(), f.tctx, f.site.ID, store.CredentialSSH, func([]byte) error {
		t.Fatal("fn called for missing credential")
		return nil
	})
	if !errors.Is(err, fault.ErrCredentialNotFound) {
		t.Fatalf("WithPlaintext = %v, want ErrCredentialNotFound", err)
	}
}

func TestWithPlaintextTenantIsolation(t *testing.T) {
	f, _ := newFixture(t, 1)
	if err := f.vault.Seal(context.Background(), f.tctx, f.site.ID, store.CredentialSSH, []byte("ssh-key")); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	other, err := tenant.Bind(ident.NewTenantID(), tenant.ScopeWorker)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	err = f.vault.WithPlaintext(context.Background(), other, f.site.ID, store.CredentialSSH, func([]byte) error {
		t.Fatal("fn called across tenants")
		return nil
	})
	if !errors.Is(err, fault.ErrTenantIsolation) {
		t.Fatalf("cross-tenant WithPlaintext = %v, want ErrTenantIsolation", err)
	}
}

func TestRotate(t *testing.T) {
	f, keyring := newFixture(t, 1)

	want := []byte("ftp:hunter2")
	if err := f.vault.Seal(context.Background(), f.tctx, f.site.ID, store.CredentialFTP, bytes.Clone(want)); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	// Introduce version 2 and make it active.
	keypairVersion(t, keyring, 2)
	keyring.active = 2

	rotated, err := f.vault.Rotate(context.Background())
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if rotated != 1 {
		t.Fatalf("rotated %d credentials, want 1", rotated)
	}

	credential, err := f.store.GetCredential(context.Background(), f.tctx, f.site.ID, store.CredentialFTP)
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if credential.KeyVersion != 2 {
		t.Fatalf("key version after rotate = %d, want 2", credential.KeyVersion)
	}

	// Still opens to the same plaintext.
	err = f.vault.WithPlaintext(context.Background(), f.tctx, f.site.ID, store.CredentialFTP, func(plaintext []byte) error {
		if !bytes.Equal(plaintext, want) {
			t.Fatalf("plaintext after rotate = %q, want %q", plaintext, want)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithPlaintext: %v", err)
	}

	// Second rotate finds nothing to do.
	rotated, err = f.vault.Rotate(context.Background())
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if rotated != 0 {
		t.Fatalf("second rotate resealed %d credentials, want 0", rotated)
	}
}
