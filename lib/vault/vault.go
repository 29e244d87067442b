// Copyright 2026 The SiteWarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package vault seals and unseals site credentials.
//
// Plaintext credentials exist only inside the scoped function passed
// to [Vault.WithPlaintext]; the backing buffer is mlocked, excluded
// from core dumps, and zeroed the moment the function returns. No
// method returns plaintext, and nothing in this package logs it.
//
// Credentials are sealed to the recipients of the keyring's active
// version. Older versions stay readable so rotation can proceed
// without a flag day; [Vault.Rotate] reseals stragglers.
package vault

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sitewarden/sitewarden/lib/ident"
	"github.com/sitewarden/sitewarden/lib/sealed"
	"github.com/sitewarden/sitewarden/lib/secret"
	"github.com/sitewarden/sitewarden/lib/store"
	"github.com/sitewarden/sitewarden/lib/tenant"
)

// Keyring holds the age keys the vault seals to and opens with,
// indexed by version. The zero value is unusable; construct with
// [NewKeyring] and add at least the active version.
type Keyring struct {
	active     int
	identities map[int]*secret.Buffer
	recipients map[int][]string
}

// NewKeyring creates a keyring whose active version is used for all
// new seals.
func NewKeyring(activeVersion int) *Keyring {
	return &Keyring{
		active:     activeVersion,
		identities: make(map[int]*secret.Buffer),
		recipients: make(map[int][]string),
	}
}

// AddVersion registers a key version. The identity opens credentials
// sealed with this version; recipients are the public keys new seals
// of this version encrypt to. The keyring takes ownership of the
// identity buffer.
func (k *Keyring) AddVersion(version int, identity *secret.Buffer, recipients ...string) error {
	if len(recipients) == 0 {
		return fmt.Errorf("vault: version %d needs at least one recipient", version)
	}
	for _, recipient := range recipients {
		if err := sealed.ValidatePublicKey(recipient); err != nil {
			return fmt.Errorf("vault: version %d: %w", version, err)
		}
	}
	k.identities[version] = identity
	k.recipients[version] = recipients
	return nil
}

// ActiveVersion returns the version new credentials are sealed with.
func (k *Keyring) ActiveVersion() int { return k.active }

func (k *Keyring) identity(version int) (*secret.Buffer, error) {
	identity, ok := k.identities[version]
	if !ok {
		return nil, fmt.Errorf("vault: no identity for key version %d", version)
	}
	return identity, nil
}

func (k *Keyring) recipientsFor(version int) ([]string, error) {
	recipients, ok := k.recipients[version]
	if !ok {
		return nil, fmt.Errorf("vault: no recipients for key version %d", version)
	}
	return recipients, nil
}

// Close zeroes every identity in the keyring.
func (k *Keyring) Close() error {
	var firstErr error
	for _, identity := range k.identities {
		if err := identity.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Vault is the credential safe. Safe for concurrent use.
type Vault struct {
	store   *store.Store
	keyring *Keyring
	logger  *slog.Logger
}

// New creates a vault over the given store and keyring.
func New(st *store.Store, keyring *Keyring, logger *slog.Logger) (*Vault, error) {
	if st == nil || keyring == nil {
		return nil, fmt.Errorf("vault: store and keyring are required")
	}
	if _, err := keyring.recipientsFor(keyring.active); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Vault{store: st, keyring: keyring, logger: logger}, nil
}

// Seal encrypts plaintext to the active key version's recipients and
// stores it as the site's credential of the given kind. The plaintext
// slice is zeroed before Seal returns.
func (v *Vault) Seal(ctx context.Context, tctx tenant.Context, siteID ident.SiteID, kind store.CredentialKind, plaintext []byte) error {
	defer func() {
		for i := range plaintext {
			plaintext[i] = 0
		}
	}()

	recipients, err := v.keyring.recipientsFor(v.keyring.active)
	if err != nil {
		return err
	}
	ciphertext, err := sealed.Encrypt(plaintext, recipients)
	if err != nil {
		return fmt.Errorf("vault: sealing %s credential for site %s: %w", kind, siteID, err)
	}

	if _, err := v.store.PutCredential(ctx, tctx, siteID, kind, ciphertext, v.keyring.active); err != nil {
		return err
	}
	v.logger.Info("credential sealed",
		"site_id", string(siteID),
		"kind", string(kind),
		"key_version", v.keyring.active,
	)
	return nil
}

// WithPlaintext unseals the site's credential of the given kind and
// passes the plaintext to fn. The plaintext buffer is closed (zeroed)
// when fn returns, even on panic; fn must not retain the slice.
func (v *Vault) WithPlaintext(ctx context.Context, tctx tenant.Context, siteID ident.SiteID, kind store.CredentialKind, fn func(plaintext []byte) error) error {
	credential, err := v.store.GetCredential(ctx, tctx, siteID, kind)
	if err != nil {
		return err
	}

	identity, err := v.keyring.identity(credential.KeyVersion)
	if err != nil {
		return err
	}
	plaintext, err := sealed.Decrypt(credential.Ciphertext, identity)
	if err != nil {
		return fmt.Errorf("vault: unsealing %s credential for site %s: %w", kind, siteID, err)
	}
	defer plaintext.Close()

	return fn(plaintext.Bytes())
}

// Rotate reseals every credential not yet on the active key version.
// It runs under the system scope to find stragglers, then re-seals
// each one under a worker binding for its own tenant, so the write
// path's isolation checks still apply. Returns the number of
// credentials resealed.
func (v *Vault) Rotate(ctx context.Context) (int, error) {
	stale, err := v.store.ListCredentialsByKeyVersion(ctx, tenant.System(), v.keyring.active)
	if err != nil {
		return 0, err
	}

	recipients, err := v.keyring.recipientsFor(v.keyring.active)
	if err != nil {
		return 0, err
	}

	rotated := 0
	for _, credential := range stale {
		identity, err := v.keyring.identity(credential.KeyVersion)
		if err != nil {
			return rotated, fmt.Errorf("vault: rotating credential %s: %w", credential.ID, err)
		}
		plaintext, err := sealed.Decrypt(credential.Ciphertext, identity)
		if err != nil {
			return rotated, fmt.Errorf("vault: rotating credential %s: %w", credential.ID, err)
		}

		ciphertext, err := sealed.Encrypt(plaintext.Bytes(), recipients)
		plaintext.Close()
		if err != nil {
			return rotated, fmt.Errorf("vault: rotating credential %s: %w", credential.ID, err)
		}

		owner, err := tenant.Bind(credential.TenantID, tenant.ScopeWorker)
		if err != nil {
			return rotated, fmt.Errorf("vault: rotating credential %s: %w", credential.ID, err)
		}
		if _, err := v.store.PutCredential(ctx, owner, credential.SiteID, credential.Kind, ciphertext, v.keyring.active); err != nil {
			return rotated, fmt.Errorf("vault: rotating credential %s: %w", credential.ID, err)
		}
		rotated++
	}

	if rotated > 0 {
		v.logger.Info("credentials rotated",
			"count", rotated,
			"key_version", v.keyring.active,
		)
	}
	return rotated, nil
}
