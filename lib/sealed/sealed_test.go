// Copyright 2026 The SiteWarden Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bytes"
	"strings"
	"testing"
)

func TestEncryptDecryptRoundtrip(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer keypair.Close()

	plaintext := []byte("wp_admin:hunter2:https://customer.example")
	ciphertext, err := Encrypt(plaintext, []string{keypair.PublicKey})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if strings.Contains(ciphertext, "hunter2") {
		t.Fatal("ciphertext contains plaintext")
	}

	decrypted, err := Decrypt(ciphertext, keypair.PrivateKey)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	defer decrypted.Close()
	if !bytes.Equal(decrypted.Bytes(), plaintext) {
		t.Fatalf("decrypted %q, want %q", decrypted.Bytes(), plaintext)
	}
}

func TestEncryptMultipleRecipients(t *testing.T) {
	service, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer service.Close()
	escrow, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer escrow.Close()

	plaintext := []byte("ssh-rsa AAAA...")
	ciphertext, err := Encrypt(plaintext, []string{service.PublicKey, escrow.PublicKey})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	for _, keypair := range []*Keypair{service, escrow} {
		decrypted, err := Decrypt(ciphertext, keypair.PrivateKey)
		if err != nil {
			t.Fatalf("Decrypt with %s: %v", keypair.PublicKey, err)
		}
		if !bytes.Equal(decrypted.Bytes(), plaintext) {
			t.Fatalf("decrypted %q, want %q", decrypted.Bytes(), plaintext)
		}
		decrypted.Close()
	}
}

func TestDecryptWrongKey(t *testing.T) {
	owner, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer owner.Close()
	other, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer other.Close()

	ciphertext, err := Encrypt([]byte("secret"), []string{owner.PublicKey})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := Decrypt(ciphertext, other.PrivateKey); err == nil {
		t.Fatal("Decrypt with wrong key succeeded")
	}
}

func TestEncryptRejectsEmptyInputs(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer keypair.Close()

	if _, err := Encrypt(nil, []string{keypair.PublicKey}); err == nil {
		t.Fatal("Encrypt accepted empty plaintext")
	}
	if _, err := Encrypt([]byte("x"), nil); err == nil {
		t.Fatal("Encrypt accepted zero recipients")
	}
	if _, err := Encrypt([]byte("x"), []string{"not-a-key"}); err == nil {
		t.Fatal("Encrypt accepted malformed recipient")
	}
}

func TestDecryptMalformed(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer keypair.Close()

	if _, err := Decrypt("!!!not-base64!!!", keypair.PrivateKey); err == nil {
		t.Fatal("Decrypt accepted invalid base64")
	}
	if _, err := Decrypt("bm90IGFuIGFnZSBmaWxl", keypair.PrivateKey); err == nil {
		t.Fatal("Decrypt accepted garbage ciphertext")
	}
}

func TestValidatePublicKey(t *testing.T) {
	keypair, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer keypair.Close()

	if err := ValidatePublicKey(keypair.PublicKey); err != nil {
		t.Fatalf("ValidatePublicKey(%s): %v", keypair.PublicKey, err)
	}
	if err := ValidatePublicKey("age1bogus"); err == nil {
		t.Fatal("ValidatePublicKey accepted malformed key")
	}
}
