// Copyright 2026 The SiteWarden Authors
// SPDX-License-Identifier: Apache-2.0

package ident

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// idempotencyDomainKey is the fixed BLAKE3 key for idempotency key
// derivation. Changing it invalidates every stored idempotency key.
// The byte values are the ASCII encoding of the domain name,
// zero-padded to 32 bytes, so the key is inspectable in hex dumps
// without sacrificing any cryptographic property.
var idempotencyDomainKey = [32]byte{
	's', 'i', 't', 'e', 'w', 'a', 'r', 'd', 'e', 'n', '.', 't', 'a', 's', 'k', '.',
	'i', 'd', 'e', 'm', 'p', 'o', 't', 'e', 'n', 'c', 'y', 0, 0, 0, 0, 0,
}

// IdempotencyKey derives the deduplication key for a task submission.
// The same tenant, site, and operation string always produce the same
// key, so retried submissions collide on the tasks table's unique
// index instead of creating duplicate tasks. The site is part of the
// derivation: the same operation aimed at two different sites is two
// different pieces of work, never deduplicated against each other.
//
// The operation string is caller-defined; periodic tasks include the
// scheduled fire time so each occurrence gets its own key.
func IdempotencyKey(tenant TenantID, site SiteID, operation string) string {
	hasher, err := blake3.NewKeyed(idempotencyDomainKey[:])
	if err != nil {
		panic("ident: BLAKE3 keyed hash initialization failed (key must be 32 bytes): " + err.Error())
	}
	hasher.Write([]byte(tenant))
	hasher.Write([]byte{0})
	hasher.Write([]byte(site))
	hasher.Write([]byte{0})
	hasher.Write([]byte(operation))
	return hex.EncodeToString(hasher.Sum(nil)[:32])
}
