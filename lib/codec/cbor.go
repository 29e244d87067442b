// Copyright 2026 The SiteWarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding used for queue envelopes
// and stored task payloads. Encoding is Core Deterministic (RFC 8949
// §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items, so the same logical value always produces
// identical bytes. That property keeps idempotency-key derivation and
// payload digests stable across processes.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Envelope payloads are decoded into map[string]any in
		// diagnostic paths; CBOR's default for any-typed targets is
		// map[interface{}]interface{}, which encoding/json and most
		// Go code cannot consume.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v. Unknown fields are ignored for
// forward compatibility.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value, used to delay decoding of
// task payloads that only the role handler understands.
type RawMessage = cbor.RawMessage
