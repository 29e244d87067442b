// Copyright 2026 The SiteWarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret provides a memory-safe buffer for credential
// plaintext and vault key material.
//
// A Buffer lives outside the Go heap in an anonymous mmap region that
// is mlocked (never swapped) and excluded from core dumps. The
// garbage collector never sees it, so it is never copied or
// relocated, and Close zeroes the region before unmapping. This is
// the only memory the vault ever places decrypted credentials in.
package secret

import (
	"crypto/subtle"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Buffer holds sensitive bytes in protected memory. Not safe to copy.
// After Close, accessors panic.
type Buffer struct {
	mu     sync.Mutex
	region []byte
	length int
	closed bool
}

// New allocates a zeroed protected buffer of the given size.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret: buffer size must be positive, got %d", size)
	}

	region, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap: %w", err)
	}

	if err := unix.Mlock(region); err != nil {
		unix.Munmap(region)
		return nil, fmt.Errorf("secret: mlock: %w", err)
	}

	if err := unix.Madvise(region, unix.MADV_DONTDUMP); err != nil {
		unix.Munlock(region)
		unix.Munmap(region)
		return nil, fmt.Errorf("secret: madvise(MADV_DONTDUMP): %w", err)
	}

	return &Buffer{region: region, length: size}, nil
}

// NewFromBytes copies source into a new protected buffer and zeroes
// source in place, so the caller's slice no longer holds the secret.
func NewFromBytes(source []byte) (*Buffer, error) {
	buffer, err := New(len(source))
	if err != nil {
		return nil, err
	}
	copy(buffer.region, source)
	for i := range source {
		source[i] = 0
	}
	return buffer, nil
}

// Bytes returns the protected region. The slice aliases the mmap
// memory: do not retain it past Close, and do not append to it.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic("secret: Bytes on closed buffer")
	}
	return b.region[:b.length]
}

// String returns the contents as a string. The string is a heap copy
// and escapes the protected region; use it only at API boundaries
// that require a string (such as parsing an age identity), and keep
// its scope as narrow as possible.
func (b *Buffer) String() string {
	return string(b.Bytes())
}

// Len returns the buffer length.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic("secret: Len on closed buffer")
	}
	return b.length
}

// Equal compares the buffer's contents to other in constant time.
func (b *Buffer) Equal(other []byte) bool {
	return subtle.ConstantTimeCompare(b.Bytes(), other) == 1
}

// Close zeroes, unlocks, and unmaps the region. Idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	for i := range b.region {
		b.region[i] = 0
	}
	if err := unix.Munlock(b.region); err != nil {
		unix.Munmap(b.region)
		return fmt.Errorf("secret: munlock: %w", err)
	}
	if err := unix.Munmap(b.region); err != nil {
		return fmt.Errorf("secret: munmap: %w", err)
	}
	b.region = nil
	return nil
}
