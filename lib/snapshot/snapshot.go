// Copyright 2026 The SiteWarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package snapshot captures site content into verifiable archives.
//
// A snapshot is the raw export of a managed site (files plus database
// dump) written to a single archive file with a fixed header: magic,
// compression tag, uncompressed size, and a BLAKE3 keyed digest of
// the uncompressed bytes. Restore verifies the digest before handing
// content back, so a truncated or corrupted archive never restores
// silently.
//
// The backup guard (lib/backup) sits above this package and decides
// WHEN a snapshot must exist; this package only knows how to write
// and read one.
package snapshot

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"

	"github.com/sitewarden/sitewarden/lib/clock"
	"github.com/sitewarden/sitewarden/lib/ident"
)

// magic identifies a snapshot archive. Format constant.
var magic = [8]byte{'S', 'W', 'S', 'N', 'A', 'P', '0', '1'}

// headerSize is magic + tag + uncompressed size + digest.
const headerSize = 8 + 1 + 8 + 32

// digestDomainKey is the fixed BLAKE3 key for archive digests. The
// byte values are the ASCII encoding of the domain name, zero-padded
// to 32 bytes.
var digestDomainKey = [32]byte{
	's', 'i', 't', 'e', 'w', 'a', 'r', 'd', 'e', 'n', '.', 's', 'n', 'a', 'p', 's',
	'h', 'o', 't', '.', 'a', 'r', 'c', 'h', 'i', 'v', 'e', 0, 0, 0, 0, 0,
}

// Handle describes a written snapshot archive.
type Handle struct {
	// Path locates the archive file under the store directory.
	Path string

	// Digest is the lowercase hex BLAKE3 digest of the uncompressed
	// content.
	Digest string

	// SizeBytes is the uncompressed content size.
	SizeBytes int64

	// Compression is the algorithm the archive was written with.
	// May differ from the store's configured algorithm when the
	// content did not shrink.
	Compression Compression
}

// Source exports a site's current content. Production sources talk
// to the managed site over its configured access method; tests
// provide fixed bytes.
type Source interface {
	Export(ctx context.Context, siteID ident.SiteID) ([]byte, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, siteID ident.SiteID) ([]byte, error)

// Export implements Source.
func (f SourceFunc) Export(ctx context.Context, siteID ident.SiteID) ([]byte, error) {
	return f(ctx, siteID)
}

// Store writes and reads snapshot archives.
type Store interface {
	// Create exports the site and writes a new archive. The returned
	// handle is what the backups table records.
	Create(ctx context.Context, siteID ident.SiteID) (Handle, error)

	// Restore reads an archive back, verifying its digest.
	Restore(ctx context.Context, handle Handle) ([]byte, error)
}

// LocalStore writes archives to a local directory, one subdirectory
// per site.
type LocalStore struct {
	directory   string
	source      Source
	compression Compression
	minBytes    int
	clock       clock.Clock
}

// Options configures a LocalStore.
type Options struct {
	// Directory is the archive root. Created if absent.
	Directory string

	// Source exports site content.
	Source Source

	// Compression is the preferred algorithm. Content that does not
	// shrink is stored uncompressed regardless.
	Compression Compression

	// MinBytes disables compression below this size. Zero means
	// compress everything.
	MinBytes int

	// Clock stamps archive filenames. Defaults to the real clock.
	Clock clock.Clock
}

// NewLocalStore creates the archive root and returns a store.
func NewLocalStore(options Options) (*LocalStore, error) {
	if options.Directory == "" {
		return nil, fmt.Errorf("snapshot: directory is required")
	}
	if options.Source == nil {
		return nil, fmt.Errorf("snapshot: source is required")
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if err := os.MkdirAll(options.Directory, 0o700); err != nil {
		return nil, fmt.Errorf("snapshot: creating %s: %w", options.Directory, err)
	}
	return &LocalStore{
		directory:   options.Directory,
		source:      options.Source,
		compression: options.Compression,
		minBytes:    options.MinBytes,
		clock:       options.Clock,
	}, nil
}

// Create implements Store.
func (s *LocalStore) Create(ctx context.Context, siteID ident.SiteID) (Handle, error) {
	content, err := s.source.Export(ctx, siteID)
	if err != nil {
		return Handle{}, fmt.Errorf("snapshot: exporting site %s: %w", siteID, err)
	}
	if len(content) == 0 {
		return Handle{}, fmt.Errorf("snapshot: site %s exported no content", siteID)
	}

	digest := contentDigest(content)

	tag := s.compression
	if s.minBytes > 0 && len(content) < s.minBytes {
		tag = CompressionNone
	}
	payload, err := compress(content, tag)
	if errors.Is(err, errIncompressible) {
		tag = CompressionNone
		payload = content
	} else if err != nil {
		return Handle{}, err
	}

	siteDirectory := filepath.Join(s.directory, string(siteID))
	if err := os.MkdirAll(siteDirectory, 0o700); err != nil {
		return Handle{}, fmt.Errorf("snapshot: creating %s: %w", siteDirectory, err)
	}

	name := fmt.Sprintf("%d-%s.snap", s.clock.Now().UnixNano(), hex.EncodeToString(digest[:8]))
	path := filepath.Join(siteDirectory, name)

	header := make([]byte, headerSize)
	copy(header[:8], magic[:])
	header[8] = byte(tag)
	binary.BigEndian.PutUint64(header[9:17], uint64(len(content)))
	copy(header[17:], digest[:])

	// Write to a temp file and rename, so a crash never leaves a
	// half-written archive behind under the final name.
	temp, err := os.CreateTemp(siteDirectory, ".snap-*")
	if err != nil {
		return Handle{}, fmt.Errorf("snapshot: creating temp file: %w", err)
	}
	defer os.Remove(temp.Name())

	if _, err := temp.Write(header); err != nil {
		temp.Close()
		return Handle{}, fmt.Errorf("snapshot: writing header: %w", err)
	}
	if _, err := temp.Write(payload); err != nil {
		temp.Close()
		return Handle{}, fmt.Errorf("snapshot: writing payload: %w", err)
	}
	if err := temp.Close(); err != nil {
		return Handle{}, fmt.Errorf("snapshot: closing archive: %w", err)
	}
	if err := os.Rename(temp.Name(), path); err != nil {
		return Handle{}, fmt.Errorf("snapshot: finalizing archive: %w", err)
	}

	return Handle{
		Path:        path,
		Digest:      hex.EncodeToString(digest[:]),
		SizeBytes:   int64(len(content)),
		Compression: tag,
	}, nil
}

// Restore implements Store. The archive's digest is recomputed over
// the decompressed content and must match both the header and the
// handle.
func (s *LocalStore) Restore(ctx context.Context, handle Handle) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(handle.Path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: reading archive: %w", err)
	}
	if len(raw) < headerSize {
		return nil, fmt.Errorf("snapshot: archive %s truncated at %d bytes", handle.Path, len(raw))
	}
	if [8]byte(raw[:8]) != magic {
		return nil, fmt.Errorf("snapshot: archive %s has bad magic", handle.Path)
	}

	tag := Compression(raw[8])
	uncompressedSize := binary.BigEndian.Uint64(raw[9:17])
	var storedDigest [32]byte
	copy(storedDigest[:], raw[17:headerSize])

	content, err := decompress(raw[headerSize:], tag, int(uncompressedSize))
	if err != nil {
		return nil, err
	}

	digest := contentDigest(content)
	if digest != storedDigest {
		return nil, fmt.Errorf("snapshot: archive %s digest mismatch", handle.Path)
	}
	if handle.Digest != "" && handle.Digest != hex.EncodeToString(digest[:]) {
		return nil, fmt.Errorf("snapshot: archive %s does not match recorded digest %s", handle.Path, handle.Digest)
	}

	return content, nil
}

// contentDigest computes the archive-domain BLAKE3 keyed digest.
func contentDigest(content []byte) [32]byte {
	hasher, err := blake3.NewKeyed(digestDomainKey[:])
	if err != nil {
		panic("snapshot: BLAKE3 keyed hash initialization failed (key must be 32 bytes): " + err.Error())
	}
	hasher.Write(content)
	var digest [32]byte
	copy(digest[:], hasher.Sum(nil))
	return digest
}
