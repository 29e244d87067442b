// Copyright 2026 The SiteWarden Authors
// SPDX-License-Identifier: Apache-2.0

package backup

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
	"github.com/sitewarden/sitewarden/lib/snapshot"
	"github.com/sitewarden/sitewarden/lib/store"
	"github.com/sitewarden/sitewarden/lib/tenant"
)

type fixture struct {
	guard   *Guard
	store   *store.Store
	clock   *clock.FakeClock
	tctx    tenant.Context
	site    store.Site
	exports *int
}

func newFixture(t *testing.T, reuseFor time.Duration) *fixture {
	t.Helper()
	fakeClock := clock.Fake(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	st, err := store.Open(store.Config{
		Path:  filepath.Join(t.TempDir(), "state.db"),
		Clock: fakeClock,
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	exports := 0
	source := snapshot.SourceFunc(func(ctx context.Context, siteID ident.SiteID) ([]byte, error) {
		exports++
		return bytes.Repeat([]byte("site content "), 100), nil
	})
	snapshots, err := snapshot.NewLocalStore(snapshot.Options{
		Directory:   t.TempDir(),
		Source:      source,
		Compression: snapshot.CompressionZstd,
		Clock:       fakeClock,
	})
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}

	guard, err := New(Config{
		Store:     st,
		Snapshots: snapshots,
		ReuseFor:  reuseFor,
		Clock:     fakeClock,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tctx, err := tenant.Bind(ident.NewTenantID(), tenant.ScopeWorker)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	site, err := st.CreateSite(context.Background(), tctx, "blog", "https://blog.example")
	if err != nil {
		t.Fatalf("CreateSite: %v", err)
	}

	return &fixture{guard: guard, store: st, clock: fakeClock, tctx: tctx, site: site, exports: &exports}
}

func TestEnsureBackupCreatesAndRecords(t *testing.T) {
	f := newFixture(t, 0)

	backup, err := f.guard.EnsureBackup(context.Background(), f.tctx, f.site.ID)
	if err != nil {
		t.Fatalf("EnsureBackup: %v", err)
	}
	if backup.SiteID != f.site.ID || backup.SizeBytes == 0 {
		t.Fatalf("backup = %+v", backup)
	}

	latest, found, err := f.store.LatestBackup(context.Background(), f.tctx, f.site.ID)
	if err != nil || !found {
		t.Fatalf("LatestBackup: found=%v err=%v", found, err)
	}
	if latest.ID != backup.ID {
		t.Fatalf("recorded %s, latest %s", backup.ID, latest.ID)
	}
}

func TestEnsureBackupReusesRecent(t *testing.T) {
	f := newFixture(t, 10*time.Minute)

	first, err := f.guard.EnsureBackup(context.Background(), f.tctx, f.site.ID)
	if err != nil {
		t.Fatalf("EnsureBackup: %v", err)
	}

	f.clock.Advance(5 * time.Minute)
	second, err := f.guard.EnsureBackup(context.Background(), f.tctx, f.site.ID)
	if err != nil {
		t.Fatalf("EnsureBackup: %v", err)
	}
	if second.ID != first.ID {
		t.Fatal("fresh backup taken inside the reuse window")
	}
	if *f.exports != 1 {
		t.Fatalf("site exported %d times, want 1", *f.exports)
	}

	// Past the window, a new snapshot is taken.
	f.clock.Advance(10 * time.Minute)
	third, err := f.guard.EnsureBackup(context.Background(), f.tctx, f.site.ID)
	if err != nil {
		t.Fatalf("EnsureBackup: %v", err)
	}
	if third.ID == first.ID {
		t.Fatal("stale backup reused past the window")
	}
	if *f.exports != 2 {
		t.Fatalf("site exported %d times, want 2", *f.exports)
	}
}

func TestEnsureBackupFailureIsErrBackupFailed(t *testing.T) {
	fakeClock := clock.Fake(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	st, err := store.Open(store.Config{
		Path:  filepath.Join(t.TempDir(), "state.db"),
		Clock: fakeClock,
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	snapshots, err := snapshot.NewLocalStore(snapshot.Options{
		Directory: t.TempDir(),
		Source: snapshot.SourceFunc(func(ctx context.Context, siteID ident.SiteID) ([]byte, error) {
			return nil, errors.New("sftp: permission denied")
		}),
		Clock: fakeClock,
	})
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}

	guard, err := New(Config{Store: st, Snapshots: snapshots, Clock: fakeClock})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tctx, err := tenant.Bind(ident.NewTenantID(), tenant.ScopeWorker)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	site, err := st.CreateSite(context.Background(), tctx, "shop", "https://shop.example")
	if err != nil {
		t.Fatalf("CreateSite: %v", err)
	}

	_, err = guard.EnsureBackup(context.Background(), tctx, site.ID)
	if !errors.Is(err, fault.ErrBackupFailed) {
		t.Fatalf("EnsureBackup = %v, want ErrBackupFailed", err)
	}

	// Nothing recorded for the failed attempt.
	if _, found, err := st.LatestBackup(context.Background(), tctx, site.ID); err != nil || found {
		t.Fatalf("LatestBackup after failure: found=%v err=%v", found, err)
	}
}

func TestRecordFailureIsErrBackupFailed(t *testing.T) {
	fakeClock := clock.Fake(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	st, err := store.Open(store.Config{
		Path:  filepath.Join(t.TempDir(), "state.db"),
		Clock: fakeClock,
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	// The export succeeds but cancels the context, so the snapshot is
	// written and the subsequent record step fails.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	snapshots, err := snapshot.NewLocalStore(snapshot.Options{
		Directory: t.TempDir(),
		Source: snapshot.SourceFunc(func(_ context.Context, siteID ident.SiteID) ([]byte, error) {
			cancel()
			return []byte("site content"), nil
		}),
		Clock: fakeClock,
	})
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}

	guard, err := New(Config{Store: st, Snapshots: snapshots, Clock: fakeClock})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tctx, err := tenant.Bind(ident.NewTenantID(), tenant.ScopeWorker)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	site, err := st.CreateSite(context.Background(), tctx, "shop", "https://shop.example")
	if err != nil {
		t.Fatalf("CreateSite: %v", err)
	}

	_, err = guard.EnsureBackup(ctx, tctx, site.ID)
	if !errors.Is(err, fault.ErrBackupFailed) {
		t.Fatalf("EnsureBackup = %v, want ErrBackupFailed", err)
	}
}

func TestRestoreRoundtrip(t *testing.T) {
	f := newFixture(t, 0)

	backup, err := f.guard.EnsureBackup(context.Background(), f.tctx, f.site.ID)
	if err != nil {
		t.Fatalf("EnsureBackup: %v", err)
	}

	content, err := f.guard.Restore(context.Background(), f.tctx, backup.ID)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !bytes.Contains(content, []byte("site content")) {
		t.Fatal("restored content unexpected")
	}
}

func TestEnsureBackupTenantIsolation(t *testing.T) {
	f := newFixture(t, 0)

	other, err := tenant.Bind(ident.NewTenantID(), tenant.ScopeWorker)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if _, err := f.guard.EnsureBackup(context.Background(), other, f.site.ID); !errors.Is(err, fault.ErrTenantIsolation) {
		t.Fatalf("cross-tenant EnsureBackup = %v, want ErrTenantIsolation", err)
	}
}
