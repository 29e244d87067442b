// Copyright 2026 The SiteWarden Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sitewarden/sitewarden/lib/clock"
	"github.com/sitewarden/sitewarden/lib/fault"
	"github.com/sitewarden/sitewarden/lib/ident"
	"github.com/sitewarden/sitewarden/lib/snapshot"
	"github.com/sitewarden/sitewarden/lib/tenant"
	"github.com/sitewarden/sitewarden/lib/testutil"
)

type fixture struct {
	store *Store
	clock *clock.FakeClock
	tctx  tenant.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fakeClock := clock.Fake(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	store, err := Open(Config{
		Path:  filepath.Join(t.TempDir(), "state.db"),
		Clock: fakeClock,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	tctx, err := tenant.Bind(ident.NewTenantID(), tenant.ScopeAPI)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	return &fixture{store: store, clock: fakeClock, tctx: tctx}
}

func (f *fixture) createSite(t *testing.T) Site {
	t.Helper()
	site, err := f.store.CreateSite(context.Background(), f.tctx, testutil.UniqueID("site"), "https://example.com")
	if err != nil {
		t.Fatalf("CreateSite: %v", err)
	}
	return site
}

func (f *fixture) otherTenant(t *testing.T) tenant.Context {
	t.Helper()
	other, err := tenant.Bind(ident.NewTenantID(), tenant.ScopeAPI)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	return other
}

func TestSiteCRUD(t *testing.T) {
	f := newFixture(t)
	site := f.createSite(t)

	if site.Status != SiteHealthy {
		t.Fatalf("new site status = %s, want healthy", site.Status)
	}

	got, err := f.store.GetSite(context.Background(), f.tctx, site.ID)
	if err != nil {
		t.Fatalf("GetSite: %v", err)
	}
	if got.Name != site.Name || got.TenantID != f.tctx.TenantID() {
		t.Fatalf("GetSite returned %+v", got)
	}

	if err := f.store.SetSiteStatus(context.Background(), f.tctx, site.ID, SiteUnderRepair); err != nil {
		t.Fatalf("SetSiteStatus: %v", err)
	}
	got, err = f.store.GetSite(context.Background(), f.tctx, site.ID)
	if err != nil {
		t.Fatalf("GetSite: %v", err)
	}
	if got.Status != SiteUnderRepair {
		t.Fatalf("status = %s, want under_repair", got.Status)
	}

	sites, err := f.store.ListSites(context.Background(), f.tctx)
	if err != nil {
		t.Fatalf("ListSites: %v", err)
	}
	if len(sites) != 1 {
		t.Fatalf("ListSites returned %d sites, want 1", len(sites))
	}
}

func TestSiteTenantIsolation(t *testing.T) {
	f := newFixture(t)
	site := f.createSite(t)
	other := f.otherTenant(t)

	if _, err := f.store.GetSite(context.Background(), other, site.ID); !errors.Is(err, fault.ErrTenantIsolation) {
		t.Fatalf("cross-tenant GetSite = %v, want ErrTenantIsolation", err)
	}
	if err := f.store.SetSiteStatus(context.Background(), other, site.ID, SiteDegraded); !errors.Is(err, fault.ErrTenantIsolation) {
		t.Fatalf("cross-tenant SetSiteStatus = %v, want ErrTenantIsolation", err)
	}

	sites, err := f.store.ListSites(context.Background(), other)
	if err != nil {
		t.Fatalf("ListSites: %v", err)
	}
	if len(sites) != 0 {
		t.Fatalf("other tenant sees %d sites, want 0", len(sites))
	}

	// The system scope crosses the boundary.
	if _, err := f.store.GetSite(context.Background(), tenant.System(), site.ID); err != nil {
		t.Fatalf("system GetSite: %v", err)
	}
}

func TestCredentialRoundtrip(t *testing.T) {
	f := newFixture(t)
	site := f.createSite(t)

	put, err := f.store.PutCredential(context.Background(), f.tctx, site.ID, CredentialWPAdmin, "c2VhbGVk", 1)
	if err != nil {
		t.Fatalf("PutCredential: %v", err)
	}

	got, err := f.store.GetCredential(context.Background(), f.tctx, site.ID, CredentialWPAdmin)
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if got.Ciphertext != put.Ciphertext || got.KeyVersion != 1 {
		t.Fatalf("GetCredential returned %+v", got)
	}

	// A second put of the same kind replaces in place.
	if _, err := f.store.PutCredential(context.Background(), f.tctx, site.ID, CredentialWPAdmin, "cm90YXRlZA==", 2); err != nil {
		t.Fatalf("PutCredential rotate: %v", err)
	}
	got, err = f.store.GetCredential(context.Background(), f.tctx, site.ID, CredentialWPAdmin)
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if got.Ciphertext != "cm90YXRlZA==" || got.KeyVersion != 2 {
		t.Fatalf("rotated credential = %+v", got)
	}

	list, err := f.store.ListCredentials(context.Background(), f.tctx, site.ID)
	if err != nil {
		t.Fatalf("ListCredentials: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListCredentials returned %d rows, want 1", len(list))
	}

	if err := f.store.DeleteCredential(context.Background(), f.tctx, site.ID, CredentialWPAdmin); err != nil {
		t.Fatalf("DeleteCredential: %v", err)
	}
	if _, err := f.store.GetCredential(context.Background(), f.tctx, site.ID, CredentialWPAdmin); !errors.Is(err, fault.ErrCredentialNotFound) {
		t.Fatalf("deleted credential lookup = %v, want ErrCredentialNotFound", err)
	}
}

func TestCredentialTenantIsolation(t *testing.T) {
	f := newFixture(t)
	site := f.createSite(t)
	if _, err := f.store.PutCredential(context.Background(), f.tctx, site.ID, CredentialSSH, "c2VhbGVk", 1); err != nil {
		t.Fatalf("PutCredential: %v", err)
	}

	other := f.otherTenant(t)
	if _, err := f.store.GetCredential(context.Background(), other, site.ID, CredentialSSH); !errors.Is(err, fault.ErrTenantIsolation) {
		t.Fatalf("cross-tenant GetCredential = %v, want ErrTenantIsolation", err)
	}
}

func TestKeyVersionScanRequiresSystem(t *testing.T) {
	f := newFixture(t)
	site := f.createSite(t)
	if _, err := f.store.PutCredential(context.Background(), f.tctx, site.ID, CredentialSSH, "b2xk", 1); err != nil {
		t.Fatalf("PutCredential: %v", err)
	}

	if _, err := f.store.ListCredentialsByKeyVersion(context.Background(), f.tctx, 2); !errors.Is(err, fault.ErrTenantIsolation) {
		t.Fatalf("bound-context key scan = %v, want ErrTenantIsolation", err)
	}

	stale, err := f.store.ListCredentialsByKeyVersion(context.Background(), tenant.System(), 2)
	if err != nil {
		t.Fatalf("ListCredentialsByKeyVersion: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("found %d stale credentials, want 1", len(stale))
	}
}

func TestBackupRecordAndLatest(t *testing.T) {
	f := newFixture(t)
	site := f.createSite(t)

	if _, found, err := f.store.LatestBackup(context.Background(), f.tctx, site.ID); err != nil || found {
		t.Fatalf("LatestBackup on fresh site = found=%v err=%v", found, err)
	}

	first, err := f.store.RecordBackup(context.Background(), f.tctx, site.ID, snapshot.Handle{
		Path: "/backups/a.snap", Digest: "aa", SizeBytes: 100, Compression: snapshot.CompressionZstd,
	})
	if err != nil {
		t.Fatalf("RecordBackup: %v", err)
	}

	f.clock.Advance(time.Minute)
	second, err := f.store.RecordBackup(context.Background(), f.tctx, site.ID, snapshot.Handle{
		Path: "/backups/b.snap", Digest: "bb", SizeBytes: 200, Compression: snapshot.CompressionLZ4,
	})
	if err != nil {
		t.Fatalf("RecordBackup: %v", err)
	}

	latest, found, err := f.store.LatestBackup(context.Background(), f.tctx, site.ID)
	if err != nil || !found {
		t.Fatalf("LatestBackup: found=%v err=%v", found, err)
	}
	if latest.ID != second.ID {
		t.Fatalf("latest = %s, want %s", latest.ID, second.ID)
	}
	if latest.CreatedAt <= first.CreatedAt {
		t.Fatal("latest backup not newer than first")
	}

	handle := latest.Handle()
	if handle.Path != "/backups/b.snap" || handle.Compression != snapshot.CompressionLZ4 {
		t.Fatalf("Handle() = %+v", handle)
	}
}

func TestCreateTaskIdempotent(t *testing.T) {
	f := newFixture(t)
	site := f.createSite(t)

	newTask := NewTask{
		SiteID:    site.ID,
		Role:      "dev",
		Operation: "update-plugins",
		Mutating:  true,
	}
	first, created, err := f.store.CreateTask(context.Background(), f.tctx, newTask)
	if err != nil || !created {
		t.Fatalf("CreateTask: created=%v err=%v", created, err)
	}
	if first.State != TaskQueued {
		t.Fatalf("new task state = %s, want queued", first.State)
	}

	second, created, err := f.store.CreateTask(context.Background(), f.tctx, newTask)
	if err != nil {
		t.Fatalf("duplicate CreateTask: %v", err)
	}
	if created {
		t.Fatal("duplicate submission reported created=true")
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate returned task %s, want %s", second.ID, first.ID)
	}

	// A different tenant with the same operation gets its own task.
	other := f.otherTenant(t)
	otherSite, err := f.store.CreateSite(context.Background(), other, "other", "https://other.example")
	if err != nil {
		t.Fatalf("CreateSite: %v", err)
	}
	otherTask, created, err := f.store.CreateTask(context.Background(), other, NewTask{
		SiteID: otherSite.ID, Role: "dev", Operation: "update-plugins",
	})
	if err != nil || !created {
		t.Fatalf("other tenant CreateTask: created=%v err=%v", created, err)
	}
	if otherTask.ID == first.ID {
		t.Fatal("tenants shared a task row")
	}
}

func TestCreateTaskSameOperationTwoSites(t *testing.T) {
	f := newFixture(t)
	first := f.createSite(t)
	second := f.createSite(t)

	// No explicit key: the derived key must separate by site, so the
	// same operation aimed at two sites is two pieces of work.
	taskA, created, err := f.store.CreateTask(context.Background(), f.tctx, NewTask{
		SiteID: first.ID, Role: "dev", Operation: "update-plugins", Mutating: true,
	})
	if err != nil || !created {
		t.Fatalf("CreateTask first site: created=%v err=%v", created, err)
	}
	taskB, created, err := f.store.CreateTask(context.Background(), f.tctx, NewTask{
		SiteID: second.ID, Role: "dev", Operation: "update-plugins", Mutating: true,
	})
	if err != nil {
		t.Fatalf("CreateTask second site: %v", err)
	}
	if !created {
		t.Fatal("second site deduplicated against the first")
	}
	if taskB.ID == taskA.ID {
		t.Fatal("two sites shared a task row")
	}
	if taskA.SiteID != first.ID || taskB.SiteID != second.ID {
		t.Fatalf("site ids: %s on %s, %s on %s", taskA.ID, taskA.SiteID, taskB.ID, taskB.SiteID)
	}

	// Resubmitting to either site still dedupes within that site.
	again, created, err := f.store.CreateTask(context.Background(), f.tctx, NewTask{
		SiteID: first.ID, Role: "dev", Operation: "update-plugins", Mutating: true,
	})
	if err != nil || created {
		t.Fatalf("resubmit: created=%v err=%v", created, err)
	}
	if again.ID != taskA.ID {
		t.Fatalf("resubmit returned %s, want %s", again.ID, taskA.ID)
	}
}

func TestTaskLifecycle(t *testing.T) {
	f := newFixture(t)
	site := f.createSite(t)
	task, _, err := f.store.CreateTask(context.Background(), f.tctx, NewTask{
		SiteID: site.ID, Role: "dev", Operation: "fix-broken-links", Mutating: true,
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	backupID := ident.NewBackupID()
	task, err = f.store.MarkDispatched(context.Background(), f.tctx, task.ID, backupID)
	if err != nil {
		t.Fatalf("MarkDispatched: %v", err)
	}
	if task.State != TaskDispatched || task.BackupID != backupID {
		t.Fatalf("after dispatch: %+v", task)
	}

	task, err = f.store.MarkRunning(context.Background(), f.tctx, task.ID)
	if err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if task.State != TaskRunning || task.HeartbeatAt == 0 {
		t.Fatalf("after running: %+v", task)
	}

	firstBeat := task.HeartbeatAt
	f.clock.Advance(30 * time.Second)
	if err := f.store.Heartbeat(context.Background(), f.tctx, task.ID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	task, err = f.store.GetTask(context.Background(), f.tctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.HeartbeatAt <= firstBeat {
		t.Fatal("heartbeat did not advance")
	}

	task, err = f.store.Complete(context.Background(), f.tctx, task.ID, true, []byte{0xa0}, "")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if task.State != TaskSucceeded || task.FinishedAt == 0 {
		t.Fatalf("after complete: %+v", task)
	}
	if !task.State.Terminal() {
		t.Fatal("succeeded not terminal")
	}
}

func TestInvalidTransitionsRejected(t *testing.T) {
	f := newFixture(t)
	site := f.createSite(t)
	task, _, err := f.store.CreateTask(context.Background(), f.tctx, NewTask{
		SiteID: site.ID, Role: "qa", Operation: "verify-checkout",
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	// queued → running skips dispatch.
	if _, err := f.store.MarkRunning(context.Background(), f.tctx, task.ID); !errors.Is(err, fault.ErrInvalidTransition) {
		t.Fatalf("queued->running = %v, want ErrInvalidTransition", err)
	}
	// queued → succeeded skips everything.
	if _, err := f.store.Complete(context.Background(), f.tctx, task.ID, true, nil, ""); !errors.Is(err, fault.ErrInvalidTransition) {
		t.Fatalf("queued->succeeded = %v, want ErrInvalidTransition", err)
	}
	// Heartbeat on a queued task.
	if err := f.store.Heartbeat(context.Background(), f.tctx, task.ID); !errors.Is(err, fault.ErrInvalidTransition) {
		t.Fatalf("queued heartbeat = %v, want ErrInvalidTransition", err)
	}

	// Terminal states are final.
	task, err = f.store.Cancel(context.Background(), f.tctx, task.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := f.store.MarkDispatched(context.Background(), f.tctx, task.ID, ""); !errors.Is(err, fault.ErrInvalidTransition) {
		t.Fatalf("cancelled->dispatched = %v, want ErrInvalidTransition", err)
	}
}

func TestCancelOnlyFromQueued(t *testing.T) {
	f := newFixture(t)
	site := f.createSite(t)
	task, _, err := f.store.CreateTask(context.Background(), f.tctx, NewTask{
		SiteID: site.ID, Role: "dev", Operation: "update-plugins", Mutating: true,
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	// Once handed to a worker, cancellation is cooperative.
	task, err = f.store.MarkDispatched(context.Background(), f.tctx, task.ID, "")
	if err != nil {
		t.Fatalf("MarkDispatched: %v", err)
	}
	if _, err := f.store.Cancel(context.Background(), f.tctx, task.ID); !errors.Is(err, fault.ErrInvalidTransition) {
		t.Fatalf("dispatched cancel = %v, want ErrInvalidTransition", err)
	}
	if _, err := f.store.MarkRunning(context.Background(), f.tctx, task.ID); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if _, err := f.store.Cancel(context.Background(), f.tctx, task.ID); !errors.Is(err, fault.ErrInvalidTransition) {
		t.Fatalf("running cancel = %v, want ErrInvalidTransition", err)
	}
}

func TestRequeueAndStall(t *testing.T) {
	f := newFixture(t)
	site := f.createSite(t)
	task, _, err := f.store.CreateTask(context.Background(), f.tctx, NewTask{
		SiteID: site.ID, Role: "dev", Operation: "clear-cache",
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	task, err = f.store.MarkDispatched(context.Background(), f.tctx, task.ID, "")
	if err != nil {
		t.Fatalf("MarkDispatched: %v", err)
	}
	task, err = f.store.MarkRunning(context.Background(), f.tctx, task.ID)
	if err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}

	task, err = f.store.MarkStalled(context.Background(), f.tctx, task.ID, "no heartbeat for 20m")
	if err != nil {
		t.Fatalf("MarkStalled: %v", err)
	}
	if task.State != TaskStalled {
		t.Fatalf("state = %s, want stalled", task.State)
	}

	notBefore := f.clock.Now().Add(time.Minute).UnixNano()
	task, err = f.store.Requeue(context.Background(), f.tctx, task.ID, "stall recovery", notBefore)
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if task.State != TaskQueued || task.Attempts != 1 || task.NotBefore != notBefore {
		t.Fatalf("after requeue: %+v", task)
	}
	if task.StartedAt != 0 || task.HeartbeatAt != 0 {
		t.Fatal("requeue did not clear run timestamps")
	}
}

func TestDevFailCount(t *testing.T) {
	f := newFixture(t)
	site := f.createSite(t)
	task, _, err := f.store.CreateTask(context.Background(), f.tctx, NewTask{
		SiteID: site.ID, Role: "dev", Operation: "restyle-header",
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	for want := 1; want <= 3; want++ {
		count, err := f.store.IncrementDevFailCount(context.Background(), f.tctx, task.ID)
		if err != nil {
			t.Fatalf("IncrementDevFailCount: %v", err)
		}
		if count != want {
			t.Fatalf("count = %d, want %d", count, want)
		}
	}
}

func TestScanActiveRequiresSystem(t *testing.T) {
	f := newFixture(t)
	site := f.createSite(t)
	if _, _, err := f.store.CreateTask(context.Background(), f.tctx, NewTask{
		SiteID: site.ID, Role: "dev", Operation: "op-a",
	}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if _, err := f.store.ScanActive(context.Background(), f.tctx); !errors.Is(err, fault.ErrTenantIsolation) {
		t.Fatalf("bound-context scan = %v, want ErrTenantIsolation", err)
	}

	tasks, err := f.store.ScanActive(context.Background(), tenant.System())
	if err != nil {
		t.Fatalf("ScanActive: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("scan found %d tasks, want 1", len(tasks))
	}
}

func TestMessageSeqMonotonic(t *testing.T) {
	f := newFixture(t)
	site := f.createSite(t)

	conversation, err := f.store.EnsureConversation(context.Background(), f.tctx, site.ID)
	if err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}

	// Ensure is idempotent.
	again, err := f.store.EnsureConversation(context.Background(), f.tctx, site.ID)
	if err != nil {
		t.Fatalf("EnsureConversation again: %v", err)
	}
	if again.ID != conversation.ID {
		t.Fatal("second Ensure created a new conversation")
	}

	for i := 1; i <= 5; i++ {
		message, count, err := f.store.AppendMessage(context.Background(), f.tctx, conversation.ID, "pm", testutil.UniqueID("body"), false)
		if err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		if message.Seq != int64(i) {
			t.Fatalf("seq = %d, want %d", message.Seq, i)
		}
		if count != i {
			t.Fatalf("message count = %d, want %d", count, i)
		}
	}

	messages, err := f.store.ListMessages(context.Background(), f.tctx, conversation.ID, 2, 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(messages) != 3 || messages[0].Seq != 3 {
		t.Fatalf("ListMessages after seq 2 = %d messages starting at %d", len(messages), messages[0].Seq)
	}
}

func TestSummaryLifecycle(t *testing.T) {
	f := newFixture(t)
	site := f.createSite(t)
	conversation, err := f.store.EnsureConversation(context.Background(), f.tctx, site.ID)
	if err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}

	if err := f.store.MarkSummaryPending(context.Background(), f.tctx, conversation.ID); err != nil {
		t.Fatalf("MarkSummaryPending: %v", err)
	}

	pending, err := f.store.PendingSummaries(context.Background(), tenant.System())
	if err != nil {
		t.Fatalf("PendingSummaries: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != conversation.ID {
		t.Fatalf("pending = %+v", pending)
	}

	if err := f.store.SetSummary(context.Background(), f.tctx, conversation.ID, "site migrated, plugins current", 4); err != nil {
		t.Fatalf("SetSummary: %v", err)
	}

	got, err := f.store.GetConversation(context.Background(), f.tctx, conversation.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.Summary == "" || got.SummaryPending {
		t.Fatalf("after SetSummary: %+v", got)
	}
	if got.SummarizedSeq != 4 {
		t.Fatalf("summarized seq = %d, want 4", got.SummarizedSeq)
	}

	// A stale writer cannot move the covered range backwards.
	if err := f.store.SetSummary(context.Background(), f.tctx, conversation.ID, "stale digest", 2); err != nil {
		t.Fatalf("SetSummary stale: %v", err)
	}
	got, err = f.store.GetConversation(context.Background(), f.tctx, conversation.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.SummarizedSeq != 4 {
		t.Fatalf("summarized seq regressed to %d", got.SummarizedSeq)
	}

	pending, err = f.store.PendingSummaries(context.Background(), tenant.System())
	if err != nil {
		t.Fatalf("PendingSummaries: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("still %d pending after SetSummary", len(pending))
	}
}

func TestMessageTenantIsolation(t *testing.T) {
	f := newFixture(t)
	site := f.createSite(t)
	conversation, err := f.store.EnsureConversation(context.Background(), f.tctx, site.ID)
	if err != nil {
		t.Fatalf("EnsureConversation: %v", err)
	}

	other := f.otherTenant(t)
	if _, _, err := f.store.AppendMessage(context.Background(), other, conversation.ID, "pm", "hello", false); !errors.Is(err, fault.ErrTenantIsolation) {
		t.Fatalf("cross-tenant AppendMessage = %v, want ErrTenantIsolation", err)
	}
	if _, err := f.store.ListMessages(context.Background(), other, conversation.ID, 0, 0); !errors.Is(err, fault.ErrTenantIsolation) {
		t.Fatalf("cross-tenant ListMessages = %v, want ErrTenantIsolation", err)
	}
}
