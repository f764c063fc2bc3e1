package services

import (
	"context"
	"testing"
	"time"

	"github.com/huangang/swarmhub/internal/config"
	"github.com/huangang/swarmhub/internal/models"
)

func newTestReclaimer(f *fixture, store *JobStore) *Reclaimer {
	cfg := &config.ReclaimerConfig{
		Enabled:        true,
		Schedule:       "@every 1m",
		StaleRetention: config.Duration(48 * time.Hour),
		StuckThreshold: config.Duration(4 * time.Hour),
		TestToken:      "TESTING",
		TestThreshold:  config.Duration(time.Hour),
		LockAge:        config.Duration(24 * time.Hour),
		ValveAge:       config.Duration(time.Hour),
		AuditRetention: config.Duration(30 * 24 * time.Hour),
	}
	if store == nil {
		store = f.store
	}
	return NewReclaimer(f.db, store, f.locks, f.valve, f.notifier, cfg)
}

func later(d time.Duration) func() time.Time {
	return func() time.Time { return time.Now().Add(d) }
}

func TestReclaimer_SweepStuck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, "demo")
	job, _ := f.queue.Pop(ctx, "crashed-worker")

	r := newTestReclaimer(f, nil)
	if n, err := r.SweepStuck(ctx); n != 0 || err != nil {
		t.Fatalf("SweepStuck() = %d, %v, a fresh claim is not stuck", n, err)
	}

	r.SetClock(later(5 * time.Hour))
	n, err := r.SweepStuck(ctx)
	if err != nil || n != 1 {
		t.Fatalf("SweepStuck() = %d, %v, expected 1, nil", n, err)
	}

	got, _ := f.store.Get(ctx, job.ID)
	if !got.Expired {
		t.Error("stuck job should be expired")
	}
	if got.Result == nil || got.Result.Exit != 1 {
		t.Errorf("Result = %+v, expected a failed result", got.Result)
	}
	if locked, _ := f.locks.IsLocked(ctx, f.human.ID, "demo"); locked {
		t.Error("expiring a stuck job should release its lock")
	}

	if n, _ := r.SweepStuck(ctx); n != 0 {
		t.Errorf("second SweepStuck() = %d, expected 0", n)
	}
}

func TestReclaimer_SweepStuckIgnoresFinished(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, "demo")
	job, _ := f.queue.Pop(ctx, "worker")
	f.store.Finish(ctx, job.ID, FinishParams{Exit: 1})

	r := newTestReclaimer(f, nil)
	r.SetClock(later(5 * time.Hour))
	if n, _ := r.SweepStuck(ctx); n != 0 {
		t.Errorf("SweepStuck() = %d, finished jobs are not stuck", n)
	}
}

func TestReclaimer_SweepStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	finish := func(job *models.Job) {
		t.Helper()
		if _, err := f.store.Finish(ctx, job.ID, FinishParams{Exit: 1}); err != nil {
			t.Fatal(err)
		}
	}

	old := f.submit(t, "demo")
	finish(old)
	waiting := f.submit(t, "demo")
	newer := f.submit(t, "demo")
	finish(newer)
	lonely := f.submit(t, "other")
	finish(lonely)
	kept := f.submit(t, "gone")
	finish(kept)
	gone := f.submit(t, "gone")
	if err := f.store.Expire(ctx, gone.ID, "stuck"); err != nil {
		t.Fatal(err)
	}

	r := newTestReclaimer(f, nil)
	if n, _ := r.SweepStale(ctx); n != 0 {
		t.Fatalf("SweepStale() = %d, nothing is old enough yet", n)
	}

	r.SetClock(later(72 * time.Hour))
	n, err := r.SweepStale(ctx)
	if err != nil || n != 1 {
		t.Fatalf("SweepStale() = %d, %v, expected 1, nil", n, err)
	}

	for _, tt := range []struct {
		name    string
		job     *models.Job
		expired bool
	}{
		{"superseded", old, true},
		{"never ran", waiting, false},
		{"newest", newer, false},
		{"only of its name", lonely, false},
		{"newer one expired", kept, false},
	} {
		got, _ := f.store.Get(ctx, tt.job.ID)
		if got.Expired != tt.expired {
			t.Errorf("%s: job #%d expired = %v, expected %v", tt.name, tt.job.ID, got.Expired, tt.expired)
		}
	}
}

func TestReclaimer_SweepTest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testToken := models.Token{HumanID: f.human.ID, Name: "TESTING", Text: "testing-token", Active: true}
	f.db.Create(&testToken)

	probe, err := f.store.Submit(ctx, &testToken, "probe", f.saveBlob(t, "x"), nil)
	if err != nil {
		t.Fatal(err)
	}
	regular := f.submit(t, "demo")

	r := newTestReclaimer(f, nil)
	r.SetClock(later(2 * time.Hour))
	n, err := r.SweepTest(ctx)
	if err != nil || n != 1 {
		t.Fatalf("SweepTest() = %d, %v, expected 1, nil", n, err)
	}
	if got, _ := f.store.Get(ctx, probe.ID); !got.Expired {
		t.Error("test job should be expired")
	}
	if got, _ := f.store.Get(ctx, regular.ID); got.Expired {
		t.Error("regular job must not be touched")
	}
}

func TestReclaimer_SweepIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, "a")
	f.submit(t, "b")
	ja, _ := f.queue.Pop(ctx, "w1")
	jb, _ := f.queue.Pop(ctx, "w2")

	store := NewJobStore(f.db, &failingBlobStore{BlobStore: f.blobs, failDelete: ja.URI1}, f.notifier, f.billing, f.locks, nil)
	r := newTestReclaimer(f, store)
	r.SetClock(later(5 * time.Hour))

	n, err := r.SweepStuck(ctx)
	if err != nil || n != 1 {
		t.Fatalf("SweepStuck() = %d, %v, expected 1, nil", n, err)
	}
	if got, _ := f.store.Get(ctx, ja.ID); got.Expired {
		t.Error("job with the failing artifact should stay for the next sweep")
	}
	if got, _ := f.store.Get(ctx, jb.ID); !got.Expired {
		t.Error("the other job should be expired despite the failure")
	}
}

func TestReclaimer_SweepAbandonedLocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.locks.Acquire(ctx, f.human.ID, "demo", "ghost"); err != nil {
		t.Fatal(err)
	}

	r := newTestReclaimer(f, nil)
	if n, _ := r.SweepAbandonedLocks(ctx); n != 0 {
		t.Fatalf("SweepAbandonedLocks() = %d, the lock is fresh", n)
	}

	r.SetClock(later(25 * time.Hour))
	for i := 0; i < 2; i++ {
		if _, err := r.SweepAbandonedLocks(ctx); err != nil {
			t.Fatalf("SweepAbandonedLocks() error = %v", err)
		}
	}

	if c := f.notifier.count("may be abandoned"); c != 1 {
		t.Errorf("abandoned lock reported %d times, expected once", c)
	}
	if locked, _ := f.locks.IsLocked(ctx, f.human.ID, "demo"); !locked {
		t.Error("the sweep must not release the lock")
	}
}

func TestReclaimer_SweepAbandonedValves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	racing := models.Valve{HumanID: f.human.ID, Name: "demo", Badge: "dead-winner", Owner: 1, Why: "test"}
	f.db.Create(&racing)
	resolved := "\"done\""
	f.db.Create(&models.Valve{HumanID: f.human.ID, Name: "demo", Badge: "resolved", Owner: 1, Result: &resolved})

	r := newTestReclaimer(f, nil)
	if n, _ := r.SweepAbandonedValves(ctx); n != 0 {
		t.Fatalf("SweepAbandonedValves() = %d, the valve is fresh", n)
	}

	r.SetClock(later(2 * time.Hour))
	n, err := r.SweepAbandonedValves(ctx)
	if err != nil || n != 1 {
		t.Fatalf("SweepAbandonedValves() = %d, %v, expected 1, nil", n, err)
	}

	var count int64
	f.db.Model(&models.Valve{}).Count(&count)
	if count != 1 {
		t.Errorf("%d valves left, expected only the resolved one", count)
	}
}

func TestReclaimer_SweepAuditLogs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.db.Create(&models.SystemLog{Level: "info", Module: "job", Action: "submit", CreatedAt: time.Now().Add(-40 * 24 * time.Hour)})
	f.db.Create(&models.SystemLog{Level: "info", Module: "job", Action: "submit", CreatedAt: time.Now()})

	r := newTestReclaimer(f, nil)
	n, err := r.SweepAuditLogs(ctx)
	if err != nil || n != 1 {
		t.Fatalf("SweepAuditLogs() = %d, %v, expected 1, nil", n, err)
	}

	r.cfg.AuditRetention = 0
	r.SetClock(later(365 * 24 * time.Hour))
	if n, _ := r.SweepAuditLogs(ctx); n != 0 {
		t.Errorf("SweepAuditLogs() = %d, zero retention keeps everything", n)
	}
}

func TestReclaimer_Scheduler(t *testing.T) {
	f := newFixture(t)
	r := newTestReclaimer(f, nil)
	if err := r.StartScheduler(); err != nil {
		t.Fatalf("StartScheduler() error = %v", err)
	}
	r.StopScheduler()

	r.cfg.Schedule = "every now and then"
	if err := r.StartScheduler(); err == nil {
		r.StopScheduler()
		t.Error("StartScheduler() should reject an invalid schedule")
	}
}

func TestReclaimer_SweepAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, "demo")
	f.queue.Pop(ctx, "crashed-worker")

	r := newTestReclaimer(f, nil)
	r.SetClock(later(5 * time.Hour))
	report := r.SweepAll(ctx)
	if report.Stuck != 1 {
		t.Errorf("report = %+v, expected one stuck job", report)
	}
}
