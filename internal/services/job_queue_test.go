package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/go-test/deep"
	"github.com/huangang/swarmhub/internal/apperrors"
	"github.com/huangang/swarmhub/internal/models"
)

func makeBundle(t *testing.T, files map[string]string) *bytes.Buffer {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	var buf bytes.Buffer
	if err := WriteBundle(&buf, dir); err != nil {
		t.Fatalf("WriteBundle() error = %v", err)
	}
	return &buf
}

func TestJobQueue_ExclusiveClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const jobs, workers = 3, 10
	for i := 0; i < jobs; i++ {
		f.submit(t, fmt.Sprintf("job-%d", i))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := map[uint]string{}
	empty := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner := fmt.Sprintf("worker-%d", i)
			job, err := f.queue.Pop(ctx, owner)
			if err != nil {
				t.Errorf("Pop() error = %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if job == nil {
				empty++
				return
			}
			if prev, dup := claimed[job.ID]; dup {
				t.Errorf("job #%d claimed by %s and %s", job.ID, prev, owner)
			}
			claimed[job.ID] = owner
		}(i)
	}
	wg.Wait()

	if len(claimed) != jobs {
		t.Errorf("%d jobs claimed, expected %d", len(claimed), jobs)
	}
	if empty != workers-jobs {
		t.Errorf("%d pops returned none, expected %d", empty, workers-jobs)
	}
	for id, owner := range claimed {
		var job models.Job
		f.db.First(&job, id)
		if job.Taken == nil || *job.Taken != owner {
			t.Errorf("job #%d taken = %v, expected %s", id, job.Taken, owner)
		}
	}
}

func TestJobQueue_TwoWorkersOneJob(t *testing.T) {
	f := newFixture(t)
	j1 := f.submit(t, "demo")

	results := make([]*models.Job, 2)
	var wg sync.WaitGroup
	for i, owner := range []string{"worker-1", "worker-2"} {
		wg.Add(1)
		go func(i int, owner string) {
			defer wg.Done()
			job, err := f.queue.Pop(context.Background(), owner)
			if err != nil {
				t.Errorf("Pop(%s) error = %v", owner, err)
			}
			results[i] = job
		}(i, owner)
	}
	wg.Wait()

	got := 0
	for _, job := range results {
		if job != nil {
			got++
			if job.ID != j1.ID {
				t.Errorf("popped #%d, expected #%d", job.ID, j1.ID)
			}
		}
	}
	if got != 1 {
		t.Errorf("%d workers got the job, expected exactly 1", got)
	}
}

func TestJobQueue_PopEmpty(t *testing.T) {
	f := newFixture(t)
	job, err := f.queue.Pop(context.Background(), "worker-1")
	if err != nil || job != nil {
		t.Errorf("Pop() = %v, %v, expected nil, nil", job, err)
	}
	if _, err := f.queue.Pop(context.Background(), ""); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Pop(\"\") error = %v, expected ErrValidation", err)
	}
}

func TestJobQueue_PopSkipsLockedName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, "demo")
	other := f.submit(t, "other")

	if err := f.locks.Acquire(ctx, f.human.ID, "demo", "someone-else"); err != nil {
		t.Fatal(err)
	}
	job, err := f.queue.Pop(ctx, "worker-1")
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.ID != other.ID {
		t.Fatalf("Pop() = %v, expected #%d", job, other.ID)
	}
	if job, _ := f.queue.Pop(ctx, "worker-2"); job != nil {
		t.Errorf("Pop() = #%d, the remaining job's name is locked", job.ID)
	}
}

func TestJobQueue_OneRunningJobPerName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, "demo")
	f.submit(t, "demo")

	first, _ := f.queue.Pop(ctx, "worker-1")
	if first == nil {
		t.Fatal("first pop should succeed")
	}
	if second, _ := f.queue.Pop(ctx, "worker-2"); second != nil {
		t.Errorf("second job of the same name popped while the first runs")
	}
}

func TestJobQueue_ExpiredClaimKeepsNameExclusive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.submit(t, "demo")
	}

	first, _ := f.queue.Pop(ctx, "worker-1")
	if first == nil {
		t.Fatal("first pop should succeed")
	}
	if again, _ := f.queue.Pop(ctx, "worker-1"); again != nil {
		t.Fatalf("worker-1 popped #%d while #%d of the same name runs", again.ID, first.ID)
	}

	if err := f.store.Expire(ctx, first.ID, "stuck"); err != nil {
		t.Fatalf("Expire() error = %v", err)
	}
	second, _ := f.queue.Pop(ctx, "worker-1")
	if second == nil {
		t.Fatal("expiring the claim should free the name")
	}
	if third, _ := f.queue.Pop(ctx, "worker-2"); third != nil {
		t.Errorf("worker-2 popped #%d while #%d of the same name runs", third.ID, second.ID)
	}
}

func TestJobQueue_PopSkipsFinishedAndExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	done := f.submit(t, "a")
	gone := f.submit(t, "b")
	f.store.Finish(ctx, done.ID, FinishParams{Exit: 1})
	f.store.Expire(ctx, gone.ID, "test")

	if job, _ := f.queue.Pop(ctx, "w"); job != nil {
		t.Errorf("Pop() = #%d, expected nothing", job.ID)
	}
}

func TestJobQueue_Pack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.submit(t, "demo")
	alt, err := f.alterations.Create(ctx, f.human.ID, &CreateAlterationRequest{Name: "demo", Script: "$fb.query('(eq foo 1)').delete!"})
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := f.queue.Pack(ctx, job, &buf); err != nil {
		t.Fatalf("Pack() error = %v", err)
	}

	dir := t.TempDir()
	if err := ReadBundle(&buf, dir); err != nil {
		t.Fatalf("ReadBundle() error = %v", err)
	}

	data, _ := os.ReadFile(filepath.Join(dir, BundleMetaFile))
	expectedMeta := fmt.Sprintf(`{"id":%d,"name":"demo","human":%d}`, job.ID, f.human.ID)
	if string(data) != expectedMeta {
		t.Errorf("job.json = %s, expected %s", data, expectedMeta)
	}
	fb, _ := os.ReadFile(filepath.Join(dir, ArtifactName(job.ID)))
	if string(fb) != "factbase of demo" {
		t.Errorf("artifact = %q", fb)
	}
	script, _ := os.ReadFile(filepath.Join(dir, AlterationFileName(alt.ID)))
	if string(script) != alt.Script {
		t.Errorf("alteration = %q, expected %q", script, alt.Script)
	}
}

func TestJobQueue_Finish(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.secrets.Put(f.human.ID, "github", "ghp_s3cr3t")
	alt, _ := f.alterations.Create(ctx, f.human.ID, &CreateAlterationRequest{Name: "demo", Script: "x"})
	f.submit(t, "demo")
	job, _ := f.queue.Pop(ctx, "worker-1")

	bundle := makeBundle(t, map[string]string{
		BundleMetaFile:        fmt.Sprintf(`{"id":%d,"name":"demo","exit":"0","msec":1200,"errors":2,"alterations":[%d]}`, job.ID, alt.ID),
		BundleStdoutFile:      "token ghp_s3cr3t used\nERROR one\nERROR two\n",
		ArtifactName(job.ID): "new factbase",
	})

	result, err := f.queue.Finish(ctx, job.ID, bundle)
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if result.Exit != 0 || result.Msec != 1200 || result.Errors == nil || *result.Errors != 2 {
		t.Errorf("result = %+v", result)
	}
	if result.Size == nil || *result.Size != int64(len("new factbase")) {
		t.Errorf("Size = %v, expected %d", result.Size, len("new factbase"))
	}
	if result.Stdout != "token ***** used\nERROR one\nERROR two\n" {
		t.Errorf("Stdout = %q, secrets must be redacted", result.Stdout)
	}

	out := filepath.Join(t.TempDir(), "out.fb")
	if err := f.blobs.Load(ctx, *result.URI2, out); err != nil {
		t.Fatalf("Load(uri2) error = %v", err)
	}

	if locked, _ := f.locks.IsLocked(ctx, f.human.ID, "demo"); locked {
		t.Error("finish should release the lock")
	}
	pending, _ := f.alterations.PendingFor(ctx, f.human.ID, "demo")
	if len(pending) != 0 {
		t.Errorf("%d alterations still pending, expected 0", len(pending))
	}
}

func TestJobQueue_FinishRejectsMalformedBundles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, "demo")
	job, _ := f.queue.Pop(ctx, "worker-1")

	tests := []struct {
		name  string
		files map[string]string
	}{
		{"no job.json", map[string]string{BundleStdoutFile: "hi"}},
		{"no exit", map[string]string{BundleMetaFile: `{"msec":1}`}},
		{"no msec", map[string]string{BundleMetaFile: `{"exit":1}`}},
		{"bad exit", map[string]string{BundleMetaFile: `{"exit":"zero","msec":1}`}},
		{"not json", map[string]string{BundleMetaFile: `exit=0`}},
		{"wrong job", map[string]string{BundleMetaFile: fmt.Sprintf(`{"id":%d,"exit":1,"msec":1}`, job.ID+100)}},
		{"no id", map[string]string{BundleMetaFile: `{"exit":1,"msec":1}`}},
		{"success without artifact", map[string]string{BundleMetaFile: fmt.Sprintf(`{"id":%d,"exit":0,"msec":1,"errors":0}`, job.ID)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.queue.Finish(ctx, job.ID, makeBundle(t, tt.files))
			if !errors.Is(err, apperrors.ErrValidation) {
				t.Errorf("Finish() error = %v, expected ErrValidation", err)
			}
		})
	}

	if _, err := f.queue.Finish(ctx, job.ID, bytes.NewBufferString("not a bundle")); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Finish(garbage) error = %v, expected ErrValidation", err)
	}

	got, _ := f.store.Get(ctx, job.ID)
	if got.Finished() {
		t.Error("malformed bundles must not finish the job")
	}
}

func TestJobQueue_FinishTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, "demo")
	job, _ := f.queue.Pop(ctx, "worker-1")
	files := map[string]string{BundleMetaFile: fmt.Sprintf(`{"id":%d,"exit":1,"msec":5}`, job.ID), BundleStdoutFile: "failed"}

	if _, err := f.queue.Finish(ctx, job.ID, makeBundle(t, files)); err != nil {
		t.Fatal(err)
	}
	if _, err := f.queue.Finish(ctx, job.ID, makeBundle(t, files)); !errors.Is(err, apperrors.ErrState) {
		t.Errorf("second Finish() error = %v, expected ErrState", err)
	}
}

func TestJobQueue_FinishRequiresClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.submit(t, "demo")
	files := map[string]string{BundleMetaFile: fmt.Sprintf(`{"id":%d,"exit":1,"msec":5}`, job.ID)}

	if _, err := f.queue.Finish(ctx, job.ID, makeBundle(t, files)); !errors.Is(err, apperrors.ErrState) {
		t.Errorf("Finish(pending) error = %v, expected ErrState", err)
	}
	got, _ := f.store.Get(ctx, job.ID)
	if got.Finished() {
		t.Error("a job that was never popped must stay pending")
	}
}

func TestJobQueue_PackFinishRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, "demo")
	job, _ := f.queue.Pop(ctx, "worker-1")

	var packed bytes.Buffer
	if err := f.queue.Pack(ctx, job, &packed); err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	if err := ReadBundle(&packed, dir); err != nil {
		t.Fatal(err)
	}

	meta, _ := MarshalCompletionMeta(&CompletionMeta{ID: job.ID, Name: job.Name, Exit: 0, Msec: 10, Errors: intPtr(0)})
	os.WriteFile(filepath.Join(dir, BundleMetaFile), meta, 0o644)

	var back bytes.Buffer
	if err := WriteBundle(&back, dir); err != nil {
		t.Fatal(err)
	}
	result, err := f.queue.Finish(ctx, job.ID, &back)
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if diff := deep.Equal(*result.Size, int64(len("factbase of demo"))); diff != nil {
		t.Error(diff)
	}
}
