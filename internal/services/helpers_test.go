package services

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/huangang/swarmhub/internal/config"
	"github.com/huangang/swarmhub/internal/models"
	"github.com/huangang/swarmhub/pkg/logger"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func init() {
	logger.SetOutput(io.Discard, zerolog.Disabled)
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := models.Open(&config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "swarmhub.db"),
	}, gormlogger.Silent)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := models.Migrate(db); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
	fail     bool
}

func (n *recordingNotifier) Notify(ctx context.Context, humanID uint, lines ...string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, strings.Join(lines, " "))
	return !n.fail
}

func (n *recordingNotifier) count(substr string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, m := range n.messages {
		if strings.Contains(m, substr) {
			c++
		}
	}
	return c
}

var testValveConfig = config.ValveConfig{
	PollInterval: config.Duration(10 * time.Millisecond),
	Deadline:     config.Duration(3 * time.Second),
}

type fixture struct {
	db          *gorm.DB
	human       models.Human
	token       models.Token
	blobs       *FileBlobStore
	notifier    *recordingNotifier
	billing     *BillingService
	secrets     *SecretService
	locks       *NameLock
	valve       *Valve
	store       *JobStore
	alterations *AlterationService
	queue       *JobQueue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := newTestDB(t)

	f := &fixture{db: db, notifier: &recordingNotifier{}}
	f.human = models.Human{Login: "yegor"}
	if err := db.Create(&f.human).Error; err != nil {
		t.Fatal(err)
	}
	f.token = models.Token{HumanID: f.human.ID, Name: "default", Text: "secret-token", Active: true}
	if err := db.Create(&f.token).Error; err != nil {
		t.Fatal(err)
	}

	blobs, err := NewFileBlobStore(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatal(err)
	}
	f.blobs = blobs
	f.billing = NewBillingService(db, 1)
	f.secrets = NewSecretService(db)
	f.locks = NewNameLock(db, nil)
	f.valve = NewValve(db, f.notifier, &testValveConfig, nil)
	f.store = NewJobStore(db, blobs, f.notifier, f.billing, f.locks, nil)
	f.alterations = NewAlterationService(db)
	f.queue = NewJobQueue(db, f.store, f.locks, f.alterations, blobs, f.secrets, nil, 8)
	return f
}

// saveBlob stores content and returns its handle.
func (f *fixture) saveBlob(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blob")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	handle, err := f.blobs.Save(context.Background(), path)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	return handle
}

func (f *fixture) submit(t *testing.T, name string) *models.Job {
	t.Helper()
	job, err := f.store.Submit(context.Background(), &f.token, name, f.saveBlob(t, "factbase of "+name), nil)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	return job
}

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }
