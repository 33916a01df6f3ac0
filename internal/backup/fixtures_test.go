package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"db-backup-engine/internal/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const testSecret = "correct horse battery staple"

// fakeDatabase is an in-memory database that serves as dump tool, load tool
// and inspector. Table contents are opaque strings.
type fakeDatabase struct {
	mu     sync.Mutex
	tables map[string]string
	loads  int

	dumpErr error
	loadErr error

	// blockDump makes Dump wait until the channel is closed or ctx ends
	blockDump   chan struct{}
	dumpStarted chan struct{}
}

func newFakeDatabase(tables map[string]string) *fakeDatabase {
	copied := make(map[string]string, len(tables))
	for name, rows := range tables {
		copied[name] = rows
	}
	return &fakeDatabase{tables: copied}
}

func (f *fakeDatabase) Dump(ctx context.Context, opts DumpOptions) (*DumpResult, error) {
	if f.dumpStarted != nil {
		close(f.dumpStarted)
	}
	if f.blockDump != nil {
		select {
		case <-f.blockDump:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.dumpErr != nil {
		return nil, f.dumpErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	include := make(map[string]bool)
	for _, table := range opts.Tables {
		include[table] = true
	}
	exclude := make(map[string]bool)
	for _, table := range opts.ExcludeTables {
		exclude[table] = true
	}

	snapshot := make(map[string]string)
	var tables []string
	for name, rows := range f.tables {
		if len(include) > 0 && !include[name] {
			continue
		}
		if exclude[name] {
			continue
		}
		snapshot[name] = rows
		tables = append(tables, name)
	}
	sort.Strings(tables)

	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}
	return &DumpResult{Data: data, Tables: tables}, nil
}

func (f *fakeDatabase) Load(ctx context.Context, data []byte, opts LoadOptions) error {
	if f.loadErr != nil {
		return f.loadErr
	}

	var snapshot map[string]string
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("unreadable dump: %w", err)
	}

	apply := opts.Tables
	if len(apply) == 0 {
		for name := range snapshot {
			apply = append(apply, name)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if !opts.DropExisting {
		for _, name := range apply {
			if _, exists := f.tables[name]; exists {
				return fmt.Errorf("table %s: %w", name, ErrLoadConflict)
			}
		}
	}

	for _, name := range apply {
		rows, ok := snapshot[name]
		if !ok {
			continue
		}
		f.tables[name] = rows
	}
	f.loads++
	return nil
}

func (f *fakeDatabase) ListTables(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	tables := make([]string, 0, len(f.tables))
	for name := range f.tables {
		tables = append(tables, name)
	}
	sort.Strings(tables)
	return tables, nil
}

func (f *fakeDatabase) TableRowCounts(ctx context.Context, tables []string) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	counts := make(map[string]int64, len(tables))
	for _, name := range tables {
		if rows := f.tables[name]; rows != "" {
			counts[name] = int64(len(strings.Split(rows, ",")))
		}
	}
	return counts, nil
}

func (f *fakeDatabase) Version(ctx context.Context) (string, error) {
	return "8.0.36", nil
}

func (f *fakeDatabase) table(name string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows, ok := f.tables[name]
	return rows, ok
}

func (f *fakeDatabase) setTable(name, rows string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[name] = rows
}

func (f *fakeDatabase) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads
}

// manualClock only moves when told to
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock(now time.Time) *manualClock {
	return &manualClock{now: now.UTC()}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingApplier captures applied settings
type recordingApplier struct {
	mu      sync.Mutex
	applied []map[string]interface{}
}

func (r *recordingApplier) ApplySettings(ctx context.Context, settings map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, settings)
	return nil
}

type testEngine struct {
	*Engine
	catalog  *SQLCatalog
	storage  *LocalStorage
	db       *fakeDatabase
	clock    *manualClock
	registry *prometheus.Registry
	docsDir  string
}

func quietLogger() *logging.Logger {
	logger, _ := logging.NewLogger(logging.Config{Level: logging.LogLevelQuiet, Output: io.Discard})
	return logger
}

func testConfig(t *testing.T) EngineConfig {
	t.Helper()
	return EngineConfig{
		Target:     "test-target",
		AppVersion: "test",
		Catalog:    CatalogConfig{Driver: DialectSQLite, DSN: ":memory:"},
		Storage: StorageConfig{
			Provider: StorageProviderLocal,
			Local:    &LocalConfig{BasePath: t.TempDir()},
		},
		Encryption: EncryptionConfig{Secret: testSecret, Iterations: 10000},
		Retention:  RetentionConfig{MaxBackups: 100, RetentionDays: 365},
		Tools:      ToolsConfig{Engine: "mysql", AuditTables: []string{"audit_log"}},
		Documents:  DocumentsConfig{Dir: t.TempDir()},
	}
}

// newTestEngine builds an engine on an in-memory sqlite catalog, local
// storage in a temp dir and a fake database with three tables
func newTestEngine(t *testing.T, mutate func(*EngineConfig), opts ...EngineOption) *testEngine {
	t.Helper()

	config := testConfig(t)
	if mutate != nil {
		mutate(&config)
	}

	ctx := context.Background()
	catalog, err := OpenCatalog(ctx, config.Catalog)
	require.NoError(t, err)

	storage, err := NewLocalStorage(config.Storage.Local)
	require.NoError(t, err)

	db := newFakeDatabase(map[string]string{
		"customers": "alice,bob,carol",
		"invoices":  "inv-1,inv-2",
		"audit_log": "login,logout",
	})
	clock := newManualClock(time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC))
	registry := prometheus.NewRegistry()

	options := append([]EngineOption{
		WithLogger(quietLogger()),
		WithClock(clock),
		WithInspector(db),
		WithMetrics(NewMetricsCollector(registry)),
	}, opts...)

	engine, err := NewEngine(config, catalog, storage, db, db, options...)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	return &testEngine{
		Engine:   engine,
		catalog:  catalog,
		storage:  storage,
		db:       db,
		clock:    clock,
		registry: registry,
		docsDir:  config.Documents.Dir,
	}
}

// auditActions returns the actions recorded for a backup in append order
func auditActions(t *testing.T, catalog Catalog, filter AuditFilter) []AuditAction {
	t.Helper()
	entries, err := catalog.QueryAudit(context.Background(), filter)
	require.NoError(t, err)

	actions := make([]AuditAction, 0, len(entries))
	for _, entry := range entries {
		actions = append(actions, entry.Action)
	}
	return actions
}

// seedCompletedBackup inserts a COMPLETED backup row with a stored artifact
func seedCompletedBackup(t *testing.T, te *testEngine, createdAt time.Time, scheduleID string) *BackupRecord {
	t.Helper()
	ctx := context.Background()

	id := GenerateIDWithPrefix("backup", createdAt)
	key := ArtifactKey(id)
	artifact := []byte("artifact " + id)
	require.NoError(t, te.storage.Write(ctx, key, artifact))
	require.NoError(t, te.storage.Write(ctx, SidecarKey(key), []byte(`{}`)))

	completedAt := createdAt.Add(time.Minute)
	record := &BackupRecord{
		ID:              id,
		Name:            "seeded " + createdAt.Format(time.RFC3339),
		Kind:            BackupKindFull,
		Status:          BackupStatusCompleted,
		StorageProvider: StorageProviderLocal,
		StoragePath:     key,
		CompressionType: CompressionTypeGzip,
		Size:            int64(len(artifact)),
		CompressedSize:  int64(len(artifact)),
		Checksum:        CalculateChecksum(artifact),
		StartedAt:       &createdAt,
		CompletedAt:     &completedAt,
		CreatedBy:       "test",
		ScheduleID:      scheduleID,
		CreatedAt:       createdAt,
	}
	require.NoError(t, te.catalog.CreateBackup(ctx, record))
	return record
}
