package postgres

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"qms/walkin-service/internal/models"
	"qms/walkin-service/internal/queue"
	"qms/walkin-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var testDay = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func TestQueueLifecycleRoundTrip(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	locationID := uuid.NewString()
	queueID := createQueue(t, ctx, st, locationID, 5)
	customerID := uuid.NewString()
	staffID := uuid.NewString()

	var entryID string
	err := st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateCustomer(ctx, models.Customer{
			CustomerID: customerID, Name: "Ana", Phone: "+15550001",
			CreatedAt: testDay, UpdatedAt: testDay,
		}); err != nil {
			return err
		}
		q, err := tx.GetQueue(ctx, queueID)
		if err != nil {
			return err
		}
		entry, err := q.AddEntry(queue.AddEntryInput{CustomerID: customerID, CustomerName: "Ana", EnteredAt: testDay.Add(9 * time.Hour)})
		if err != nil {
			return err
		}
		entryID = entry.EntryID
		return tx.SaveQueue(ctx, q)
	})
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	err = st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		q, err := tx.FindQueueByEntry(ctx, entryID)
		if err != nil {
			return err
		}
		at := testDay.Add(10 * time.Hour)
		if _, err := q.CallNext(staffID, at); err != nil {
			return err
		}
		if _, err := q.CheckIn(entryID, at); err != nil {
			return err
		}
		if _, err := q.Complete(entryID, 25, "done", at.Add(25*time.Minute)); err != nil {
			return err
		}
		return tx.SaveQueue(ctx, q)
	})
	if err != nil {
		t.Fatalf("serve: %v", err)
	}

	err = st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		q, err := tx.GetQueue(ctx, queueID)
		if err != nil {
			return err
		}
		if q.Version() != 2 {
			t.Fatalf("expected version 2, got %d", q.Version())
		}
		entry, ok := q.Entry(entryID)
		if !ok {
			t.Fatalf("entry %s missing", entryID)
		}
		if entry.Status != queue.StatusCompleted || entry.ServiceMinutes == nil || *entry.ServiceMinutes != 25 {
			t.Fatalf("unexpected entry after completion: %+v", entry)
		}
		if entry.StaffID == nil || *entry.StaffID != staffID {
			t.Fatalf("expected staff %s, got %v", staffID, entry.StaffID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	avg, found, err := st.AverageServiceMinutes(ctx, locationID, testDay)
	if err != nil {
		t.Fatalf("average: %v", err)
	}
	if !found || avg != 25 {
		t.Fatalf("expected average 25, got %v (found=%v)", avg, found)
	}
}

func TestSaveQueueStaleVersionConflicts(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	queueID := createQueue(t, ctx, st, uuid.NewString(), 5)
	if _, err := pool.Exec(ctx, `UPDATE walkin_queues SET version = version + 1 WHERE queue_id = $1`, queueID); err != nil {
		t.Fatalf("bump version: %v", err)
	}

	err := st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		q, err := tx.GetQueue(ctx, queueID)
		if err != nil {
			return err
		}
		stale := queue.Rehydrate(withVersion(q.Snapshot(), q.Version()-1))
		stale.Deactivate("tester", testDay)
		return tx.SaveQueue(ctx, stale)
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestConcurrentCreateQueueSingleWinner(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	locationID := uuid.NewString()
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q, err := queue.New(queue.Params{LocationID: locationID, Date: testDay, MaxSize: 10, CreatedAt: testDay})
			if err != nil {
				errs <- err
				return
			}
			errs <- st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
				return tx.CreateQueue(ctx, q)
			})
		}()
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrQueueExists):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one queue to be created, got %d", wins)
	}

	var count int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM walkin_queues WHERE location_id = $1`, locationID).Scan(&count); err != nil {
		t.Fatalf("count queues: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 queue row, got %d", count)
	}
}

func TestStaffQueries(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	locationID := uuid.NewString()
	staffID := uuid.NewString()
	breakStart := testDay.Add(12 * time.Hour)
	if _, err := pool.Exec(ctx, `
		INSERT INTO staff_members (staff_id, location_id, name, active, on_duty, break_start, break_minutes)
		VALUES ($1, $2, 'Bea', true, true, $3, 30)
	`, staffID, locationID, breakStart); err != nil {
		t.Fatalf("insert staff: %v", err)
	}

	members, err := st.ListStaff(ctx, locationID)
	if err != nil {
		t.Fatalf("list staff: %v", err)
	}
	if len(members) != 1 || members[0].BreakDuration != 30*time.Minute {
		t.Fatalf("unexpected staff: %+v", members)
	}
	if !members[0].OnBreak(breakStart.Add(time.Minute)) {
		t.Fatalf("expected staff to be on break")
	}

	if _, err := st.GetStaff(ctx, uuid.NewString()); !errors.Is(err, store.ErrStaffNotFound) {
		t.Fatalf("expected staff not found, got %v", err)
	}
}

func withVersion(snap queue.Snapshot, version int64) queue.Snapshot {
	snap.Version = version
	return snap
}

func createQueue(t *testing.T, ctx context.Context, st *Store, locationID string, maxSize int) string {
	t.Helper()
	q, err := queue.New(queue.Params{LocationID: locationID, Date: testDay, MaxSize: maxSize, LateClientCap: 15 * time.Minute, CreatedAt: testDay})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	if err := st.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateQueue(ctx, q)
	}); err != nil {
		t.Fatalf("create queue: %v", err)
	}
	return q.ID()
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := createSchema(ctx, dsn, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	pool, err := newPoolWithSchema(ctx, dsn, schema)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	cleanup := func() {
		pool.Close()
		_ = dropSchema(context.Background(), dsn, schema)
	}
	return NewStore(pool), pool, cleanup
}

func createSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	return err
}

func dropSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	return err
}

func newPoolWithSchema(ctx context.Context, dsn, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	return pgxpool.NewWithConfig(ctx, cfg)
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	dir := filepath.Join("..", "..", "..", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	for _, name := range files {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return err
		}
	}
	return nil
}
