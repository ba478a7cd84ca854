package repo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"productlab/internal/domain"
	"productlab/internal/sqlinline"
)

type stubRow struct {
	scan func(dest ...any) error
}

func (r stubRow) Scan(dest ...any) error {
	if r.scan == nil {
		return pgx.ErrNoRows
	}
	return r.scan(dest...)
}

type ledgerKey struct {
	job, unit, kind string
}

// memoryDB mimics the credit and task statements closely enough to exercise
// the repository logic without a database.
type memoryDB struct {
	mu       sync.Mutex
	balances map[string]int64
	entries  map[ledgerKey]int64
	execs    []string
	lastArgs []any
	claim    *domain.Task
	// clientJobs maps user/client_job_id to a job id, taskJobs task ids to jobs.
	clientJobs map[string]string
	taskJobs   map[string]string
}

func newMemoryDB() *memoryDB {
	return &memoryDB{
		balances:   map[string]int64{},
		entries:    map[ledgerKey]int64{},
		clientJobs: map[string]string{},
		taskJobs:   map[string]string{},
	}
}

func (m *memoryDB) Exec(ctx context.Context, query string, args ...any) (pgconn.CommandTag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs = append(m.execs, query)
	m.lastArgs = args
	switch query {
	case sqlinline.QCreditBack:
		user, job, unit := args[1].(string), args[2].(string), args[3].(string)
		amount, ok := m.entries[ledgerKey{job, unit, "debit"}]
		if !ok {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		if _, refunded := m.entries[ledgerKey{job, unit, "refund"}]; refunded {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		m.entries[ledgerKey{job, unit, "refund"}] = amount
		m.balances[user] += amount
		return pgconn.NewCommandTag("UPDATE 1"), nil
	case sqlinline.QFinalizeJob:
		return pgconn.NewCommandTag("UPDATE 1"), nil
	case sqlinline.QRequeueTask, sqlinline.QCompleteTask, sqlinline.QFailTask:
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	return pgconn.CommandTag{}, fmt.Errorf("unsupported exec")
}

func (m *memoryDB) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch query {
	case sqlinline.QDebitCredits:
		user, job, unit, amount := args[1].(string), args[2].(string), args[3].(string), args[4].(int64)
		if _, charged := m.entries[ledgerKey{job, unit, "debit"}]; charged {
			return stubRow{}
		}
		if m.balances[user] < amount {
			return stubRow{}
		}
		m.balances[user] -= amount
		m.entries[ledgerKey{job, unit, "debit"}] = amount
		balance := m.balances[user]
		return stubRow{scan: func(dest ...any) error {
			*dest[0].(*int64) = balance
			return nil
		}}
	case sqlinline.QSelectDebitExists:
		_, exists := m.entries[ledgerKey{args[0].(string), args[1].(string), "debit"}]
		return stubRow{scan: func(dest ...any) error {
			*dest[0].(*bool) = exists
			return nil
		}}
	case sqlinline.QClaimTask:
		task := m.claim
		m.claim = nil
		if task == nil {
			return stubRow{}
		}
		return stubRow{scan: func(dest ...any) error {
			*dest[0].(*string) = task.ID
			*dest[1].(*string) = task.JobID
			*dest[2].(*string) = string(task.Type)
			*dest[3].(*string) = string(domain.TaskStatusRunning)
			*dest[4].(*int) = task.Attempts
			*dest[5].(*time.Time) = task.RunAfter
			now := time.Now()
			*dest[6].(**time.Time) = &now
			*dest[7].(*string) = task.LastError
			*dest[8].(*time.Time) = task.CreatedAt
			return nil
		}}
	case sqlinline.QInsertJob:
		return stubRow{}
	case sqlinline.QInsertJobWithTask:
		jobID, user, clientID, taskID := args[0].(string), args[1].(string), args[6].(string), args[8].(string)
		if clientID != "" {
			key := user + "/" + clientID
			if _, exists := m.clientJobs[key]; exists {
				return stubRow{}
			}
			m.clientJobs[key] = jobID
		}
		m.taskJobs[taskID] = jobID
		now := time.Now()
		return stubRow{scan: func(dest ...any) error {
			for _, d := range dest {
				*d.(*time.Time) = now
			}
			return nil
		}}
	}
	return stubRow{scan: func(dest ...any) error { return errors.New("unsupported query") }}
}

func (m *memoryDB) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func TestLedgerDebitOnce(t *testing.T) {
	db := newMemoryDB()
	db.balances["user-1"] = 10
	ledger := NewLedger(db)
	charge := domain.Charge{UserID: "user-1", JobID: "job-1", UnitKey: "unit-0", Amount: 4}

	if err := ledger.Debit(context.Background(), charge); err != nil {
		t.Fatalf("Debit error: %v", err)
	}
	if err := ledger.Debit(context.Background(), charge); err != nil {
		t.Fatalf("repeated Debit error: %v", err)
	}
	if db.balances["user-1"] != 6 {
		t.Fatalf("balance = %d, want 6", db.balances["user-1"])
	}
}

func TestLedgerDebitInsufficient(t *testing.T) {
	db := newMemoryDB()
	db.balances["user-1"] = 2
	ledger := NewLedger(db)
	err := ledger.Debit(context.Background(), domain.Charge{UserID: "user-1", JobID: "job-1", UnitKey: "attempt-1", Amount: 3})
	if !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Fatalf("err = %v, want ErrInsufficientCredits", err)
	}
	if db.balances["user-1"] != 2 {
		t.Fatalf("balance changed to %d", db.balances["user-1"])
	}
}

func TestLedgerCreditBackOnce(t *testing.T) {
	db := newMemoryDB()
	db.balances["user-1"] = 5
	ledger := NewLedger(db)
	charge := domain.Charge{UserID: "user-1", JobID: "job-1", UnitKey: "attempt-1", Amount: 5}

	refunded, err := ledger.CreditBack(context.Background(), charge)
	if err != nil || refunded {
		t.Fatalf("refund without debit: refunded=%t err=%v", refunded, err)
	}
	if err := ledger.Debit(context.Background(), charge); err != nil {
		t.Fatalf("Debit error: %v", err)
	}
	for i := 0; i < 2; i++ {
		refunded, err = ledger.CreditBack(context.Background(), charge)
		if err != nil {
			t.Fatalf("CreditBack error: %v", err)
		}
		if refunded != (i == 0) {
			t.Fatalf("call %d refunded=%t", i, refunded)
		}
	}
	if db.balances["user-1"] != 5 {
		t.Fatalf("balance = %d, want 5", db.balances["user-1"])
	}
}

func TestLedgerValidatesCharge(t *testing.T) {
	ledger := NewLedger(newMemoryDB())
	if err := ledger.Debit(context.Background(), domain.Charge{JobID: "j", UnitKey: "u", Amount: 1}); err == nil {
		t.Fatal("expected error without user id")
	}
	if err := ledger.Debit(context.Background(), domain.Charge{UserID: "u", Amount: 1}); err == nil {
		t.Fatal("expected error without idempotency key")
	}
}

func TestJobStoreClaimNoRows(t *testing.T) {
	store := NewJobStore(newMemoryDB())
	task, err := store.ClaimTask(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("ClaimTask error: %v", err)
	}
	if task != nil {
		t.Fatalf("expected no task, got %+v", task)
	}
}

func TestJobStoreClaimScansTask(t *testing.T) {
	db := newMemoryDB()
	db.claim = &domain.Task{ID: "task-1", JobID: "job-1", Type: domain.JobTypeImageGen, Attempts: 2}
	store := NewJobStore(db)
	task, err := store.ClaimTask(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("ClaimTask error: %v", err)
	}
	if task == nil || task.ID != "task-1" || task.Status != domain.TaskStatusRunning || task.Attempts != 2 {
		t.Fatalf("unexpected task: %+v", task)
	}
	if task.LockedAt == nil {
		t.Fatal("expected locked_at to be set")
	}
}

func TestJobStoreInsertDuplicate(t *testing.T) {
	store := NewJobStore(newMemoryDB())
	err := store.InsertJob(context.Background(), &domain.Job{ID: "job-1", UserID: "u", Type: domain.JobTypeAnalysis, ClientJobID: "c-1"})
	if !errors.Is(err, domain.ErrDuplicateOperation) {
		t.Fatalf("err = %v, want ErrDuplicateOperation", err)
	}
}

func TestJobStoreCreateJobWritesTaskWithJob(t *testing.T) {
	db := newMemoryDB()
	store := NewJobStore(db)
	job := &domain.Job{ID: "job-1", UserID: "u", Type: domain.JobTypeImageGen, ClientJobID: "c-1"}
	task := &domain.Task{ID: "task-1"}

	if err := store.CreateJob(context.Background(), job, task); err != nil {
		t.Fatalf("CreateJob error: %v", err)
	}
	if job.Status != domain.JobStatusProcessing || job.CreatedAt.IsZero() {
		t.Fatalf("job = %+v", job)
	}
	if task.JobID != "job-1" || task.Type != domain.JobTypeImageGen || task.Status != domain.TaskStatusQueued || task.RunAfter.IsZero() {
		t.Fatalf("task = %+v", task)
	}
	if db.taskJobs["task-1"] != "job-1" {
		t.Fatalf("task rows = %v", db.taskJobs)
	}

	again := &domain.Job{ID: "job-2", UserID: "u", Type: domain.JobTypeImageGen, ClientJobID: "c-1"}
	err := store.CreateJob(context.Background(), again, &domain.Task{ID: "task-2"})
	if !errors.Is(err, domain.ErrDuplicateOperation) {
		t.Fatalf("err = %v, want ErrDuplicateOperation", err)
	}
	if _, ok := db.taskJobs["task-2"]; ok {
		t.Fatal("duplicate create must not add a task")
	}
}

func TestJobStoreRequeuePassesDelaySeconds(t *testing.T) {
	db := newMemoryDB()
	store := NewJobStore(db)
	if err := store.RequeueTask(context.Background(), "task-1", domain.RetryDelay, "boom"); err != nil {
		t.Fatalf("RequeueTask error: %v", err)
	}
	if got := db.lastArgs[1].(float64); got != 10 {
		t.Fatalf("delay = %v, want 10", got)
	}
}

func TestJobStoreFinalizeNilResult(t *testing.T) {
	db := newMemoryDB()
	store := NewJobStore(db)
	ok, err := store.FinalizeJob(context.Background(), "job-1", domain.Outcome{Status: domain.JobStatusFailed, ErrorCode: domain.CodeUpstreamError})
	if err != nil || !ok {
		t.Fatalf("FinalizeJob ok=%t err=%v", ok, err)
	}
	if db.lastArgs[3].([]byte) != nil {
		t.Fatalf("expected nil result data, got %s", db.lastArgs[3])
	}
}
