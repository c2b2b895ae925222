package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/riverqueue/river"
	"github.com/shopspring/decimal"

	"github.com/taras-bel/freelance/backend/internal/execution"
	"github.com/taras-bel/freelance/backend/internal/fees"
	"github.com/taras-bel/freelance/backend/internal/gateway"
	"github.com/taras-bel/freelance/backend/internal/ledger"
	"github.com/taras-bel/freelance/backend/internal/models"
)

// ---------------------------------------------------------------------------
// In-memory mocks for EscrowStore, PaymentWriter, TaskLookup and the gateway.
// These let us test the real EscrowService logic without a database.
// ---------------------------------------------------------------------------

// --- noopTx satisfies pgx.Tx for test use; Begin yields a savepoint that is also a noopTx. ---

type noopTx struct{}

func (noopTx) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }
func (noopTx) Commit(context.Context) error          { return nil }
func (noopTx) Rollback(context.Context) error        { return nil }
func (noopTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (noopTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (noopTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (noopTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (noopTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (noopTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (noopTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (noopTx) Conn() *pgx.Conn { return nil }

type mockPool struct{}

func (mockPool) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }

// --- EscrowStore ---

type mockEscrows struct {
	mu      sync.Mutex
	escrows map[uuid.UUID]*models.Escrow
}

func newMockEscrows() *mockEscrows {
	return &mockEscrows{escrows: make(map[uuid.UUID]*models.Escrow)}
}

func (m *mockEscrows) Create(_ context.Context, e *models.Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.escrows {
		if existing.TaskID == e.TaskID {
			return fmt.Errorf("%w: escrow for task %d already exists", models.ErrConflict, e.TaskID)
		}
	}
	cp := *e
	m.escrows[e.ID] = &cp
	return nil
}

func (m *mockEscrows) GetByID(_ context.Context, id uuid.UUID) (*models.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escrows[id]
	if !ok {
		return nil, fmt.Errorf("%w: escrow %s", models.ErrNotFound, id)
	}
	cp := *e
	return &cp, nil
}

func (m *mockEscrows) GetByIDForUpdate(ctx context.Context, _ pgx.Tx, id uuid.UUID) (*models.Escrow, error) {
	return m.GetByID(ctx, id)
}

func (m *mockEscrows) CompareAndSwap(_ context.Context, _ pgx.Tx, e *models.Escrow, expected string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.escrows[e.ID]
	if !ok || cur.Status != expected {
		return fmt.Errorf("%w: escrow %s is no longer %s", models.ErrConflict, e.ID, expected)
	}
	cp := *e
	m.escrows[e.ID] = &cp
	return nil
}

func (m *mockEscrows) ListByParticipant(_ context.Context, userID int64, status string) ([]*models.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Escrow
	for _, e := range m.escrows {
		if e.IsParticipant(userID) && (status == "" || e.Status == status) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockEscrows) ListAll(_ context.Context, status string) ([]*models.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Escrow
	for _, e := range m.escrows {
		if status == "" || e.Status == status {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockEscrows) setStatus(id uuid.UUID, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escrows[id].Status = status
}

// --- memLedger is both the PaymentWriter and the ledger.Store, so balances
// observe exactly the payments escrow transitions write. ---

type memLedger struct {
	mu           sync.Mutex
	payments     []*models.Payment
	transactions []*models.Transaction
}

func (m *memLedger) CreateTx(_ context.Context, _ pgx.Tx, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.payments = append(m.payments, &cp)
	return nil
}

func (m *memLedger) balanceLocked(userID int64) decimal.Decimal {
	bal := decimal.Zero
	for _, p := range m.payments {
		if p.RecipientID == userID && p.Status == models.PaymentStatusCompleted {
			bal = bal.Add(p.Amount)
		}
	}
	for _, t := range m.transactions {
		if t.UserID == userID && t.TransactionType == models.TransactionTypeWithdrawal && t.Status == models.PaymentStatusCompleted {
			bal = bal.Sub(t.Amount)
		}
	}
	return bal
}

func (m *memLedger) Balance(_ context.Context, userID int64) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balanceLocked(userID), nil
}

func (m *memLedger) Withdraw(ctx context.Context, w *ledger.Withdrawal, afterWrite func(context.Context, pgx.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balanceLocked(w.UserID).LessThan(w.Transactions[0].Amount) {
		return models.ErrInsufficientFunds
	}
	m.transactions = append(m.transactions, w.Transactions...)
	w.BalanceAfter = m.balanceLocked(w.UserID)
	if afterWrite != nil {
		return afterWrite(ctx, noopTx{})
	}
	return nil
}

func (m *memLedger) Payments(_ context.Context, userID int64) ([]*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Payment
	for _, p := range m.payments {
		if p.SenderID == userID || p.RecipientID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memLedger) Transactions(context.Context, int64) ([]*models.Transaction, error) {
	return nil, nil
}

func (m *memLedger) all() []*models.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Payment, len(m.payments))
	copy(out, m.payments)
	return out
}

// --- TaskLookup ---

type mockTasks map[int64]*models.Task

func (m mockTasks) GetByID(_ context.Context, id int64) (*models.Task, error) {
	t, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("%w: task %d", models.ErrNotFound, id)
	}
	return t, nil
}

// --- FundingGateway ---

type fakeGateway struct {
	intent *gateway.Intent
	err    error
	calls  int
	last   gateway.IntentRequest
}

func (f *fakeGateway) CreateFundingIntent(_ context.Context, req gateway.IntentRequest) (*gateway.Intent, error) {
	f.calls++
	f.last = req
	return f.intent, f.err
}

// --- outbox recorder ---

type recordedJobs struct {
	mu   sync.Mutex
	jobs []river.JobArgs
	fail bool
}

func (r *recordedJobs) insert(_ context.Context, _ pgx.Tx, args river.JobArgs) error {
	if r.fail {
		return errors.New("queue unavailable")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, args)
	return nil
}

func (r *recordedJobs) byKind(kind string) []river.JobArgs {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []river.JobArgs
	for _, j := range r.jobs {
		if j.Kind() == kind {
			out = append(out, j)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

const (
	clientID     int64 = 100
	freelancerID int64 = 200
	adminID      int64 = 1
	strangerID   int64 = 999
)

var (
	client     = models.Actor{UserID: clientID}
	freelancer = models.Actor{UserID: freelancerID}
	admin      = models.Actor{UserID: adminID, Admin: true}
	stranger   = models.Actor{UserID: strangerID}
	fixedNow   = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
)

type fixture struct {
	svc     *EscrowService
	escrows *mockEscrows
	ledger  *memLedger
	jobs    *recordedJobs
	gw      *fakeGateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	calc, err := fees.New(decimal.RequireFromString("0.05"), 2)
	if err != nil {
		t.Fatalf("fees.New: %v", err)
	}
	assignee := freelancerID
	tasks := mockTasks{
		42: {ID: 42, CreatorID: clientID, AssigneeID: &assignee, Title: "Logo design"},
		43: {ID: 43, CreatorID: clientID, Title: "Unassigned"},
	}
	f := &fixture{
		escrows: newMockEscrows(),
		ledger:  &memLedger{},
		jobs:    &recordedJobs{},
		gw:      &fakeGateway{intent: &gateway.Intent{ID: "pi_1", ClientSecret: "pi_1_secret"}},
	}
	f.svc = NewEscrowService(mockPool{}, f.escrows, f.ledger, tasks, calc, EscrowOptions{
		Gateway:  f.gw,
		Enqueue:  f.jobs.insert,
		Currency: "USD",
		Now:      func() time.Time { return fixedNow },
	})
	return f
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func (f *fixture) create(t *testing.T, amount string) *models.Escrow {
	t.Helper()
	e, err := f.svc.Create(context.Background(), client, 42, dec(amount))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return e
}

func (f *fixture) funded(t *testing.T, amount string) *models.Escrow {
	t.Helper()
	e := f.create(t, amount)
	if _, err := f.svc.FundConfirmed(context.Background(), e.ID); err != nil {
		t.Fatalf("FundConfirmed: %v", err)
	}
	return e
}

func (f *fixture) disputed(t *testing.T, amount string) *models.Escrow {
	t.Helper()
	e := f.funded(t, amount)
	if _, err := f.svc.Dispute(context.Background(), freelancer, e.ID, "client unresponsive"); err != nil {
		t.Fatalf("Dispute: %v", err)
	}
	return e
}

func (f *fixture) status(t *testing.T, id uuid.UUID) string {
	t.Helper()
	e, err := f.escrows.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	return e.Status
}

func wantErr(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got: %v", target, err)
	}
}

// ---------------------------------------------------------------------------
// 1. Create
// ---------------------------------------------------------------------------

func TestCreate_StoresSplitAndExpiry(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, "1000.00")

	if e.Status != models.EscrowStatusPending {
		t.Errorf("status: got %s, want pending", e.Status)
	}
	if e.PlatformFee.StringFixed(2) != "50.00" || e.FreelancerAmount.StringFixed(2) != "950.00" {
		t.Errorf("split: got fee %s / freelancer %s, want 50.00 / 950.00", e.PlatformFee, e.FreelancerAmount)
	}
	if !e.PlatformFee.Add(e.FreelancerAmount).Equal(e.Amount) {
		t.Error("platform_fee + freelancer_amount must equal amount")
	}
	if e.ClientID != clientID || e.FreelancerID != freelancerID {
		t.Errorf("participants: got %d/%d", e.ClientID, e.FreelancerID)
	}
	if want := fixedNow.Add(30 * 24 * time.Hour); !e.ExpiresAt.Equal(want) {
		t.Errorf("expires_at: got %s, want %s", e.ExpiresAt, want)
	}
}

func TestCreate_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, client, 7, dec("10.00"))
	wantErr(t, err, models.ErrNotFound)

	_, err = f.svc.Create(ctx, freelancer, 42, dec("10.00"))
	wantErr(t, err, models.ErrForbidden)

	_, err = f.svc.Create(ctx, client, 43, dec("10.00"))
	wantErr(t, err, models.ErrValidation)

	_, err = f.svc.Create(ctx, client, 42, dec("0"))
	wantErr(t, err, models.ErrValidation)

	_, err = f.svc.Create(ctx, client, 42, dec("1000000000000.00"))
	wantErr(t, err, models.ErrValidation)

	f.create(t, "10.00")
	_, err = f.svc.Create(ctx, client, 42, dec("20.00"))
	wantErr(t, err, models.ErrConflict)
}

// ---------------------------------------------------------------------------
// 2. FundConfirmed
// ---------------------------------------------------------------------------

func TestFundConfirmed_Idempotent(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, "200.00")
	ctx := context.Background()

	changed, err := f.svc.FundConfirmed(ctx, e.ID)
	if err != nil || !changed {
		t.Fatalf("first FundConfirmed: changed=%v err=%v", changed, err)
	}
	first, _ := f.escrows.GetByID(ctx, e.ID)

	changed, err = f.svc.FundConfirmed(ctx, e.ID)
	if err != nil || changed {
		t.Fatalf("second FundConfirmed: changed=%v err=%v, want no-op", changed, err)
	}
	second, _ := f.escrows.GetByID(ctx, e.ID)

	if second.Status != models.EscrowStatusFunded {
		t.Errorf("status: got %s, want funded", second.Status)
	}
	if first.FundedAt == nil || !first.FundedAt.Equal(*second.FundedAt) {
		t.Error("funded_at must be stamped exactly once")
	}
	if n := len(f.jobs.byKind(execution.NotificationArgs{}.Kind())); n != 2 {
		t.Errorf("funding notifications: got %d, want 2", n)
	}
}

func TestFundConfirmed_ConcurrentSingleTransition(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, "200.00")

	var wg sync.WaitGroup
	var mu sync.Mutex
	transitions := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			changed, err := f.svc.FundConfirmed(context.Background(), e.ID)
			if err != nil {
				t.Errorf("FundConfirmed: %v", err)
				return
			}
			if changed {
				mu.Lock()
				transitions++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if transitions != 1 {
		t.Errorf("transitions: got %d, want 1", transitions)
	}
}

func TestFundConfirmed_NoopOutsidePending(t *testing.T) {
	f := newFixture(t)
	e := f.funded(t, "200.00")
	ctx := context.Background()
	if _, err := f.svc.Release(ctx, client, e.ID); err != nil {
		t.Fatalf("Release: %v", err)
	}

	changed, err := f.svc.FundConfirmed(ctx, e.ID)
	if err != nil || changed {
		t.Fatalf("late confirmation: changed=%v err=%v", changed, err)
	}
	if got := f.status(t, e.ID); got != models.EscrowStatusReleased {
		t.Errorf("status: got %s, want released", got)
	}
}

func TestFundConfirmed_UnknownEscrow(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.FundConfirmed(context.Background(), uuid.New())
	wantErr(t, err, models.ErrNotFound)
}

// ---------------------------------------------------------------------------
// 3. Release
// ---------------------------------------------------------------------------

func TestRelease_RequiresFunded(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, "1000.00")

	_, err := f.svc.Release(context.Background(), client, e.ID)
	wantErr(t, err, models.ErrConflict)
	if n := len(f.ledger.all()); n != 0 {
		t.Errorf("payments after rejected release: got %d, want 0", n)
	}
}

func TestRelease_PaysFreelancerAmount(t *testing.T) {
	f := newFixture(t)
	e := f.funded(t, "1000.00")

	_, err := f.svc.Release(context.Background(), freelancer, e.ID)
	wantErr(t, err, models.ErrForbidden)

	got, err := f.svc.Release(context.Background(), client, e.ID)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got.Status != models.EscrowStatusReleased || got.ReleasedAt == nil {
		t.Errorf("released escrow: status %s released_at %v", got.Status, got.ReleasedAt)
	}

	payments := f.ledger.all()
	if len(payments) != 1 {
		t.Fatalf("payments: got %d, want 1", len(payments))
	}
	p := payments[0]
	if p.Amount.StringFixed(2) != "950.00" || p.SenderID != clientID || p.RecipientID != freelancerID {
		t.Errorf("payment: %s %d -> %d", p.Amount, p.SenderID, p.RecipientID)
	}
	if p.PaymentType != models.PaymentTypeEscrowRelease || p.Status != models.PaymentStatusCompleted {
		t.Errorf("payment type/status: %s/%s", p.PaymentType, p.Status)
	}
	if p.EscrowID == nil || *p.EscrowID != e.ID {
		t.Error("payment should reference the escrow")
	}

	settlements := f.jobs.byKind(execution.SettlementArgs{}.Kind())
	if len(settlements) != 1 {
		t.Fatalf("settlement jobs: got %d, want 1", len(settlements))
	}
	if s := settlements[0].(execution.SettlementArgs); s.PaymentID != p.ID {
		t.Error("settlement job should reference the payment")
	}

	// Second release is rejected and writes nothing.
	_, err = f.svc.Release(context.Background(), client, e.ID)
	wantErr(t, err, models.ErrConflict)
	if n := len(f.ledger.all()); n != 1 {
		t.Errorf("payments after double release: got %d, want 1", n)
	}
}

func TestRelease_EnqueueFailureDoesNotRollBack(t *testing.T) {
	f := newFixture(t)
	e := f.funded(t, "100.00")
	f.jobs.fail = true

	if _, err := f.svc.Release(context.Background(), client, e.ID); err != nil {
		t.Fatalf("Release must succeed when side effects cannot be queued: %v", err)
	}
	if got := f.status(t, e.ID); got != models.EscrowStatusReleased {
		t.Errorf("status: got %s, want released", got)
	}
	if n := len(f.ledger.all()); n != 1 {
		t.Errorf("payments: got %d, want 1", n)
	}
}

// ---------------------------------------------------------------------------
// 4. Dispute
// ---------------------------------------------------------------------------

func TestDispute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.create(t, "500.00")

	_, err := f.svc.Dispute(ctx, client, e.ID, "  ")
	wantErr(t, err, models.ErrValidation)

	_, err = f.svc.Dispute(ctx, client, e.ID, "not delivered")
	wantErr(t, err, models.ErrConflict)

	if _, err := f.svc.FundConfirmed(ctx, e.ID); err != nil {
		t.Fatalf("FundConfirmed: %v", err)
	}

	_, err = f.svc.Dispute(ctx, stranger, e.ID, "not delivered")
	wantErr(t, err, models.ErrForbidden)

	got, err := f.svc.Dispute(ctx, client, e.ID, "not delivered")
	if err != nil {
		t.Fatalf("Dispute: %v", err)
	}
	if got.Status != models.EscrowStatusDisputed {
		t.Errorf("status: got %s, want disputed", got.Status)
	}
	if got.DisputeReason == nil || *got.DisputeReason != "not delivered" || got.DisputedBy == nil || *got.DisputedBy != clientID {
		t.Error("dispute reason and disputed_by must be recorded")
	}

	// The other party hears about it.
	var notified bool
	for _, j := range f.jobs.byKind(execution.NotificationArgs{}.Kind()) {
		n := j.(execution.NotificationArgs).Notification
		if n.Kind == "dispute_raised" && n.UserID == freelancerID {
			notified = true
		}
	}
	if !notified {
		t.Error("freelancer should be notified of the dispute")
	}

	// Release is blocked while disputed.
	_, err = f.svc.Release(ctx, client, e.ID)
	wantErr(t, err, models.ErrConflict)
}

func TestDispute_FromInProgress(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, "500.00")
	f.escrows.setStatus(e.ID, models.EscrowStatusInProgress)

	if _, err := f.svc.Dispute(context.Background(), freelancer, e.ID, "scope changed"); err != nil {
		t.Fatalf("Dispute from in_progress: %v", err)
	}
	if got := f.status(t, e.ID); got != models.EscrowStatusDisputed {
		t.Errorf("status: got %s, want disputed", got)
	}
}

// ---------------------------------------------------------------------------
// 5. Resolve
// ---------------------------------------------------------------------------

func TestResolve_Split(t *testing.T) {
	f := newFixture(t)
	e := f.disputed(t, "1000.00")

	got, err := f.svc.Resolve(context.Background(), admin, e.ID, models.ResolutionSplit)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Status != models.EscrowStatusSplit {
		t.Errorf("status: got %s, want split", got.Status)
	}
	payments := f.ledger.all()
	if len(payments) != 1 {
		t.Fatalf("payments: got %d, want 1", len(payments))
	}
	if payments[0].Amount.StringFixed(2) != "475.00" || payments[0].PaymentType != models.PaymentTypeDisputeSplit {
		t.Errorf("split payment: %s %s", payments[0].Amount, payments[0].PaymentType)
	}
	if got.Resolution == nil || *got.Resolution != models.ResolutionSplit || got.ResolvedBy == nil || *got.ResolvedBy != adminID {
		t.Error("resolution and resolved_by must be recorded")
	}
}

func TestResolve_ClientWin(t *testing.T) {
	f := newFixture(t)
	e := f.disputed(t, "1000.00")

	got, err := f.svc.Resolve(context.Background(), admin, e.ID, models.ResolutionClientWin)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Status != models.EscrowStatusRefunded {
		t.Errorf("status: got %s, want refunded", got.Status)
	}
	if n := len(f.ledger.all()); n != 0 {
		t.Errorf("client_win must write no payment, got %d", n)
	}
}

func TestResolve_FreelancerWin(t *testing.T) {
	f := newFixture(t)
	e := f.disputed(t, "1000.00")

	got, err := f.svc.Resolve(context.Background(), admin, e.ID, models.ResolutionFreelancerWin)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Status != models.EscrowStatusReleased {
		t.Errorf("status: got %s, want released", got.Status)
	}
	payments := f.ledger.all()
	if len(payments) != 1 || payments[0].Amount.StringFixed(2) != "950.00" || payments[0].PaymentType != models.PaymentTypeDisputeResolution {
		t.Fatalf("freelancer_win payment: %+v", payments)
	}
}

func TestResolve_Guards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.funded(t, "1000.00")

	_, err := f.svc.Resolve(ctx, client, e.ID, models.ResolutionSplit)
	wantErr(t, err, models.ErrForbidden)

	_, err = f.svc.Resolve(ctx, admin, e.ID, "coin_flip")
	wantErr(t, err, models.ErrValidation)

	_, err = f.svc.Resolve(ctx, admin, e.ID, models.ResolutionSplit)
	wantErr(t, err, models.ErrConflict)
}

func TestTerminalStatesRejectTransitions(t *testing.T) {
	for _, resolution := range []string{models.ResolutionClientWin, models.ResolutionFreelancerWin, models.ResolutionSplit} {
		t.Run(resolution, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			e := f.disputed(t, "300.00")
			if _, err := f.svc.Resolve(ctx, admin, e.ID, resolution); err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			before := len(f.ledger.all())

			_, err := f.svc.Release(ctx, client, e.ID)
			wantErr(t, err, models.ErrConflict)
			_, err = f.svc.Dispute(ctx, client, e.ID, "again")
			wantErr(t, err, models.ErrConflict)
			_, err = f.svc.Resolve(ctx, admin, e.ID, resolution)
			wantErr(t, err, models.ErrConflict)
			if changed, err := f.svc.FundConfirmed(ctx, e.ID); err != nil || changed {
				t.Errorf("FundConfirmed on terminal: changed=%v err=%v", changed, err)
			}
			if after := len(f.ledger.all()); after != before {
				t.Errorf("payments changed on terminal escrow: %d -> %d", before, after)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// 6. RequestFunding
// ---------------------------------------------------------------------------

func TestRequestFunding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.create(t, "200.00")

	_, err := f.svc.RequestFunding(ctx, freelancer, e.ID)
	wantErr(t, err, models.ErrForbidden)

	intent, err := f.svc.RequestFunding(ctx, client, e.ID)
	if err != nil {
		t.Fatalf("RequestFunding: %v", err)
	}
	if intent.ClientSecret != "pi_1_secret" {
		t.Errorf("client secret: got %q", intent.ClientSecret)
	}
	if f.gw.last.EscrowID != e.ID || f.gw.last.TaskID != 42 || f.gw.last.Currency != "usd" {
		t.Errorf("intent request: %+v", f.gw.last)
	}
	if got := f.status(t, e.ID); got != models.EscrowStatusPending {
		t.Errorf("requesting funding must not change status, got %s", got)
	}
}

func TestRequestFunding_GatewayFailureLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, "200.00")
	f.gw.intent = nil
	f.gw.err = fmt.Errorf("%w: timeout", models.ErrExternalService)

	_, err := f.svc.RequestFunding(context.Background(), client, e.ID)
	wantErr(t, err, models.ErrExternalService)
	if got := f.status(t, e.ID); got != models.EscrowStatusPending {
		t.Errorf("status after gateway failure: got %s, want pending", got)
	}
}

func TestRequestFunding_NotPending(t *testing.T) {
	f := newFixture(t)
	e := f.funded(t, "200.00")

	_, err := f.svc.RequestFunding(context.Background(), client, e.ID)
	wantErr(t, err, models.ErrConflict)
	if f.gw.calls != 0 {
		t.Errorf("gateway should not be called, got %d calls", f.gw.calls)
	}
}

// ---------------------------------------------------------------------------
// 7. Queries
// ---------------------------------------------------------------------------

func TestGetAndList_Visibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.create(t, "200.00")

	if _, err := f.svc.Get(ctx, freelancer, e.ID); err != nil {
		t.Errorf("freelancer Get: %v", err)
	}
	if _, err := f.svc.Get(ctx, admin, e.ID); err != nil {
		t.Errorf("admin Get: %v", err)
	}
	_, err := f.svc.Get(ctx, stranger, e.ID)
	wantErr(t, err, models.ErrForbidden)

	list, err := f.svc.List(ctx, stranger, "")
	if err != nil || len(list) != 0 {
		t.Errorf("stranger List: %d escrows, err %v", len(list), err)
	}
	list, err = f.svc.List(ctx, client, models.EscrowStatusPending)
	if err != nil || len(list) != 1 {
		t.Errorf("client List(pending): %d escrows, err %v", len(list), err)
	}
	_, err = f.svc.List(ctx, client, "bogus")
	wantErr(t, err, models.ErrValidation)
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.funded(t, "200.00")

	stats, err := f.svc.Stats(context.Background(), client)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 1 || stats.Amount.StringFixed(2) != "200.00" {
		t.Errorf("stats: total %d amount %s", stats.Total, stats.Amount)
	}
	if s := stats.ByStatus[models.EscrowStatusFunded]; s.Count != 1 {
		t.Errorf("funded count: got %d, want 1", s.Count)
	}
}

// ---------------------------------------------------------------------------
// 8. End to end: create -> fund -> release, then read balances.
// ---------------------------------------------------------------------------

func TestEndToEnd_ReleaseCreditsFreelancerOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	calc, _ := fees.New(decimal.RequireFromString("0.05"), 2)
	balances := ledger.NewService(f.ledger, calc, ledger.Options{Currency: "USD"})

	clientBefore, _ := balances.Balance(ctx, clientID)

	e, err := f.svc.Create(ctx, client, 42, dec("200.00"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.svc.FundConfirmed(ctx, e.ID); err != nil {
		t.Fatalf("FundConfirmed: %v", err)
	}
	if _, err := f.svc.Release(ctx, client, e.ID); err != nil {
		t.Fatalf("Release: %v", err)
	}

	payments := f.ledger.all()
	if len(payments) != 1 || payments[0].Amount.StringFixed(2) != "190.00" {
		t.Fatalf("expected one payment of 190.00, got %+v", payments)
	}

	bal, err := balances.Balance(ctx, freelancerID)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal.StringFixed(2) != "190.00" {
		t.Errorf("freelancer balance: got %s, want 190.00", bal.StringFixed(2))
	}

	// Payments a user sends are not subtracted from their balance.
	clientAfter, _ := balances.Balance(ctx, clientID)
	if !clientAfter.Equal(clientBefore) {
		t.Errorf("client balance changed: %s -> %s", clientBefore, clientAfter)
	}

	// The freelancer can withdraw what the escrow paid, and no more.
	if _, err := balances.Withdraw(ctx, freelancer, dec("190.01")); !errors.Is(err, models.ErrInsufficientFunds) {
		t.Errorf("over-withdrawal: expected ErrInsufficientFunds, got %v", err)
	}
	if _, err := balances.Withdraw(ctx, freelancer, dec("190.00")); err != nil {
		t.Errorf("full withdrawal: %v", err)
	}
}
