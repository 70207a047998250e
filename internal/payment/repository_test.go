package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/coursepay/internal/subscription"
)

func newPayment(userID, key string) *Payment {
	return &Payment{
		UserID:         userID,
		Method:         MethodPix,
		Status:         StatusInitiating,
		Amount:         4990,
		PayerEmail:     userID + "@example.com",
		IdempotencyKey: key,
	}
}

// TestCreate_Success tests creation of an initiating payment.
func TestCreate_Success(t *testing.T) {
	repo := NewInMemoryRepository(nil)
	ctx := context.Background()

	p := newPayment("u1", "key-1")
	if err := repo.Create(ctx, p); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if p.ID == "" {
		t.Fatal("expected ID to be set")
	}

	got, err := repo.GetByIdempotencyKey(ctx, "key-1")
	if err != nil {
		t.Fatalf("GetByIdempotencyKey failed: %v", err)
	}
	if got.Status != StatusInitiating {
		t.Errorf("expected status %s, got %s", StatusInitiating, got.Status)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("expected timestamps to be set")
	}
}

// TestCreate_DuplicateIdempotencyKey tests that a second payment with the same key is rejected.
func TestCreate_DuplicateIdempotencyKey(t *testing.T) {
	repo := NewInMemoryRepository(nil)
	ctx := context.Background()

	if err := repo.Create(ctx, newPayment("u1", "key-1")); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}
	if err := repo.Create(ctx, newPayment("u2", "key-1")); !errors.Is(err, ErrDuplicateIdempotencyKey) {
		t.Errorf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}
}

// TestConfirmAndLookups tests confirming a payment and looking it up by provider id.
func TestConfirmAndLookups(t *testing.T) {
	repo := NewInMemoryRepository(nil)
	ctx := context.Background()

	p := newPayment("u1", "key-1")
	repo.Create(ctx, p)

	approved := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	if err := repo.Confirm(ctx, p.ID, "9001", StatusApproved, &approved); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}

	got, err := repo.GetByExternalID(ctx, "9001")
	if err != nil {
		t.Fatalf("GetByExternalID failed: %v", err)
	}
	if got.Status != StatusApproved || got.ApprovedAt == nil || !got.ApprovedAt.Equal(approved) {
		t.Errorf("unexpected payment after confirm: %+v", got)
	}

	if err := repo.Confirm(ctx, "missing", "1", StatusApproved, nil); !errors.Is(err, ErrPaymentNotFound) {
		t.Errorf("expected ErrPaymentNotFound, got %v", err)
	}
	if _, err := repo.GetByExternalID(ctx, ""); !errors.Is(err, ErrPaymentNotFound) {
		t.Errorf("expected ErrPaymentNotFound for empty external id, got %v", err)
	}
}

// TestDeepCopy_PointerIsolation tests that callers cannot mutate stored payments.
func TestDeepCopy_PointerIsolation(t *testing.T) {
	repo := NewInMemoryRepository(nil)
	ctx := context.Background()

	approved := time.Now()
	p := newPayment("u1", "key-1")
	p.ApprovedAt = &approved
	repo.Create(ctx, p)

	got, _ := repo.GetByID(ctx, p.ID)
	*got.ApprovedAt = approved.Add(time.Hour)
	got.Status = StatusRejected

	again, _ := repo.GetByID(ctx, p.ID)
	if !again.ApprovedAt.Equal(approved) || again.Status != StatusInitiating {
		t.Errorf("deep copy isolation failed: %+v", again)
	}
}

// TestTransitionStatus tests the payment status transition rules.
func TestTransitionStatus(t *testing.T) {
	tests := []struct {
		from       string
		to         string
		wantChange bool
	}{
		{StatusInitiating, StatusApproved, true},
		{StatusInitiating, StatusPending, true},
		{StatusPending, StatusApproved, true},
		{StatusPending, StatusRejected, true},
		{StatusAuthorized, StatusApproved, true},
		{StatusAuthorized, StatusRejected, true},
		{StatusAuthorized, StatusCancelled, true},
		{StatusApproved, StatusRefunded, true},
		{StatusApproved, StatusCancelled, true},
		{StatusApproved, StatusChargedBack, true},
		{StatusApproved, StatusInMediation, true},
		{StatusInMediation, StatusApproved, true},
		{StatusInMediation, StatusRefunded, true},
		{StatusPending, StatusInitiating, false},
		{StatusAuthorized, StatusRefunded, false},
		{StatusApproved, StatusRejected, false},
		{StatusApproved, StatusPending, false},
		{StatusRejected, StatusApproved, false},
		{StatusCancelled, StatusRefunded, false},
		{StatusRefunded, StatusApproved, false},
		{StatusChargedBack, StatusApproved, false},
	}

	for _, tt := range tests {
		t.Run(tt.from+"_to_"+tt.to, func(t *testing.T) {
			repo := NewInMemoryRepository(nil)
			ctx := context.Background()
			p := newPayment("u1", "key")
			p.Status = tt.from
			repo.Create(ctx, p)

			if CanTransition(tt.from, tt.to) != tt.wantChange {
				t.Errorf("CanTransition(%s, %s) = %v", tt.from, tt.to, !tt.wantChange)
			}
			changed, err := repo.TransitionStatus(ctx, p.ID, "777", tt.to, nil)
			if err != nil {
				t.Fatalf("TransitionStatus failed: %v", err)
			}
			if changed != tt.wantChange {
				t.Errorf("TransitionStatus changed = %v, want %v", changed, tt.wantChange)
			}
			got, _ := repo.GetByID(ctx, p.ID)
			want := tt.from
			if tt.wantChange {
				want = tt.to
			}
			if got.Status != want {
				t.Errorf("status = %s, want %s", got.Status, want)
			}
		})
	}
}

// TestTransitionStatus_LinksExternalID tests that updating a payment found by reference links its provider id.
func TestTransitionStatus_LinksExternalID(t *testing.T) {
	repo := NewInMemoryRepository(nil)
	ctx := context.Background()
	p := newPayment("u1", "key-1")
	repo.Create(ctx, p)

	if _, err := repo.TransitionStatus(ctx, p.ID, "555", StatusApproved, nil); err != nil {
		t.Fatalf("TransitionStatus failed: %v", err)
	}
	if _, err := repo.GetByExternalID(ctx, "555"); err != nil {
		t.Errorf("expected payment to be linked to external id: %v", err)
	}
	if _, err := repo.TransitionStatus(ctx, "missing", "", StatusApproved, nil); !errors.Is(err, ErrPaymentNotFound) {
		t.Errorf("expected ErrPaymentNotFound, got %v", err)
	}
}

// TestTransitionStatus_RepeatedStatusOnlyLinks tests that a repeated status
// is applied only to link a missing provider id.
func TestTransitionStatus_RepeatedStatusOnlyLinks(t *testing.T) {
	repo := NewInMemoryRepository(nil)
	ctx := context.Background()

	unlinked := newPayment("u1", "key-1")
	unlinked.Status = StatusPending
	repo.Create(ctx, unlinked)
	if changed, err := repo.TransitionStatus(ctx, unlinked.ID, "900", StatusPending, nil); err != nil || !changed {
		t.Fatalf("linking TransitionStatus = %v, %v; want true", changed, err)
	}
	if changed, _ := repo.TransitionStatus(ctx, unlinked.ID, "900", StatusPending, nil); changed {
		t.Error("a linked payment must not accept the same status again")
	}

	final := newPayment("u1", "key-2")
	final.Status = StatusRefunded
	repo.Create(ctx, final)
	if changed, _ := repo.TransitionStatus(ctx, final.ID, "901", StatusRefunded, nil); changed {
		t.Error("a final payment must not change")
	}
}

// TestExternalIDUnique tests that a provider id links to one payment only.
func TestExternalIDUnique(t *testing.T) {
	repo := NewInMemoryRepository(nil)
	ctx := context.Background()

	first := newPayment("u1", "key-1")
	first.ExternalID = "300"
	if err := repo.Create(ctx, first); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	dup := newPayment("u1", "key-2")
	dup.ExternalID = "300"
	if err := repo.Create(ctx, dup); !errors.Is(err, ErrDuplicateExternalID) {
		t.Errorf("Create with taken external id error = %v, want ErrDuplicateExternalID", err)
	}

	second := newPayment("u1", "key-3")
	repo.Create(ctx, second)
	if err := repo.Confirm(ctx, second.ID, "300", StatusPending, nil); !errors.Is(err, ErrDuplicateExternalID) {
		t.Errorf("Confirm with taken external id error = %v, want ErrDuplicateExternalID", err)
	}
	if _, err := repo.TransitionStatus(ctx, second.ID, "300", StatusApproved, nil); !errors.Is(err, ErrDuplicateExternalID) {
		t.Errorf("TransitionStatus with taken external id error = %v, want ErrDuplicateExternalID", err)
	}
	if err := repo.Confirm(ctx, first.ID, "300", StatusApproved, nil); err != nil {
		t.Errorf("re-confirming the owner failed: %v", err)
	}
}

// TestTransitionStatus_ConcurrentSingleWinner tests that concurrent updates apply once.
func TestTransitionStatus_ConcurrentSingleWinner(t *testing.T) {
	repo := NewInMemoryRepository(nil)
	ctx := context.Background()
	p := newPayment("u1", "key-1")
	repo.Create(ctx, p)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			changed, err := repo.TransitionStatus(ctx, p.ID, "1", StatusApproved, nil)
			if err == nil && changed {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Errorf("expected exactly one settlement, got %d", winners)
	}
}

// TestListByUser tests newest-first listing scoped to one user.
func TestListByUser(t *testing.T) {
	repo := NewInMemoryRepository(nil)
	ctx := context.Background()

	first := newPayment("u1", "k1")
	repo.Create(ctx, first)
	time.Sleep(time.Millisecond)
	second := newPayment("u1", "k2")
	repo.Create(ctx, second)
	repo.Create(ctx, newPayment("u2", "k3"))

	got, err := repo.ListByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("ListByUser failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != second.ID || got[1].ID != first.ID {
		t.Errorf("unexpected listing: %+v", got)
	}

	empty, _ := repo.ListByUser(ctx, "nobody")
	if empty == nil || len(empty) != 0 {
		t.Errorf("expected empty non-nil slice, got %v", empty)
	}
}

// TestDelete tests payment removal.
func TestDelete(t *testing.T) {
	repo := NewInMemoryRepository(nil)
	ctx := context.Background()
	p := newPayment("u1", "k1")
	repo.Create(ctx, p)

	if err := repo.Delete(ctx, p.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := repo.GetByID(ctx, p.ID); !errors.Is(err, ErrPaymentNotFound) {
		t.Errorf("expected ErrPaymentNotFound, got %v", err)
	}
	if err := repo.Delete(ctx, p.ID); !errors.Is(err, ErrPaymentNotFound) {
		t.Errorf("expected ErrPaymentNotFound on second delete, got %v", err)
	}
}

// TestApplyChargeback tests that a chargeback marks the payment and cancels its subscription once.
func TestApplyChargeback(t *testing.T) {
	ctx := context.Background()
	subs := subscription.NewInMemoryRepository()
	sub := &subscription.Subscription{UserID: "u1", PlanID: "p1", Status: subscription.StatusActive}
	subs.Create(ctx, sub)

	repo := NewInMemoryRepository(subs)
	p := newPayment("u1", "k1")
	p.SubscriptionID = sub.ID
	repo.Create(ctx, p)
	repo.Confirm(ctx, p.ID, "9001", StatusApproved, nil)

	cb := &Chargeback{ExternalID: "cb-1", PaymentExternalID: "9001", Amount: 4990, Status: "new"}
	result, err := repo.ApplyChargeback(ctx, cb)
	if err != nil {
		t.Fatalf("ApplyChargeback failed: %v", err)
	}
	if !result.Applied || result.PaymentID != p.ID || result.UserID != "u1" || !result.SubscriptionCancelled {
		t.Errorf("unexpected result: %+v", result)
	}

	got, _ := repo.GetByID(ctx, p.ID)
	if got.Status != StatusChargedBack {
		t.Errorf("payment status = %s, want %s", got.Status, StatusChargedBack)
	}
	gotSub, _ := subs.GetByID(ctx, sub.ID)
	if gotSub.Status != subscription.StatusCancelled {
		t.Errorf("subscription status = %s, want cancelled", gotSub.Status)
	}

	again, err := repo.ApplyChargeback(ctx, &Chargeback{ExternalID: "cb-1", PaymentExternalID: "9001"})
	if err != nil {
		t.Fatalf("second ApplyChargeback failed: %v", err)
	}
	if again.Applied {
		t.Error("expected duplicate chargeback to be a no-op")
	}
	if n := len(repo.Chargebacks()); n != 1 {
		t.Errorf("expected 1 chargeback row, got %d", n)
	}
}

// TestApplyChargeback_UnknownPayment tests that a chargeback for an unknown payment is still recorded.
func TestApplyChargeback_UnknownPayment(t *testing.T) {
	repo := NewInMemoryRepository(nil)
	result, err := repo.ApplyChargeback(context.Background(), &Chargeback{ExternalID: "cb-2", PaymentExternalID: "404"})
	if err != nil {
		t.Fatalf("ApplyChargeback failed: %v", err)
	}
	if !result.Applied || result.PaymentID != "" {
		t.Errorf("unexpected result: %+v", result)
	}
}

// TestRecordClaim tests that a claim is recorded once and only moves forward.
func TestRecordClaim(t *testing.T) {
	repo := NewInMemoryRepository(nil)
	ctx := context.Background()

	claim := func(stage, status string) *Claim {
		return &Claim{ExternalID: "cl-1", ResourceID: "9001", ResourceType: ResourcePayment, Type: "mediations", Stage: stage, Status: status}
	}
	steps := []struct {
		name   string
		claim  *Claim
		want   ClaimChange
		closed bool
	}{
		{"first delivery", claim("claim", ClaimStatusOpened), ClaimChange{Inserted: true}, false},
		{"redelivery", claim("claim", ClaimStatusOpened), ClaimChange{}, false},
		{"stage moves", claim("dispute", ClaimStatusOpened), ClaimChange{Updated: true, PreviousStatus: ClaimStatusOpened}, false},
		{"closed", claim("dispute", ClaimStatusClosed), ClaimChange{Updated: true, PreviousStatus: ClaimStatusOpened}, true},
		{"closed again", claim("dispute", ClaimStatusClosed), ClaimChange{}, false},
		{"never reopened", claim("claim", ClaimStatusOpened), ClaimChange{}, false},
	}
	for _, step := range steps {
		change, err := repo.RecordClaim(ctx, step.claim)
		if err != nil {
			t.Fatalf("%s: RecordClaim failed: %v", step.name, err)
		}
		if change != step.want {
			t.Errorf("%s: change = %+v, want %+v", step.name, change, step.want)
		}
		if change.Resolved(step.claim.Status) != step.closed {
			t.Errorf("%s: Resolved = %v, want %v", step.name, !step.closed, step.closed)
		}
	}

	claims := repo.Claims()
	if len(claims) != 1 {
		t.Fatalf("expected 1 claim, got %d", len(claims))
	}
	if claims[0].Status != ClaimStatusClosed || claims[0].Stage != "dispute" {
		t.Errorf("claim = %+v, want closed at dispute", claims[0])
	}
}
