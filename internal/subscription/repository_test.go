package subscription

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInMemoryRepository_CreateAndLookups(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	sub := &Subscription{UserID: "u1", PlanID: "p1", Status: StatusActive, ExternalID: "pre-1", CustomerID: "c1"}
	if err := repo.Create(ctx, sub); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if sub.ID == "" {
		t.Fatal("Create() did not assign an ID")
	}

	// mutating the caller's copy must not leak into the store
	sub.Status = StatusPaused

	got, err := repo.GetByID(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Status != StatusActive {
		t.Errorf("stored status = %q, want active", got.Status)
	}

	if _, err := repo.GetByExternalID(ctx, "pre-1"); err != nil {
		t.Errorf("GetByExternalID() error = %v", err)
	}
	if _, err := repo.GetByExternalID(ctx, ""); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("GetByExternalID(\"\") error = %v, want ErrSubscriptionNotFound", err)
	}
	if _, err := repo.GetActiveByCustomerID(ctx, "c1"); err != nil {
		t.Errorf("GetActiveByCustomerID() error = %v", err)
	}
	if _, err := repo.GetByID(ctx, "missing"); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("GetByID(missing) error = %v, want ErrSubscriptionNotFound", err)
	}

	dup := &Subscription{UserID: "u2", PlanID: "p1", Status: StatusActive, ExternalID: "pre-1"}
	if err := repo.Create(ctx, dup); !errors.Is(err, ErrDuplicateExternalID) {
		t.Errorf("Create() duplicate external id error = %v, want ErrDuplicateExternalID", err)
	}
}

func TestInMemoryRepository_GetLiveByUser(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	old := &Subscription{UserID: "u1", PlanID: "p1", Status: StatusCancelled}
	repo.Create(ctx, old)
	if _, err := repo.GetLiveByUser(ctx, "u1"); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Fatalf("GetLiveByUser() with only cancelled rows error = %v", err)
	}

	live := &Subscription{UserID: "u1", PlanID: "p1", Status: StatusPaused}
	repo.Create(ctx, live)
	got, err := repo.GetLiveByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetLiveByUser() error = %v", err)
	}
	if got.ID != live.ID {
		t.Errorf("GetLiveByUser() = %s, want %s", got.ID, live.ID)
	}
	if n, _ := repo.CountByUser(ctx, "u1"); n != 2 {
		t.Errorf("CountByUser() = %d, want 2", n)
	}
}

func TestInMemoryRepository_UpdateDeleteCancel(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	sub := &Subscription{UserID: "u1", PlanID: "p1", Status: StatusActive}
	repo.Create(ctx, sub)
	created := sub.CreatedAt

	sub.CurrentAmount = 1990
	if err := repo.Update(ctx, sub); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if !sub.CreatedAt.Equal(created) {
		t.Errorf("Update() changed CreatedAt")
	}

	cancelled, err := repo.Cancel(ctx, sub.ID)
	if err != nil || !cancelled {
		t.Fatalf("Cancel() = %v, %v; want true, nil", cancelled, err)
	}
	cancelled, err = repo.Cancel(ctx, sub.ID)
	if err != nil || cancelled {
		t.Errorf("second Cancel() = %v, %v; want false, nil", cancelled, err)
	}

	if err := repo.Delete(ctx, sub.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := repo.Delete(ctx, sub.ID); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("Delete() twice error = %v, want ErrSubscriptionNotFound", err)
	}
	if err := repo.Update(ctx, sub); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("Update() after delete error = %v, want ErrSubscriptionNotFound", err)
	}
}

func TestPlan_AddPeriod(t *testing.T) {
	start := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		plan Plan
		want time.Time
	}{
		{"monthly", Plan{FrequencyType: FrequencyMonths, FrequencyInterval: 1}, time.Date(2026, 4, 15, 10, 0, 0, 0, time.UTC)},
		{"quarterly", Plan{FrequencyType: FrequencyMonths, FrequencyInterval: 3}, time.Date(2026, 6, 15, 10, 0, 0, 0, time.UTC)},
		{"weekly", Plan{FrequencyType: FrequencyDays, FrequencyInterval: 7}, time.Date(2026, 3, 22, 10, 0, 0, 0, time.UTC)},
		{"zero interval", Plan{FrequencyType: FrequencyMonths}, time.Date(2026, 4, 15, 10, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.plan.AddPeriod(start); !got.Equal(tt.want) {
				t.Errorf("AddPeriod() = %v, want %v", got, tt.want)
			}
		})
	}
}
