package services

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	"pennywise/internal/core"
	"pennywise/internal/storage"
)

type budgetFixture struct {
	svc     *BudgetService
	repo    *storage.Repository
	account core.Account
}

func newBudgetFixture(t *testing.T) *budgetFixture {
	t.Helper()
	repo := newTestRepo(t)
	ctx := context.Background()

	conn := core.Connection{
		ID:          uuid.NewString(),
		OwnerID:     "owner-1",
		AccessURL:   "enc",
		DisplayName: "Bank",
		Status:      core.ConnectionActive,
	}
	if err := repo.CreateConnection(ctx, conn); err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}
	account, _, err := repo.UpsertAccount(ctx, core.Account{
		ID:           uuid.NewString(),
		OwnerID:      "owner-1",
		ConnectionID: conn.ID,
		ExternalID:   "ACT-1",
		Name:         "Checking",
		Currency:     "USD",
	})
	if err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}

	svc := NewBudgetService(repo, quietLogger())
	svc.now = func() time.Time { return time.Date(2024, 7, 15, 12, 0, 0, 0, time.UTC) }
	return &budgetFixture{svc: svc, repo: repo, account: account}
}

func (f *budgetFixture) spend(t *testing.T, postedAt time.Time, cents int64, categoryID string, subcategoryID *string) {
	t.Helper()
	ctx := context.Background()
	txn := core.Transaction{
		ID:         uuid.NewString(),
		OwnerID:    "owner-1",
		AccountID:  f.account.ID,
		ExternalID: uuid.NewString(),
		Amount:     core.Money{Cents: cents},
		Currency:   "USD",
		PostedAt:   postedAt,
	}
	if _, err := f.repo.UpsertTransaction(ctx, txn); err != nil {
		t.Fatalf("UpsertTransaction: %v", err)
	}
	if categoryID != "" {
		if _, err := f.repo.ApplyCategories(ctx, "owner-1", []storage.CategoryAssignment{{
			TransactionID: txn.ID,
			CategoryID:    categoryID,
			SubcategoryID: subcategoryID,
			Source:        core.SourceManual,
		}}); err != nil {
			t.Fatalf("ApplyCategories: %v", err)
		}
	}
}

func (f *budgetFixture) defaultBudget(t *testing.T, name string) core.Budget {
	t.Helper()
	b := core.Budget{ID: uuid.NewString(), OwnerID: "owner-1", Name: name, IsDefault: true}
	if err := f.repo.CreateBudget(context.Background(), b); err != nil {
		t.Fatalf("CreateBudget: %v", err)
	}
	return b
}

func (f *budgetFixture) lineItem(t *testing.T, budgetID, categoryID string, subcategoryID *string, cents int64) {
	t.Helper()
	err := f.repo.UpsertLineItem(context.Background(), core.LineItem{
		ID:            uuid.NewString(),
		BudgetID:      budgetID,
		CategoryID:    categoryID,
		SubcategoryID: subcategoryID,
		Amount:        core.Money{Cents: cents},
	})
	if err != nil {
		t.Fatalf("UpsertLineItem: %v", err)
	}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 0.001 }

// The worked example: one Food line item of 300.00, Food outflows of 45.00
// and 60.00, and an unbudgeted Transport outflow of 20.00.
func TestGetSummaryWorkedExample(t *testing.T) {
	f := newBudgetFixture(t)
	ctx := context.Background()

	food := mustCategory(t, f.repo, "owner-1", "Food")
	transport := mustCategory(t, f.repo, "owner-1", "Transport")
	budget := f.defaultBudget(t, "Monthly")
	f.lineItem(t, budget.ID, food.ID, nil, 30000)

	may := func(day int) time.Time { return time.Date(2024, 5, day, 10, 0, 0, 0, time.UTC) }
	f.spend(t, may(3), -4500, food.ID, nil)
	f.spend(t, may(9), -6000, food.ID, nil)
	f.spend(t, may(14), -2000, transport.ID, nil)

	summary, err := f.svc.GetSummary(ctx, "owner-1", "2024-05")
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}

	if summary.BudgetID == nil || *summary.BudgetID != budget.ID {
		t.Fatalf("budget id = %v, want %s", summary.BudgetID, budget.ID)
	}
	if !approx(summary.TotalBudgeted, 300.00) {
		t.Errorf("total_budgeted = %.2f, want 300.00", summary.TotalBudgeted)
	}
	if !approx(summary.TotalSpent, 125.00) {
		t.Errorf("total_spent = %.2f, want 125.00", summary.TotalSpent)
	}

	if len(summary.LineItems) != 1 {
		t.Fatalf("want 1 line item, got %d", len(summary.LineItems))
	}
	li := summary.LineItems[0]
	if !approx(li.Spent, 105.00) || !approx(li.Remaining, 195.00) {
		t.Errorf("line item spent/remaining = %.2f/%.2f, want 105.00/195.00", li.Spent, li.Remaining)
	}

	if len(summary.Unbudgeted) != 1 {
		t.Fatalf("want 1 unbudgeted entry, got %d", len(summary.Unbudgeted))
	}
	ub := summary.Unbudgeted[0]
	if ub.CategoryID != transport.ID || !approx(ub.Spent, 20.00) {
		t.Errorf("unbudgeted = %+v, want Transport 20.00", ub)
	}
}

func TestGetSummaryInflowsNeverCountAsSpending(t *testing.T) {
	f := newBudgetFixture(t)
	food := mustCategory(t, f.repo, "owner-1", "Food")
	budget := f.defaultBudget(t, "Monthly")
	f.lineItem(t, budget.ID, food.ID, nil, 30000)

	posted := time.Date(2024, 5, 3, 10, 0, 0, 0, time.UTC)
	f.spend(t, posted, -4500, food.ID, nil)
	f.spend(t, posted, 50000, food.ID, nil) // refund or paycheck

	summary, err := f.svc.GetSummary(context.Background(), "owner-1", "2024-05")
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if !approx(summary.LineItems[0].Spent, 45.00) {
		t.Errorf("spent = %.2f, want 45.00 (inflow leaked in)", summary.LineItems[0].Spent)
	}
	if !approx(summary.TotalSpent, 45.00) {
		t.Errorf("total_spent = %.2f, want 45.00", summary.TotalSpent)
	}
}

func TestGetSummaryMonthOverrideWins(t *testing.T) {
	f := newBudgetFixture(t)
	ctx := context.Background()

	f.defaultBudget(t, "Default")
	special := core.Budget{ID: uuid.NewString(), OwnerID: "owner-1", Name: "Vacation"}
	if err := f.repo.CreateBudget(ctx, special); err != nil {
		t.Fatalf("CreateBudget: %v", err)
	}
	err := f.repo.SetMonthOverride(ctx, core.MonthOverride{
		OwnerID: "owner-1", Month: "2024-05-01", BudgetID: special.ID,
	})
	if err != nil {
		t.Fatalf("SetMonthOverride: %v", err)
	}

	overridden, err := f.svc.GetSummary(ctx, "owner-1", "2024-05")
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if overridden.BudgetName != "Vacation" {
		t.Errorf("override month resolved %q, want Vacation", overridden.BudgetName)
	}

	adjacent, err := f.svc.GetSummary(ctx, "owner-1", "2024-06")
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if adjacent.BudgetName != "Default" {
		t.Errorf("non-override month resolved %q, want Default", adjacent.BudgetName)
	}
}

func TestGetSummaryNoBudgetIsEmptyNotError(t *testing.T) {
	f := newBudgetFixture(t)

	summary, err := f.svc.GetSummary(context.Background(), "owner-1", "2024-05")
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if summary.BudgetID != nil {
		t.Errorf("budget id = %v, want nil", summary.BudgetID)
	}
	if summary.TotalBudgeted != 0 || summary.TotalSpent != 0 || len(summary.LineItems) != 0 {
		t.Errorf("empty summary not empty: %+v", summary)
	}
}

func TestGetSummarySubcategoryLineItem(t *testing.T) {
	f := newBudgetFixture(t)
	food := mustCategory(t, f.repo, "owner-1", "Food")
	restaurants := mustSubcategory(t, f.repo, food.ID, "Restaurants")
	budget := f.defaultBudget(t, "Monthly")
	f.lineItem(t, budget.ID, food.ID, &restaurants.ID, 10000)

	posted := time.Date(2024, 5, 3, 10, 0, 0, 0, time.UTC)
	f.spend(t, posted, -4500, food.ID, &restaurants.ID)
	f.spend(t, posted, -6000, food.ID, nil) // groceries, not restaurants

	summary, err := f.svc.GetSummary(context.Background(), "owner-1", "2024-05")
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	// The subcategory line item only counts its own refinement.
	if !approx(summary.LineItems[0].Spent, 45.00) {
		t.Errorf("subcategory line item spent = %.2f, want 45.00", summary.LineItems[0].Spent)
	}
	if !approx(summary.SubcategorySpent[restaurants.ID], 45.00) {
		t.Errorf("subcategory_spent = %v", summary.SubcategorySpent)
	}
	// Category-level Food spending has no category line item, so it is
	// surfaced as unbudgeted.
	if len(summary.Unbudgeted) != 1 || summary.Unbudgeted[0].CategoryID != food.ID {
		t.Errorf("unbudgeted = %+v", summary.Unbudgeted)
	}
}

func TestGetSummaryUncategorizedSpending(t *testing.T) {
	f := newBudgetFixture(t)
	f.defaultBudget(t, "Monthly")

	posted := time.Date(2024, 5, 3, 10, 0, 0, 0, time.UTC)
	f.spend(t, posted, -2500, "", nil)

	summary, err := f.svc.GetSummary(context.Background(), "owner-1", "2024-05")
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if !approx(summary.UncategorizedSpent, 25.00) {
		t.Errorf("uncategorized_spent = %.2f, want 25.00", summary.UncategorizedSpent)
	}
	if !approx(summary.TotalSpent, 25.00) {
		t.Errorf("total_spent = %.2f, want 25.00", summary.TotalSpent)
	}
}

func TestGetSummaryAccountRestriction(t *testing.T) {
	f := newBudgetFixture(t)
	ctx := context.Background()
	food := mustCategory(t, f.repo, "owner-1", "Food")
	budget := f.defaultBudget(t, "Monthly")
	f.lineItem(t, budget.ID, food.ID, nil, 30000)

	other, _, err := f.repo.UpsertAccount(ctx, core.Account{
		ID:           uuid.NewString(),
		OwnerID:      "owner-1",
		ConnectionID: f.account.ConnectionID,
		ExternalID:   "ACT-2",
		Name:         "Savings",
		Currency:     "USD",
	})
	if err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}
	if err := f.repo.LinkAccount(ctx, "owner-1", budget.ID, f.account.ID); err != nil {
		t.Fatalf("LinkAccount: %v", err)
	}

	posted := time.Date(2024, 5, 3, 10, 0, 0, 0, time.UTC)
	f.spend(t, posted, -4500, food.ID, nil)

	// Spending on the unlinked account must not count.
	txn := core.Transaction{
		ID:         uuid.NewString(),
		OwnerID:    "owner-1",
		AccountID:  other.ID,
		ExternalID: uuid.NewString(),
		Amount:     core.Money{Cents: -9900},
		Currency:   "USD",
		PostedAt:   posted,
	}
	if _, err := f.repo.UpsertTransaction(ctx, txn); err != nil {
		t.Fatalf("UpsertTransaction: %v", err)
	}
	if _, err := f.repo.ApplyCategories(ctx, "owner-1", []storage.CategoryAssignment{{
		TransactionID: txn.ID, CategoryID: food.ID, Source: core.SourceManual,
	}}); err != nil {
		t.Fatalf("ApplyCategories: %v", err)
	}

	summary, err := f.svc.GetSummary(ctx, "owner-1", "2024-05")
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if !approx(summary.LineItems[0].Spent, 45.00) {
		t.Errorf("spent = %.2f, want 45.00 (unlinked account leaked in)", summary.LineItems[0].Spent)
	}
}

func TestGetSummaryMonthNavigationFlags(t *testing.T) {
	f := newBudgetFixture(t)
	f.defaultBudget(t, "Monthly")

	f.spend(t, time.Date(2024, 4, 20, 10, 0, 0, 0, time.UTC), -1000, "", nil)
	f.spend(t, time.Date(2024, 5, 10, 10, 0, 0, 0, time.UTC), -1000, "", nil)
	f.spend(t, time.Date(2024, 6, 2, 10, 0, 0, 0, time.UTC), -1000, "", nil)

	summary, err := f.svc.GetSummary(context.Background(), "owner-1", "2024-05")
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if !summary.HasPreviousMonth {
		t.Error("April spending exists, has_previous_month should be true")
	}
	if !summary.HasNextMonth {
		t.Error("June spending exists, has_next_month should be true")
	}

	april, err := f.svc.GetSummary(context.Background(), "owner-1", "2024-04")
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if april.HasPreviousMonth {
		t.Error("nothing before April, has_previous_month should be false")
	}
}

func TestGetSummaryRejectsBadMonth(t *testing.T) {
	f := newBudgetFixture(t)
	for _, month := range []string{"", "2024", "2024-13", "05-2024", "not-a-month"} {
		if _, err := f.svc.GetSummary(context.Background(), "owner-1", month); !errors.Is(err, core.ErrValidation) {
			t.Errorf("GetSummary(%q): want ErrValidation, got %v", month, err)
		}
	}
}

func TestGetSummaryOverspendGoesNegative(t *testing.T) {
	f := newBudgetFixture(t)
	food := mustCategory(t, f.repo, "owner-1", "Food")
	budget := f.defaultBudget(t, "Monthly")
	f.lineItem(t, budget.ID, food.ID, nil, 5000)

	f.spend(t, time.Date(2024, 5, 3, 10, 0, 0, 0, time.UTC), -7500, food.ID, nil)

	summary, err := f.svc.GetSummary(context.Background(), "owner-1", "2024-05")
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if !approx(summary.LineItems[0].Remaining, -25.00) {
		t.Errorf("remaining = %.2f, want -25.00 (not clamped)", summary.LineItems[0].Remaining)
	}
}
