package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pennywise/internal/core"
	"pennywise/internal/log"
	"pennywise/internal/storage"
)

// BudgetService resolves the active budget for a month and aggregates
// spending against it. Read-only: safe to run concurrently with ingestion
// and categorization, at the cost of possibly observing a half-synced
// month, which the polling UI tolerates.
type BudgetService struct {
	repo   *storage.Repository
	logger *log.Logger
	now    func() time.Time
}

func NewBudgetService(repo *storage.Repository, logger *log.Logger) *BudgetService {
	return &BudgetService{
		repo:   repo,
		logger: logger.WithComponent(log.ComponentBudget),
		now:    time.Now,
	}
}

// GetSummary computes the budget summary for one "YYYY-MM" month. Budget
// resolution is a two-level fallback: month override first, then the
// owner's default budget. With neither, an empty summary is a valid
// result, not an error.
func (s *BudgetService) GetSummary(ctx context.Context, ownerID, month string) (core.BudgetSummary, error) {
	monthStart, monthEnd, err := core.MonthBounds(month)
	if err != nil {
		return core.BudgetSummary{}, fmt.Errorf("%w: %v", core.ErrValidation, err)
	}

	budgetID, ok, err := s.resolveBudget(ctx, ownerID, monthStart)
	if err != nil {
		return core.BudgetSummary{}, err
	}
	if !ok {
		return emptySummary(month), nil
	}

	budget, err := s.repo.GetBudget(ctx, ownerID, budgetID)
	if err != nil {
		return core.BudgetSummary{}, err
	}

	lineItems, err := s.repo.ListLineItems(ctx, budgetID)
	if err != nil {
		return core.BudgetSummary{}, err
	}
	accountIDs, err := s.repo.ListLinkedAccountIDs(ctx, budgetID)
	if err != nil {
		return core.BudgetSummary{}, err
	}

	spending, err := s.repo.SpendingByCategory(ctx, ownerID, monthStart, monthEnd, accountIDs)
	if err != nil {
		return core.BudgetSummary{}, err
	}

	summary := core.BudgetSummary{
		BudgetID:           &budget.ID,
		BudgetName:         budget.Name,
		Month:              month,
		LineItems:          make([]core.LineItemSummary, 0, len(lineItems)),
		Unbudgeted:         []core.UnbudgetedCategory{},
		SubcategorySpent:   make(map[string]float64, len(spending.BySubcategory)),
		UncategorizedSpent: dollars(spending.Uncategorized),
	}

	var totalBudgetedCents int64
	budgetedCategories := make(map[string]bool, len(lineItems))
	for _, li := range lineItems {
		var spentCents int64
		if li.SubcategoryID != nil {
			spentCents = spending.BySubcategory[*li.SubcategoryID]
		} else {
			spentCents = spending.ByCategory[li.CategoryID]
			budgetedCategories[li.CategoryID] = true
		}
		totalBudgetedCents += li.Amount.Cents
		summary.LineItems = append(summary.LineItems, core.LineItemSummary{
			LineItemID:    li.ID,
			CategoryID:    li.CategoryID,
			SubcategoryID: li.SubcategoryID,
			Amount:        li.Amount.Dollars(),
			Spent:         dollars(spentCents),
			Remaining:     dollars(li.Amount.Cents - spentCents),
		})
	}

	// Spending in a category with no line item is surfaced, never dropped.
	for catID, cents := range spending.ByCategory {
		if cents > 0 && !budgetedCategories[catID] {
			summary.Unbudgeted = append(summary.Unbudgeted, core.UnbudgetedCategory{
				CategoryID: catID,
				Spent:      dollars(cents),
			})
		}
	}

	for subID, cents := range spending.BySubcategory {
		summary.SubcategorySpent[subID] = dollars(cents)
	}

	summary.TotalBudgeted = dollars(totalBudgetedCents)
	summary.TotalSpent = dollars(spending.TotalOutflow)

	if err := s.monthFlags(ctx, ownerID, monthStart, monthEnd, accountIDs, &summary); err != nil {
		return core.BudgetSummary{}, err
	}
	return summary, nil
}

// resolveBudget returns the active budget id for the month, or ok=false
// when the owner has neither an override nor a default budget.
func (s *BudgetService) resolveBudget(ctx context.Context, ownerID string, monthStart time.Time) (string, bool, error) {
	override, err := s.repo.GetMonthOverride(ctx, ownerID, monthStart.Format("2006-01-02"))
	switch {
	case err == nil:
		return override.BudgetID, true, nil
	case !errors.Is(err, core.ErrNotFound):
		return "", false, err
	}

	def, err := s.repo.GetDefaultBudget(ctx, ownerID)
	switch {
	case err == nil:
		return def.ID, true, nil
	case errors.Is(err, core.ErrNotFound):
		return "", false, nil
	default:
		return "", false, err
	}
}

// monthFlags fills the navigation hints: whether any qualifying
// transaction exists strictly before the month, or between month end and
// now.
func (s *BudgetService) monthFlags(ctx context.Context, ownerID string, monthStart, monthEnd time.Time, accountIDs []string, summary *core.BudgetSummary) error {
	var err error
	summary.HasPreviousMonth, err = s.repo.HasTransactionsBefore(ctx, ownerID, monthStart, accountIDs)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	if now.After(monthEnd) {
		summary.HasNextMonth, err = s.repo.HasTransactionsBetween(ctx, ownerID, monthEnd, now, accountIDs)
		if err != nil {
			return err
		}
	}
	return nil
}

func emptySummary(month string) core.BudgetSummary {
	return core.BudgetSummary{
		Month:            month,
		LineItems:        []core.LineItemSummary{},
		Unbudgeted:       []core.UnbudgetedCategory{},
		SubcategorySpent: map[string]float64{},
	}
}

func dollars(cents int64) float64 {
	return core.Money{Cents: cents}.Dollars()
}
