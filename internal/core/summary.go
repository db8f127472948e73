package core

// LineItemSummary is one budgeted line with its month actuals. Remaining may
// go negative; overspend is representable, not clamped.
type LineItemSummary struct {
	LineItemID    string
	CategoryID    string
	SubcategoryID *string
	Amount        float64
	Spent         float64
	Remaining     float64
}

// UnbudgetedCategory is spending observed in a category that has no line
// item in the active budget.
type UnbudgetedCategory struct {
	CategoryID string
	Spent      float64
}

// BudgetSummary answers "how much have I budgeted vs. spent" for one month.
// A nil BudgetID with zero totals is the valid empty state when the owner
// has neither a month override nor a default budget.
type BudgetSummary struct {
	BudgetID           *string
	BudgetName         string
	Month              string // "YYYY-MM"
	TotalBudgeted      float64
	TotalSpent         float64
	LineItems          []LineItemSummary
	Unbudgeted         []UnbudgetedCategory
	SubcategorySpent   map[string]float64
	UncategorizedSpent float64
	HasPreviousMonth   bool
	HasNextMonth       bool
}
