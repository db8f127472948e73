package core

import (
	"errors"
	"strings"
	"time"
)

// ConnectionStatus tracks the health of one aggregator connection.
const (
	ConnectionActive   ConnectionStatus = "active"
	ConnectionInactive ConnectionStatus = "inactive"
	ConnectionError    ConnectionStatus = "error"
)

// Job statuses shared by sync and categorization jobs.
const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// CategorizationSource records how a transaction got its category.
const (
	SourceRule          CategorizationSource = "rule"
	SourceAI            CategorizationSource = "ai"
	SourceManual        CategorizationSource = "manual"
	SourceUncategorized CategorizationSource = "uncategorized"
)

// Rule match fields.
const (
	MatchPayee       MatchField = "payee"
	MatchDescription MatchField = "description"
	MatchMemo        MatchField = "memo"
)

type (
	ConnectionStatus     string
	JobStatus            string
	CategorizationSource string
	MatchField           string

	// Connection is one external bank-data connection. AccessURL holds the
	// encrypted credential handle; it is only decrypted inside the sync path.
	Connection struct {
		ID           string
		OwnerID      string
		AccessURL    string
		DisplayName  string
		Status       ConnectionStatus
		LastSyncedAt *time.Time
		CreatedAt    time.Time
		UpdatedAt    time.Time
	}

	// Account mirrors one aggregator account. (OwnerID, ConnectionID,
	// ExternalID) is unique; re-ingesting updates balances in place.
	Account struct {
		ID               string
		OwnerID          string
		ConnectionID     string
		ExternalID       string
		Name             string
		Currency         string
		Balance          Money
		AvailableBalance *Money
		BalanceAsOf      *time.Time
		OrgName          string
		OrgDomain        string
		CreatedAt        time.Time
		UpdatedAt        time.Time
	}

	// Transaction keeps the aggregator's signed amount verbatim: negative is
	// an outflow, positive an inflow. ExternalID is unique per owner.
	Transaction struct {
		ID            string
		OwnerID       string
		AccountID     string
		ExternalID    string
		Amount        Money
		Currency      string
		PostedAt      time.Time
		OccurredAt    *time.Time
		Description   string
		Payee         string
		Memo          string
		Pending       bool
		CategoryID    *string
		SubcategoryID *string
		Source        CategorizationSource
		CreatedAt     time.Time
		UpdatedAt     time.Time
	}

	// SyncJob is the durable record of one sync attempt. Append-only once
	// completed or failed.
	SyncJob struct {
		ID                  string
		OwnerID             string
		ConnectionID        string
		Status              JobStatus
		AccountsSynced      int
		TransactionsAdded   int
		TransactionsUpdated int
		Error               string
		CreatedAt           time.Time
		CompletedAt         *time.Time
	}

	// CategorizationJob is polled by id; counters only ever grow while the
	// job is running.
	CategorizationJob struct {
		ID               string
		OwnerID          string
		Status           JobStatus
		Total            int
		CategorizedCount int
		FailedCount      int
		Error            string
		CreatedAt        time.Time
		CompletedAt      *time.Time
	}

	// Rule is a user-defined (field, substring, category) triple. Rules are
	// scanned in (Position, ID) order; the first match wins.
	Rule struct {
		ID            string
		OwnerID       string
		Field         MatchField
		Substring     string
		CategoryID    string
		SubcategoryID *string
		Position      int
		CreatedAt     time.Time
	}

	Category struct {
		ID        string
		OwnerID   string
		Name      string
		IsDefault bool
	}

	Subcategory struct {
		ID         string
		CategoryID string
		Name       string
	}

	Budget struct {
		ID        string
		OwnerID   string
		Name      string
		IsDefault bool
		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// LineItem is a budgeted amount for one category, or one subcategory
	// when SubcategoryID is set. Amount is never negative.
	LineItem struct {
		ID            string
		BudgetID      string
		CategoryID    string
		SubcategoryID *string
		Amount        Money
	}

	// MonthOverride pins a specific budget to one calendar month,
	// taking precedence over the owner's default budget.
	MonthOverride struct {
		OwnerID  string
		Month    string // first-of-month, "YYYY-MM-01"
		BudgetID string
	}
)

// UncategorizedName is the catalog bucket excluded from the AI prompt.
const UncategorizedName = "Uncategorized"

func (s ConnectionStatus) Valid() bool {
	switch s {
	case ConnectionActive, ConnectionInactive, ConnectionError:
		return true
	}
	return false
}

func (f MatchField) Valid() bool {
	switch f {
	case MatchPayee, MatchDescription, MatchMemo:
		return true
	}
	return false
}

// FieldValue returns the transaction field a rule matches against.
func (t Transaction) FieldValue(f MatchField) string {
	switch f {
	case MatchPayee:
		return t.Payee
	case MatchDescription:
		return t.Description
	case MatchMemo:
		return t.Memo
	}
	return ""
}

// Matches reports whether the rule's substring occurs, case-insensitively,
// in the transaction field the rule targets.
func (r Rule) Matches(t Transaction) bool {
	if r.Substring == "" {
		return false
	}
	v := t.FieldValue(r.Field)
	return strings.Contains(strings.ToLower(v), strings.ToLower(r.Substring))
}

func (r Rule) Validate() error {
	if !r.Field.Valid() {
		return errors.New("invalid match field")
	}
	if strings.TrimSpace(r.Substring) == "" {
		return errors.New("empty match substring")
	}
	if r.CategoryID == "" {
		return errors.New("rule requires a category")
	}
	return nil
}

func (li LineItem) Validate() error {
	if li.CategoryID == "" {
		return errors.New("line item requires a category")
	}
	if li.Amount.Cents < 0 {
		return ErrInvalidAmount
	}
	return nil
}

// MonthBounds returns the UTC [start, end) boundaries for a "YYYY-MM" month.
func MonthBounds(month string) (time.Time, time.Time, error) {
	start, err := time.Parse("2006-01", month)
	if err != nil {
		return time.Time{}, time.Time{}, errors.New("invalid month format, expected YYYY-MM")
	}
	start = time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0), nil
}
