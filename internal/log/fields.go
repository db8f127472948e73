package log

// Common field names for structured logging
const (
	FieldComponent    = "component"
	FieldOperation    = "operation"
	FieldError        = "error"
	FieldSuccess      = "success"
	FieldDuration     = "duration_ms"
	FieldOwnerID      = "owner_id"
	FieldConnectionID = "connection_id"
	FieldAccountID    = "account_id"
	FieldJobID        = "job_id"
	FieldBudgetID     = "budget_id"
	FieldMonth        = "month"
	FieldProvider     = "provider"
	FieldCount        = "count"
	FieldAmountCents  = "amount_cents"
)

// Components defines standard component names
const (
	ComponentApp        = "app"
	ComponentStorage    = "storage"
	ComponentSync       = "sync"
	ComponentCategorize = "categorize"
	ComponentBudget     = "budget"
	ComponentSimpleFIN  = "simplefin"
	ComponentAMQP       = "amqp"
	ComponentWorker     = "worker"
	ComponentSweep      = "sweep"
)
