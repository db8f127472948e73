package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pennywise/internal/core"
	"pennywise/internal/llm"
	"pennywise/internal/log"
	"pennywise/internal/storage"
)

// CategorizationService assigns categories to transactions: user rules
// first, then one batched classifier call for whatever the rules missed.
// Runs are tracked as durable jobs so callers poll by id instead of
// holding a connection open.
type CategorizationService struct {
	repo       *storage.Repository
	classifier llm.Classifier
	batchLimit int
	aiTimeout  time.Duration
	logger     *log.Logger
}

func NewCategorizationService(repo *storage.Repository, classifier llm.Classifier, batchLimit int, aiTimeout time.Duration, logger *log.Logger) *CategorizationService {
	return &CategorizationService{
		repo:       repo,
		classifier: classifier,
		batchLimit: batchLimit,
		aiTimeout:  aiTimeout,
		logger:     logger.WithComponent(log.ComponentCategorize),
	}
}

// Start records a running job and returns immediately; the pipeline runs
// in the background and the caller polls GetJob. Concurrent jobs for one
// owner are allowed since category writes are idempotent.
func (s *CategorizationService) Start(ctx context.Context, ownerID string, transactionIDs []string, force bool) (core.CategorizationJob, error) {
	job := core.CategorizationJob{
		ID:      uuid.NewString(),
		OwnerID: ownerID,
		Status:  core.JobRunning,
	}
	if err := s.repo.CreateCategorizationJob(ctx, job); err != nil {
		return core.CategorizationJob{}, err
	}

	go func() {
		// Detached from the caller's request lifetime on purpose.
		if err := s.Run(context.Background(), job.ID, ownerID, transactionIDs, force); err != nil {
			s.logger.Error("Categorization job failed",
				log.FieldJobID, job.ID,
				log.FieldError, err)
		}
	}()

	return job, nil
}

// Run executes the categorization pipeline for an already-created job
// record. The worker calls this directly; Start wraps it in a goroutine.
func (s *CategorizationService) Run(ctx context.Context, jobID, ownerID string, transactionIDs []string, force bool) error {
	transactions, err := s.workingSet(ctx, ownerID, transactionIDs, force)
	if err != nil {
		return s.fail(ctx, jobID, 0, 0, err)
	}

	total := len(transactions)
	if err := s.repo.SetCategorizationTotal(ctx, jobID, total); err != nil {
		return s.fail(ctx, jobID, 0, 0, err)
	}
	if total == 0 {
		return s.repo.FinishCategorizationJob(ctx, jobID, core.JobCompleted, 0, 0, "")
	}

	s.logger.InfoContext(ctx, "Categorization started",
		log.FieldJobID, jobID,
		log.FieldOwnerID, ownerID,
		log.FieldCount, total)

	// Rule pass: pure and in-process, never reaches the classifier.
	rules, err := s.repo.ListRules(ctx, ownerID)
	if err != nil {
		return s.fail(ctx, jobID, 0, 0, err)
	}
	matched, remaining := applyRules(transactions, rules)

	categorized := 0
	if len(matched) > 0 {
		n, err := s.repo.ApplyCategories(ctx, ownerID, matched)
		if err != nil {
			return s.fail(ctx, jobID, categorized, total-categorized, err)
		}
		categorized += n
	}
	if err := s.repo.UpdateCategorizationProgress(ctx, jobID, categorized, 0); err != nil {
		s.logger.Warn("Failed to update job progress", log.FieldJobID, jobID, log.FieldError, err)
	}

	// AI pass: the only network call in the pipeline. A failure here fails
	// the job but never rolls back what the rules already wrote.
	if len(remaining) > 0 {
		n, err := s.aiPass(ctx, ownerID, remaining)
		if err != nil {
			return s.fail(ctx, jobID, categorized, total-categorized, err)
		}
		categorized += n
	}

	failed := total - categorized
	if err := s.repo.FinishCategorizationJob(ctx, jobID, core.JobCompleted, categorized, failed, ""); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "Categorization completed",
		log.FieldJobID, jobID,
		"categorized", categorized,
		"failed", failed)
	return nil
}

// GetJob exposes job polling to the CRUD surface.
func (s *CategorizationService) GetJob(ctx context.Context, ownerID, jobID string) (core.CategorizationJob, error) {
	return s.repo.GetCategorizationJob(ctx, ownerID, jobID)
}

// Categorize applies a manual category choice to one transaction. When
// createRule is set, a rule is synthesized from the transaction's payee
// (or description when payee is empty) so future look-alikes match
// automatically.
func (s *CategorizationService) Categorize(ctx context.Context, ownerID, transactionID, categoryID string, subcategoryID *string, createRule bool) error {
	txn, err := s.repo.GetTransaction(ctx, ownerID, transactionID)
	if err != nil {
		return err
	}

	cat, err := s.loadCatalog(ctx, ownerID)
	if err != nil {
		return err
	}
	if !cat.categoryIDs[categoryID] {
		return fmt.Errorf("%w: category does not exist for owner", core.ErrValidation)
	}
	if subcategoryID != nil && cat.subToCategory[*subcategoryID] != categoryID {
		return fmt.Errorf("%w: subcategory does not belong to category", core.ErrValidation)
	}

	_, err = s.repo.ApplyCategories(ctx, ownerID, []storage.CategoryAssignment{{
		TransactionID: transactionID,
		CategoryID:    categoryID,
		SubcategoryID: subcategoryID,
		Source:        core.SourceManual,
	}})
	if err != nil {
		return err
	}

	if createRule {
		field, substring := core.MatchPayee, txn.Payee
		if substring == "" {
			field, substring = core.MatchDescription, txn.Description
		}
		if substring == "" {
			return nil
		}
		rule := core.Rule{
			ID:            uuid.NewString(),
			OwnerID:       ownerID,
			Field:         field,
			Substring:     substring,
			CategoryID:    categoryID,
			SubcategoryID: subcategoryID,
		}
		if err := s.repo.CreateRule(ctx, rule); err != nil {
			return fmt.Errorf("synthesize rule: %w", err)
		}
	}
	return nil
}

func (s *CategorizationService) workingSet(ctx context.Context, ownerID string, transactionIDs []string, force bool) ([]core.Transaction, error) {
	if len(transactionIDs) > 0 {
		return s.repo.ListTransactionsByIDs(ctx, ownerID, transactionIDs)
	}
	if force {
		return s.repo.ListTransactions(ctx, ownerID, s.batchLimit)
	}
	return s.repo.ListUncategorized(ctx, ownerID, s.batchLimit)
}

func (s *CategorizationService) loadCatalog(ctx context.Context, ownerID string) (*catalog, error) {
	categories, err := s.repo.ListCategories(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	subcategories, err := s.repo.ListSubcategories(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return newCatalog(categories, subcategories), nil
}

// aiPass sends one batched prompt and applies whatever parses cleanly.
// Assignments referencing ids outside the owner's catalog, or transactions
// outside the remaining set, are dropped rather than applied.
func (s *CategorizationService) aiPass(ctx context.Context, ownerID string, remaining []core.Transaction) (int, error) {
	cat, err := s.loadCatalog(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	if cat.empty() {
		return 0, nil
	}

	prompt := buildPrompt(cat, remaining)

	callCtx, cancel := context.WithTimeout(ctx, s.aiTimeout)
	defer cancel()
	raw, err := s.classifier.Classify(callCtx, prompt)
	if err != nil {
		return 0, fmt.Errorf("%w: classifier call failed: %v", core.ErrUpstream, err)
	}

	parsed, err := parseClassifierResponse(raw)
	if err != nil {
		return 0, err
	}

	inSet := make(map[string]bool, len(remaining))
	for _, t := range remaining {
		inSet[t.ID] = true
	}

	var assignments []storage.CategoryAssignment
	for _, a := range parsed {
		if !inSet[a.TransactionID] || a.CategoryID == nil {
			continue
		}
		if !cat.hasAssignment(*a.CategoryID, a.SubcategoryID) {
			s.logger.Warn("Discarding classifier assignment outside catalog",
				"transaction_id", a.TransactionID,
				"category_id", *a.CategoryID)
			continue
		}
		assignments = append(assignments, storage.CategoryAssignment{
			TransactionID: a.TransactionID,
			CategoryID:    *a.CategoryID,
			SubcategoryID: a.SubcategoryID,
			Source:        core.SourceAI,
		})
	}

	return s.repo.ApplyCategories(ctx, ownerID, assignments)
}

func (s *CategorizationService) fail(ctx context.Context, jobID string, categorized, failed int, cause error) error {
	if err := s.repo.FinishCategorizationJob(ctx, jobID, core.JobFailed, categorized, failed, cause.Error()); err != nil {
		s.logger.ErrorContext(ctx, "Failed to record job failure",
			log.FieldJobID, jobID,
			log.FieldError, err)
	}
	return cause
}

// applyRules partitions transactions into rule-matched assignments and the
// remainder. Rules are scanned in stored order; the first match wins.
func applyRules(transactions []core.Transaction, rules []core.Rule) ([]storage.CategoryAssignment, []core.Transaction) {
	var matched []storage.CategoryAssignment
	var remaining []core.Transaction

	for _, t := range transactions {
		var hit *core.Rule
		for i := range rules {
			if rules[i].Matches(t) {
				hit = &rules[i]
				break
			}
		}
		if hit == nil {
			remaining = append(remaining, t)
			continue
		}
		matched = append(matched, storage.CategoryAssignment{
			TransactionID: t.ID,
			CategoryID:    hit.CategoryID,
			SubcategoryID: hit.SubcategoryID,
			Source:        core.SourceRule,
		})
	}
	return matched, remaining
}
