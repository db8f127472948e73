package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"pennywise/internal/core"
	"pennywise/internal/log"
	"pennywise/internal/secrets"
	"pennywise/internal/simplefin"
	"pennywise/internal/storage"
)

// Aggregator is the slice of the SimpleFIN client the sync path needs.
type Aggregator interface {
	ClaimAccessURL(ctx context.Context, setupToken string) (string, error)
	FetchAccounts(ctx context.Context, accessURL string, windowStart *time.Time) (simplefin.Payload, error)
}

const sweepConcurrency = 4

// SyncService ingests aggregator payloads into the local store. Each sync
// attempt is recorded as a durable sync job, and the aggregator's daily
// per-connection quota is enforced here rather than left to the caller.
type SyncService struct {
	repo       *storage.Repository
	aggregator Aggregator
	cipher     *secrets.Cipher
	rateLimit  time.Duration
	logger     *log.Logger
}

func NewSyncService(repo *storage.Repository, aggregator Aggregator, cipher *secrets.Cipher, rateLimit time.Duration, logger *log.Logger) *SyncService {
	return &SyncService{
		repo:       repo,
		aggregator: aggregator,
		cipher:     cipher,
		rateLimit:  rateLimit,
		logger:     logger.WithComponent(log.ComponentSync),
	}
}

// ExchangeSetupToken claims a setup token, encrypts the resulting access
// URL, and records the connection. The token is single-use upstream, so a
// failed exchange is not retryable with the same token.
func (s *SyncService) ExchangeSetupToken(ctx context.Context, ownerID, setupToken, displayName string) (core.Connection, error) {
	accessURL, err := s.aggregator.ClaimAccessURL(ctx, setupToken)
	if err != nil {
		return core.Connection{}, err
	}

	encrypted, err := s.cipher.Encrypt(accessURL)
	if err != nil {
		return core.Connection{}, fmt.Errorf("encrypt access url: %w", err)
	}

	conn := core.Connection{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		AccessURL:   encrypted,
		DisplayName: displayName,
		Status:      core.ConnectionActive,
	}
	if err := s.repo.CreateConnection(ctx, conn); err != nil {
		return core.Connection{}, err
	}

	s.logger.InfoContext(ctx, "Connection created",
		log.FieldOwnerID, ownerID,
		log.FieldConnectionID, conn.ID)
	return conn, nil
}

// Sync ingests one connection. Unless force is set, a call inside the rate
// window does not touch the aggregator: it returns the prior completed job,
// or ErrRateLimited when no completed job exists yet.
func (s *SyncService) Sync(ctx context.Context, ownerID, connectionID string, force bool, windowStart *time.Time) (core.SyncJob, error) {
	conn, err := s.repo.GetConnection(ctx, ownerID, connectionID)
	if err != nil {
		return core.SyncJob{}, err
	}

	if !force && conn.LastSyncedAt != nil && time.Since(*conn.LastSyncedAt) < s.rateLimit {
		prior, err := s.repo.LatestCompletedSyncJob(ctx, connectionID)
		if errors.Is(err, core.ErrNotFound) {
			return core.SyncJob{}, fmt.Errorf("%w: connection synced %s ago", core.ErrRateLimited,
				time.Since(*conn.LastSyncedAt).Round(time.Minute))
		}
		if err != nil {
			return core.SyncJob{}, err
		}
		s.logger.InfoContext(ctx, "Sync rate limited, returning prior result",
			log.FieldConnectionID, connectionID,
			log.FieldJobID, prior.ID)
		return prior, nil
	}

	job := core.SyncJob{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		ConnectionID: connectionID,
		Status:       core.JobRunning,
	}
	if err := s.repo.CreateSyncJob(ctx, job); err != nil {
		return core.SyncJob{}, err
	}

	accounts, added, updated, err := s.ingest(ctx, conn, windowStart)
	if err != nil {
		s.logger.ErrorContext(ctx, "Sync failed",
			log.FieldConnectionID, connectionID,
			log.FieldJobID, job.ID,
			log.FieldError, err)
		if ferr := s.repo.FinishSyncJob(ctx, job.ID, core.JobFailed, accounts, added, updated, err.Error()); ferr != nil {
			s.logger.ErrorContext(ctx, "Failed to record sync failure", log.FieldError, ferr)
		}
		if serr := s.repo.UpdateConnectionStatus(ctx, connectionID, core.ConnectionError); serr != nil {
			s.logger.ErrorContext(ctx, "Failed to mark connection errored", log.FieldError, serr)
		}
		return s.repo.GetSyncJob(ctx, ownerID, job.ID)
	}

	if err := s.repo.MarkConnectionSynced(ctx, connectionID, time.Now().UTC()); err != nil {
		return core.SyncJob{}, err
	}
	if err := s.repo.FinishSyncJob(ctx, job.ID, core.JobCompleted, accounts, added, updated, ""); err != nil {
		return core.SyncJob{}, err
	}

	s.logger.InfoContext(ctx, "Sync completed",
		log.FieldConnectionID, connectionID,
		log.FieldJobID, job.ID,
		"accounts_synced", accounts,
		"transactions_added", added,
		"transactions_updated", updated)
	return s.repo.GetSyncJob(ctx, ownerID, job.ID)
}

// ingest fetches the full payload and upserts it sequentially: accounts
// first to build the external-to-internal id map, then each account's
// transactions.
func (s *SyncService) ingest(ctx context.Context, conn core.Connection, windowStart *time.Time) (accounts, added, updated int, err error) {
	accessURL, err := s.cipher.Decrypt(conn.AccessURL)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("decrypt access url: %w", err)
	}

	payload, err := s.aggregator.FetchAccounts(ctx, accessURL, windowStart)
	if err != nil {
		return 0, 0, 0, err
	}

	accountIDs := make(map[string]string, len(payload.Accounts))
	for _, remote := range payload.Accounts {
		account, err := normalizeAccount(conn, remote)
		if err != nil {
			return accounts, added, updated, err
		}
		stored, _, err := s.repo.UpsertAccount(ctx, account)
		if err != nil {
			return accounts, added, updated, err
		}
		accountIDs[remote.ID] = stored.ID
		accounts++
	}

	for _, remote := range payload.Accounts {
		accountID := accountIDs[remote.ID]
		for _, rt := range remote.Transactions {
			txn, err := normalizeTransaction(conn, accountID, remote.Currency, rt)
			if err != nil {
				return accounts, added, updated, err
			}
			created, err := s.repo.UpsertTransaction(ctx, txn)
			if err != nil {
				return accounts, added, updated, err
			}
			if created {
				added++
			} else {
				updated++
			}
		}
	}

	return accounts, added, updated, nil
}

// SyncAll sweeps every active connection. Connections sync in parallel but
// each failure stays on its own sync job; the sweep itself never fails
// because one bank was down.
func (s *SyncService) SyncAll(ctx context.Context) error {
	conns, err := s.repo.ListActiveConnections(ctx)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, conn := range conns {
		g.Go(func() error {
			if _, err := s.Sync(ctx, conn.OwnerID, conn.ID, false, nil); err != nil {
				if !errors.Is(err, core.ErrRateLimited) {
					s.logger.ErrorContext(ctx, "Sweep sync failed",
						log.FieldConnectionID, conn.ID,
						log.FieldError, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "Sweep finished", log.FieldCount, len(conns))
	return nil
}

// GetSyncJob exposes job polling to the CRUD surface.
func (s *SyncService) GetSyncJob(ctx context.Context, ownerID, jobID string) (core.SyncJob, error) {
	return s.repo.GetSyncJob(ctx, ownerID, jobID)
}

// DeleteConnection removes a connection along with its accounts and their
// transactions.
func (s *SyncService) DeleteConnection(ctx context.Context, ownerID, connectionID string) error {
	if err := s.repo.DeleteConnection(ctx, ownerID, connectionID); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "Connection deleted",
		log.FieldOwnerID, ownerID,
		log.FieldConnectionID, connectionID)
	return nil
}

func normalizeAccount(conn core.Connection, remote simplefin.Account) (core.Account, error) {
	// The protocol allows the balance to be absent; the account is still
	// ingested, with a zero balance.
	var balance core.Money
	if remote.Balance != "" {
		var err error
		balance, err = core.ParseMoney(remote.Balance)
		if err != nil {
			return core.Account{}, fmt.Errorf("%w: account %s balance %q", core.ErrUpstream, remote.ID, remote.Balance)
		}
	}

	account := core.Account{
		ID:           uuid.NewString(),
		OwnerID:      conn.OwnerID,
		ConnectionID: conn.ID,
		ExternalID:   remote.ID,
		Name:         remote.Name,
		Currency:     remote.Currency,
		Balance:      balance,
		OrgName:      remote.Org.Name,
		OrgDomain:    remote.Org.Domain,
	}
	if remote.AvailableBalance != "" {
		available, err := core.ParseMoney(remote.AvailableBalance)
		if err != nil {
			return core.Account{}, fmt.Errorf("%w: account %s available balance %q", core.ErrUpstream, remote.ID, remote.AvailableBalance)
		}
		account.AvailableBalance = &available
	}
	if remote.BalanceDate > 0 {
		asOf := time.Unix(remote.BalanceDate, 0).UTC()
		account.BalanceAsOf = &asOf
	}
	return account, nil
}

func normalizeTransaction(conn core.Connection, accountID, currency string, rt simplefin.Transaction) (core.Transaction, error) {
	amount, err := core.ParseMoney(rt.Amount)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("%w: transaction %s amount %q", core.ErrUpstream, rt.ID, rt.Amount)
	}

	txn := core.Transaction{
		ID:          uuid.NewString(),
		OwnerID:     conn.OwnerID,
		AccountID:   accountID,
		ExternalID:  rt.ID,
		Amount:      amount,
		Currency:    currency,
		PostedAt:    time.Unix(rt.Posted, 0).UTC(),
		Description: rt.Description,
		Payee:       rt.Payee,
		Memo:        rt.Memo,
	}
	if rt.TransactedAt > 0 {
		occurred := time.Unix(rt.TransactedAt, 0).UTC()
		txn.OccurredAt = &occurred
	}
	return txn, nil
}
