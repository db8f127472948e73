package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"
	"time"

	"pennywise/internal/core"
	"pennywise/internal/simplefin"
)

func exchange(t *testing.T, svc *SyncService, ownerID string) core.Connection {
	t.Helper()
	token := base64.StdEncoding.EncodeToString([]byte("https://bridge.example.com/claim/x"))
	conn, err := svc.ExchangeSetupToken(context.Background(), ownerID, token, "Example Bank")
	if err != nil {
		t.Fatalf("ExchangeSetupToken: %v", err)
	}
	return conn
}

func TestExchangeSetupTokenEncryptsCredentials(t *testing.T) {
	svc, agg, repo := newSyncFixture(t)
	conn := exchange(t, svc, "owner-1")

	stored, err := repo.GetConnection(context.Background(), "owner-1", conn.ID)
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	if stored.AccessURL == agg.claimURL {
		t.Error("access url stored in plaintext")
	}
	if stored.Status != core.ConnectionActive {
		t.Errorf("status = %s, want active", stored.Status)
	}
}

func TestSyncIngestsPayload(t *testing.T) {
	svc, _, repo := newSyncFixture(t)
	ctx := context.Background()
	conn := exchange(t, svc, "owner-1")

	job, err := svc.Sync(ctx, "owner-1", conn.ID, false, nil)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if job.Status != core.JobCompleted {
		t.Fatalf("job status = %s (%s), want completed", job.Status, job.Error)
	}
	if job.AccountsSynced != 1 || job.TransactionsAdded != 2 || job.TransactionsUpdated != 0 {
		t.Errorf("counters = %d/%d/%d, want 1/2/0",
			job.AccountsSynced, job.TransactionsAdded, job.TransactionsUpdated)
	}

	accounts, err := repo.ListAccounts(ctx, "owner-1")
	if err != nil {
		t.Fatalf("ListAccounts: %v", err)
	}
	if len(accounts) != 1 || accounts[0].Balance.Cents != 125050 {
		t.Errorf("account not ingested correctly: %+v", accounts)
	}

	txns, err := repo.ListTransactions(ctx, "owner-1", 10)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(txns) != 2 {
		t.Fatalf("want 2 transactions, got %d", len(txns))
	}
	for _, txn := range txns {
		if txn.Source != core.SourceUncategorized {
			t.Errorf("new transaction source = %s, want uncategorized", txn.Source)
		}
	}
	// Sign convention preserved verbatim.
	if txns[0].Amount.Cents != -4500 || txns[1].Amount.Cents != 200000 {
		t.Errorf("amounts = %d, %d", txns[0].Amount.Cents, txns[1].Amount.Cents)
	}

	updated, err := repo.GetConnection(ctx, "owner-1", conn.ID)
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	if updated.LastSyncedAt == nil {
		t.Error("last_synced_at not set")
	}
}

func TestSyncIngestsAccountWithoutBalance(t *testing.T) {
	svc, agg, repo := newSyncFixture(t)
	ctx := context.Background()
	agg.payload = simplefin.Payload{
		Accounts: []simplefin.Account{{
			ID:       "ACT-NB",
			Name:     "No Balance",
			Currency: "USD",
			Org:      simplefin.Org{Name: "Example Bank"},
			Transactions: []simplefin.Transaction{{
				ID:          "TXN-NB-1",
				Posted:      time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC).Unix(),
				Amount:      "-12.00",
				Description: "COFFEE",
			}},
		}},
	}
	conn := exchange(t, svc, "owner-1")

	job, err := svc.Sync(ctx, "owner-1", conn.ID, false, nil)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if job.Status != core.JobCompleted {
		t.Fatalf("job status = %s (%s), want completed", job.Status, job.Error)
	}
	if job.AccountsSynced != 1 || job.TransactionsAdded != 1 {
		t.Errorf("counters = %d/%d, want 1/1", job.AccountsSynced, job.TransactionsAdded)
	}

	accounts, err := repo.ListAccounts(ctx, "owner-1")
	if err != nil {
		t.Fatalf("ListAccounts: %v", err)
	}
	if len(accounts) != 1 {
		t.Fatalf("want 1 account, got %d", len(accounts))
	}
	if accounts[0].Balance.Cents != 0 {
		t.Errorf("missing balance should ingest as zero, got %d", accounts[0].Balance.Cents)
	}
	if accounts[0].AvailableBalance != nil {
		t.Errorf("missing available balance should stay nil, got %v", *accounts[0].AvailableBalance)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	svc, _, _ := newSyncFixture(t)
	ctx := context.Background()
	conn := exchange(t, svc, "owner-1")

	if _, err := svc.Sync(ctx, "owner-1", conn.ID, false, nil); err != nil {
		t.Fatalf("first Sync: %v", err)
	}
	job, err := svc.Sync(ctx, "owner-1", conn.ID, true, nil)
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if job.TransactionsAdded != 0 {
		t.Errorf("second identical sync added %d transactions, want 0", job.TransactionsAdded)
	}
	if job.TransactionsUpdated != 2 {
		t.Errorf("second identical sync updated %d transactions, want 2", job.TransactionsUpdated)
	}
}

func TestSyncRateLimitSkipsUpstream(t *testing.T) {
	svc, agg, _ := newSyncFixture(t)
	ctx := context.Background()
	conn := exchange(t, svc, "owner-1")

	first, err := svc.Sync(ctx, "owner-1", conn.ID, false, nil)
	if err != nil {
		t.Fatalf("first Sync: %v", err)
	}
	second, err := svc.Sync(ctx, "owner-1", conn.ID, false, nil)
	if err != nil {
		t.Fatalf("rate-limited Sync: %v", err)
	}
	if agg.fetches() != 1 {
		t.Errorf("upstream fetched %d times, want 1", agg.fetches())
	}
	if second.ID != first.ID {
		t.Errorf("rate-limited call returned job %s, want prior job %s", second.ID, first.ID)
	}

	// force bypasses the window.
	if _, err := svc.Sync(ctx, "owner-1", conn.ID, true, nil); err != nil {
		t.Fatalf("forced Sync: %v", err)
	}
	if agg.fetches() != 2 {
		t.Errorf("forced sync did not reach upstream, fetches = %d", agg.fetches())
	}
}

func TestSyncUpstreamFailure(t *testing.T) {
	svc, agg, repo := newSyncFixture(t)
	ctx := context.Background()
	conn := exchange(t, svc, "owner-1")

	agg.setFetchErr(fmt.Errorf("%w: bridge returned status 502", core.ErrUpstream))
	job, err := svc.Sync(ctx, "owner-1", conn.ID, false, nil)
	if err != nil {
		t.Fatalf("Sync should return the failed job, not an error: %v", err)
	}
	if job.Status != core.JobFailed {
		t.Errorf("job status = %s, want failed", job.Status)
	}
	if job.Error == "" {
		t.Error("failed job carries no error message")
	}

	stored, err := repo.GetConnection(ctx, "owner-1", conn.ID)
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	if stored.Status != core.ConnectionError {
		t.Errorf("connection status = %s, want error", stored.Status)
	}
}

func TestSyncUnknownConnection(t *testing.T) {
	svc, _, _ := newSyncFixture(t)
	_, err := svc.Sync(context.Background(), "owner-1", "missing", false, nil)
	if !errors.Is(err, core.ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func TestSyncAllIsolatesFailures(t *testing.T) {
	svc, agg, repo := newSyncFixture(t)
	ctx := context.Background()

	good := exchange(t, svc, "owner-1")
	bad := exchange(t, svc, "owner-2")

	// Break only the second connection's credentials.
	if err := repo.DeleteConnection(ctx, "owner-2", bad.ID); err != nil {
		t.Fatalf("DeleteConnection: %v", err)
	}
	broken := core.Connection{
		ID:          bad.ID,
		OwnerID:     "owner-2",
		AccessURL:   "not-a-ciphertext",
		DisplayName: "Broken Bank",
		Status:      core.ConnectionActive,
	}
	if err := repo.CreateConnection(ctx, broken); err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}

	if err := svc.SyncAll(ctx); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if agg.fetches() != 1 {
		t.Errorf("fetches = %d, want 1 (broken connection fails before upstream)", agg.fetches())
	}

	// The healthy connection synced despite its sibling failing.
	synced, err := repo.GetConnection(ctx, "owner-1", good.ID)
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	if synced.LastSyncedAt == nil {
		t.Error("healthy connection did not sync during sweep")
	}
	errored, err := repo.GetConnection(ctx, "owner-2", bad.ID)
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	if errored.Status != core.ConnectionError {
		t.Errorf("broken connection status = %s, want error", errored.Status)
	}
}

func TestDeleteConnectionCascade(t *testing.T) {
	svc, _, repo := newSyncFixture(t)
	ctx := context.Background()
	conn := exchange(t, svc, "owner-1")

	if _, err := svc.Sync(ctx, "owner-1", conn.ID, false, nil); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := svc.DeleteConnection(ctx, "owner-1", conn.ID); err != nil {
		t.Fatalf("DeleteConnection: %v", err)
	}

	txns, err := repo.ListTransactions(ctx, "owner-1", 10)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(txns) != 0 {
		t.Errorf("transactions survived connection delete: %d", len(txns))
	}
}

func TestSyncRateLimitWithoutPriorJob(t *testing.T) {
	svc, _, repo := newSyncFixture(t)
	ctx := context.Background()
	conn := exchange(t, svc, "owner-1")

	// Simulate a synced-elsewhere connection with no local completed job.
	if err := repo.MarkConnectionSynced(ctx, conn.ID, time.Now().UTC()); err != nil {
		t.Fatalf("MarkConnectionSynced: %v", err)
	}
	_, err := svc.Sync(ctx, "owner-1", conn.ID, false, nil)
	if !errors.Is(err, core.ErrRateLimited) {
		t.Errorf("want ErrRateLimited, got %v", err)
	}
}
