package sqlite

import (
	"context"
	"fmt"

	"github.com/Martian-dev/mailsync/internal/model"
)

const accountColumns = `id, address, display_name, provider, sync_cursor, status, last_error,
	imap_host, imap_port, imap_security, imap_username, imap_oauth`

// CreateAccount inserts a new account
func (s *Store) CreateAccount(ctx context.Context, a model.Account) error {
	_, err := s.DB.NamedExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (:id, :address, :display_name, :provider, :sync_cursor, :status, :last_error,
			:imap_host, :imap_port, :imap_security, :imap_username, :imap_oauth)
	`, a)
	if err != nil {
		return fmt.Errorf("insert account %s: %w", a.ID, err)
	}
	return nil
}

// Account loads one account
func (s *Store) Account(ctx context.Context, id string) (model.Account, error) {
	var a model.Account
	err := s.DB.GetContext(ctx, &a, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	if err != nil {
		return model.Account{}, notFound(err)
	}
	return a, nil
}

// Accounts lists all accounts
func (s *Store) Accounts(ctx context.Context) ([]model.Account, error) {
	var accounts []model.Account
	if err := s.DB.SelectContext(ctx, &accounts, `SELECT `+accountColumns+` FROM accounts ORDER BY address`); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return accounts, nil
}

// DeleteAccount removes an account and, by cascade, all its rows
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	return err
}

// SaveAccountCursor stores the account-level sync cursor
func (s *Store) SaveAccountCursor(ctx context.Context, accountID, cursor string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE accounts SET sync_cursor = ? WHERE id = ?`, cursor, accountID)
	if err != nil {
		return fmt.Errorf("save cursor for %s: %w", accountID, err)
	}
	return nil
}

// UpdateSyncStatus records the status of the last pass
func (s *Store) UpdateSyncStatus(ctx context.Context, accountID, status, lastError string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts SET status = ?, last_error = ? WHERE id = ?
	`, status, lastError, accountID)
	return err
}

// UpdateProfile stores the display name and primary address reported by the server
func (s *Store) UpdateProfile(ctx context.Context, accountID, displayName, address string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE accounts
		SET display_name = COALESCE(NULLIF(?, ''), display_name),
		    address = COALESCE(NULLIF(?, ''), address)
		WHERE id = ?
	`, displayName, address, accountID)
	if err != nil {
		return fmt.Errorf("update profile for %s: %w", accountID, err)
	}
	return nil
}

// ReplaceAliases swaps the send-as addresses of an account
func (s *Store) ReplaceAliases(ctx context.Context, accountID string, aliases []model.Alias) error {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM aliases WHERE account_id = ?`, accountID); err != nil {
		return fmt.Errorf("clear aliases: %w", err)
	}
	for _, a := range aliases {
		a.AccountID = accountID
		_, err := tx.NamedExecContext(ctx, `
			INSERT OR REPLACE INTO aliases (account_id, address, name, is_primary)
			VALUES (:account_id, :address, :name, :is_primary)
		`, a)
		if err != nil {
			return fmt.Errorf("insert alias %s: %w", a.Address, err)
		}
	}
	return tx.Commit()
}

// Aliases lists the send-as addresses of an account
func (s *Store) Aliases(ctx context.Context, accountID string) ([]model.Alias, error) {
	var aliases []model.Alias
	err := s.DB.SelectContext(ctx, &aliases, `
		SELECT account_id, address, name, is_primary FROM aliases
		WHERE account_id = ? ORDER BY is_primary DESC, address
	`, accountID)
	return aliases, err
}
