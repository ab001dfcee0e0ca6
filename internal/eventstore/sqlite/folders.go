package sqlite

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/Martian-dev/mailsync/internal/model"
)

const folderColumns = `id, account_id, remote_id, parent_remote_id, name, special_kind,
	delta_token, uid_validity, highest_modseq, enabled`

// Folders lists the folders of an account
func (s *Store) Folders(ctx context.Context, accountID string) ([]model.Folder, error) {
	var folders []model.Folder
	err := s.DB.SelectContext(ctx, &folders, `
		SELECT `+folderColumns+` FROM folders WHERE account_id = ? ORDER BY name
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	return folders, nil
}

// Folder loads a folder by local id
func (s *Store) Folder(ctx context.Context, folderID string) (model.Folder, error) {
	var f model.Folder
	if err := s.DB.GetContext(ctx, &f, `SELECT `+folderColumns+` FROM folders WHERE id = ?`, folderID); err != nil {
		return model.Folder{}, notFound(err)
	}
	return f, nil
}

// FolderByRemoteID loads a folder by its server id
func (s *Store) FolderByRemoteID(ctx context.Context, accountID, remoteID string) (model.Folder, error) {
	var f model.Folder
	err := s.DB.GetContext(ctx, &f, `
		SELECT `+folderColumns+` FROM folders WHERE account_id = ? AND remote_id = ?
	`, accountID, remoteID)
	if err != nil {
		return model.Folder{}, notFound(err)
	}
	return f, nil
}

// SpecialFolder loads the folder with the given role
func (s *Store) SpecialFolder(ctx context.Context, accountID string, kind model.SpecialFolder) (model.Folder, error) {
	var f model.Folder
	err := s.DB.GetContext(ctx, &f, `
		SELECT `+folderColumns+` FROM folders WHERE account_id = ? AND special_kind = ? LIMIT 1
	`, accountID, kind)
	if err != nil {
		return model.Folder{}, notFound(err)
	}
	return f, nil
}

// UpsertFolder inserts a folder or updates its name, parent and role. Sync
// state of an existing folder is kept.
func (s *Store) UpsertFolder(ctx context.Context, f model.Folder) (model.Folder, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}

	_, err := s.DB.NamedExecContext(ctx, `
		INSERT INTO folders (`+folderColumns+`)
		VALUES (:id, :account_id, :remote_id, :parent_remote_id, :name, :special_kind,
			:delta_token, :uid_validity, :highest_modseq, :enabled)
		ON CONFLICT (account_id, remote_id) DO UPDATE SET
			parent_remote_id = excluded.parent_remote_id,
			name = excluded.name,
			special_kind = excluded.special_kind
	`, f)
	if err != nil {
		return model.Folder{}, fmt.Errorf("upsert folder %s: %w", f.RemoteID, err)
	}

	return s.FolderByRemoteID(ctx, f.AccountID, f.RemoteID)
}

// DeleteFolder removes a folder and its mail copies
func (s *Store) DeleteFolder(ctx context.Context, accountID, folderID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM folders WHERE account_id = ? AND id = ?`, accountID, folderID)
	if err != nil {
		return fmt.Errorf("delete folder %s: %w", folderID, err)
	}
	return nil
}

// RenameFolder stores a new name and server id for a folder
func (s *Store) RenameFolder(ctx context.Context, accountID, folderID, name, remoteID string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE folders SET name = ?, remote_id = COALESCE(NULLIF(?, ''), remote_id)
		WHERE account_id = ? AND id = ?
	`, name, remoteID, accountID, folderID)
	if err != nil {
		return fmt.Errorf("rename folder %s: %w", folderID, err)
	}
	return nil
}

// SaveFolderDeltaToken stores the delta link of a folder
func (s *Store) SaveFolderDeltaToken(ctx context.Context, folderID, token string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE folders SET delta_token = ? WHERE id = ?`, token, folderID)
	return err
}

// SaveFolderIMAPState stores UIDVALIDITY and HIGHESTMODSEQ of a folder
func (s *Store) SaveFolderIMAPState(ctx context.Context, folderID string, uidValidity uint32, modSeq uint64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE folders SET uid_validity = ?, highest_modseq = ? WHERE id = ?
	`, int64(uidValidity), int64(modSeq), folderID)
	return err
}

// ResetFolder drops every cursor of a folder together with its cached
// copies, forcing the next sync to download it from scratch
func (s *Store) ResetFolder(ctx context.Context, folderID string) error {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM mail_copies WHERE folder_id = ? AND is_local_draft = 0`, folderID); err != nil {
		return fmt.Errorf("clear copies: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE folders SET delta_token = '', uid_validity = 0, highest_modseq = 0 WHERE id = ?
	`, folderID)
	if err != nil {
		return fmt.Errorf("clear folder state: %w", err)
	}
	return tx.Commit()
}
