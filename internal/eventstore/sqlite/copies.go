package sqlite

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Martian-dev/mailsync/internal/model"
)

const copyColumns = `copy_id, account_id, folder_id, remote_id, remote_draft_id, thread_id,
	message_id_header, in_reply_to, references_header, subject, sender, snippet,
	is_read, is_flagged, is_draft, is_local_draft, draft_correlation_id, received_at`

// InsertCopy stores a new mail copy. It reports false when the folder
// already holds a copy with the same remote id.
func (s *Store) InsertCopy(ctx context.Context, c model.MailCopy) (bool, error) {
	if c.CopyID == "" {
		c.CopyID = uuid.NewString()
	}

	res, err := s.DB.NamedExecContext(ctx, `
		INSERT OR IGNORE INTO mail_copies (`+copyColumns+`)
		VALUES (:copy_id, :account_id, :folder_id, :remote_id, :remote_draft_id, :thread_id,
			:message_id_header, :in_reply_to, :references_header, :subject, :sender, :snippet,
			:is_read, :is_flagged, :is_draft, :is_local_draft, :draft_correlation_id, :received_at)
	`, c)
	if err != nil {
		return false, fmt.Errorf("insert copy %s: %w", c.RemoteID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Copy loads a copy by its local id
func (s *Store) Copy(ctx context.Context, copyID string) (model.MailCopy, error) {
	var c model.MailCopy
	if err := s.DB.GetContext(ctx, &c, `SELECT `+copyColumns+` FROM mail_copies WHERE copy_id = ?`, copyID); err != nil {
		return model.MailCopy{}, notFound(err)
	}
	return c, nil
}

// CopiesByID loads the copies with the given local ids
func (s *Store) CopiesByID(ctx context.Context, accountID string, copyIDs []string) ([]model.MailCopy, error) {
	if len(copyIDs) == 0 {
		return nil, nil
	}
	q, args, err := sqlx.In(`SELECT `+copyColumns+` FROM mail_copies WHERE account_id = ? AND copy_id IN (?)`, accountID, copyIDs)
	if err != nil {
		return nil, err
	}
	var copies []model.MailCopy
	if err := s.DB.SelectContext(ctx, &copies, s.DB.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("load copies: %w", err)
	}
	return copies, nil
}

// CopyLocation resolves a copy id to its account and folder
func (s *Store) CopyLocation(ctx context.Context, copyID string) (accountID, folderID string, err error) {
	row := s.DB.QueryRowxContext(ctx, `SELECT account_id, folder_id FROM mail_copies WHERE copy_id = ?`, copyID)
	if err := row.Scan(&accountID, &folderID); err != nil {
		return "", "", notFound(err)
	}
	return accountID, folderID, nil
}

// CopiesByRemoteID returns every local copy of a remote message
func (s *Store) CopiesByRemoteID(ctx context.Context, accountID, remoteID string) ([]model.MailCopy, error) {
	var copies []model.MailCopy
	err := s.DB.SelectContext(ctx, &copies, `
		SELECT `+copyColumns+` FROM mail_copies WHERE account_id = ? AND remote_id = ?
	`, accountID, remoteID)
	if err != nil {
		return nil, fmt.Errorf("load copies of %s: %w", remoteID, err)
	}
	return copies, nil
}

// CopyInFolder loads the copy of a remote message inside one folder
func (s *Store) CopyInFolder(ctx context.Context, folderID, remoteID string) (model.MailCopy, error) {
	var c model.MailCopy
	err := s.DB.GetContext(ctx, &c, `
		SELECT `+copyColumns+` FROM mail_copies WHERE folder_id = ? AND remote_id = ?
	`, folderID, remoteID)
	if err != nil {
		return model.MailCopy{}, notFound(err)
	}
	return c, nil
}

// RemoteIDsInFolder lists the remote ids cached for a folder
func (s *Store) RemoteIDsInFolder(ctx context.Context, folderID string) ([]string, error) {
	var ids []string
	err := s.DB.SelectContext(ctx, &ids, `
		SELECT remote_id FROM mail_copies WHERE folder_id = ? AND remote_id <> ''
	`, folderID)
	return ids, err
}

// KnownUIDs returns the IMAP UIDs cached for a folder
func (s *Store) KnownUIDs(ctx context.Context, folderID string) ([]uint32, error) {
	ids, err := s.RemoteIDsInFolder(ctx, folderID)
	if err != nil {
		return nil, err
	}
	uids := make([]uint32, 0, len(ids))
	for _, id := range ids {
		uid, err := strconv.ParseUint(id, 10, 32)
		if err != nil {
			continue
		}
		uids = append(uids, uint32(uid))
	}
	return uids, nil
}

// SetReadByRemoteID updates every copy of the given messages
func (s *Store) SetReadByRemoteID(ctx context.Context, accountID string, remoteIDs []string, read bool) (int64, error) {
	if len(remoteIDs) == 0 {
		return 0, nil
	}
	return s.execIn(ctx, `UPDATE mail_copies SET is_read = ? WHERE account_id = ? AND remote_id IN (?)`, read, accountID, remoteIDs)
}

// SetFlaggedByRemoteID updates every copy of the given messages
func (s *Store) SetFlaggedByRemoteID(ctx context.Context, accountID string, remoteIDs []string, flagged bool) (int64, error) {
	if len(remoteIDs) == 0 {
		return 0, nil
	}
	return s.execIn(ctx, `UPDATE mail_copies SET is_flagged = ? WHERE account_id = ? AND remote_id IN (?)`, flagged, accountID, remoteIDs)
}

// SetCopiesRead updates the read state of individual copies
func (s *Store) SetCopiesRead(ctx context.Context, accountID string, copyIDs []string, read bool) (int64, error) {
	if len(copyIDs) == 0 {
		return 0, nil
	}
	return s.execIn(ctx, `UPDATE mail_copies SET is_read = ? WHERE account_id = ? AND copy_id IN (?)`, read, accountID, copyIDs)
}

// SetCopiesFlagged updates the flagged state of individual copies
func (s *Store) SetCopiesFlagged(ctx context.Context, accountID string, copyIDs []string, flagged bool) (int64, error) {
	if len(copyIDs) == 0 {
		return 0, nil
	}
	return s.execIn(ctx, `UPDATE mail_copies SET is_flagged = ? WHERE account_id = ? AND copy_id IN (?)`, flagged, accountID, copyIDs)
}

// UpdateCopyState sets read and flagged on one copy, reporting whether
// anything changed
func (s *Store) UpdateCopyState(ctx context.Context, copyID string, read, flagged bool) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE mail_copies SET is_read = ?, is_flagged = ?
		WHERE copy_id = ? AND (is_read <> ? OR is_flagged <> ?)
	`, read, flagged, copyID, read, flagged)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteByRemoteID removes every copy of the given messages
func (s *Store) DeleteByRemoteID(ctx context.Context, accountID string, remoteIDs []string) (int64, error) {
	if len(remoteIDs) == 0 {
		return 0, nil
	}
	return s.execIn(ctx, `DELETE FROM mail_copies WHERE account_id = ? AND remote_id IN (?)`, accountID, remoteIDs)
}

// DeleteCopyInFolder removes the copy of a message from one folder
func (s *Store) DeleteCopyInFolder(ctx context.Context, folderID, remoteID string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM mail_copies WHERE folder_id = ? AND remote_id = ?`, folderID, remoteID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteCopies removes individual copies
func (s *Store) DeleteCopies(ctx context.Context, accountID string, copyIDs []string) (int64, error) {
	if len(copyIDs) == 0 {
		return 0, nil
	}
	return s.execIn(ctx, `DELETE FROM mail_copies WHERE account_id = ? AND copy_id IN (?)`, accountID, copyIDs)
}

// DeleteCopy removes one copy
func (s *Store) DeleteCopy(ctx context.Context, accountID, copyID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM mail_copies WHERE account_id = ? AND copy_id = ?`, accountID, copyID)
	return err
}

// MoveCopy assigns a copy to another folder, optionally with the new server id
func (s *Store) MoveCopy(ctx context.Context, accountID, copyID, folderID, remoteID string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE OR REPLACE mail_copies
		SET folder_id = ?, remote_id = COALESCE(NULLIF(?, ''), remote_id)
		WHERE account_id = ? AND copy_id = ?
	`, folderID, remoteID, accountID, copyID)
	if err != nil {
		return fmt.Errorf("move copy %s: %w", copyID, err)
	}
	return nil
}

// DraftByCorrelationID finds the local draft a server message originates from
func (s *Store) DraftByCorrelationID(ctx context.Context, accountID, correlationID string) (model.MailCopy, error) {
	var c model.MailCopy
	err := s.DB.GetContext(ctx, &c, `
		SELECT `+copyColumns+` FROM mail_copies
		WHERE account_id = ? AND draft_correlation_id = ? AND is_draft = 1
		LIMIT 1
	`, accountID, correlationID)
	if err != nil {
		return model.MailCopy{}, notFound(err)
	}
	return c, nil
}

// AttachRemoteDraft links a local draft to its server copy
func (s *Store) AttachRemoteDraft(ctx context.Context, accountID, copyID, folderID, remoteID, remoteDraftID string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE OR REPLACE mail_copies
		SET remote_id = ?, remote_draft_id = COALESCE(NULLIF(?, ''), remote_draft_id),
		    folder_id = COALESCE(NULLIF(?, ''), folder_id), is_local_draft = 0
		WHERE account_id = ? AND copy_id = ?
	`, remoteID, remoteDraftID, folderID, accountID, copyID)
	if err != nil {
		return fmt.Errorf("attach draft %s: %w", copyID, err)
	}
	return nil
}

// UnreadCount counts unread copies in a folder
func (s *Store) UnreadCount(ctx context.Context, folderID string) (int, error) {
	var n int
	err := s.DB.GetContext(ctx, &n, `SELECT COUNT(*) FROM mail_copies WHERE folder_id = ? AND is_read = 0`, folderID)
	return n, err
}

// CopyCount counts the copies of an account
func (s *Store) CopyCount(ctx context.Context, accountID string) (int, error) {
	var n int
	err := s.DB.GetContext(ctx, &n, `SELECT COUNT(*) FROM mail_copies WHERE account_id = ?`, accountID)
	return n, err
}
