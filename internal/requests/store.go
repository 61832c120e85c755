package requests

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/shelfstream/shelfstream/internal/database"
)

// Store reads and writes requests and jobs. Every status change is a
// compare-and-set so concurrent stages cannot both win a transition.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// NewStore creates a store over an open, migrated database.
func NewStore(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "requests").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

const requestColumns = `r.id, r.audiobook_id, r.user_id, a.title, a.author, r.status, r.search_attempts,
	r.progress, r.last_search_at, r.error_message, r.download_path, r.created_at, r.updated_at, r.completed_at`

const requestFrom = ` FROM requests r JOIN audiobooks a ON a.id = r.audiobook_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*Request, error) {
	var (
		r            Request
		status       string
		lastSearchAt sql.NullTime
		errorMessage sql.NullString
		downloadPath sql.NullString
		completedAt  sql.NullTime
	)
	err := row.Scan(&r.ID, &r.AudiobookID, &r.UserID, &r.Title, &r.Author, &status, &r.SearchAttempts,
		&r.Progress, &lastSearchAt, &errorMessage, &downloadPath, &r.CreatedAt, &r.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.LastSearchAt = fromNullTime(lastSearchAt)
	r.ErrorMessage = fromNullString(errorMessage)
	r.DownloadPath = fromNullString(downloadPath)
	r.CompletedAt = fromNullTime(completedAt)
	return &r, nil
}

// EnsureAudiobook returns the audiobook with the given title and author,
// creating it on first use.
func (s *Store) EnsureAudiobook(ctx context.Context, input AudiobookInput) (*Audiobook, error) {
	title := strings.TrimSpace(input.Title)
	author := strings.TrimSpace(input.Author)
	if title == "" {
		return nil, ErrInvalidAudiobook
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audiobooks (title, author, narrator, asin, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (title, author) DO NOTHING`,
		title, author, strings.TrimSpace(input.Narrator), toNullString(input.ASIN), s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to insert audiobook: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, author, narrator, asin, created_at
		FROM audiobooks WHERE title = ? AND author = ?`, title, author)
	return scanAudiobook(row)
}

// GetAudiobook returns an audiobook by id.
func (s *Store) GetAudiobook(ctx context.Context, id int64) (*Audiobook, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, author, narrator, asin, created_at
		FROM audiobooks WHERE id = ?`, id)
	return scanAudiobook(row)
}

func scanAudiobook(row scanner) (*Audiobook, error) {
	var (
		a    Audiobook
		asin sql.NullString
	)
	if err := row.Scan(&a.ID, &a.Title, &a.Author, &a.Narrator, &asin, &a.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAudiobookNotFound
		}
		return nil, err
	}
	a.ASIN = asin.String
	return &a, nil
}

// Create adds a pending request. A previous failed, warned or cancelled
// request for the same user and audiobook is soft-deleted and replaced; an
// active or successful one yields ErrAlreadyRequested.
func (s *Store) Create(ctx context.Context, userID string, audiobookID int64) (*Request, error) {
	var id int64
	now := s.now()

	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var (
			existingID int64
			status     string
		)
		err := tx.QueryRowContext(ctx, `
			SELECT id, status FROM requests
			WHERE user_id = ? AND audiobook_id = ? AND deleted_at IS NULL`,
			userID, audiobookID).Scan(&existingID, &status)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		case Status(status).IsRestartable():
			if _, err := tx.ExecContext(ctx,
				`UPDATE requests SET deleted_at = ?, updated_at = ? WHERE id = ?`, now, now, existingID); err != nil {
				return err
			}
			s.logger.Debug().Int64("requestId", existingID).Str("status", status).Msg("Replacing finished request")
		default:
			return ErrAlreadyRequested
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO requests (audiobook_id, user_id, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)`, audiobookID, userID, StatusPending, now, now)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyRequested) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	return s.Get(ctx, id)
}

// Get returns a live request by id.
func (s *Store) Get(ctx context.Context, id int64) (*Request, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+requestFrom+
		` WHERE r.id = ? AND r.deleted_at IS NULL`, id)
	r, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	return r, nil
}

// List returns live requests, newest first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*Request, error) {
	query := `SELECT ` + requestColumns + requestFrom + ` WHERE r.deleted_at IS NULL`
	var args []any

	if filter.UserID != "" {
		query += ` AND r.user_id = ?`
		args = append(args, filter.UserID)
	}
	if len(filter.Statuses) > 0 {
		query += ` AND r.status IN (` + placeholders(len(filter.Statuses)) + `)`
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY r.created_at DESC, r.id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	var result []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// Transition moves a request to `to` only if it is currently in one of
// `from`. It reports whether this call performed the change. An empty
// message clears errorMessage.
func (s *Store) Transition(ctx context.Context, id int64, from []Status, to Status, message string) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("transition requires at least one source status")
	}

	now := s.now()
	var completedAt any
	if to.IsTerminal() {
		completedAt = now
	}

	args := []any{string(to), toNullString(message), now, completedAt, id}
	for _, st := range from {
		args = append(args, string(st))
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE requests
		SET status = ?, error_message = ?, updated_at = ?, completed_at = COALESCE(?, completed_at)
		WHERE id = ? AND deleted_at IS NULL AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition request %d to %s: %w", id, to, err)
	}

	changed, err := affectedOne(res)
	if err != nil {
		return false, err
	}
	if changed {
		s.logger.Debug().Int64("requestId", id).Str("status", string(to)).Msg("Request transitioned")
	}
	return changed, nil
}

// BeginSearch claims a pending or awaiting request for the searching stage,
// bumping its attempt counter.
func (s *Store) BeginSearch(ctx context.Context, id int64) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE requests
		SET status = ?, search_attempts = search_attempts + 1, last_search_at = ?, error_message = NULL, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL AND status IN (?, ?)`,
		StatusSearching, now, now, id, StatusPending, StatusAwaitingSearch)
	if err != nil {
		return false, fmt.Errorf("failed to begin search for request %d: %w", id, err)
	}
	return affectedOne(res)
}

// UpdateProgress records download progress while the request is downloading.
func (s *Store) UpdateProgress(ctx context.Context, id int64, progress float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE requests SET progress = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL AND status = ?`,
		clampPercent(progress), s.now(), id, StatusDownloading)
	return err
}

// MarkDownloaded moves a downloading request to downloaded and stores the
// file location reported by the backend.
func (s *Store) MarkDownloaded(ctx context.Context, id int64, path string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE requests SET status = ?, progress = 100, download_path = ?, error_message = NULL, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL AND status = ?`,
		StatusDownloaded, toNullString(path), s.now(), id, StatusDownloading)
	if err != nil {
		return false, fmt.Errorf("failed to mark request %d downloaded: %w", id, err)
	}
	return affectedOne(res)
}

// SoftDelete hides a request from every query. Its jobs are kept.
func (s *Store) SoftDelete(ctx context.Context, id int64) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE requests SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to delete request %d: %w", id, err)
	}
	ok, err := affectedOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRequestNotFound
	}
	return nil
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func clampPercent(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func fromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
