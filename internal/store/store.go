package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/drover-dl/drover/internal/request"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("download not found")

const requestColumns = `id, owner, uid, source_uri, hint_name, referer, cookies, user_agent,
	destination, _data, mime_type, total_bytes, current_bytes, etag, no_integrity,
	status, control, visibility, allowed_network_types, allow_roaming, allow_metered,
	bypass_recommended, flags, num_failed, retry_after_ms, last_modified,
	redirect_count, deleted, media_scan, media_store_uri`

func scanRequest(row interface{ Scan(...any) error }) (*request.Request, error) {
	var r request.Request
	var noIntegrity, allowRoaming, allowMetered, bypass, deleted int
	var lastModMS int64
	err := row.Scan(
		&r.ID, &r.Owner, &r.UID, &r.SourceURI, &r.HintName, &r.Referer, &r.Cookies, &r.UserAgent,
		&r.Destination, &r.FilePath, &r.MimeType, &r.TotalBytes, &r.CurrentBytes, &r.ETag, &noIntegrity,
		&r.Status, &r.Control, &r.Visibility, &r.AllowedNetworkTypes, &allowRoaming, &allowMetered,
		&bypass, &r.Flags, &r.NumFailed, &r.RetryAfterMS, &lastModMS,
		&r.RedirectCount, &deleted, &r.MediaScan, &r.MediaStoreURI,
	)
	if err != nil {
		return nil, err
	}
	r.NoIntegrity = noIntegrity != 0
	r.AllowRoaming = allowRoaming != 0
	r.AllowMetered = allowMetered != 0
	r.BypassRecommended = bypass != 0
	r.Deleted = deleted != 0
	if lastModMS != 0 {
		r.LastModified = time.UnixMilli(lastModMS)
	}
	return &r, nil
}

// Insert creates a new request row plus its header rows and returns the id.
func (s *Store) Insert(r *request.Request) (int64, error) {
	var id int64
	err := s.withTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO downloads (
				owner, uid, source_uri, hint_name, referer, cookies, user_agent,
				destination, _data, mime_type, total_bytes, current_bytes, etag, no_integrity,
				status, control, visibility, allowed_network_types, allow_roaming, allow_metered,
				bypass_recommended, flags, num_failed, retry_after_ms, last_modified,
				redirect_count, deleted, media_scan, media_store_uri
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			r.Owner, r.UID, r.SourceURI, r.HintName, r.Referer, r.Cookies, r.UserAgent,
			r.Destination, r.FilePath, r.MimeType, r.TotalBytes, r.CurrentBytes, r.ETag, boolInt(r.NoIntegrity),
			r.Status, r.Control, r.Visibility, r.AllowedNetworkTypes, boolInt(r.AllowRoaming), boolInt(r.AllowMetered),
			boolInt(r.BypassRecommended), r.Flags, r.NumFailed, r.RetryAfterMS, timeMS(r.LastModified),
			r.RedirectCount, boolInt(r.Deleted), r.MediaScan, r.MediaStoreURI,
		)
		if err != nil {
			return fmt.Errorf("failed to insert download: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return err
		}

		stmt, err := tx.Prepare("INSERT INTO headers (download_id, position, name, value) VALUES (?, ?, ?, ?)")
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, h := range r.Headers {
			if _, err := stmt.Exec(id, i, h.Name, h.Value); err != nil {
				return fmt.Errorf("failed to insert header: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.notify()
	return id, nil
}

// Get returns one request snapshot with its headers, including tombstoned rows.
func (s *Store) Get(id int64) (*request.Request, error) {
	row := s.db.QueryRow("SELECT "+requestColumns+" FROM downloads WHERE id = ?", id)
	r, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query download: %w", err)
	}
	if err := s.loadHeaders(r); err != nil {
		return nil, err
	}
	return r, nil
}

// ListActive returns all live (non-tombstoned) rows ordered by id.
func (s *Store) ListActive() ([]*request.Request, error) {
	return s.list("WHERE deleted = 0")
}

// ListDeleted returns tombstoned rows awaiting purge.
func (s *Store) ListDeleted() ([]*request.Request, error) {
	return s.list("WHERE deleted = 1")
}

// ListAll returns every row, tombstoned or not.
func (s *Store) ListAll() ([]*request.Request, error) {
	return s.list("")
}

func (s *Store) list(where string) ([]*request.Request, error) {
	rows, err := s.db.Query("SELECT " + requestColumns + " FROM downloads " + where + " ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query downloads: %w", err)
	}
	defer rows.Close()

	var out []*request.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, r := range out {
		if err := s.loadHeaders(r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) loadHeaders(r *request.Request) error {
	rows, err := s.db.Query("SELECT position, name, value FROM headers WHERE download_id = ? ORDER BY position", r.ID)
	if err != nil {
		return fmt.Errorf("failed to query headers: %w", err)
	}
	defer rows.Close()
	r.Headers = nil
	for rows.Next() {
		var h request.Header
		if err := rows.Scan(&h.Position, &h.Name, &h.Value); err != nil {
			return err
		}
		r.Headers = append(r.Headers, h)
	}
	return rows.Err()
}

// Patch is a targeted per-field update; nil fields are left untouched.
type Patch struct {
	Status        *request.Status
	Control       *request.Control
	Visibility    *request.Visibility
	SourceURI     *string
	FilePath      *string
	MimeType      *string
	TotalBytes    *int64
	CurrentBytes  *int64
	ETag          *string
	NumFailed     *int
	RetryAfterMS  *int64
	LastModified  *time.Time
	RedirectCount *int
	Deleted       *bool
	MediaScan     *request.MediaScan
	MediaStoreURI *string
}

// Update applies the patch atomically to one row and notifies observers.
func (s *Store) Update(id int64, p Patch) error {
	var sets []string
	var args []any
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if p.Status != nil {
		add("status", *p.Status)
	}
	if p.Control != nil {
		add("control", *p.Control)
	}
	if p.Visibility != nil {
		add("visibility", *p.Visibility)
	}
	if p.SourceURI != nil {
		add("source_uri", *p.SourceURI)
	}
	if p.FilePath != nil {
		add("_data", *p.FilePath)
	}
	if p.MimeType != nil {
		add("mime_type", *p.MimeType)
	}
	if p.TotalBytes != nil {
		add("total_bytes", *p.TotalBytes)
	}
	if p.CurrentBytes != nil {
		add("current_bytes", *p.CurrentBytes)
	}
	if p.ETag != nil {
		add("etag", *p.ETag)
	}
	if p.NumFailed != nil {
		add("num_failed", *p.NumFailed)
	}
	if p.RetryAfterMS != nil {
		add("retry_after_ms", *p.RetryAfterMS)
	}
	if p.LastModified != nil {
		add("last_modified", timeMS(*p.LastModified))
	}
	if p.RedirectCount != nil {
		add("redirect_count", *p.RedirectCount)
	}
	if p.Deleted != nil {
		add("deleted", boolInt(*p.Deleted))
	}
	if p.MediaScan != nil {
		add("media_scan", *p.MediaScan)
	}
	if p.MediaStoreURI != nil {
		add("media_store_uri", *p.MediaStoreURI)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := s.db.Exec("UPDATE downloads SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update download: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.notify()
	return nil
}

// Delete physically removes the row and its header rows.
func (s *Store) Delete(id int64) error {
	err := s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM headers WHERE download_id = ?", id); err != nil {
			return fmt.Errorf("failed to delete headers: %w", err)
		}
		if _, err := tx.Exec("DELETE FROM downloads WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to delete download: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.notify()
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
