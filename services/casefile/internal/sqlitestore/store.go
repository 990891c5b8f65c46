// Package sqlitestore is the embedded single-node backend for the case store.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/accordsai/caselane/pkg/domain"
	"github.com/accordsai/caselane/pkg/sqlitemigrate"
	"github.com/accordsai/caselane/services/casefile/internal/sqlitestore/migrations"
	"github.com/accordsai/caselane/services/casefile/internal/store"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store persists cases in SQLite. Write transactions take the database lock
// up front (_txlock=immediate), which serializes default-signature changes.
type Store struct {
	sqlDB *sql.DB
}

var _ store.Repository = (*Store)(nil)

// Open opens the database at path and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(context.Background(), sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func fromNullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func isConstraintUnique(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return store.ErrNotFound
	case isConstraintUnique(err):
		return store.ErrDuplicate
	default:
		return err
	}
}

func requireRows(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateClient(ctx context.Context, c domain.Client) error {
	_, err := s.sqlDB.ExecContext(ctx, `INSERT INTO clients (
    client_id, first_name, last_name, email, phone, address_line, postal_code, city, country, birth_date, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ClientID, c.FirstName, c.LastName, c.Email, c.Phone, c.AddressLine, c.PostalCode, c.City, c.Country,
		nullMillis(c.BirthDate), toMillis(c.CreatedAt))
	return mapErr(err)
}

func (s *Store) GetClient(ctx context.Context, clientID string) (domain.Client, error) {
	var c domain.Client
	var birth sql.NullInt64
	var created int64
	err := s.sqlDB.QueryRowContext(ctx, `SELECT client_id, first_name, last_name, email, phone, address_line, postal_code, city, country, birth_date, created_at
FROM clients WHERE client_id = ?`, clientID).
		Scan(&c.ClientID, &c.FirstName, &c.LastName, &c.Email, &c.Phone, &c.AddressLine, &c.PostalCode, &c.City, &c.Country, &birth, &created)
	if err != nil {
		return domain.Client{}, mapErr(err)
	}
	c.BirthDate = fromNullMillis(birth)
	c.CreatedAt = fromMillis(created)
	return c, nil
}

const caseColumns = `case_id, case_number, secure_token, status, client_id, insurer_name, policy_number, policy_type,
termination_date, payment_method, advisor_name, advisor_email, advisor_phone, co_insured, applied_signature_id,
reminder_count, rejection_reason, validation_note, validated_by, created_at, updated_at, status_changed_at,
completed_at, validated_at, expires_at`

func scanCase(row scanner) (domain.Case, error) {
	var (
		c                                     domain.Case
		status, payment, coInsured            string
		applied                               sql.NullString
		termination, completed, validated, ex sql.NullInt64
		created, updated, changed             int64
	)
	err := row.Scan(&c.CaseID, &c.CaseNumber, &c.SecureToken, &status, &c.ClientID, &c.InsurerName, &c.PolicyNumber, &c.PolicyType,
		&termination, &payment, &c.AdvisorName, &c.AdvisorEmail, &c.AdvisorPhone, &coInsured, &applied,
		&c.ReminderCount, &c.RejectionReason, &c.ValidationNote, &c.ValidatedBy, &created, &updated, &changed,
		&completed, &validated, &ex)
	if err != nil {
		return domain.Case{}, mapErr(err)
	}
	c.Status = domain.Status(status)
	c.PaymentMethod = domain.PaymentMethod(payment)
	c.AppliedSignatureID = fromNullString(applied)
	c.TerminationDate = fromNullMillis(termination)
	c.CompletedAt = fromNullMillis(completed)
	c.ValidatedAt = fromNullMillis(validated)
	c.ExpiresAt = fromNullMillis(ex)
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	c.StatusChangedAt = fromMillis(changed)
	if coInsured != "" {
		if err := json.Unmarshal([]byte(coInsured), &c.CoInsured); err != nil {
			return domain.Case{}, fmt.Errorf("decode co_insured: %w", err)
		}
	}
	return c, nil
}

func (s *Store) CreateCase(ctx context.Context, c domain.Case) error {
	persons := c.CoInsured
	if persons == nil {
		persons = []domain.Person{}
	}
	coInsured, err := json.Marshal(persons)
	if err != nil {
		return err
	}
	_, err = s.sqlDB.ExecContext(ctx, `INSERT INTO cases (
    case_id, case_number, secure_token, status, client_id, insurer_name, policy_number, policy_type,
    termination_date, payment_method, advisor_name, advisor_email, advisor_phone, co_insured, applied_signature_id,
    reminder_count, created_at, updated_at, status_changed_at, expires_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.CaseID, c.CaseNumber, c.SecureToken, string(c.Status), c.ClientID, c.InsurerName, c.PolicyNumber, c.PolicyType,
		nullMillis(c.TerminationDate), string(c.PaymentMethod), c.AdvisorName, c.AdvisorEmail, c.AdvisorPhone, string(coInsured), c.AppliedSignatureID,
		c.ReminderCount, toMillis(c.CreatedAt), toMillis(c.UpdatedAt), toMillis(c.StatusChangedAt), nullMillis(c.ExpiresAt))
	return mapErr(err)
}

func (s *Store) GetCase(ctx context.Context, caseID string) (domain.Case, error) {
	return scanCase(s.sqlDB.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE case_id = ?`, caseID))
}

func (s *Store) GetCaseByToken(ctx context.Context, token string) (domain.Case, error) {
	return scanCase(s.sqlDB.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE secure_token = ?`, token))
}

func (s *Store) ListCases(ctx context.Context, f store.CaseFilter) ([]domain.Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases`
	var args []any
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(marks, ", ") + `)`
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	query += ` ORDER BY status_changed_at ASC, case_id ASC LIMIT ? OFFSET ?`
	args = append(args, limit, max(f.Offset, 0))

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) casMiss(ctx context.Context, caseID string) error {
	if _, err := s.GetCase(ctx, caseID); err != nil {
		return err
	}
	return store.ErrStatusConflict
}

func (s *Store) UpdateStatus(ctx context.Context, u store.StatusUpdate) (domain.Case, error) {
	c, err := scanCase(s.sqlDB.QueryRowContext(ctx, `UPDATE cases SET
    status = ?,
    updated_at = ?,
    status_changed_at = ?,
    completed_at = COALESCE(?, completed_at),
    validated_at = COALESCE(?, validated_at),
    validated_by = COALESCE(?, validated_by),
    validation_note = COALESCE(?, validation_note),
    rejection_reason = COALESCE(?, rejection_reason),
    applied_signature_id = CASE WHEN ? THEN NULL ELSE applied_signature_id END
WHERE case_id = ? AND status = ?
RETURNING `+caseColumns,
		string(u.To), toMillis(u.At), toMillis(u.At),
		nullMillis(u.CompletedAt), nullMillis(u.ValidatedAt),
		u.ValidatedBy, u.ValidationNote, u.RejectionReason, u.ClearAppliedSignature,
		u.CaseID, string(u.From)))
	if errors.Is(err, store.ErrNotFound) {
		return domain.Case{}, s.casMiss(ctx, u.CaseID)
	}
	return c, err
}

func (s *Store) SetAppliedSignature(ctx context.Context, caseID string, expect domain.Status, signatureID *string, at time.Time) (domain.Case, error) {
	c, err := scanCase(s.sqlDB.QueryRowContext(ctx, `UPDATE cases SET applied_signature_id = ?, updated_at = ?
WHERE case_id = ? AND status = ?
RETURNING `+caseColumns, signatureID, toMillis(at), caseID, string(expect)))
	if errors.Is(err, store.ErrNotFound) {
		return domain.Case{}, s.casMiss(ctx, caseID)
	}
	return c, err
}

func (s *Store) IncrementReminderCount(ctx context.Context, caseID string, at time.Time) (domain.Case, error) {
	return scanCase(s.sqlDB.QueryRowContext(ctx, `UPDATE cases SET reminder_count = reminder_count + 1, updated_at = ?
WHERE case_id = ?
RETURNING `+caseColumns, toMillis(at), caseID))
}

func (s *Store) CreateDocument(ctx context.Context, d domain.Document) error {
	_, err := s.sqlDB.ExecContext(ctx, `INSERT INTO documents (
    document_id, case_id, provenance, document_type, filename, storage_url, storage_key, storage_path, status, size_bytes, mime_type, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.DocumentID, d.CaseID, string(d.Provenance), string(d.Type), d.Filename, d.Storage.URL, d.Storage.Key, d.Storage.Path,
		string(d.Status), d.SizeBytes, d.MIMEType, toMillis(d.CreatedAt))
	return mapErr(err)
}

func (s *Store) ListDocuments(ctx context.Context, caseID string) ([]domain.Document, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT document_id, case_id, provenance, document_type, filename, storage_url, storage_key, storage_path, status, size_bytes, mime_type, created_at
FROM documents WHERE case_id = ? ORDER BY created_at ASC, document_id ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Document
	for rows.Next() {
		var d domain.Document
		var prov, typ, status string
		var created int64
		if err := rows.Scan(&d.DocumentID, &d.CaseID, &prov, &typ, &d.Filename, &d.Storage.URL, &d.Storage.Key, &d.Storage.Path,
			&status, &d.SizeBytes, &d.MIMEType, &created); err != nil {
			return nil, err
		}
		d.Provenance = domain.Provenance(prov)
		d.Type = domain.DocumentType(typ)
		d.Status = domain.DocumentStatus(status)
		d.CreatedAt = fromMillis(created)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) SetDocumentStatus(ctx context.Context, caseID string, documentIDs []string, status domain.DocumentStatus) (int, error) {
	if len(documentIDs) == 0 {
		return 0, nil
	}
	args := []any{string(status), caseID}
	marks := make([]string, len(documentIDs))
	for i, id := range documentIDs {
		marks[i] = "?"
		args = append(args, id)
	}
	res, err := s.sqlDB.ExecContext(ctx, `UPDATE documents SET status = ? WHERE case_id = ? AND document_id IN (`+strings.Join(marks, ", ")+`)`, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

const signatureColumns = `signature_id, client_id, image, mime_type, label, is_active, is_default, created_at, deactivated_at`

func scanSignature(row scanner) (domain.Signature, error) {
	var sig domain.Signature
	var created int64
	var deactivated sql.NullInt64
	err := row.Scan(&sig.SignatureID, &sig.ClientID, &sig.Image, &sig.MIMEType, &sig.Label, &sig.IsActive, &sig.IsDefault, &created, &deactivated)
	if err != nil {
		return domain.Signature{}, mapErr(err)
	}
	sig.CreatedAt = fromMillis(created)
	sig.DeactivatedAt = fromNullMillis(deactivated)
	return sig, nil
}

func clientExists(ctx context.Context, tx *sql.Tx, clientID string) error {
	var id string
	return mapErr(tx.QueryRowContext(ctx, `SELECT client_id FROM clients WHERE client_id = ?`, clientID).Scan(&id))
}

func (s *Store) CreateSignature(ctx context.Context, sig domain.Signature) (domain.Signature, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Signature{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := clientExists(ctx, tx, sig.ClientID); err != nil {
		return domain.Signature{}, err
	}
	if strings.TrimSpace(sig.Label) == "" {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM signatures WHERE client_id = ?`, sig.ClientID).Scan(&n); err != nil {
			return domain.Signature{}, err
		}
		sig.Label = store.DefaultSignatureLabel(n + 1)
	}
	if sig.IsDefault {
		if _, err := tx.ExecContext(ctx, `UPDATE signatures SET is_default = 0 WHERE client_id = ? AND is_default = 1`, sig.ClientID); err != nil {
			return domain.Signature{}, err
		}
	}
	sig.IsActive = true
	if _, err := tx.ExecContext(ctx, `INSERT INTO signatures (signature_id, client_id, image, mime_type, label, is_active, is_default, created_at)
VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
		sig.SignatureID, sig.ClientID, sig.Image, sig.MIMEType, sig.Label, sig.IsDefault, toMillis(sig.CreatedAt)); err != nil {
		return domain.Signature{}, mapErr(err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Signature{}, err
	}
	return sig, nil
}

func (s *Store) GetSignature(ctx context.Context, signatureID string) (domain.Signature, error) {
	return scanSignature(s.sqlDB.QueryRowContext(ctx, `SELECT `+signatureColumns+` FROM signatures WHERE signature_id = ?`, signatureID))
}

func (s *Store) ListSignatures(ctx context.Context, clientID string, activeOnly bool) ([]domain.Signature, error) {
	query := `SELECT ` + signatureColumns + ` FROM signatures WHERE client_id = ?`
	if activeOnly {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY created_at ASC, signature_id ASC`
	rows, err := s.sqlDB.QueryContext(ctx, query, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Signature
	for rows.Next() {
		sig, err := scanSignature(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

func (s *Store) GetDefaultSignature(ctx context.Context, clientID string) (domain.Signature, error) {
	return scanSignature(s.sqlDB.QueryRowContext(ctx, `SELECT `+signatureColumns+` FROM signatures
WHERE client_id = ? AND is_default = 1 AND is_active = 1`, clientID))
}

func (s *Store) SetDefaultSignature(ctx context.Context, clientID, signatureID string) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var active bool
	if err := tx.QueryRowContext(ctx, `SELECT is_active FROM signatures WHERE signature_id = ? AND client_id = ?`, signatureID, clientID).Scan(&active); err != nil {
		return mapErr(err)
	}
	if !active {
		return store.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `UPDATE signatures SET is_default = 0 WHERE client_id = ? AND is_default = 1 AND signature_id <> ?`, clientID, signatureID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE signatures SET is_default = 1 WHERE signature_id = ?`, signatureID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) UpdateSignatureLabel(ctx context.Context, clientID, signatureID, label string) error {
	return requireRows(s.sqlDB.ExecContext(ctx, `UPDATE signatures SET label = ? WHERE signature_id = ? AND client_id = ?`, label, signatureID, clientID))
}

func (s *Store) DeactivateSignature(ctx context.Context, clientID, signatureID string, at time.Time) error {
	return requireRows(s.sqlDB.ExecContext(ctx, `UPDATE signatures
SET is_active = 0, is_default = 0, deactivated_at = COALESCE(deactivated_at, ?)
WHERE signature_id = ? AND client_id = ?`, toMillis(at), signatureID, clientID))
}

func (s *Store) DeleteSignature(ctx context.Context, clientID, signatureID string) error {
	return requireRows(s.sqlDB.ExecContext(ctx, `DELETE FROM signatures WHERE signature_id = ? AND client_id = ?`, signatureID, clientID))
}

func (s *Store) AddEvent(ctx context.Context, e domain.CaseEvent) error {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var actor any
	if e.ActorID != "" {
		actor = e.ActorID
	}
	_, err = s.sqlDB.ExecContext(ctx, `INSERT INTO case_events (case_id, type, actor_id, payload, occurred_at) VALUES (?, ?, ?, ?, ?)`,
		e.CaseID, e.Type, actor, string(b), toMillis(e.OccurredAt))
	return err
}

func (s *Store) ListEvents(ctx context.Context, caseID string) ([]domain.CaseEvent, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT type, actor_id, occurred_at, payload FROM case_events
WHERE case_id = ? ORDER BY occurred_at ASC, event_id ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.CaseEvent
	for rows.Next() {
		e := domain.CaseEvent{CaseID: caseID}
		var actor sql.NullString
		var at int64
		var payload string
		if err := rows.Scan(&e.Type, &actor, &at, &payload); err != nil {
			return nil, err
		}
		e.ActorID = actor.String
		e.OccurredAt = fromMillis(at)
		_ = json.Unmarshal([]byte(payload), &e.Payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) GetIdempotencyRecord(ctx context.Context, scopeID, actorID, key, endpoint string) (int, map[string]any, bool, error) {
	var status int
	var body string
	err := s.sqlDB.QueryRowContext(ctx, `SELECT response_status, response_body FROM idempotency_records
WHERE scope_id = ? AND actor_id = ? AND idempotency_key = ? AND endpoint = ?`, scopeID, actorID, key, endpoint).Scan(&status, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, err
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return 0, nil, false, err
	}
	return status, out, true, nil
}

func (s *Store) SaveIdempotencyRecord(ctx context.Context, scopeID, actorID, key, endpoint string, status int, body map[string]any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	_, err = s.sqlDB.ExecContext(ctx, `INSERT OR IGNORE INTO idempotency_records
    (scope_id, actor_id, idempotency_key, endpoint, response_status, response_body, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`, scopeID, actorID, key, endpoint, status, string(b), toMillis(time.Now()))
	return err
}
