package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/accordsai/caselane/pkg/domain"
	"github.com/accordsai/caselane/services/casefile/internal/store/migrations"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

var _ Repository = (*Store)(nil)

// EnsureSchema applies the embedded migrations that have not run yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.DB.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
  name TEXT PRIMARY KEY,
  applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	names, err := fs.Glob(migrations.FS, "*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		body, err := fs.ReadFile(migrations.FS, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		up := string(body)
		if i := strings.Index(up, "-- +migrate Down"); i != -1 {
			up = up[:i]
		}
		tx, err := s.DB.Begin(ctx)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `INSERT INTO schema_migrations(name) VALUES($1) ON CONFLICT (name) DO NOTHING`, name)
		if err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if tag.RowsAffected() == 0 {
			_ = tx.Rollback(ctx)
			continue
		}
		if _, err := tx.Exec(ctx, up); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *Store) CreateClient(ctx context.Context, c domain.Client) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO clients(client_id,first_name,last_name,email,phone,address_line,postal_code,city,country,birth_date,created_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		c.ClientID, c.FirstName, c.LastName, c.Email, c.Phone, c.AddressLine, c.PostalCode, c.City, c.Country, c.BirthDate, c.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *Store) GetClient(ctx context.Context, clientID string) (domain.Client, error) {
	var c domain.Client
	err := s.DB.QueryRow(ctx, `
SELECT client_id,first_name,last_name,email,phone,address_line,postal_code,city,country,birth_date,created_at
FROM clients WHERE client_id=$1`, clientID).
		Scan(&c.ClientID, &c.FirstName, &c.LastName, &c.Email, &c.Phone, &c.AddressLine, &c.PostalCode, &c.City, &c.Country, &c.BirthDate, &c.CreatedAt)
	return c, notFound(err)
}

const caseColumns = `case_id,case_number,secure_token,status,client_id,insurer_name,policy_number,policy_type,
termination_date,payment_method,advisor_name,advisor_email,advisor_phone,co_insured,applied_signature_id,
reminder_count,rejection_reason,validation_note,validated_by,created_at,updated_at,status_changed_at,
completed_at,validated_at,expires_at`

func scanCase(row pgx.Row) (domain.Case, error) {
	var (
		c         domain.Case
		status    string
		payment   string
		coInsured []byte
	)
	err := row.Scan(&c.CaseID, &c.CaseNumber, &c.SecureToken, &status, &c.ClientID, &c.InsurerName, &c.PolicyNumber, &c.PolicyType,
		&c.TerminationDate, &payment, &c.AdvisorName, &c.AdvisorEmail, &c.AdvisorPhone, &coInsured, &c.AppliedSignatureID,
		&c.ReminderCount, &c.RejectionReason, &c.ValidationNote, &c.ValidatedBy, &c.CreatedAt, &c.UpdatedAt, &c.StatusChangedAt,
		&c.CompletedAt, &c.ValidatedAt, &c.ExpiresAt)
	if err != nil {
		return domain.Case{}, notFound(err)
	}
	c.Status = domain.Status(status)
	c.PaymentMethod = domain.PaymentMethod(payment)
	if len(coInsured) > 0 {
		if err := json.Unmarshal(coInsured, &c.CoInsured); err != nil {
			return domain.Case{}, fmt.Errorf("decode co_insured: %w", err)
		}
	}
	return c, nil
}

func (s *Store) CreateCase(ctx context.Context, c domain.Case) error {
	coInsured, err := json.Marshal(nonNilPersons(c.CoInsured))
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
INSERT INTO cases(case_id,case_number,secure_token,status,client_id,insurer_name,policy_number,policy_type,
  termination_date,payment_method,advisor_name,advisor_email,advisor_phone,co_insured,applied_signature_id,
  reminder_count,created_at,updated_at,status_changed_at,expires_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14::jsonb,$15,$16,$17,$18,$19,$20)`,
		c.CaseID, c.CaseNumber, c.SecureToken, string(c.Status), c.ClientID, c.InsurerName, c.PolicyNumber, c.PolicyType,
		c.TerminationDate, string(c.PaymentMethod), c.AdvisorName, c.AdvisorEmail, c.AdvisorPhone, string(coInsured), c.AppliedSignatureID,
		c.ReminderCount, c.CreatedAt.UTC(), c.UpdatedAt.UTC(), c.StatusChangedAt.UTC(), c.ExpiresAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func nonNilPersons(p []domain.Person) []domain.Person {
	if p == nil {
		return []domain.Person{}
	}
	return p
}

func (s *Store) GetCase(ctx context.Context, caseID string) (domain.Case, error) {
	return scanCase(s.DB.QueryRow(ctx, `SELECT `+caseColumns+` FROM cases WHERE case_id=$1`, caseID))
}

func (s *Store) GetCaseByToken(ctx context.Context, token string) (domain.Case, error) {
	return scanCase(s.DB.QueryRow(ctx, `SELECT `+caseColumns+` FROM cases WHERE secure_token=$1`, token))
}

func (s *Store) ListCases(ctx context.Context, f CaseFilter) ([]domain.Case, error) {
	statuses := make([]string, 0, len(f.Statuses))
	for _, st := range f.Statuses {
		statuses = append(statuses, string(st))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.DB.Query(ctx, `SELECT `+caseColumns+` FROM cases
WHERE cardinality($1::text[]) = 0 OR status = ANY($1::text[])
ORDER BY status_changed_at ASC, case_id ASC
LIMIT $2 OFFSET $3`, statuses, limit, max(f.Offset, 0))
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

// casMiss tells a vanished case apart from a lost status race.
func (s *Store) casMiss(ctx context.Context, caseID string) error {
	if _, err := s.GetCase(ctx, caseID); err != nil {
		return err
	}
	return ErrStatusConflict
}

func (s *Store) UpdateStatus(ctx context.Context, u StatusUpdate) (domain.Case, error) {
	c, err := scanCase(s.DB.QueryRow(ctx, `
UPDATE cases SET
  status=$3,
  updated_at=$4,
  status_changed_at=$4,
  completed_at=COALESCE($5, completed_at),
  validated_at=COALESCE($6, validated_at),
  validated_by=COALESCE($7, validated_by),
  validation_note=COALESCE($8, validation_note),
  rejection_reason=COALESCE($9, rejection_reason),
  applied_signature_id=CASE WHEN $10::boolean THEN NULL ELSE applied_signature_id END
WHERE case_id=$1 AND status=$2
RETURNING `+caseColumns,
		u.CaseID, string(u.From), string(u.To), u.At.UTC(), u.CompletedAt, u.ValidatedAt,
		u.ValidatedBy, u.ValidationNote, u.RejectionReason, u.ClearAppliedSignature))
	if errors.Is(err, ErrNotFound) {
		return domain.Case{}, s.casMiss(ctx, u.CaseID)
	}
	return c, err
}

func (s *Store) SetAppliedSignature(ctx context.Context, caseID string, expect domain.Status, signatureID *string, at time.Time) (domain.Case, error) {
	c, err := scanCase(s.DB.QueryRow(ctx, `
UPDATE cases SET applied_signature_id=$3, updated_at=$4
WHERE case_id=$1 AND status=$2
RETURNING `+caseColumns, caseID, string(expect), signatureID, at.UTC()))
	if errors.Is(err, ErrNotFound) {
		return domain.Case{}, s.casMiss(ctx, caseID)
	}
	return c, err
}

func (s *Store) IncrementReminderCount(ctx context.Context, caseID string, at time.Time) (domain.Case, error) {
	return scanCase(s.DB.QueryRow(ctx, `
UPDATE cases SET reminder_count=reminder_count+1, updated_at=$2
WHERE case_id=$1
RETURNING `+caseColumns, caseID, at.UTC()))
}

func (s *Store) CreateDocument(ctx context.Context, d domain.Document) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO documents(document_id,case_id,provenance,document_type,filename,storage_url,storage_key,storage_path,status,size_bytes,mime_type,created_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		d.DocumentID, d.CaseID, string(d.Provenance), string(d.Type), d.Filename, d.Storage.URL, d.Storage.Key, d.Storage.Path,
		string(d.Status), d.SizeBytes, d.MIMEType, d.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *Store) ListDocuments(ctx context.Context, caseID string) ([]domain.Document, error) {
	rows, err := s.DB.Query(ctx, `
SELECT document_id,case_id,provenance,document_type,filename,storage_url,storage_key,storage_path,status,size_bytes,mime_type,created_at
FROM documents WHERE case_id=$1 ORDER BY created_at ASC, document_id ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Document
	for rows.Next() {
		var d domain.Document
		var prov, typ, status string
		if err := rows.Scan(&d.DocumentID, &d.CaseID, &prov, &typ, &d.Filename, &d.Storage.URL, &d.Storage.Key, &d.Storage.Path,
			&status, &d.SizeBytes, &d.MIMEType, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Provenance = domain.Provenance(prov)
		d.Type = domain.DocumentType(typ)
		d.Status = domain.DocumentStatus(status)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) SetDocumentStatus(ctx context.Context, caseID string, documentIDs []string, status domain.DocumentStatus) (int, error) {
	if len(documentIDs) == 0 {
		return 0, nil
	}
	tag, err := s.DB.Exec(ctx, `UPDATE documents SET status=$3 WHERE case_id=$1 AND document_id = ANY($2::text[])`,
		caseID, documentIDs, string(status))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

const signatureColumns = `signature_id,client_id,image,mime_type,label,is_active,is_default,created_at,deactivated_at`

func scanSignature(row pgx.Row) (domain.Signature, error) {
	var sig domain.Signature
	err := row.Scan(&sig.SignatureID, &sig.ClientID, &sig.Image, &sig.MIMEType, &sig.Label, &sig.IsActive, &sig.IsDefault, &sig.CreatedAt, &sig.DeactivatedAt)
	if err != nil {
		return domain.Signature{}, notFound(err)
	}
	return sig, nil
}

// lockClient serializes default changes for one client.
func lockClient(ctx context.Context, tx pgx.Tx, clientID string) error {
	var id string
	err := tx.QueryRow(ctx, `SELECT client_id FROM clients WHERE client_id=$1 FOR UPDATE`, clientID).Scan(&id)
	return notFound(err)
}

func (s *Store) CreateSignature(ctx context.Context, sig domain.Signature) (domain.Signature, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return domain.Signature{}, err
	}
	defer tx.Rollback(ctx)

	if err := lockClient(ctx, tx, sig.ClientID); err != nil {
		return domain.Signature{}, err
	}
	if strings.TrimSpace(sig.Label) == "" {
		var n int
		if err := tx.QueryRow(ctx, `SELECT count(*) FROM signatures WHERE client_id=$1`, sig.ClientID).Scan(&n); err != nil {
			return domain.Signature{}, err
		}
		sig.Label = DefaultSignatureLabel(n + 1)
	}
	if sig.IsDefault {
		if _, err := tx.Exec(ctx, `UPDATE signatures SET is_default=false WHERE client_id=$1 AND is_default`, sig.ClientID); err != nil {
			return domain.Signature{}, err
		}
	}
	sig.IsActive = true
	if _, err := tx.Exec(ctx, `
INSERT INTO signatures(signature_id,client_id,image,mime_type,label,is_active,is_default,created_at)
VALUES($1,$2,$3,$4,$5,true,$6,$7)`,
		sig.SignatureID, sig.ClientID, sig.Image, sig.MIMEType, sig.Label, sig.IsDefault, sig.CreatedAt.UTC()); err != nil {
		if isUniqueViolation(err) {
			return domain.Signature{}, ErrDuplicate
		}
		return domain.Signature{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Signature{}, err
	}
	return sig, nil
}

func (s *Store) GetSignature(ctx context.Context, signatureID string) (domain.Signature, error) {
	return scanSignature(s.DB.QueryRow(ctx, `SELECT `+signatureColumns+` FROM signatures WHERE signature_id=$1`, signatureID))
}

func (s *Store) ListSignatures(ctx context.Context, clientID string, activeOnly bool) ([]domain.Signature, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+signatureColumns+` FROM signatures
WHERE client_id=$1 AND (NOT $2::boolean OR is_active)
ORDER BY created_at ASC, signature_id ASC`, clientID, activeOnly)
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
	return scanSignature(s.DB.QueryRow(ctx, `SELECT `+signatureColumns+` FROM signatures
WHERE client_id=$1 AND is_default AND is_active`, clientID))
}

func (s *Store) SetDefaultSignature(ctx context.Context, clientID, signatureID string) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := lockClient(ctx, tx, clientID); err != nil {
		return err
	}
	var active bool
	err = tx.QueryRow(ctx, `SELECT is_active FROM signatures WHERE signature_id=$1 AND client_id=$2`, signatureID, clientID).Scan(&active)
	if err != nil {
		return notFound(err)
	}
	if !active {
		return ErrNotFound
	}
	if _, err := tx.Exec(ctx, `UPDATE signatures SET is_default=false WHERE client_id=$1 AND is_default AND signature_id<>$2`, clientID, signatureID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE signatures SET is_default=true WHERE signature_id=$1`, signatureID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) UpdateSignatureLabel(ctx context.Context, clientID, signatureID, label string) error {
	tag, err := s.DB.Exec(ctx, `UPDATE signatures SET label=$3 WHERE signature_id=$1 AND client_id=$2`, signatureID, clientID, label)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeactivateSignature(ctx context.Context, clientID, signatureID string, at time.Time) error {
	tag, err := s.DB.Exec(ctx, `
UPDATE signatures SET is_active=false, is_default=false, deactivated_at=COALESCE(deactivated_at, $3)
WHERE signature_id=$1 AND client_id=$2`, signatureID, clientID, at.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteSignature(ctx context.Context, clientID, signatureID string) error {
	tag, err := s.DB.Exec(ctx, `DELETE FROM signatures WHERE signature_id=$1 AND client_id=$2`, signatureID, clientID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
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
	var actor *string
	if e.ActorID != "" {
		actor = &e.ActorID
	}
	_, err = s.DB.Exec(ctx, `INSERT INTO case_events(case_id,type,actor_id,payload,occurred_at) VALUES($1,$2,$3,$4::jsonb,$5)`,
		e.CaseID, e.Type, actor, string(b), e.OccurredAt.UTC())
	return err
}

func (s *Store) ListEvents(ctx context.Context, caseID string) ([]domain.CaseEvent, error) {
	rows, err := s.DB.Query(ctx, `SELECT type,actor_id,occurred_at,payload FROM case_events WHERE case_id=$1 ORDER BY occurred_at ASC, event_id ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.CaseEvent
	for rows.Next() {
		e := domain.CaseEvent{CaseID: caseID}
		var actor *string
		var payload []byte
		if err := rows.Scan(&e.Type, &actor, &e.OccurredAt, &payload); err != nil {
			return nil, err
		}
		if actor != nil {
			e.ActorID = *actor
		}
		_ = json.Unmarshal(payload, &e.Payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) GetIdempotencyRecord(ctx context.Context, scopeID, actorID, key, endpoint string) (int, map[string]any, bool, error) {
	var status int
	var body []byte
	err := s.DB.QueryRow(ctx, `
SELECT response_status,response_body FROM idempotency_records
WHERE scope_id=$1 AND actor_id=$2 AND idempotency_key=$3 AND endpoint=$4`,
		scopeID, actorID, key, endpoint).Scan(&status, &body)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, err
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, nil, false, err
	}
	return status, out, true, nil
}

func (s *Store) SaveIdempotencyRecord(ctx context.Context, scopeID, actorID, key, endpoint string, status int, body map[string]any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
INSERT INTO idempotency_records(scope_id,actor_id,idempotency_key,endpoint,response_status,response_body)
VALUES($1,$2,$3,$4,$5,$6::jsonb)
ON CONFLICT (scope_id,actor_id,idempotency_key,endpoint) DO NOTHING`,
		scopeID, actorID, key, endpoint, status, string(b))
	return err
}
