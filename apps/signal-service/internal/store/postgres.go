package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/beaconops/beacon-core/apps/signal-service/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Postgres implements the durable store interfaces on a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// EnsureSchema applies the idempotent DDL. Called once at boot.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply signal schema: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ── ProducerStore ──

func (s *Postgres) Create(ctx context.Context, p *model.ProducerRegistration) error {
	kinds, _ := json.Marshal(p.AllowedSignalKinds)
	types, _ := json.Marshal(p.AllowedSignalTypes)
	versions, _ := json.Marshal(p.ContractVersions)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO producer_registrations
			(tenant_id, producer_id, plane, allowed_kinds, allowed_types, contract_versions, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		p.TenantID, p.ProducerID, p.Plane, kinds, types, versions, p.Status, p.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert producer registration: %w", err)
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, tenantID, producerID string) (*model.ProducerRegistration, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT tenant_id, producer_id, plane, allowed_kinds, allowed_types, contract_versions, status, created_at, updated_at
		FROM producer_registrations
		WHERE tenant_id = $1 AND producer_id = $2`,
		tenantID, producerID)
	return scanProducer(row)
}

func (s *Postgres) Update(ctx context.Context, p *model.ProducerRegistration) error {
	kinds, _ := json.Marshal(p.AllowedSignalKinds)
	types, _ := json.Marshal(p.AllowedSignalTypes)
	versions, _ := json.Marshal(p.ContractVersions)

	tag, err := s.pool.Exec(ctx, `
		UPDATE producer_registrations
		SET plane = $3, allowed_kinds = $4, allowed_types = $5, contract_versions = $6, status = $7, updated_at = $8
		WHERE tenant_id = $1 AND producer_id = $2`,
		p.TenantID, p.ProducerID, p.Plane, kinds, types, versions, p.Status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update producer registration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanProducer(row pgx.Row) (*model.ProducerRegistration, error) {
	var (
		p        model.ProducerRegistration
		kinds    []byte
		types    []byte
		versions []byte
	)
	err := row.Scan(&p.TenantID, &p.ProducerID, &p.Plane, &kinds, &types, &versions, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan producer registration: %w", err)
	}
	_ = json.Unmarshal(kinds, &p.AllowedSignalKinds)
	_ = json.Unmarshal(types, &p.AllowedSignalTypes)
	_ = json.Unmarshal(versions, &p.ContractVersions)
	return &p, nil
}

// ── ContractStore ──

type postgresContracts struct{ *Postgres }

// Contracts returns the ContractStore view of this Postgres store.
func (s *Postgres) Contracts() ContractStore { return postgresContracts{s} }

func (s postgresContracts) Create(ctx context.Context, c *model.DataContract) error {
	required, _ := json.Marshal(c.RequiredFields)
	optional, _ := json.Marshal(c.OptionalFields)
	mappings, _ := json.Marshal(c.FieldMappings)
	conversions, _ := json.Marshal(c.UnitConversions)
	pii, _ := json.Marshal(c.PIIFlags)
	secrets, _ := json.Marshal(c.SecretsFlags)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO data_contracts
			(signal_type, contract_version, required_fields, optional_fields, field_mappings, unit_conversions, pii_flags, secrets_flags, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.SignalType, c.ContractVersion, required, optional, mappings, conversions, pii, secrets, c.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert data contract: %w", err)
	}
	return nil
}

func (s postgresContracts) Get(ctx context.Context, signalType, version string) (*model.DataContract, error) {
	var (
		c           model.DataContract
		required    []byte
		optional    []byte
		mappings    []byte
		conversions []byte
		pii         []byte
		secrets     []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT signal_type, contract_version, required_fields, optional_fields, field_mappings, unit_conversions, pii_flags, secrets_flags, created_at
		FROM data_contracts
		WHERE signal_type = $1 AND contract_version = $2`,
		signalType, version).
		Scan(&c.SignalType, &c.ContractVersion, &required, &optional, &mappings, &conversions, &pii, &secrets, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan data contract: %w", err)
	}
	_ = json.Unmarshal(required, &c.RequiredFields)
	_ = json.Unmarshal(optional, &c.OptionalFields)
	_ = json.Unmarshal(mappings, &c.FieldMappings)
	_ = json.Unmarshal(conversions, &c.UnitConversions)
	_ = json.Unmarshal(pii, &c.PIIFlags)
	_ = json.Unmarshal(secrets, &c.SecretsFlags)
	return &c, nil
}

// ── DLQStore ──

type postgresDLQ struct{ *Postgres }

// DLQ returns the DLQStore view of this Postgres store.
func (s *Postgres) DLQ() DLQStore { return postgresDLQ{s} }

func (s postgresDLQ) Insert(ctx context.Context, e *model.DLQEntry) (string, error) {
	dlqID := e.DLQID
	if dlqID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("failed to generate dlq id: %w", err)
		}
		dlqID = id.String()
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO dlq_entries
			(dlq_id, signal_id, tenant_id, producer_id, signal_type, error_code, error_message, retry_count, original_payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		dlqID, e.SignalID, e.TenantID, e.ProducerID, e.SignalType, e.ErrorCode, e.ErrorMessage, e.RetryCount, e.OriginalPayload, createdAt)
	if err != nil {
		return "", fmt.Errorf("failed to insert dlq entry: %w", err)
	}
	return dlqID, nil
}

func (s postgresDLQ) List(ctx context.Context, f DLQFilter) ([]model.DLQEntry, int, error) {
	var total int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM dlq_entries
		WHERE tenant_id = $1
		  AND ($2 = '' OR producer_id = $2)
		  AND ($3 = '' OR signal_type = $3)`,
		f.TenantID, f.ProducerID, f.SignalType).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count dlq entries: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT dlq_id, signal_id, tenant_id, producer_id, signal_type, error_code, error_message, retry_count, original_payload, created_at
		FROM dlq_entries
		WHERE tenant_id = $1
		  AND ($2 = '' OR producer_id = $2)
		  AND ($3 = '' OR signal_type = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`,
		f.TenantID, f.ProducerID, f.SignalType, f.Limit, f.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list dlq entries: %w", err)
	}
	defer rows.Close()

	var out []model.DLQEntry
	for rows.Next() {
		var e model.DLQEntry
		if err := rows.Scan(&e.DLQID, &e.SignalID, &e.TenantID, &e.ProducerID, &e.SignalType,
			&e.ErrorCode, &e.ErrorMessage, &e.RetryCount, &e.OriginalPayload, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan dlq entry: %w", err)
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

func (s postgresDLQ) Delete(ctx context.Context, tenantID, dlqID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM dlq_entries WHERE tenant_id = $1 AND dlq_id = $2`,
		tenantID, dlqID)
	if err != nil {
		return fmt.Errorf("failed to delete dlq entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ── GovernanceStore ──

type postgresGovernance struct{ *Postgres }

// Governance returns the GovernanceStore view of this Postgres store.
func (s *Postgres) Governance() GovernanceStore { return postgresGovernance{s} }

func (s postgresGovernance) Get(ctx context.Context, tenantID string) (*model.TenantGovernance, error) {
	var (
		g      model.TenantGovernance
		fields []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT tenant_id, disallowed_fields, updated_at FROM tenant_governance WHERE tenant_id = $1`,
		tenantID).Scan(&g.TenantID, &fields, &g.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan tenant governance: %w", err)
	}
	_ = json.Unmarshal(fields, &g.DisallowedFields)
	return &g, nil
}
