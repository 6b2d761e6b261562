package dictionary

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/lib/pq"
	"github.com/liamcoop/datadictionary/visibility"
)

const (
	rowField       = "field"
	rowDescription = "description"
)

// PostgresRepository implements Repository for one metadata table stored in
// the metadata_entries relation.
type PostgresRepository struct {
	db    *sql.DB
	table string
	now   func() time.Time
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository creates a PostgreSQL-backed Repository for table.
func NewPostgresRepository(db *sql.DB, table string) *PostgresRepository {
	return &PostgresRepository{
		db:    db,
		table: table,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Table returns the metadata table this repository reads.
func (r *PostgresRepository) Table() string {
	return r.table
}

// Scan implements Repository. Rows come back in insertion order.
func (r *PostgresRepository) Scan(ctx context.Context, scope Scope) ([]MetadataEntry, error) {
	dataTypes := scope.DataTypes
	if dataTypes == nil {
		dataTypes = []string{}
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT data_type, field_name, source_field, target_field, relationship,
		       description, markings, extra_info, last_updated
		FROM metadata_entries
		WHERE table_name = $1
		  AND kind = $2
		  AND (cardinality($3::text[]) = 0 OR data_type = ANY($3))
		  AND ($4 = '' OR field_name = $4)
		  AND (NOT $5 OR row_type = 'description')
		ORDER BY id ASC
	`, r.table, scope.Kind.String(), pq.Array(dataTypes), scope.FieldName, scope.DescribedOnly)
	if err != nil {
		return nil, classify("failed to scan metadata", err)
	}
	defer rows.Close()

	var entries []MetadataEntry
	for rows.Next() {
		var (
			e                     MetadataEntry
			source, target, rel   string
			markingsRaw, extraRaw []byte
		)
		if err := rows.Scan(&e.DataType, &e.FieldName, &source, &target, &rel,
			&e.Description, &markingsRaw, &extraRaw, &e.LastUpdated); err != nil {
			return nil, classify("failed to read metadata row", err)
		}
		if scope.Kind == KindEdge {
			e.Edge = &EdgeRelationship{SourceField: source, TargetField: target, Relationship: rel}
		}
		if err := decodeJSON(markingsRaw, &e.Markings); err != nil {
			return nil, fmt.Errorf("failed to decode markings of %s/%s: %w", e.DataType, e.FieldName, err)
		}
		if err := decodeJSON(extraRaw, &e.ExtraInfo); err != nil {
			return nil, fmt.Errorf("failed to decode extra info of %s/%s: %w", e.DataType, e.FieldName, err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, classify("error iterating metadata", err)
	}

	return entries, nil
}

// UpsertDescription implements Repository.
func (r *PostgresRepository) UpsertDescription(ctx context.Context, m DescriptionMutation) error {
	if err := m.Validate(); err != nil {
		return err
	}
	markings, err := encodeJSON(m.Markings)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO metadata_entries
			(table_name, kind, row_type, data_type, field_name, markings_key, markings, description, last_updated)
		VALUES ($1, 'data', 'description', $2, $3, $4, $5, $6, $7)
		ON CONFLICT (table_name, kind, row_type, data_type, field_name, source_field, target_field, relationship, markings_key)
		DO UPDATE SET description = EXCLUDED.description, last_updated = EXCLUDED.last_updated
	`, r.table, m.DataType, m.FieldName, m.Markings.Key(), markings, m.Description, r.now())
	if err != nil {
		return classify("failed to upsert description", err)
	}
	return nil
}

// DeleteDescription implements Repository.
func (r *PostgresRepository) DeleteDescription(ctx context.Context, key DescriptionKey) error {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM metadata_entries
		WHERE table_name = $1 AND kind = 'data' AND row_type = 'description'
		  AND data_type = $2 AND field_name = $3 AND markings_key = $4
	`, r.table, key.DataType, key.FieldName, key.Markings.Key())
	if err != nil {
		return classify("failed to delete description", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return classify("failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("description for %s/%s: %w", key.DataType, key.FieldName, ErrNotFound)
	}
	return nil
}

// Insert stores raw entries in one transaction. Entries whose identity
// already exists are left untouched. Entries with a description are stored
// as description rows.
func (r *PostgresRepository) Insert(ctx context.Context, entries ...MetadataEntry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("failed to begin transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, e := range entries {
		markings, err := encodeJSON(e.Markings)
		if err != nil {
			return err
		}
		extra, err := encodeJSON(e.ExtraInfo)
		if err != nil {
			return err
		}
		rowType := rowField
		if e.IsDescription() {
			rowType = rowDescription
		}
		var source, target, rel string
		if e.Edge != nil {
			source, target, rel = e.Edge.SourceField, e.Edge.TargetField, e.Edge.Relationship
		}
		updated := e.LastUpdated
		if updated.IsZero() {
			updated = r.now()
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO metadata_entries
				(table_name, kind, row_type, data_type, field_name, source_field, target_field, relationship,
				 markings_key, markings, description, extra_info, last_updated)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT DO NOTHING
		`, r.table, e.Kind().String(), rowType, e.DataType, e.FieldName, source, target, rel,
			e.Markings.Key(), markings, e.Description, extra, updated); err != nil {
			return classify("failed to insert metadata", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return classify("failed to commit metadata", err)
	}
	return nil
}

// ListTables returns the distinct metadata table names stored in db.
func ListTables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT DISTINCT table_name FROM metadata_entries ORDER BY table_name`)
	if err != nil {
		return nil, classify("failed to list tables", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, classify("failed to read table name", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("error iterating tables", err)
	}
	return names, nil
}

// classify wraps err with msg, marking connection-level and timeout failures
// as ErrStorageUnavailable.
func classify(msg string, err error) error {
	wrapped := fmt.Errorf("%s: %w", msg, err)
	if isUnavailable(err) {
		return StorageUnavailable(wrapped)
	}
	return wrapped
}

func isUnavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", // connection exception
			"53", // insufficient resources
			"57", // operator intervention
			"58": // system error
			return true
		}
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

func encodeJSON(v any) ([]byte, error) {
	switch m := v.(type) {
	case visibility.Markings:
		if len(m) == 0 {
			return []byte("{}"), nil
		}
	case map[string]string:
		if len(m) == 0 {
			return []byte("{}"), nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", v, err)
	}
	return b, nil
}

func decodeJSON[T ~map[string]string](raw []byte, out *T) error {
	if len(raw) == 0 {
		return nil
	}
	var m T
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	if len(m) > 0 {
		*out = m
	}
	return nil
}
