package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/tillsync/internal/remote"
)

// Error payload codes returned by Mutate.
const (
	CodeDuplicate = "23505"
	CodeNotFound  = "PGRST116"
	CodeBadOp     = "22023"
)

// FetchEntity implements remote.Store.
func (s *Store) FetchEntity(ctx context.Context, kind, id string) (remote.Entity, error) {
	e, err := fetchEntity(ctx, s.db, kind, id)
	if err != nil {
		return remote.Entity{}, fmt.Errorf("fetch %s/%s: %w", kind, id, err)
	}
	return e, nil
}

// ListEntities returns every entity of kind in insertion order.
func (s *Store) ListEntities(ctx context.Context, kind string) ([]remote.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, fields FROM entities WHERE kind = ? ORDER BY rowid ASC
	`, kind)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	defer rows.Close()

	var out []remote.Entity
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("list %s: %w", kind, err)
		}
		fields, err := decodeFields(raw)
		if err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", kind, id, err)
		}
		out = append(out, remote.Entity{Kind: kind, ID: id, Fields: fields})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	return out, nil
}

// PutEntity inserts e or replaces the fields of an existing entity.
func (s *Store) PutEntity(ctx context.Context, e remote.Entity) error {
	if e.Kind == "" || e.ID == "" {
		return fmt.Errorf("put entity: kind and id are required")
	}
	raw, err := encodeFields(e.Fields)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", e.Kind, e.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (kind, id, fields) VALUES (?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET fields = excluded.fields
	`, e.Kind, e.ID, raw)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", e.Kind, e.ID, err)
	}
	return nil
}

// Mutate implements remote.Store.
func (s *Store) Mutate(ctx context.Context, d remote.Descriptor) (remote.MutationResult, error) {
	var res remote.MutationResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		switch d.Op {
		case remote.OpInsert:
			res, err = s.insert(ctx, tx, d)
		case remote.OpUpdate:
			res, err = update(ctx, tx, d)
		case remote.OpDelete:
			res, err = remove(ctx, tx, d)
		default:
			res = rejected(CodeBadOp, fmt.Sprintf("unsupported operation %q", d.Op))
		}
		return err
	})
	if err != nil {
		return remote.MutationResult{}, fmt.Errorf("mutate %s %s/%s: %w", d.Op, d.Kind, d.ID, err)
	}
	if res.Error != nil {
		s.logger.Debug("mutation rejected", "op", d.Op, "kind", d.Kind, "id", d.ID, "code", res.Error.Code)
	}
	return res, nil
}

func (s *Store) insert(ctx context.Context, tx *sql.Tx, d remote.Descriptor) (remote.MutationResult, error) {
	id := d.ID
	if id == "" {
		id = s.newID()
	}
	raw, err := encodeFields(d.Fields)
	if err != nil {
		return remote.MutationResult{}, err
	}
	r, err := tx.ExecContext(ctx, `
		INSERT INTO entities (kind, id, fields) VALUES (?, ?, ?)
		ON CONFLICT(kind, id) DO NOTHING
	`, d.Kind, id, raw)
	if err != nil {
		return remote.MutationResult{}, err
	}
	if n, err := r.RowsAffected(); err != nil {
		return remote.MutationResult{}, err
	} else if n == 0 {
		return rejected(CodeDuplicate, fmt.Sprintf("duplicate key value: %s/%s", d.Kind, id)), nil
	}
	e, err := fetchEntity(ctx, tx, d.Kind, id)
	if err != nil {
		return remote.MutationResult{}, err
	}
	return remote.MutationResult{Data: &e}, nil
}

func update(ctx context.Context, tx *sql.Tx, d remote.Descriptor) (remote.MutationResult, error) {
	e, err := fetchEntity(ctx, tx, d.Kind, d.ID)
	if errors.Is(err, remote.ErrNotFound) {
		return rejected(CodeNotFound, fmt.Sprintf("no rows updated: %s/%s", d.Kind, d.ID)), nil
	}
	if err != nil {
		return remote.MutationResult{}, err
	}
	if e.Fields == nil {
		e.Fields = make(map[string]any, len(d.Fields))
	}
	for k, v := range d.Fields {
		e.Fields[k] = v
	}
	raw, err := encodeFields(e.Fields)
	if err != nil {
		return remote.MutationResult{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE entities SET fields = ? WHERE kind = ? AND id = ?
	`, raw, d.Kind, d.ID); err != nil {
		return remote.MutationResult{}, err
	}
	// Re-read so callers see the stored representation.
	e, err = fetchEntity(ctx, tx, d.Kind, d.ID)
	if err != nil {
		return remote.MutationResult{}, err
	}
	return remote.MutationResult{Data: &e}, nil
}

func remove(ctx context.Context, tx *sql.Tx, d remote.Descriptor) (remote.MutationResult, error) {
	r, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE kind = ? AND id = ?`, d.Kind, d.ID)
	if err != nil {
		return remote.MutationResult{}, err
	}
	n, err := r.RowsAffected()
	if err != nil {
		return remote.MutationResult{}, err
	}
	if n == 0 {
		return rejected(CodeNotFound, fmt.Sprintf("no rows deleted: %s/%s", d.Kind, d.ID)), nil
	}
	return remote.MutationResult{}, nil
}

func fetchEntity(ctx context.Context, q queryer, kind, id string) (remote.Entity, error) {
	var raw string
	err := q.QueryRowContext(ctx, `
		SELECT fields FROM entities WHERE kind = ? AND id = ?
	`, kind, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return remote.Entity{}, remote.ErrNotFound
	}
	if err != nil {
		return remote.Entity{}, err
	}
	fields, err := decodeFields(raw)
	if err != nil {
		return remote.Entity{}, err
	}
	return remote.Entity{Kind: kind, ID: id, Fields: fields}, nil
}

func rejected(code, message string) remote.MutationResult {
	return remote.MutationResult{Error: &remote.ErrorInfo{Code: code, Message: message}}
}

// encodeFields serializes fields as a JSON object with HTML escaping
// disabled.
func encodeFields(fields map[string]any) (string, error) {
	if len(fields) == 0 {
		return "{}", nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(fields); err != nil {
		return "", fmt.Errorf("encode fields: %w", err)
	}
	return string(bytes.TrimSpace(buf.Bytes())), nil
}

// decodeFields parses a JSON object, keeping integral numbers as int64.
func decodeFields(raw string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	for k, v := range fields {
		fields[k] = normalizeNumber(v)
	}
	return fields, nil
}

func normalizeNumber(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case map[string]any:
		for k, elem := range val {
			val[k] = normalizeNumber(elem)
		}
		return val
	case []any:
		for i, elem := range val {
			val[i] = normalizeNumber(elem)
		}
		return val
	default:
		return v
	}
}
