package vector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the slice of pgx the pgvector engine needs. *pgxpool.Pool and
// pgx.Tx both satisfy it, and so does pgxmock in tests.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGVector stores each collection in its own table, named
// "<prefix>_<collection>", with a pgvector column. Distance is pgvector's
// cosine distance (<=>), so 0 is identical.
type PGVector struct {
	db     Querier
	prefix string
}

var _ Store = (*PGVector)(nil)

// NewPGVector wraps db. A nil db gives an engine that reports every
// collection missing.
func NewPGVector(db Querier, prefix string) *PGVector {
	return &PGVector{db: db, prefix: prefix}
}

// EnsureExtension creates the pgvector extension if it isn't there yet.
func (p *PGVector) EnsureExtension(ctx context.Context) error {
	if p.db == nil {
		return nil
	}
	if _, err := p.db.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("pgvector: create extension: %w", err)
	}
	return nil
}

// maxIdentifier is Postgres' NAMEDATALEN-1. Longer identifiers are
// silently truncated by the server, which would make HasCollection look up
// a name that was never created.
const maxIdentifier = 63

func (p *PGVector) tableName(name string) string {
	full := p.prefix + "_" + name
	if len(full) <= maxIdentifier {
		return full
	}
	// Keep a readable head and make the tail unique.
	sum := sha256.Sum256([]byte(full))
	suffix := "_" + hex.EncodeToString(sum[:8])
	cut := maxIdentifier - len(suffix)
	for cut > 0 && !utf8.RuneStart(full[cut]) {
		cut--
	}
	return full[:cut] + suffix
}

// table returns the quoted identifier, safe to interpolate into SQL.
func (p *PGVector) table(name string) string {
	return pgx.Identifier{p.tableName(name)}.Sanitize()
}

func (p *PGVector) HasCollection(ctx context.Context, name string) (bool, error) {
	if p.db == nil {
		return false, nil
	}
	var exists bool
	err := p.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = $1)`,
		p.tableName(name),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("pgvector: has collection: %w", err)
	}
	return exists, nil
}

func (p *PGVector) Insert(ctx context.Context, name string, items []Item) error {
	return p.write(ctx, name, items, false)
}

func (p *PGVector) Upsert(ctx context.Context, name string, items []Item) error {
	return p.write(ctx, name, items, true)
}

func (p *PGVector) write(ctx context.Context, name string, items []Item, upsert bool) error {
	if p.db == nil || len(items) == 0 {
		return nil
	}
	dim, err := dimensionOf(items)
	if err != nil {
		return err
	}

	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		embedding vector(%d) NOT NULL,
		text TEXT,
		metadata JSONB
	)`, p.table(name), dim)
	if _, err := p.db.Exec(ctx, create); err != nil {
		return fmt.Errorf("pgvector: create collection: %w", err)
	}

	// One statement per batch: the columns go in as parallel text arrays
	// and unnest turns them back into rows.
	query := fmt.Sprintf(`INSERT INTO %s (id, embedding, text, metadata)
		SELECT u.id, u.embedding::vector, u.text, u.metadata::jsonb
		FROM unnest($1::text[], $2::text[], $3::text[], $4::text[]) AS u(id, embedding, text, metadata)`, p.table(name))
	if upsert {
		query += ` ON CONFLICT (id) DO UPDATE SET embedding = EXCLUDED.embedding, text = EXCLUDED.text, metadata = EXCLUDED.metadata`
	}

	for i, batch := range Batches(items, BatchSize) {
		ids := make([]string, len(batch))
		embeddings := make([]string, len(batch))
		texts := make([]string, len(batch))
		metadatas := make([]string, len(batch))
		for j, item := range batch {
			meta, err := json.Marshal(item.Metadata)
			if err != nil {
				return fmt.Errorf("pgvector: encoding metadata of %q: %w", item.ID, err)
			}
			ids[j] = item.ID
			embeddings[j] = vectorLiteral(item.Vector)
			texts[j] = item.Text
			metadatas[j] = string(meta)
		}
		if _, err := p.db.Exec(ctx, query, ids, embeddings, texts, metadatas); err != nil {
			return fmt.Errorf("pgvector: writing batch %d: %w", i, err)
		}
	}
	return nil
}

func (p *PGVector) Search(ctx context.Context, name string, vectors [][]float32, limit int) (*SearchResult, error) {
	if ok, err := p.HasCollection(ctx, name); !ok || err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT id, text, metadata, embedding <=> $1::vector AS distance
		FROM %s ORDER BY distance LIMIT $2`, p.table(name))

	if limit <= 0 {
		limit = MaxResults
	}

	builders := make([]*resultBuilder, len(vectors))
	for i, q := range vectors {
		rows, err := p.db.Query(ctx, query, vectorLiteral(q), limit)
		if err != nil {
			return nil, fmt.Errorf("pgvector: search: %w", err)
		}
		b, err := scanRows(rows, true)
		if err != nil {
			return nil, err
		}
		builders[i] = b
	}
	return searchResult(builders), nil
}

func (p *PGVector) Get(ctx context.Context, name string) (*GetResult, error) {
	return p.Query(ctx, name, nil, 0)
}

func (p *PGVector) Query(ctx context.Context, name string, filter Filter, limit int) (*GetResult, error) {
	if ok, err := p.HasCollection(ctx, name); !ok || err != nil {
		return nil, err
	}

	var (
		where string
		args  []any
	)
	if len(filter) > 0 {
		f, err := json.Marshal(filter)
		if err != nil {
			return nil, fmt.Errorf("pgvector: encoding filter: %w", err)
		}
		args = append(args, string(f))
		where = ` WHERE metadata @> $1::jsonb`
	}
	query := fmt.Sprintf(`SELECT id, text, metadata FROM %s%s ORDER BY id`, p.table(name), where)
	if limit > 0 {
		args = append(args, limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgvector: query: %w", err)
	}
	b, err := scanRows(rows, false)
	if err != nil {
		return nil, err
	}
	return b.getResult(), nil
}

func (p *PGVector) Delete(ctx context.Context, name string, ids []string, filter Filter) error {
	if len(ids) == 0 && len(filter) == 0 {
		return ErrUnscopedDelete
	}
	if p.db == nil {
		return nil
	}

	// Deleting from a collection that doesn't exist is a no-op.
	if len(ids) > 0 {
		_, err := p.db.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, p.table(name)), ids)
		if err != nil && !isUndefinedTable(err) {
			return fmt.Errorf("pgvector: delete by id: %w", err)
		}
		return nil
	}

	f, err := json.Marshal(filter)
	if err != nil {
		return fmt.Errorf("pgvector: encoding filter: %w", err)
	}
	_, err = p.db.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE metadata @> $1::jsonb`, p.table(name)), string(f))
	if err != nil && !isUndefinedTable(err) {
		return fmt.Errorf("pgvector: delete by filter: %w", err)
	}
	return nil
}

// undefinedTable is SQLSTATE 42P01.
const undefinedTable = "42P01"

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == undefinedTable
}

func (p *PGVector) DeleteCollection(ctx context.Context, name string) error {
	if p.db == nil {
		return nil
	}
	if _, err := p.db.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, p.table(name))); err != nil {
		return fmt.Errorf("pgvector: drop collection: %w", err)
	}
	return nil
}

func (p *PGVector) Reset(ctx context.Context) error {
	if p.db == nil {
		return nil
	}

	rows, err := p.db.Query(ctx,
		`SELECT table_name FROM information_schema.tables WHERE table_schema = current_schema() AND starts_with(table_name, $1)`,
		p.prefix+"_",
	)
	if err != nil {
		return fmt.Errorf("pgvector: listing collections: %w", err)
	}
	tables, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("pgvector: listing collections: %w", err)
	}

	for _, t := range tables {
		if _, err := p.db.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, pgx.Identifier{t}.Sanitize())); err != nil {
			return fmt.Errorf("pgvector: dropping %s: %w", t, err)
		}
	}
	return nil
}

func (p *PGVector) TestConnection(ctx context.Context) bool {
	if p.db == nil {
		return false
	}
	var one int
	return p.db.QueryRow(ctx, `SELECT 1`).Scan(&one) == nil
}

// scanRows reads (id, text, metadata[, distance]) rows into a builder.
func scanRows(rows pgx.Rows, withDistance bool) (*resultBuilder, error) {
	defer rows.Close()

	b := &resultBuilder{}
	for rows.Next() {
		var (
			id       string
			text     *string
			metaJSON []byte
			distance float64
		)
		dest := []any{&id, &text, &metaJSON}
		if withDistance {
			dest = append(dest, &distance)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("pgvector: scan row: %w", err)
		}

		var meta map[string]any
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &meta); err != nil {
				return nil, fmt.Errorf("pgvector: decoding metadata of %q: %w", id, err)
			}
		}

		doc := ""
		if text != nil {
			doc = *text
		}
		if withDistance {
			b.addScored(id, doc, meta, distance)
		} else {
			b.add(id, doc, meta)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgvector: iterate rows: %w", err)
	}
	return b, nil
}

// vectorLiteral renders v in pgvector's text form: [1,2.5,-3].
func vectorLiteral(v []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}
