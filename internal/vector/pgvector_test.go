package vector

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPG(t *testing.T) (pgxmock.PgxPoolIface, *PGVector) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, NewPGVector(mock, "llmgate")
}

func expectExists(mock pgxmock.PgxPoolIface, table string, exists bool) {
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(table).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(exists))
}

func TestPGVectorInsertWritesThreeBatches(t *testing.T) {
	mock, pg := newMockPG(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "llmgate_docs"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	for _, n := range []int64{100, 100, 50} {
		mock.ExpectExec(`INSERT INTO "llmgate_docs"`).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", n))
	}

	require.NoError(t, pg.Insert(context.Background(), "docs", makeItems(250)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGVectorUpsertUsesOnConflict(t *testing.T) {
	mock, pg := newMockPG(t)

	mock.ExpectExec(`CREATE TABLE`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec(`ON CONFLICT \(id\) DO UPDATE`).
		WithArgs([]string{"doc-000"}, []string{"[1,1,0]"}, []string{"chunk 0"}, []string{`{"file_id":"f0"}`}).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, pg.Upsert(context.Background(), "docs", makeItems(1)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGVectorBatchFailureKeepsEarlierBatches(t *testing.T) {
	mock, pg := newMockPG(t)

	mock.ExpectExec(`CREATE TABLE`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec(`INSERT INTO`).WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 100))
	mock.ExpectExec(`INSERT INTO`).WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("disk full"))

	err := pg.Insert(context.Background(), "docs", makeItems(250))
	assert.ErrorContains(t, err, "batch 1")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGVectorSearchMissingCollection(t *testing.T) {
	mock, pg := newMockPG(t)
	expectExists(mock, "llmgate_docs", false)

	res, err := pg.Search(context.Background(), "docs", [][]float32{{1, 0}}, 3)
	require.NoError(t, err)
	assert.Nil(t, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGVectorSearchZeroHitsIsEmpty(t *testing.T) {
	mock, pg := newMockPG(t)
	expectExists(mock, "llmgate_docs", true)
	mock.ExpectQuery(`SELECT id, text, metadata, embedding <=>`).
		WithArgs("[1,0]", 3).
		WillReturnRows(pgxmock.NewRows([]string{"id", "text", "metadata", "distance"}))

	res, err := pg.Search(context.Background(), "docs", [][]float32{{1, 0}}, 3)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, [][]string{{}}, res.IDs)
	assert.Equal(t, [][]float64{{}}, res.Distances)
}

func TestPGVectorSearchRows(t *testing.T) {
	mock, pg := newMockPG(t)
	expectExists(mock, "llmgate_docs", true)

	text := "hello"
	mock.ExpectQuery(`SELECT id, text, metadata, embedding <=>`).
		WithArgs("[0.5,0.25]", 2).
		WillReturnRows(pgxmock.NewRows([]string{"id", "text", "metadata", "distance"}).
			AddRow("a", &text, []byte(`{"file_id":"f1"}`), 0.1).
			AddRow("b", nil, nil, 0.4))

	res, err := pg.Search(context.Background(), "docs", [][]float32{{0.5, 0.25}}, 2)
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"a", "b"}}, res.IDs)
	assert.Equal(t, [][]string{{"hello", ""}}, res.Documents)
	assert.Equal(t, map[string]any{"file_id": "f1"}, res.Metadatas[0][0])
	assert.Nil(t, res.Metadatas[0][1])
	assert.Equal(t, [][]float64{{0.1, 0.4}}, res.Distances)
}

func TestPGVectorQueryUsesJSONBContainment(t *testing.T) {
	mock, pg := newMockPG(t)
	expectExists(mock, "llmgate_docs", true)
	mock.ExpectQuery(`WHERE metadata @> \$1::jsonb ORDER BY id LIMIT \$2`).
		WithArgs(`{"file_id":"f1"}`, 10).
		WillReturnRows(pgxmock.NewRows([]string{"id", "text", "metadata"}))

	res, err := pg.Query(context.Background(), "docs", Filter{"file_id": "f1"}, 10)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGVectorDelete(t *testing.T) {
	mock, pg := newMockPG(t)

	mock.ExpectExec(`DELETE FROM "llmgate_docs" WHERE id = ANY`).
		WithArgs([]string{"a", "b"}).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec(`DELETE FROM "llmgate_docs" WHERE metadata @>`).
		WithArgs(`{"file_id":"f1"}`).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	ctx := context.Background()
	require.NoError(t, pg.Delete(ctx, "docs", []string{"a", "b"}, nil))
	require.NoError(t, pg.Delete(ctx, "docs", nil, Filter{"file_id": "f1"}))
	assert.ErrorIs(t, pg.Delete(ctx, "docs", nil, nil), ErrUnscopedDelete)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGVectorDeleteMissingCollection(t *testing.T) {
	mock, pg := newMockPG(t)

	mock.ExpectExec(`DELETE FROM "llmgate_missing" WHERE id = ANY`).
		WithArgs([]string{"a"}).
		WillReturnError(&pgconn.PgError{Code: "42P01", Message: `relation "llmgate_missing" does not exist`})
	mock.ExpectExec(`DELETE FROM "llmgate_missing" WHERE metadata @>`).
		WithArgs(`{"file_id":"f1"}`).
		WillReturnError(&pgconn.PgError{Code: "42P01"})
	mock.ExpectExec(`DELETE FROM "llmgate_docs" WHERE id = ANY`).
		WithArgs([]string{"a"}).
		WillReturnError(errors.New("connection reset"))

	ctx := context.Background()
	require.NoError(t, pg.Delete(ctx, "missing", []string{"a"}, nil))
	require.NoError(t, pg.Delete(ctx, "missing", nil, Filter{"file_id": "f1"}))
	assert.Error(t, pg.Delete(ctx, "docs", []string{"a"}, nil), "other errors still surface")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGVectorLongCollectionNames(t *testing.T) {
	mock, pg := newMockPG(t)

	base := strings.Repeat("x", 70)
	a, b := pg.tableName(base+"-a"), pg.tableName(base+"-b")
	assert.LessOrEqual(t, len(a), maxIdentifier)
	assert.LessOrEqual(t, len(b), maxIdentifier)
	assert.NotEqual(t, a, b, "names differing past the limit stay distinct")
	assert.True(t, strings.HasPrefix(a, "llmgate_xxx"))
	assert.Equal(t, a, pg.tableName(base+"-a"), "stable across calls")
	assert.Equal(t, "llmgate_docs", pg.tableName("docs"), "short names are untouched")

	// The lookup uses the same name the table is created under.
	expectExists(mock, a, true)
	ok, err := pg.HasCollection(context.Background(), base+"-a")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGVectorReset(t *testing.T) {
	mock, pg := newMockPG(t)

	mock.ExpectQuery(`SELECT table_name FROM information_schema.tables`).
		WithArgs("llmgate_").
		WillReturnRows(pgxmock.NewRows([]string{"table_name"}).AddRow("llmgate_a").AddRow("llmgate_b"))
	mock.ExpectExec(`DROP TABLE IF EXISTS "llmgate_a"`).WillReturnResult(pgxmock.NewResult("DROP TABLE", 0))
	mock.ExpectExec(`DROP TABLE IF EXISTS "llmgate_b"`).WillReturnResult(pgxmock.NewResult("DROP TABLE", 0))

	require.NoError(t, pg.Reset(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGVectorTestConnection(t *testing.T) {
	mock, pg := newMockPG(t)
	mock.ExpectQuery(`SELECT 1`).WillReturnError(errors.New("connection refused"))

	assert.False(t, pg.TestConnection(context.Background()))
}

func TestPGVectorWithoutClient(t *testing.T) {
	pg := NewPGVector(nil, "llmgate")
	ctx := context.Background()

	res, err := pg.Search(ctx, "docs", [][]float32{{1}}, 1)
	assert.NoError(t, err)
	assert.Nil(t, res)
	assert.NoError(t, pg.Insert(ctx, "docs", makeItems(1)))
	assert.False(t, pg.TestConnection(ctx))
}

func TestVectorLiteral(t *testing.T) {
	assert.Equal(t, "[1,-2.5,0.125]", vectorLiteral([]float32{1, -2.5, 0.125}))
	assert.Equal(t, "[]", vectorLiteral(nil))
}
