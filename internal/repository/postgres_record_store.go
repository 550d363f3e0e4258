package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/hitoshi/jeementor/internal/model"
)

// PostgresRecordStore はPostgreSQLを使用した汎用CRUDストア。
// テーブル名・カラム名はschema.goの定義からのみSQLに埋め込み、値はすべてプレースホルダで渡す。
type PostgresRecordStore struct {
	db DBTX
}

// NewPostgresRecordStore はPostgresRecordStoreを生成する。
func NewPostgresRecordStore(db DBTX) *PostgresRecordStore {
	return &PostgresRecordStore{db: db}
}

// List は条件に一致するレコードを返す。
func (s *PostgresRecordStore) List(ctx context.Context, collection string, q Query) ([]model.Record, error) {
	c, err := LookupCollection(collection)
	if err != nil {
		return nil, err
	}

	where, args, err := buildWhere(c, q.Filters, 1)
	if err != nil {
		return nil, err
	}
	orderBy, err := buildOrderBy(c, q.Sort)
	if err != nil {
		return nil, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	args = append(args, limit)

	query := fmt.Sprintf("SELECT %s FROM %s%s%s LIMIT $%d",
		c.columnList(), c.Name, where, orderBy, len(args))

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", c.Name, err)
	}
	defer rows.Close()

	records := make([]model.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(c, rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", c.Name, err)
	}

	return records, nil
}

// Get は指定IDのレコードを返す。見つからない場合はnilを返す。
func (s *PostgresRecordStore) Get(ctx context.Context, collection, id string) (model.Record, error) {
	c, err := LookupCollection(collection)
	if err != nil {
		return nil, err
	}
	if !c.ValidKey(id) {
		return nil, nil
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1", c.columnList(), c.Name, c.Key)
	return s.queryOne(ctx, c, query, id)
}

// Create はレコードを作成し、作成後の行を返す。
func (s *PostgresRecordStore) Create(ctx context.Context, collection string, values model.Record) (model.Record, error) {
	c, err := LookupCollection(collection)
	if err != nil {
		return nil, err
	}
	if c.ReadOnly || !c.Creatable {
		return nil, model.NewInvalidRequestError(fmt.Sprintf("records in %s cannot be created here", c.Name))
	}

	names, args, err := writableValues(c, values)
	if err != nil {
		return nil, err
	}

	placeholders := make([]string, len(names))
	for i := range names {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
		c.Name, strings.Join(names, ", "), strings.Join(placeholders, ", "), c.columnList())

	rec, err := s.queryOne(ctx, c, query, args...)
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil, fmt.Errorf("failed to create %s: %w", c.Name, ErrDuplicate)
		}
		return nil, err
	}
	return rec, nil
}

// Update は指定IDのレコードを更新し、更新後の行を返す。見つからない場合はnilを返す。
func (s *PostgresRecordStore) Update(ctx context.Context, collection, id string, values model.Record) (model.Record, error) {
	c, err := LookupCollection(collection)
	if err != nil {
		return nil, err
	}
	if c.ReadOnly {
		return nil, model.NewInvalidRequestError(fmt.Sprintf("records in %s cannot be modified here", c.Name))
	}
	if !c.ValidKey(id) {
		return nil, nil
	}

	names, args, err := writableValues(c, values)
	if err != nil {
		return nil, err
	}

	sets := make([]string, len(names))
	for i, name := range names {
		sets[i] = fmt.Sprintf("%s = $%d", name, i+1)
	}
	if _, ok := c.Column("updated_at"); ok {
		sets = append(sets, "updated_at = NOW()")
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d RETURNING %s",
		c.Name, strings.Join(sets, ", "), c.Key, len(args), c.columnList())

	return s.queryOne(ctx, c, query, args...)
}

// Delete は指定IDのレコードを削除する。削除した場合はtrueを返す。
func (s *PostgresRecordStore) Delete(ctx context.Context, collection, id string) (bool, error) {
	c, err := LookupCollection(collection)
	if err != nil {
		return false, err
	}
	if c.ReadOnly {
		return false, model.NewInvalidRequestError(fmt.Sprintf("records in %s cannot be deleted here", c.Name))
	}
	if !c.ValidKey(id) {
		return false, nil
	}

	result, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE %s = $1", c.Name, c.Key),
		id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete from %s: %w", c.Name, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// Count は条件に一致するレコード数を返す。
func (s *PostgresRecordStore) Count(ctx context.Context, collection string, filters ...Filter) (int64, error) {
	c, err := LookupCollection(collection)
	if err != nil {
		return 0, err
	}

	where, args, err := buildWhere(c, filters, 1)
	if err != nil {
		return 0, err
	}

	var count int64
	if err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM "+c.Name+where, args...); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", c.Name, err)
	}
	return count, nil
}

// Sum は条件に一致するレコードの数値カラムの合計を返す。該当行がない場合は0を返す。
func (s *PostgresRecordStore) Sum(ctx context.Context, collection, column string, filters ...Filter) (float64, error) {
	c, err := LookupCollection(collection)
	if err != nil {
		return 0, err
	}
	col, ok := c.Column(column)
	if !ok {
		return 0, model.NewUnknownColumnError(c.Name, column)
	}
	if col.Kind != KindNumeric && col.Kind != KindInt {
		return 0, model.NewInvalidRequestError(fmt.Sprintf("column %s.%s is not numeric", c.Name, column))
	}

	where, args, err := buildWhere(c, filters, 1)
	if err != nil {
		return 0, err
	}

	var sum float64
	query := fmt.Sprintf("SELECT COALESCE(SUM(%s), 0)::float8 FROM %s%s", col.Name, c.Name, where)
	if err := s.db.GetContext(ctx, &sum, query, args...); err != nil {
		return 0, fmt.Errorf("failed to sum %s.%s: %w", c.Name, column, err)
	}
	return sum, nil
}

// queryOne は1行を返すクエリを実行する。行がない場合はnilを返す。
func (s *PostgresRecordStore) queryOne(ctx context.Context, c *Collection, query string, args ...any) (model.Record, error) {
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", c.Name, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to query %s: %w", c.Name, err)
		}
		return nil, nil
	}
	return scanRecord(c, rows)
}

func scanRecord(c *Collection, rows *sqlx.Rows) (model.Record, error) {
	raw := make(map[string]any)
	if err := rows.MapScan(raw); err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", c.Name, err)
	}
	return decodeRow(c, raw)
}

// compile-time interface check
var _ RecordStore = (*PostgresRecordStore)(nil)
