package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/jmoiron/sqlx"
)

// queryCountingDB はクエリの発行回数だけを数えるDBTX。
type queryCountingDB struct {
	sqlx.ExtContext
	queries int
}

func (d *queryCountingDB) QueryxContext(_ context.Context, _ string, _ ...any) (*sqlx.Rows, error) {
	d.queries++
	return nil, errors.New("unexpected query")
}

func (d *queryCountingDB) ExecContext(_ context.Context, _ string, _ ...any) (sql.Result, error) {
	d.queries++
	return nil, errors.New("unexpected exec")
}

func (d *queryCountingDB) GetContext(_ context.Context, _ any, _ string, _ ...any) error {
	d.queries++
	return errors.New("unexpected get")
}

func (d *queryCountingDB) SelectContext(_ context.Context, _ any, _ string, _ ...any) error {
	d.queries++
	return errors.New("unexpected select")
}

// compile-time interface check
var _ DBTX = (*queryCountingDB)(nil)

// UUIDでないIDはDBに問い合わせず「見つからない」として扱うこと
func TestPostgresRecordStore_MalformedUUIDKey_IsNotFound(t *testing.T) {
	db := &queryCountingDB{}
	store := NewPostgresRecordStore(db)
	ctx := context.Background()

	rec, err := store.Get(ctx, CollectionWebinars, "not-a-uuid")
	if err != nil || rec != nil {
		t.Errorf("Get() = %v, %v, want nil, nil", rec, err)
	}

	rec, err = store.Update(ctx, CollectionWebinars, "not-a-uuid", map[string]any{"title": "x"})
	if err != nil || rec != nil {
		t.Errorf("Update() = %v, %v, want nil, nil", rec, err)
	}

	deleted, err := store.Delete(ctx, CollectionWebinars, "1; DROP TABLE webinars")
	if err != nil || deleted {
		t.Errorf("Delete() = %v, %v, want false, nil", deleted, err)
	}

	if db.queries != 0 {
		t.Errorf("queries = %d, want 0", db.queries)
	}
}

func TestCollection_ValidKey(t *testing.T) {
	webinars, _ := LookupCollection(CollectionWebinars)
	admins, _ := LookupCollection(CollectionAdminUsers)

	tests := []struct {
		name string
		c    *Collection
		id   string
		want bool
	}{
		{"uuid key with uuid", webinars, "7c9e6679-7425-40de-944b-e07fc1f90ae7", true},
		{"uuid key with text", webinars, "abc", false},
		{"uuid key with empty", webinars, "", false},
		{"email key with email", admins, "admin@x.com", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.c.ValidKey(tt.id); got != tt.want {
				t.Errorf("ValidKey(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}
