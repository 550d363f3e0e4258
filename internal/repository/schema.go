package repository

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/jeementor/internal/model"
)

// コレクション名。
const (
	CollectionProfiles           = "profiles"
	CollectionAdminUsers         = "admin_users"
	CollectionTestSeries         = "test_series"
	CollectionWebinars           = "webinars"
	CollectionMentorshipSessions = "mentorship_sessions"
	CollectionBookings           = "bookings"
)

// ColumnKind はカラムの値の種別を表す。
type ColumnKind int

const (
	KindText ColumnKind = iota
	KindInt
	KindNumeric
	KindBool
	KindDate
	KindTime
	KindUUID
	KindTextArray
)

// Column はコレクションのカラム定義。
type Column struct {
	Name     string
	Kind     ColumnKind
	Writable bool
}

// Collection は汎用CRUDで公開するテーブルの定義。
// ここに列挙されていないテーブル・カラムはSQLに埋め込まれない。
type Collection struct {
	Name    string
	Key     string
	Columns []Column
	// Creatable がfalseの場合、汎用CRUDからの作成を許可しない。
	Creatable bool
	// ReadOnly がtrueの場合、汎用CRUDからの作成・更新・削除を許可しない。
	ReadOnly bool
	// DefaultSort はsort未指定時の並び順。
	DefaultSort Sort
}

// ValidKey はidがキーカラムの型として解釈できるかを返す。
// UUIDキーに不正な文字列が渡された場合はfalseになる。
func (c *Collection) ValidKey(id string) bool {
	col, ok := c.Column(c.Key)
	if !ok || col.Kind != KindUUID {
		return id != ""
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// Column は名前でカラム定義を返す。
func (c *Collection) Column(name string) (Column, bool) {
	for _, col := range c.Columns {
		if col.Name == name {
			return col, true
		}
	}
	return Column{}, false
}

// columnList はSELECT句に使うカラム一覧を返す。
func (c *Collection) columnList() string {
	names := make([]string, len(c.Columns))
	for i, col := range c.Columns {
		names[i] = col.Name
	}
	return strings.Join(names, ", ")
}

func ro(name string, kind ColumnKind) Column { return Column{Name: name, Kind: kind} }
func rw(name string, kind ColumnKind) Column { return Column{Name: name, Kind: kind, Writable: true} }

var newestFirst = Sort{Column: "created_at", Desc: true}

// collections は公開コレクションの一覧。
var collections = map[string]*Collection{
	CollectionProfiles: {
		Name: CollectionProfiles,
		Key:  "id",
		Columns: []Column{
			ro("id", KindUUID),
			ro("full_name", KindText),
			ro("email", KindText),
			rw("plan", KindText),
			ro("avatar_url", KindText),
			ro("provider", KindText),
			rw("is_mentor", KindBool),
			rw("mentor_subjects", KindTextArray),
			rw("mentor_specialization", KindText),
			rw("mentor_rating", KindNumeric),
			rw("mentor_experience", KindText),
			rw("is_available", KindBool),
			ro("created_at", KindTime),
			ro("updated_at", KindTime),
		},
		DefaultSort: newestFirst,
	},
	CollectionAdminUsers: {
		Name: CollectionAdminUsers,
		Key:  "email",
		Columns: []Column{
			ro("email", KindText),
			ro("role", KindText),
			ro("created_at", KindTime),
		},
		ReadOnly:    true,
		DefaultSort: newestFirst,
	},
	CollectionTestSeries: {
		Name: CollectionTestSeries,
		Key:  "id",
		Columns: []Column{
			ro("id", KindUUID),
			rw("title", KindText),
			rw("description", KindText),
			rw("mentor_id", KindUUID),
			rw("duration", KindInt),
			rw("questions", KindInt),
			rw("difficulty", KindText),
			rw("price", KindNumeric),
			rw("max_students", KindInt),
			rw("enrolled_count", KindInt),
			rw("test_date", KindDate),
			rw("test_time", KindText),
			rw("tags", KindTextArray),
			rw("syllabus", KindText),
			rw("is_active", KindBool),
			ro("created_at", KindTime),
			ro("updated_at", KindTime),
		},
		Creatable:   true,
		DefaultSort: Sort{Column: "test_date"},
	},
	CollectionWebinars: {
		Name: CollectionWebinars,
		Key:  "id",
		Columns: []Column{
			ro("id", KindUUID),
			rw("title", KindText),
			rw("description", KindText),
			rw("speaker_id", KindUUID),
			rw("webinar_date", KindDate),
			rw("webinar_time", KindText),
			rw("duration", KindInt),
			rw("max_attendees", KindInt),
			rw("attendees_count", KindInt),
			rw("category", KindText),
			rw("level", KindText),
			rw("price", KindNumeric),
			rw("topics", KindTextArray),
			rw("thumbnail_url", KindText),
			rw("is_live", KindBool),
			rw("is_recorded", KindBool),
			rw("recording_url", KindText),
			rw("is_active", KindBool),
			ro("created_at", KindTime),
			ro("updated_at", KindTime),
		},
		Creatable:   true,
		DefaultSort: Sort{Column: "webinar_date"},
	},
	CollectionMentorshipSessions: {
		Name: CollectionMentorshipSessions,
		Key:  "id",
		Columns: []Column{
			ro("id", KindUUID),
			rw("title", KindText),
			rw("description", KindText),
			rw("mentor_id", KindUUID),
			rw("student_id", KindUUID),
			rw("session_date", KindDate),
			rw("session_time", KindText),
			rw("duration", KindInt),
			rw("session_type", KindText),
			rw("price", KindNumeric),
			rw("status", KindText),
			rw("meeting_link", KindText),
			rw("notes", KindText),
			ro("created_at", KindTime),
			ro("updated_at", KindTime),
		},
		Creatable:   true,
		DefaultSort: Sort{Column: "session_date"},
	},
	CollectionBookings: {
		Name: CollectionBookings,
		Key:  "id",
		Columns: []Column{
			ro("id", KindUUID),
			rw("user_id", KindUUID),
			rw("booking_type", KindText),
			rw("item_id", KindUUID),
			rw("amount", KindNumeric),
			rw("status", KindText),
			rw("payment_status", KindText),
			ro("created_at", KindTime),
			ro("updated_at", KindTime),
		},
		Creatable:   true,
		DefaultSort: newestFirst,
	},
}

// LookupCollection は名前でコレクション定義を返す。
// 未知の名前の場合はUnknownCollectionエラーを返す。
func LookupCollection(name string) (*Collection, error) {
	c, ok := collections[name]
	if !ok {
		return nil, model.NewUnknownCollectionError(name)
	}
	return c, nil
}

// CollectionNames は公開コレクション名をソートして返す。
func CollectionNames() []string {
	names := make([]string, 0, len(collections))
	for name := range collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FilterOp はフィルタの比較演算子。
type FilterOp string

const (
	OpEq  FilterOp = "eq"
	OpNeq FilterOp = "neq"
)

// Filter はカラムに対する1つの条件。
type Filter struct {
	Column string
	Op     FilterOp
	Value  any
}

// Eq は等価条件を作る。
func Eq(column string, value any) Filter { return Filter{Column: column, Op: OpEq, Value: value} }

// Neq は非等価条件を作る。
func Neq(column string, value any) Filter { return Filter{Column: column, Op: OpNeq, Value: value} }

// Sort は並び順の指定。
type Sort struct {
	Column string
	Desc   bool
}

// Query はList用の検索条件。
type Query struct {
	Filters []Filter
	Sort    Sort
	Limit   int
}

// 1回のListで返す最大件数。
const (
	DefaultListLimit = 100
	MaxListLimit     = 500
)

// buildWhere はフィルタからWHERE句と引数を組み立てる。
// argIdxは最初のプレースホルダ番号。
func buildWhere(c *Collection, filters []Filter, argIdx int) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}

	conditions := make([]string, 0, len(filters))
	args := make([]any, 0, len(filters))
	for _, f := range filters {
		col, ok := c.Column(f.Column)
		if !ok {
			return "", nil, model.NewUnknownColumnError(c.Name, f.Column)
		}
		v, err := coerceValue(c.Name, col, f.Value)
		if err != nil {
			return "", nil, err
		}

		var op string
		switch f.Op {
		case OpEq, "":
			op = "="
		case OpNeq:
			op = "<>"
		default:
			return "", nil, model.NewInvalidRequestError(fmt.Sprintf("unsupported filter operator: %s", f.Op))
		}
		conditions = append(conditions, fmt.Sprintf("%s %s $%d", col.Name, op, argIdx))
		args = append(args, v)
		argIdx++
	}

	return " WHERE " + strings.Join(conditions, " AND "), args, nil
}

// buildOrderBy はORDER BY句を組み立てる。
func buildOrderBy(c *Collection, s Sort) (string, error) {
	if s.Column == "" {
		s = c.DefaultSort
	}
	if _, ok := c.Column(s.Column); !ok {
		return "", model.NewUnknownColumnError(c.Name, s.Column)
	}
	dir := "ASC"
	if s.Desc {
		dir = "DESC"
	}
	return fmt.Sprintf(" ORDER BY %s %s", s.Column, dir), nil
}

// writableValues は書き込み値を検証し、カラム名順に並べて返す。
func writableValues(c *Collection, values model.Record) ([]string, []any, error) {
	if len(values) == 0 {
		return nil, nil, model.NewInvalidRequestError("no fields to write")
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	args := make([]any, 0, len(names))
	for _, name := range names {
		col, ok := c.Column(name)
		if !ok {
			return nil, nil, model.NewUnknownColumnError(c.Name, name)
		}
		if !col.Writable {
			return nil, nil, model.NewInvalidRequestError(fmt.Sprintf("column %s.%s is read-only", c.Name, name))
		}
		v, err := coerceValue(c.Name, col, values[name])
		if err != nil {
			return nil, nil, err
		}
		args = append(args, v)
	}
	return names, args, nil
}

// coerceValue はJSONから来た値をカラム種別に合わせてドライバ向けの値に変換する。
func coerceValue(collection string, col Column, v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	invalid := func() error {
		return model.NewInvalidRequestError(fmt.Sprintf("invalid value for %s.%s", collection, col.Name))
	}

	switch col.Kind {
	case KindText, KindUUID:
		s, ok := v.(string)
		if !ok {
			return nil, invalid()
		}
		return s, nil
	case KindDate:
		s, ok := v.(string)
		if !ok {
			return nil, invalid()
		}
		if _, err := time.Parse(time.DateOnly, s); err != nil {
			return nil, invalid()
		}
		return s, nil
	case KindTime:
		switch t := v.(type) {
		case time.Time:
			return t, nil
		case string:
			parsed, err := time.Parse(time.RFC3339, t)
			if err != nil {
				return nil, invalid()
			}
			return parsed, nil
		}
		return nil, invalid()
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return nil, invalid()
		}
		return b, nil
	case KindInt:
		switch n := v.(type) {
		case float64:
			if n != math.Trunc(n) {
				return nil, invalid()
			}
			return int64(n), nil
		case int:
			return int64(n), nil
		case int64:
			return n, nil
		}
		return nil, invalid()
	case KindNumeric:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		}
		return nil, invalid()
	case KindTextArray:
		switch a := v.(type) {
		case []string:
			return pq.StringArray(a), nil
		case []any:
			out := make(pq.StringArray, 0, len(a))
			for _, e := range a {
				s, ok := e.(string)
				if !ok {
					return nil, invalid()
				}
				out = append(out, s)
			}
			return out, nil
		}
		return nil, invalid()
	}
	return nil, invalid()
}

// decodeRow はMapScanの結果をカラム種別に合わせてJSON向けの値に変換する。
func decodeRow(c *Collection, raw map[string]any) (model.Record, error) {
	rec := make(model.Record, len(raw))
	for name, v := range raw {
		col, ok := c.Column(name)
		if !ok {
			continue
		}
		decoded, err := decodeValue(col, v)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s.%s: %w", c.Name, name, err)
		}
		rec[name] = decoded
	}
	return rec, nil
}

func decodeValue(col Column, v any) (any, error) {
	if v == nil {
		if col.Kind == KindTextArray {
			return []string{}, nil
		}
		return nil, nil
	}

	switch col.Kind {
	case KindTextArray:
		var arr pq.StringArray
		if err := arr.Scan(v); err != nil {
			return nil, err
		}
		if arr == nil {
			return []string{}, nil
		}
		return []string(arr), nil
	case KindNumeric:
		switch n := v.(type) {
		case []byte:
			var f float64
			if _, err := fmt.Sscan(string(n), &f); err != nil {
				return nil, err
			}
			return f, nil
		case float64:
			return n, nil
		}
	case KindDate:
		if t, ok := v.(time.Time); ok {
			return t.Format(time.DateOnly), nil
		}
	}

	if b, ok := v.([]byte); ok {
		return string(b), nil
	}
	return v, nil
}
