package model

// Record は汎用CRUDで扱う1行分のデータ。キーはカラム名。
type Record map[string]any

// ID はレコードのidカラムを文字列として返す。
func (r Record) ID() string {
	if v, ok := r["id"].(string); ok {
		return v
	}
	return ""
}
