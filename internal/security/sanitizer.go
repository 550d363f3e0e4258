// Package security はユーザー入力の無害化と外部通信の制限を提供する。
//
// Sanitizer はbluemondayの許可リストポリシーで、
// 表示名などのプレーンテキストと講座説明などのリッチテキストを無害化する。
package security

import (
	"html"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Sanitizer は保存前の入力を無害化する。
// bluemondayのPolicyはスレッドセーフなので、1つのインスタンスを共有してよい。
type Sanitizer struct {
	strict   *bluemonday.Policy
	richText *bluemonday.Policy
}

// NewSanitizer はSanitizerを生成する。
// リッチテキストのポリシー:
//   - 許可タグ: p, br, ul, ol, li, blockquote, strong, em, a
//   - aタグ: httpsのみ、target="_blank" と rel="noopener noreferrer" を自動付与
//   - script, iframe, style, on*属性は許可リストにないため除去される
func NewSanitizer() *Sanitizer {
	p := bluemonday.NewPolicy()
	p.AllowElements(
		"p", "br", "ul", "ol", "li",
		"blockquote", "strong", "em",
	)
	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AllowURLSchemes("https")
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &Sanitizer{
		strict:   bluemonday.StrictPolicy(),
		richText: p,
	}
}

// Text はすべてのタグを除去したプレーンテキストを返す。
// 表示名などHTMLとして描画しない値に使うため、エンティティは元の文字に戻す。
func (s *Sanitizer) Text(raw string) string {
	if raw == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.strict.Sanitize(raw)))
}

// RichText は許可タグのみを残したHTMLを返す。同一入力に対して常に同一出力を返す。
func (s *Sanitizer) RichText(raw string) string {
	return s.richText.Sanitize(raw)
}

// URL はhttpまたはhttpsの絶対URLのみを返す。それ以外は空文字列。
// ユーザー情報を含むURLも拒否する。
func (s *Sanitizer) URL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" || u.User != nil {
		return ""
	}
	return u.String()
}
