package security

import (
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
)

// NewOutboundClient は外部の認証プロバイダーへの通信に使うHTTPクライアントを生成する。
// httpsの443番ポートのみ許可し、プライベートIP、ループバック、リンクローカル
// （クラウドメタデータIPを含む）への接続はDNS解決後にブロックする。
func NewOutboundClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("https").
		SetAllowedPorts(443).
		Build()

	return safeurl.Client(config).Client
}
