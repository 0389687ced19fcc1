// Package credential implements the multi-source resolution and durable
// persistence of the market API credential. Precedence once cached:
// explicit runtime set and issuance results supersede the persisted copy,
// which in turn is preferred over the environment fallback on first
// resolution. Environment-sourced credentials are never written back to
// the store; clearing does not erase the environment source.
package credential

import (
	"strings"
	"time"
)

// Provenance 标记当前生效凭证的来源。
type Provenance string

const (
	ProvenanceNone        Provenance = "none"
	ProvenanceEnvironment Provenance = "environment"
	ProvenanceRuntime     Provenance = "runtime"
	ProvenanceIssuance    Provenance = "issuance"
	ProvenancePersisted   Provenance = "persisted"
)

// Credential 是访问行情/兑换 API 的凭证。
type Credential struct {
	APIKey    string     `json:"apiKey"`
	Source    Provenance `json:"source"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Mask 返回脱敏后的凭证摘要，用于日志与状态展示。
func Mask(key string) string {
	key = strings.TrimSpace(key)
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + "..." + key[len(key)-4:]
}
