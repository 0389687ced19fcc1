package credential

import (
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/pkg/logger"
)

// Resolver decides which credential is currently active. Resolution order
// on a cold cache: persisted store, then environment variable. Explicit
// SetActive always wins and writes through to the store; the environment
// value is never persisted automatically.
type Resolver struct {
	mu        sync.Mutex
	cached    *Credential
	store     *Store
	envVar    string
	storeWarn string

	log   *slog.Logger
	audit *slog.Logger
}

// ClearResult reports the outcome of ClearActive.
type ClearResult struct {
	Removed bool `json:"removed"`
	// EnvironmentFallback is true when an environment credential is still
	// set and will become active again on the next resolution.
	EnvironmentFallback bool   `json:"environment_fallback"`
	Warning             string `json:"warning,omitempty"`
}

// Status summarises the resolver state without exposing the token value.
type Status struct {
	Provenance   Provenance `json:"provenance"`
	MaskedKey    string     `json:"masked_key,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at,omitempty"`
	StoreWarning string     `json:"store_warning,omitempty"`
}

// NewResolver creates a resolver over the given store and environment
// variable name.
func NewResolver(store *Store, envVar string) *Resolver {
	return &Resolver{
		store:  store,
		envVar: envVar,
		log:    logger.Named("credential"),
		audit:  logger.Audit(),
	}
}

// Active returns the currently active credential, resolving lazily on the
// first call. With no source available it fails with UNAUTHORIZED and an
// actionable hint.
func (r *Resolver) Active() (Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cached != nil {
		return *r.cached, nil
	}

	if r.store != nil {
		if cred, _ := r.store.Read(); cred != nil {
			resolved := Credential{
				APIKey:    cred.APIKey,
				Source:    ProvenancePersisted,
				UpdatedAt: cred.UpdatedAt,
			}
			r.cached = &resolved
			r.log.Debug("credential resolved from store", "key", Mask(cred.APIKey))
			return resolved, nil
		}
	}

	if r.envVar != "" {
		if value := strings.TrimSpace(os.Getenv(r.envVar)); value != "" {
			resolved := Credential{
				APIKey:    value,
				Source:    ProvenanceEnvironment,
				UpdatedAt: time.Now(),
			}
			// 环境变量来源不回写存储。
			r.cached = &resolved
			r.log.Debug("credential resolved from environment", "var", r.envVar)
			return resolved, nil
		}
	}

	return Credential{Source: ProvenanceNone}, xerrors.New(xerrors.CodeUnauthorized, "",
		xerrors.WithNextStep("request a quote and pay it to obtain a key, or set "+r.envVar+" / call the credential set endpoint"),
	)
}

// SetActive overwrites the cached credential and writes through to the
// store. Provenance must be runtime or issuance. Store failures degrade to
// memory-only operation and are surfaced through Status.
func (r *Resolver) SetActive(value string, source Provenance) (Credential, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Credential{}, xerrors.New(xerrors.CodeInvalidArgument, "api key cannot be empty")
	}
	if source != ProvenanceRuntime && source != ProvenanceIssuance {
		return Credential{}, xerrors.New(xerrors.CodeInvalidArgument, "provenance must be runtime or issuance")
	}

	cred := Credential{APIKey: value, Source: source, UpdatedAt: time.Now()}

	r.mu.Lock()
	// 简单的后写覆盖语义，不做 CAS。
	r.cached = &cred
	r.storeWarn = ""
	if r.store != nil {
		if err := r.store.Write(cred); err != nil {
			r.storeWarn = err.Error()
			r.log.Warn("credential persisted in memory only", "err", err)
		}
	}
	warn := r.storeWarn
	r.mu.Unlock()

	r.audit.Info("credential activated",
		"source", string(source),
		"key", Mask(value),
		"persisted", warn == "",
	)
	return cred, nil
}

// ClearActive removes the cached credential and the durable copy, and
// reports whether an environment credential would still apply on the next
// resolution. Clearing deliberately does not erase the environment source.
func (r *Resolver) ClearActive() ClearResult {
	r.mu.Lock()
	r.cached = nil
	result := ClearResult{}
	if r.store != nil {
		removed, err := r.store.Remove()
		result.Removed = removed
		if err != nil {
			result.Warning = err.Error()
			r.storeWarn = err.Error()
			r.log.Warn("remove persisted credential", "err", err)
		}
	}
	if r.envVar != "" && strings.TrimSpace(os.Getenv(r.envVar)) != "" {
		result.EnvironmentFallback = true
	}
	r.mu.Unlock()

	r.audit.Info("credential cleared",
		"removed", result.Removed,
		"environment_fallback", result.EnvironmentFallback,
	)
	return result
}

// Status reports the current provenance and any pending store warning so
// restart-recovery gaps are visible to callers.
func (r *Resolver) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := Status{Provenance: ProvenanceNone, StoreWarning: r.storeWarn}
	if r.cached != nil {
		status.Provenance = r.cached.Source
		status.MaskedKey = Mask(r.cached.APIKey)
		status.UpdatedAt = r.cached.UpdatedAt
	}
	return status
}
