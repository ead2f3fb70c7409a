// Package apperrors defines the error taxonomy observable to callers of
// the core (spec.md §7). Dynamic sum-type exceptions from the source
// become typed sentinel errors plus a Kind classifier (spec.md §9).
package apperrors

import "errors"

// Kind classifies an error for callers that need to branch on disposition
// (reject, retry, surface) without depending on a specific sentinel.
type Kind string

const (
	KindTenantMissing     Kind = "tenant_missing"
	KindNotFound          Kind = "not_found"
	KindUnsupportedSQL    Kind = "unsupported_sql_construct"
	KindVectorUnavailable Kind = "vector_unavailable"
	KindDimensionMismatch Kind = "embedding_dimension_mismatch"
	KindDeadlineExceeded  Kind = "deadline_exceeded"
	KindRateLimited       Kind = "rate_limited"
	KindDepthExceeded     Kind = "depth_exceeded"
	KindUnknownTable      Kind = "unknown_table"
	KindInternal          Kind = "internal_query_error"
)

var (
	ErrTenantMissing     = errors.New(string(KindTenantMissing))
	ErrNotFound          = errors.New(string(KindNotFound))
	ErrUnsupportedSQL    = errors.New(string(KindUnsupportedSQL))
	ErrVectorUnavailable = errors.New(string(KindVectorUnavailable))
	ErrDimensionMismatch = errors.New(string(KindDimensionMismatch))
	ErrDeadlineExceeded  = errors.New(string(KindDeadlineExceeded))
	ErrRateLimited       = errors.New(string(KindRateLimited))
	ErrDepthExceeded     = errors.New(string(KindDepthExceeded))
	ErrUnknownTable      = errors.New(string(KindUnknownTable))
)

var sentinels = []struct {
	kind Kind
	err  error
}{
	{KindTenantMissing, ErrTenantMissing},
	{KindNotFound, ErrNotFound},
	{KindUnsupportedSQL, ErrUnsupportedSQL},
	{KindVectorUnavailable, ErrVectorUnavailable},
	{KindDimensionMismatch, ErrDimensionMismatch},
	{KindDeadlineExceeded, ErrDeadlineExceeded},
	{KindRateLimited, ErrRateLimited},
	{KindDepthExceeded, ErrDepthExceeded},
	{KindUnknownTable, ErrUnknownTable},
}

// Classify returns the Kind of err, walking its wrap chain against the
// known sentinels. Unrecognized errors classify as KindInternal, matching
// spec.md §7's "All other failures are propagated as internal_query_error".
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	return KindInternal
}

// Retriable reports whether a Kind's disposition is "retriable" per the
// table in spec.md §7.
func Retriable(k Kind) bool {
	return k == KindDeadlineExceeded || k == KindRateLimited
}
