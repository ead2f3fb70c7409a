// Package rem implements the REM query engine (spec.md §4.5): a parser that
// turns the textual LOOKUP/SEARCH/SQL/TRAVERSE grammar into a typed Plan,
// and an Engine that executes a Plan against the Storage Provider, the
// Reverse Key Index, and the Embedding Service. Grounded on
// original_source/p8fs/src/p8fs/query/rem_parser.py's regex-driven,
// case-insensitive keyword dispatch, translated into idiomatic Go.
package rem

// QueryType identifies which of the four REM query kinds a Plan executes.
type QueryType string

const (
	QueryLookup   QueryType = "LOOKUP"
	QuerySearch   QueryType = "SEARCH"
	QuerySQL      QueryType = "SQL"
	QueryTraverse QueryType = "TRAVERSE"
)

// Defaults from spec.md §4.5.1.
const (
	DefaultDepth          = 1
	DefaultSearchLimit    = 10
	DefaultThreshold      = 0.7
	DefaultLookupScanSize = 100
	MaxDepth              = 5
)

// LookupPlan is the parsed form of "LOOKUP <key>" / "LOOKUP <table>:<key>" /
// "LOOKUP <k1>, <k2>, ...". TableHint is empty for a type-agnostic lookup.
type LookupPlan struct {
	TableHint string
	Keys      []string
}

// SearchPlan is the parsed form of `SEARCH "<text>" [IN <table>]`.
type SearchPlan struct {
	Table     string
	QueryText string
	Limit     int
	Threshold float64
}

// SQLPlan is the parsed form of the restricted SELECT dialect (spec.md
// §4.5.2): single base table, a raw WHERE clause the executor compiles
// itself (no joins/subqueries/DDL), ORDER BY, LIMIT.
type SQLPlan struct {
	Table      string
	WhereClause string
	OrderBy    []string
	Limit      int
}

// TraversePlan is the parsed form of "TRAVERSE [<rel>,...] WITH
// LOOKUP|SEARCH ... [DEPTH n] [IN <table>]", optionally prefixed "PLAN".
type TraversePlan struct {
	EdgeTypes    []string
	InitialKind  string // "lookup" or "search"
	InitialLookup *LookupPlan
	InitialSearch *SearchPlan
	Depth        int
	Table        string
	PlanOnly     bool
}

// Plan is the typed output of Parser.Parse. Exactly one of the kind-
// specific fields is populated, matching Type.
type Plan struct {
	Type     QueryType
	Lookup   *LookupPlan
	Search   *SearchPlan
	SQL      *SQLPlan
	Traverse *TraversePlan
}
