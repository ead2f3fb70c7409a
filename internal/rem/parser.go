package rem

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Parser converts a REM query string into a Plan. DefaultTable is used
// whenever a query omits an explicit table (implicit SEARCH, LOOKUP's
// fallback hint, TRAVERSE's default IN clause).
type Parser struct {
	DefaultTable string
}

// NewParser constructs a Parser bound to defaultTable (spec.md §6's stable
// table identifiers: resources, moments, sessions, images — "resources" is
// the conventional default).
func NewParser(defaultTable string) *Parser {
	if defaultTable == "" {
		defaultTable = "resources"
	}
	return &Parser{DefaultTable: defaultTable}
}

var (
	reLookupPrefix = regexp.MustCompile(`(?i)^(LOOKUP|GET)\s+`)
	reSearchPrefix = regexp.MustCompile(`(?i)^SEARCH\s+`)
	reTraversePrefix = regexp.MustCompile(`(?i)^TRAVERSE\s+`)
	rePlanPrefix   = regexp.MustCompile(`(?i)^PLAN\s+`)
	reWith         = regexp.MustCompile(`(?i)\bWITH\b`)
	reDepthWithVal = regexp.MustCompile(`(?i)DEPTH\s+(\d+)`)
	reDepthSplit   = regexp.MustCompile(`(?i)\s+DEPTH\s+`)
	reInSplit      = regexp.MustCompile(`(?i)\s+IN\s+`)
	reInWithVal    = regexp.MustCompile(`(?i)\bIN\s+(\w+)`)
	reFrom         = regexp.MustCompile(`(?i)FROM\s+(\w+)`)
	reWhere        = regexp.MustCompile(`(?is)WHERE\s+(.+?)(?:ORDER BY|LIMIT|$)`)
	reOrderBy      = regexp.MustCompile(`(?is)ORDER BY\s+(.+?)(?:LIMIT|$)`)
	reLimit        = regexp.MustCompile(`(?i)LIMIT\s+(\d+)`)
	reQuotedSearch = regexp.MustCompile(`(?is)^["'](.+?)["']\s*(?:IN\s+(\w+))?$`)
	reQuotedLead   = regexp.MustCompile(`(?s)^["'](.+?)["']`)
)

// Parse dispatches on the query's leading keyword, matching spec.md
// §4.5.1's grammar and original_source's final "implicit SEARCH" fallback
// for a bare, non-keyword query string (additive per SPEC_FULL.md §4.5).
func (p *Parser) Parse(query string) (*Plan, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("rem: empty query")
	}

	upper := strings.ToUpper(query)
	switch {
	case strings.HasPrefix(upper, "TRAVERSE "):
		return p.parseTraverse(query)
	case strings.HasPrefix(upper, "LOOKUP ") || strings.HasPrefix(upper, "GET "):
		return p.parseLookup(query)
	case strings.HasPrefix(upper, "SEARCH "):
		return p.parseSearch(query)
	case strings.HasPrefix(upper, "SELECT "):
		return p.parseSQL(query)
	default:
		return p.parseImplicitSearch(query), nil
	}
}

// stripQuotes removes one layer of matching surrounding quotes, checking
// the longest quote markers first so `"""x"""` doesn't get only one pair
// of its triple quotes peeled (Go's regexp package is RE2 and has no
// backreferences, so this replaces the original's `(q)(.+)\1` pattern with
// explicit prefix/suffix checks).
func stripQuotes(s string) string {
	markers := []string{"```", `"""`, "'''", `"`, "'", "`"}
	for _, m := range markers {
		if len(s) >= 2*len(m) && strings.HasPrefix(s, m) && strings.HasSuffix(s, m) {
			return s[len(m) : len(s)-len(m)]
		}
	}
	return s
}

func (p *Parser) parseLookup(query string) (*Plan, error) {
	query = reLookupPrefix.ReplaceAllString(query, "")
	query = strings.TrimSpace(query)

	table := ""
	if strings.Contains(query, ":") && !strings.Contains(query, ",") {
		parts := strings.SplitN(query, ":", 2)
		if !strings.Contains(parts[0], " ") {
			table = strings.TrimSpace(parts[0])
			query = strings.TrimSpace(parts[1])
		}
	}

	var keys []string
	if strings.Contains(query, ",") {
		for _, raw := range strings.Split(query, ",") {
			k := stripQuotes(strings.TrimSpace(raw))
			if k != "" {
				keys = append(keys, k)
			}
		}
	} else {
		k := stripQuotes(strings.TrimSpace(query))
		if k != "" {
			keys = []string{k}
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("rem: LOOKUP requires at least one key")
	}

	return &Plan{Type: QueryLookup, Lookup: &LookupPlan{TableHint: table, Keys: keys}}, nil
}

func (p *Parser) parseSearch(query string) (*Plan, error) {
	query = reSearchPrefix.ReplaceAllString(query, "")
	query = strings.TrimSpace(query)

	table := p.DefaultTable
	var text string

	if m := reQuotedSearch.FindStringSubmatch(query); m != nil {
		text = unescapeQuotes(m[1])
		if m[2] != "" {
			table = m[2]
		}
	} else if strings.Contains(query, ":") {
		parts := strings.SplitN(query, ":", 2)
		table = strings.TrimSpace(parts[0])
		text = strings.TrimSpace(parts[1])
	} else {
		text = query
	}

	return &Plan{Type: QuerySearch, Search: &SearchPlan{
		Table: table, QueryText: text, Limit: DefaultSearchLimit, Threshold: DefaultThreshold,
	}}, nil
}

func (p *Parser) parseImplicitSearch(query string) *Plan {
	return &Plan{Type: QuerySearch, Search: &SearchPlan{
		Table: p.DefaultTable, QueryText: query, Limit: DefaultSearchLimit, Threshold: DefaultThreshold,
	}}
}

func unescapeQuotes(s string) string {
	s = strings.ReplaceAll(s, `\"`, `"`)
	s = strings.ReplaceAll(s, `\'`, `'`)
	return s
}

func (p *Parser) parseSQL(query string) (*Plan, error) {
	m := reFrom.FindStringSubmatch(query)
	table := p.DefaultTable
	if m != nil {
		table = m[1]
	}

	var where string
	if m := reWhere.FindStringSubmatch(query); m != nil {
		where = strings.TrimSpace(m[1])
	}

	var limit int
	if m := reLimit.FindStringSubmatch(query); m != nil {
		limit, _ = strconv.Atoi(m[1])
	}

	var orderBy []string
	if m := reOrderBy.FindStringSubmatch(query); m != nil {
		for _, o := range strings.Split(m[1], ",") {
			orderBy = append(orderBy, strings.TrimSpace(o))
		}
	}

	return &Plan{Type: QuerySQL, SQL: &SQLPlan{
		Table: table, WhereClause: where, OrderBy: orderBy, Limit: limit,
	}}, nil
}

func (p *Parser) parseTraverse(query string) (*Plan, error) {
	query = reTraversePrefix.ReplaceAllString(query, "")
	query = strings.TrimSpace(query)

	planOnly := false
	if rePlanPrefix.MatchString(query) {
		planOnly = true
		query = strings.TrimSpace(rePlanPrefix.ReplaceAllString(query, ""))
	}

	var edgeTypes []string
	if loc := reWith.FindStringIndex(query); loc != nil {
		before := strings.TrimSpace(query[:loc[0]])
		if before != "" {
			for _, et := range strings.Split(before, ",") {
				edgeTypes = append(edgeTypes, strings.TrimSpace(et))
			}
		}
		query = strings.TrimSpace(query[loc[1]:])
	}

	tp := &TraversePlan{EdgeTypes: edgeTypes, Depth: DefaultDepth, Table: p.DefaultTable, PlanOnly: planOnly}

	upper := strings.ToUpper(query)
	switch {
	case strings.HasPrefix(upper, "LOOKUP "):
		rest := strings.TrimSpace(query[len("LOOKUP "):])
		end := len(rest)
		if loc := reDepthSplit.FindStringIndex(rest); loc != nil && loc[0] < end {
			end = loc[0]
		}
		if loc := reInSplit.FindStringIndex(rest); loc != nil && loc[0] < end {
			end = loc[0]
		}
		key := stripQuotes(strings.TrimSpace(rest[:end]))
		tp.InitialKind = "lookup"
		tp.InitialLookup = &LookupPlan{Keys: []string{key}}
		query = strings.TrimSpace(rest[end:])

	case strings.HasPrefix(upper, "SEARCH "):
		rest := strings.TrimSpace(query[len("SEARCH "):])
		m := reQuotedLead.FindStringSubmatchIndex(rest)
		if m == nil {
			return nil, fmt.Errorf("rem: TRAVERSE SEARCH requires quoted text")
		}
		text := unescapeQuotes(rest[m[2]:m[3]])
		tp.InitialKind = "search"
		tp.InitialSearch = &SearchPlan{QueryText: text, Limit: DefaultSearchLimit, Threshold: DefaultThreshold}
		query = strings.TrimSpace(rest[m[1]:])

	default:
		return nil, fmt.Errorf("rem: TRAVERSE requires WITH LOOKUP or WITH SEARCH")
	}

	if m := reDepthWithVal.FindStringSubmatch(query); m != nil {
		depth, _ := strconv.Atoi(m[1])
		tp.Depth = depth
	}
	if m := reInWithVal.FindStringSubmatch(query); m != nil {
		tp.Table = m[1]
	}
	if tp.InitialSearch != nil {
		tp.InitialSearch.Table = tp.Table
	}
	if tp.InitialLookup != nil {
		tp.InitialLookup.TableHint = "" // traversal resolves the frontier type-agnostically; Table gates the hop
	}

	return &Plan{Type: QueryTraverse, Traverse: tp}, nil
}
