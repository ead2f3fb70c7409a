package rem

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/p8fs/p8fs-core/internal/config"
	"github.com/p8fs/p8fs-core/internal/embedding"
	"github.com/p8fs/p8fs-core/internal/models"
	"github.com/p8fs/p8fs-core/internal/reverseindex"
	"github.com/p8fs/p8fs-core/internal/storage"
	"github.com/p8fs/p8fs-core/internal/tenantrepo"
	"github.com/p8fs/p8fs-core/internal/telemetry"
)

const tenantA = "tenant-a"

type testFixture struct {
	provider  storage.Provider
	embedding *embedding.Service
	index     *reverseindex.Index
	engine    *Engine
	resources *tenantrepo.Repository[*models.Resource]
	moments   *tenantrepo.Repository[*models.Moment]
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	dir := t.TempDir()
	p, err := storage.New(&config.Config{
		SQLiteDSN:          filepath.Join(dir, "test.db"),
		BadgerPath:         filepath.Join(dir, "badger"),
		CompactionInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { p.Close() })

	svc := embedding.NewService(nil)
	svc.Register(embedding.NewLocalTextProvider("local-text", 16), 0)

	resDesc := tenantrepo.ResourceDescriptor("local-text")
	momDesc := tenantrepo.MomentDescriptor()
	if err := p.EnsureTable(context.Background(), resDesc); err != nil {
		t.Fatalf("EnsureTable resources: %v", err)
	}
	if err := p.EnsureTable(context.Background(), momDesc); err != nil {
		t.Fatalf("EnsureTable moments: %v", err)
	}

	idx := reverseindex.New(p, []string{"resources", "moments"}, 100, telemetry.Discard())
	resRepo := tenantrepo.New[*models.Resource](p, svc, idx, resDesc, tenantA,
		func() *models.Resource { return &models.Resource{} }, telemetry.Discard())
	momRepo := tenantrepo.New[*models.Moment](p, svc, idx, momDesc, tenantA,
		func() *models.Moment { return &models.Moment{} }, telemetry.Discard())

	engine := NewEngine(p, idx, svc, map[string]TableBinding{
		"resources": {Descriptor: resDesc},
		"moments":   {Descriptor: momDesc},
	})

	return &testFixture{provider: p, embedding: svc, index: idx, engine: engine, resources: resRepo, moments: momRepo}
}

func TestEngineLookupByName(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	res := &models.Resource{Base: models.Base{TenantID: tenantA}, Name: "alpha-project", Content: "notes"}
	if err := fx.resources.Upsert(ctx, []*models.Resource{res}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	plan, err := NewParser("resources").Parse(`LOOKUP "alpha-project"`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	rows, err := fx.engine.Execute(ctx, tenantA, plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(rows) != 1 || rows[0].Table != "resources" {
		t.Fatalf("expected 1 resources hit, got %+v", rows)
	}
}

func TestEngineSearchOrdersBySimilarity(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	near := &models.Resource{Base: models.Base{TenantID: tenantA}, Name: "near", Content: "database migration planning"}
	far := &models.Resource{Base: models.Base{TenantID: tenantA}, Name: "far", Content: "unrelated cooking recipes"}
	if err := fx.resources.Upsert(ctx, []*models.Resource{near, far}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	plan, err := NewParser("resources").Parse(`SEARCH "database migration planning" IN resources`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	plan.Search.Threshold = 0
	rows, err := fx.engine.Execute(ctx, tenantA, plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(rows) < 1 {
		t.Fatalf("expected at least one result")
	}
	if rows[0].Data["name"] != "near" {
		t.Fatalf("expected closest match first, got %+v", rows[0].Data)
	}
	for i := 1; i < len(rows); i++ {
		if rows[i].Similarity > rows[i-1].Similarity {
			t.Fatalf("results not sorted by descending similarity: %+v", rows)
		}
	}
}

func TestEngineTraverseFollowsGraphPaths(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	target := &models.Resource{Base: models.Base{TenantID: tenantA}, Name: "target-doc", Content: "target content"}
	if err := fx.resources.Upsert(ctx, []*models.Resource{target}); err != nil {
		t.Fatalf("Upsert target: %v", err)
	}

	source := &models.Resource{
		Base:    models.Base{TenantID: tenantA},
		Name:    "source-doc",
		Content: "source content",
		GraphPaths: []models.GraphEdge{
			{Dst: "resources:" + target.ID.String(), RelType: "mentions", CreatedAt: time.Now()},
		},
	}
	if err := fx.resources.Upsert(ctx, []*models.Resource{source}); err != nil {
		t.Fatalf("Upsert source: %v", err)
	}

	plan, err := NewParser("resources").Parse(`TRAVERSE mentions WITH LOOKUP "source-doc" DEPTH 1`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	rows, err := fx.engine.Execute(ctx, tenantA, plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	foundTarget := false
	for _, r := range rows {
		if r.Data["name"] == "target-doc" {
			foundTarget = true
		}
	}
	if !foundTarget {
		t.Fatalf("expected traversal to reach target-doc, got %+v", rows)
	}
}

func TestEngineTraverseRespectsDepthCap(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	_, err := fx.engine.Execute(ctx, tenantA, &Plan{
		Type: QueryTraverse,
		Traverse: &TraversePlan{
			Depth:         MaxDepth + 1,
			InitialKind:   "lookup",
			InitialLookup: &LookupPlan{Keys: []string{"whatever"}},
		},
	})
	if err == nil {
		t.Fatalf("expected depth-exceeded error")
	}
}

func TestEngineRejectsMissingTenant(t *testing.T) {
	fx := newFixture(t)
	plan := &Plan{Type: QueryLookup, Lookup: &LookupPlan{Keys: []string{"x"}}}
	if _, err := fx.engine.Execute(context.Background(), "", plan); err == nil {
		t.Fatalf("expected tenant-missing error")
	}
}

func TestEngineSQLWhereGrammar(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	work1 := &models.Resource{Base: models.Base{TenantID: tenantA}, Name: "work-1", Category: "work", Content: "c"}
	work2 := &models.Resource{Base: models.Base{TenantID: tenantA}, Name: "work-2", Category: "work", Content: "c"}
	home := &models.Resource{Base: models.Base{TenantID: tenantA}, Name: "home-1", Category: "home", Content: "c"}
	if err := fx.resources.Upsert(ctx, []*models.Resource{work1, work2, home}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	names := func(rows []Row) []string {
		var out []string
		for _, r := range rows {
			out = append(out, r.Data["name"].(string))
		}
		return out
	}
	contains := func(rows []Row, name string) bool {
		for _, n := range names(rows) {
			if n == name {
				return true
			}
		}
		return false
	}

	cases := []struct {
		name  string
		where string
		want  []string
	}{
		{"equality", "category = 'work'", []string{"work-1", "work-2"}},
		{"not-equal", "category != 'work'", []string{"home-1"}},
		{"and", "category = 'work' AND name = 'work-1'", []string{"work-1"}},
		{"or", "category = 'work' OR category = 'home'", []string{"work-1", "work-2", "home-1"}},
		{"in", "category IN ('work', 'other')", []string{"work-1", "work-2"}},
		{"parens", "(category = 'home') OR (category = 'work' AND name = 'work-2')", []string{"home-1", "work-2"}},
		{"is-not-null", "category IS NOT NULL", []string{"work-1", "work-2", "home-1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plan := &Plan{Type: QuerySQL, SQL: &SQLPlan{Table: "resources", WhereClause: tc.where}}
			rows, err := fx.engine.Execute(ctx, tenantA, plan)
			if err != nil {
				t.Fatalf("Execute(%s): %v", tc.where, err)
			}
			if len(rows) != len(tc.want) {
				t.Fatalf("where %q: got %v, want %v", tc.where, names(rows), tc.want)
			}
			for _, w := range tc.want {
				if !contains(rows, w) {
					t.Fatalf("where %q: missing %q in %v", tc.where, w, names(rows))
				}
			}
		})
	}
}

func TestEngineSQLWhereNoMatch(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	res := &models.Resource{Base: models.Base{TenantID: tenantA}, Name: "no-category", Content: "c"}
	if err := fx.resources.Upsert(ctx, []*models.Resource{res}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	plan := &Plan{Type: QuerySQL, SQL: &SQLPlan{Table: "resources", WhereClause: "category = 'missing'"}}
	rows, err := fx.engine.Execute(ctx, tenantA, plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no matches, got %+v", rows)
	}
}

func TestEngineSQLRejectsUnsupportedOperator(t *testing.T) {
	fx := newFixture(t)
	plan := &Plan{Type: QuerySQL, SQL: &SQLPlan{Table: "resources", WhereClause: "name ~ 'x'"}}
	if _, err := fx.engine.Execute(context.Background(), tenantA, plan); err == nil {
		t.Fatalf("expected unsupported-operator error")
	}
}

func TestEngineTraverseOrdersByWeightWithinHop(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	low := &models.Resource{Base: models.Base{TenantID: tenantA}, Name: "low-weight", Content: "c"}
	high := &models.Resource{Base: models.Base{TenantID: tenantA}, Name: "high-weight", Content: "c"}
	if err := fx.resources.Upsert(ctx, []*models.Resource{low, high}); err != nil {
		t.Fatalf("Upsert targets: %v", err)
	}

	source := &models.Resource{
		Base:    models.Base{TenantID: tenantA},
		Name:    "hub",
		Content: "c",
		GraphPaths: []models.GraphEdge{
			{Dst: "resources:" + low.ID.String(), RelType: "SEE_ALSO", Weight: 0.2, CreatedAt: time.Now()},
			{Dst: "resources:" + high.ID.String(), RelType: "SEE_ALSO", Weight: 0.9, CreatedAt: time.Now()},
		},
	}
	if err := fx.resources.Upsert(ctx, []*models.Resource{source}); err != nil {
		t.Fatalf("Upsert source: %v", err)
	}

	plan, err := NewParser("resources").Parse(`TRAVERSE WITH LOOKUP "hub" DEPTH 1`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	rows, err := fx.engine.Execute(ctx, tenantA, plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var hopOrder []string
	for _, r := range rows {
		if name, _ := r.Data["name"].(string); name == "high-weight" || name == "low-weight" {
			hopOrder = append(hopOrder, name)
		}
	}
	if len(hopOrder) != 2 || hopOrder[0] != "high-weight" || hopOrder[1] != "low-weight" {
		t.Fatalf("expected high-weight before low-weight within the hop, got %v", hopOrder)
	}
}
