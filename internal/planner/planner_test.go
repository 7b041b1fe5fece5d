package planner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"forge.example/forge/internal/config"
	"forge.example/forge/internal/freshness"
	"forge.example/forge/internal/recipe"
	"forge.example/forge/internal/repoindex"
)

// fixtureParser returns a fixed Recipe for each recipe directory name, the
// same pattern used to exercise the solver directly.
type fixtureParser struct {
	byName map[string]recipe.Recipe
}

func (p *fixtureParser) Parse(_ context.Context, repo, path string) ([]recipe.Recipe, error) {
	name := filepath.Base(path)
	r := p.byName[name]
	r.Repo = repo
	r.Path = path
	r.Name = name
	return []recipe.Recipe{r}, nil
}

func discoverFixture(t *testing.T, byName map[string]recipe.Recipe) *recipe.Registry {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "main"), 0755); err != nil {
		t.Fatal(err)
	}
	for name := range byName {
		if err := os.MkdirAll(filepath.Join(root, "main", name), 0755); err != nil {
			t.Fatal(err)
		}
	}
	reg, err := recipe.Discover(context.Background(), root, []string{"main"}, &fixtureParser{byName: byName})
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

// fakeRepublisher records AddFile calls without shelling out to repo-add.
type fakeRepublisher struct {
	added []string
}

func (f *fakeRepublisher) AddFile(ctx context.Context, filePath, repoName string, arch config.Arch) error {
	f.added = append(f.added, fmt.Sprintf("%s:%s:%s", arch, repoName, filepath.Base(filePath)))
	return nil
}

// genericPackageList stands in for a real makepkg --packagelist run: it
// reports the single artifact name->version->arch would produce.
func genericPackageList(_ context.Context, rec *recipe.Recipe, arch config.Arch) ([]string, error) {
	return []string{fmt.Sprintf("%s-%s-%s.pkg.tar.zst", rec.Name, rec.Version, arch)}, nil
}

func writeArtifact(t *testing.T, dir, repoName, filename string) {
	t.Helper()
	repoDir := filepath.Join(dir, repoName)
	if err := os.MkdirAll(repoDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(repoDir, filename), []byte("fake-artifact"), 0644); err != nil {
		t.Fatal(err)
	}
}

func namesOf(reg *recipe.Registry, levels [][]recipe.ID) [][]string {
	out := make([][]string, len(levels))
	for i, level := range levels {
		row := make([]string, len(level))
		for j, id := range level {
			row[j] = reg.Get(id).Name
		}
		out[i] = row
	}
	return out
}

// TestUnbuiltLevelsLinearChain: a -> b -> c produces three
// levels, dependencies first.
func TestUnbuiltLevelsLinearChain(t *testing.T) {
	reg := discoverFixture(t, map[string]recipe.Recipe{
		"a": {Version: "1", Depends: []string{"b"}},
		"b": {Version: "1", Depends: []string{"c"}},
		"c": {Version: "1"},
	})
	a, _ := reg.Lookup("a")
	cfg := config.NewAt(t.TempDir(), config.ArchX86_64, config.Build{})
	oracle := freshness.NewOracle(cfg, repoindex.NewClient(), &fakeRepublisher{}, genericPackageList, "")

	plan, err := UnbuiltLevels(context.Background(), reg, []recipe.ID{a}, config.ArchX86_64, oracle, false, false, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan) != 3 {
		t.Fatalf("expected 3 levels, got %d: %v", len(plan), namesOf(reg, plan))
	}
	if reg.Get(plan[0][0]).Name != "c" || reg.Get(plan[2][0]).Name != "a" {
		t.Fatalf("unexpected level order: %v", namesOf(reg, plan))
	}
}

// TestUnbuiltLevelsProvidesAlias: a depends on the alias "foo",
// provided by b, so b must build before a.
func TestUnbuiltLevelsProvidesAlias(t *testing.T) {
	reg := discoverFixture(t, map[string]recipe.Recipe{
		"a": {Version: "1", Depends: []string{"foo"}},
		"b": {Version: "1", Provides: []string{"foo"}},
	})
	a, _ := reg.Lookup("a")
	cfg := config.NewAt(t.TempDir(), config.ArchX86_64, config.Build{})
	oracle := freshness.NewOracle(cfg, repoindex.NewClient(), &fakeRepublisher{}, genericPackageList, "")

	plan, err := UnbuiltLevels(context.Background(), reg, []recipe.ID{a}, config.ArchX86_64, oracle, false, false, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan) != 2 {
		t.Fatalf("expected 2 levels, got %d: %v", len(plan), namesOf(reg, plan))
	}
	if reg.Get(plan[0][0]).Name != "b" {
		t.Fatalf("expected b (providing foo) to build first, got %v", namesOf(reg, plan))
	}
}

// TestUnbuiltLevelsPrunesAlreadyBuilt: once a's
// artifact already exists in the target arch's repo, a plain re-run (no
// force) produces an empty plan.
func TestUnbuiltLevelsPrunesAlreadyBuilt(t *testing.T) {
	reg := discoverFixture(t, map[string]recipe.Recipe{
		"a": {Version: "1.0-1"},
	})
	a, _ := reg.Lookup("a")

	root := t.TempDir()
	cfg := config.NewAt(root, config.ArchX86_64, config.Build{})
	writeArtifact(t, cfg.PackageDir(config.ArchX86_64), "main", "a-1.0-1-x86_64.pkg.tar.zst")
	oracle := freshness.NewOracle(cfg, repoindex.NewClient(), &fakeRepublisher{}, genericPackageList, "")

	plan, err := UnbuiltLevels(context.Background(), reg, []recipe.ID{a}, config.ArchX86_64, oracle, false, false, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan) != 0 {
		t.Fatalf("expected an already-built recipe to prune to an empty plan, got %v", namesOf(reg, plan))
	}
}

// TestUnbuiltLevelsForceRebuildsEvenIfPresent: the same setup as
// above, but force=true bypasses the freshness check entirely.
func TestUnbuiltLevelsForceRebuildsEvenIfPresent(t *testing.T) {
	reg := discoverFixture(t, map[string]recipe.Recipe{
		"a": {Version: "1.0-1"},
	})
	a, _ := reg.Lookup("a")

	root := t.TempDir()
	cfg := config.NewAt(root, config.ArchX86_64, config.Build{})
	writeArtifact(t, cfg.PackageDir(config.ArchX86_64), "main", "a-1.0-1-x86_64.pkg.tar.zst")
	oracle := freshness.NewOracle(cfg, repoindex.NewClient(), &fakeRepublisher{}, genericPackageList, "")

	plan, err := UnbuiltLevels(context.Background(), reg, []recipe.ID{a}, config.ArchX86_64, oracle, true, false, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan) != 1 || len(plan[0]) != 1 || reg.Get(plan[0][0]).Name != "a" {
		t.Fatalf("expected a forced rebuild to include a despite it already being built, got %v", namesOf(reg, plan))
	}
}

// TestUnbuiltLevelsForceOnlyAffectsRequested: in the chain a -> b -> c,
// forcing a rebuild of a alone must not drag in c, which is already built
// and was never requested. Force is scoped to the requested recipes only.
func TestUnbuiltLevelsForceOnlyAffectsRequested(t *testing.T) {
	reg := discoverFixture(t, map[string]recipe.Recipe{
		"a": {Version: "1", Depends: []string{"b"}},
		"b": {Version: "1", Depends: []string{"c"}},
		"c": {Version: "1"},
	})
	a, _ := reg.Lookup("a")

	root := t.TempDir()
	cfg := config.NewAt(root, config.ArchX86_64, config.Build{})
	writeArtifact(t, cfg.PackageDir(config.ArchX86_64), "main", "a-1-x86_64.pkg.tar.zst")
	writeArtifact(t, cfg.PackageDir(config.ArchX86_64), "main", "b-1-x86_64.pkg.tar.zst")
	writeArtifact(t, cfg.PackageDir(config.ArchX86_64), "main", "c-1-x86_64.pkg.tar.zst")
	oracle := freshness.NewOracle(cfg, repoindex.NewClient(), &fakeRepublisher{}, genericPackageList, "")

	plan, err := UnbuiltLevels(context.Background(), reg, []recipe.ID{a}, config.ArchX86_64, oracle, true, false, false)
	if err != nil {
		t.Fatal(err)
	}

	got := map[string]bool{}
	for _, level := range plan {
		for _, id := range level {
			got[reg.Get(id).Name] = true
		}
	}
	if !got["a"] {
		t.Fatalf("expected forced recipe a to appear in the plan, got %v", namesOf(reg, plan))
	}
	if got["b"] || got["c"] {
		t.Fatalf("expected force to be scoped to the requested recipe only, not its already-built dependencies; got %v", namesOf(reg, plan))
	}
}

// TestUnbuiltLevelsRebuildDependantsCascade: requesting a with
// rebuildDependants pulls in b and c, which transitively depend on it.
func TestUnbuiltLevelsRebuildDependantsCascade(t *testing.T) {
	reg := discoverFixture(t, map[string]recipe.Recipe{
		"a": {Version: "1"},
		"b": {Version: "1", Depends: []string{"a"}},
		"c": {Version: "1", Depends: []string{"b"}},
	})
	a, _ := reg.Lookup("a")
	cfg := config.NewAt(t.TempDir(), config.ArchX86_64, config.Build{})
	oracle := freshness.NewOracle(cfg, repoindex.NewClient(), &fakeRepublisher{}, genericPackageList, "")

	plan, err := UnbuiltLevels(context.Background(), reg, []recipe.ID{a}, config.ArchX86_64, oracle, true, true, false)
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]bool{}
	for _, level := range plan {
		for _, id := range level {
			got[reg.Get(id).Name] = true
		}
	}
	if !got["a"] || !got["b"] || !got["c"] {
		t.Fatalf("expected rebuild-dependants cascade to include a, b, c; got %v", namesOf(reg, plan))
	}
	if len(plan) != 3 {
		t.Fatalf("expected the cascade to stratify into 3 levels, got %v", namesOf(reg, plan))
	}
}

// TestDependantsCascade exercises Dependants directly: recursive dependants
// of a must include both its direct (b) and transitive (c) dependants.
func TestDependantsCascade(t *testing.T) {
	reg := discoverFixture(t, map[string]recipe.Recipe{
		"a": {Version: "1"},
		"b": {Version: "1", Depends: []string{"a"}},
		"c": {Version: "1", Depends: []string{"b"}},
	})
	a, _ := reg.Lookup("a")

	deps := Dependants(reg, []recipe.ID{a}, true)
	names := make(map[string]bool, len(deps))
	for _, id := range deps {
		names[reg.Get(id).Name] = true
	}
	if !names["b"] || !names["c"] {
		t.Fatalf("expected recursive dependants to include b and c, got %v", names)
	}
	if names["a"] {
		t.Fatalf("expected dependants to exclude the requested recipe itself, got %v", names)
	}
}

// TestDependantsNonRecursiveStopsAtDirect exercises the non-recursive case:
// only b, a's direct dependant, is returned, not c.
func TestDependantsNonRecursiveStopsAtDirect(t *testing.T) {
	reg := discoverFixture(t, map[string]recipe.Recipe{
		"a": {Version: "1"},
		"b": {Version: "1", Depends: []string{"a"}},
		"c": {Version: "1", Depends: []string{"b"}},
	})
	a, _ := reg.Lookup("a")

	deps := Dependants(reg, []recipe.ID{a}, false)
	names := make(map[string]bool, len(deps))
	for _, id := range deps {
		names[reg.Get(id).Name] = true
	}
	if !names["b"] {
		t.Fatalf("expected direct dependant b, got %v", names)
	}
	if names["c"] {
		t.Fatalf("expected non-recursive Dependants to exclude transitive dependant c, got %v", names)
	}
}
