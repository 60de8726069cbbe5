package catalog_test

import (
	"testing"

	"stageline/internal/catalog"
)

func TestDefaultCatalogOrdering(t *testing.T) {
	cat := catalog.Default()
	if cat.Len() == 0 {
		t.Fatal("default catalog is empty")
	}
	for i, def := range cat.Stages() {
		if def.Order != i {
			t.Fatalf("stage %s order = %d, want %d", def.Name, def.Order, i)
		}
		if def.DisplayName == "" {
			t.Fatalf("stage %s has no display name", def.Name)
		}
	}
}

func TestNewRejectsBadStageLists(t *testing.T) {
	if _, err := catalog.New(nil); err == nil {
		t.Fatal("empty stage list accepted")
	}
	if _, err := catalog.New([]catalog.StageDef{{Name: ""}}); err == nil {
		t.Fatal("unnamed stage accepted")
	}
	if _, err := catalog.New([]catalog.StageDef{{Name: "a"}, {Name: "a"}}); err == nil {
		t.Fatal("duplicate stage name accepted")
	}
}

func TestNewAssignsOrderByPosition(t *testing.T) {
	cat, err := catalog.New([]catalog.StageDef{
		{Name: "b", Order: 99},
		{Name: "a"},
	})
	if err != nil {
		t.Fatal(err)
	}
	def, ok := cat.ByName("b")
	if !ok || def.Order != 0 {
		t.Fatalf("b order = %d, want 0", def.Order)
	}
	def, ok = cat.ByName("a")
	if !ok || def.Order != 1 {
		t.Fatalf("a order = %d, want 1", def.Order)
	}
	if _, ok := cat.ByName("nope"); ok {
		t.Fatal("unknown stage resolved")
	}
}
