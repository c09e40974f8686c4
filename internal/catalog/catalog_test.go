package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const sampleCatalog = `
universes:
  - id: legend
    name: Legend Verse
    series:
      - name: Guardians of Legend
        seasons:
          - name: Collection
            stories:
              - id: lv-2
                title: The Legend Of Veer
                sourcePath: https://drive.google.com/uc?export=download&id=BBB
                order: 2
              - id: lv-1
                title: Arjun The Lightning Guardian
                sourcePath: https://drive.google.com/uc?export=download&id=AAA
                order: 1
  - id: ssu
    name: Shouryanagar Universe
    standaloneStories:
      - id: ssu-sa-1
        title: Magical Sword
        sourcePath: /stories/sword.pdf
        order: 1
`

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	return path
}

func TestLoadBuildsFlatIndex(t *testing.T) {
	c, err := Load(writeCatalog(t, sampleCatalog))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := len(c.Stories()); got != 3 {
		t.Fatalf("len(stories) = %d, want 3", got)
	}
	st, err := c.Story("lv-1")
	if err != nil {
		t.Fatalf("story: %v", err)
	}
	if st.Universe != "legend" || st.Series != "Guardians of Legend" || st.Season != "Collection" {
		t.Fatalf("unexpected grouping: %+v", st)
	}
	sa, err := c.Story("ssu-sa-1")
	if err != nil {
		t.Fatalf("standalone: %v", err)
	}
	if sa.Universe != "ssu" || sa.Series != "" {
		t.Fatalf("unexpected standalone grouping: %+v", sa)
	}
	if sa.SourcePath != "/stories/sword.pdf" || st.SourcePath != "https://drive.google.com/uc?export=download&id=AAA" {
		t.Fatalf("sourcePath not loaded: %q / %q", sa.SourcePath, st.SourcePath)
	}
	if _, err := c.Story("missing"); !errors.Is(err, ErrStoryNotFound) {
		t.Fatalf("expected ErrStoryNotFound, got %v", err)
	}
}

func TestNewRejectsDuplicateIDs(t *testing.T) {
	_, err := New([]Universe{{
		ID: "u",
		StandaloneStories: []Story{
			{ID: "a", Title: "one"},
			{ID: "a", Title: "two"},
		},
	}})
	if err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestSearchOrdersByUniverseAndOrder(t *testing.T) {
	c, err := Load(writeCatalog(t, sampleCatalog))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got := c.Search("the")
	if len(got) != 2 {
		t.Fatalf("len(search) = %d, want 2", len(got))
	}
	if got[0].ID != "lv-1" || got[1].ID != "lv-2" {
		t.Fatalf("unexpected order: %s, %s", got[0].ID, got[1].ID)
	}
	if all := c.Search(""); len(all) != 3 {
		t.Fatalf("empty query should match all, got %d", len(all))
	}
}

func TestSearchIgnoresAccentsAndCase(t *testing.T) {
	c, err := New([]Universe{{
		ID: "agni",
		StandaloneStories: []Story{
			{ID: "a-1", Title: "Agni Tech Vishwa: Éveil", Order: 1},
			{ID: "a-2", Title: "Code of the Forge", Order: 2},
		},
	}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, q := range []string{"eveil", "ÉVEIL", " vishwa "} {
		got := c.Search(q)
		if len(got) != 1 || got[0].ID != "a-1" {
			t.Fatalf("search(%q) = %+v, want a-1", q, got)
		}
	}
}
