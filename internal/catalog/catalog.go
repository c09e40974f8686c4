// Package catalog holds the story catalogue: a display tree of universes,
// series and seasons, plus a flat id index built once at load time.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

// ErrStoryNotFound is returned when an id is not in the index.
var ErrStoryNotFound = errors.New("story not found")

type Story struct {
	ID         string `json:"id" yaml:"id"`
	Title      string `json:"title" yaml:"title"`
	SourcePath string `json:"sourcePath" yaml:"sourcePath"`
	Universe   string `json:"universe" yaml:"-"`
	Series     string `json:"series,omitempty" yaml:"-"`
	Season     string `json:"season,omitempty" yaml:"-"`
	Order      int    `json:"order" yaml:"order"`
}

type Season struct {
	Name    string  `json:"name" yaml:"name"`
	Stories []Story `json:"stories" yaml:"stories"`
}

type Series struct {
	Name    string   `json:"name" yaml:"name"`
	Seasons []Season `json:"seasons" yaml:"seasons"`
}

type Universe struct {
	ID                string   `json:"id" yaml:"id"`
	Name              string   `json:"name" yaml:"name"`
	Description       string   `json:"description,omitempty" yaml:"description"`
	Series            []Series `json:"series" yaml:"series"`
	StandaloneStories []Story  `json:"standaloneStories,omitempty" yaml:"standaloneStories"`
}

// Catalog is the immutable catalogue. The tree is kept for display grouping;
// lookups go through the flat index.
type Catalog struct {
	universes []Universe
	stories   []Story
	byID      map[string]int
	// folded titles, parallel to stories
	folded []string
}

// New builds a catalogue and its id index. Story ids must be unique.
func New(universes []Universe) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]int)}
	for ui := range universes {
		u := universes[ui]
		for si := range u.Series {
			ser := &u.Series[si]
			for ssi := range ser.Seasons {
				sea := &ser.Seasons[ssi]
				for i := range sea.Stories {
					st := &sea.Stories[i]
					st.Universe, st.Series, st.Season = u.ID, ser.Name, sea.Name
					if err := c.add(*st); err != nil {
						return nil, err
					}
				}
			}
		}
		for i := range u.StandaloneStories {
			st := &u.StandaloneStories[i]
			st.Universe = u.ID
			if err := c.add(*st); err != nil {
				return nil, err
			}
		}
		c.universes = append(c.universes, u)
	}
	return c, nil
}

func (c *Catalog) add(st Story) error {
	st.ID = strings.TrimSpace(st.ID)
	if st.ID == "" {
		return fmt.Errorf("catalog: story %q has no id", st.Title)
	}
	if _, dup := c.byID[st.ID]; dup {
		return fmt.Errorf("catalog: duplicate story id %q", st.ID)
	}
	c.byID[st.ID] = len(c.stories)
	c.stories = append(c.stories, st)
	c.folded = append(c.folded, fold(st.Title))
	return nil
}

// Load reads a YAML catalogue file (a top-level `universes:` list).
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var doc struct {
		Universes []Universe `yaml:"universes"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return New(doc.Universes)
}

// Story returns the story with id.
func (c *Catalog) Story(id string) (Story, error) {
	idx, ok := c.byID[strings.TrimSpace(id)]
	if !ok {
		return Story{}, ErrStoryNotFound
	}
	return c.stories[idx], nil
}

// Stories returns every story in catalogue order.
func (c *Catalog) Stories() []Story {
	return append([]Story(nil), c.stories...)
}

// Universes returns the display tree.
func (c *Catalog) Universes() []Universe {
	return append([]Universe(nil), c.universes...)
}

// Search matches stories whose title contains q, ignoring case and accents,
// ordered by universe then story order.
func (c *Catalog) Search(q string) []Story {
	q = fold(strings.TrimSpace(q))
	var out []Story
	for i, st := range c.stories {
		if q == "" || strings.Contains(c.folded[i], q) {
			out = append(out, st)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Universe != out[j].Universe {
			return out[i].Universe < out[j].Universe
		}
		return out[i].Order < out[j].Order
	})
	return out
}

// fold strips combining marks and case-folds s.
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC, cases.Fold())
	out, _, err := transform.String(t, s)
	if err != nil {
		return strings.ToLower(s)
	}
	return out
}
