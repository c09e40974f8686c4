package progress

import (
	"encoding/json"
	"slices"
	"sort"
)

const (
	RoleUser  = "user"
	RoleModel = "model"
)

// StorySet is a set of story ids. It is stored as a sorted JSON list.
type StorySet map[string]struct{}

func NewStorySet(ids ...string) StorySet {
	s := make(StorySet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s StorySet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Toggle flips membership of id and reports whether it is now a member.
func (s StorySet) Toggle(id string) bool {
	if s.Has(id) {
		delete(s, id)
		return false
	}
	s[id] = struct{}{}
	return true
}

func (s StorySet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s StorySet) Clone() StorySet {
	out := make(StorySet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

func (s StorySet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *StorySet) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*s = NewStorySet(ids...)
	return nil
}

type ChatMessage struct {
	Role      string `json:"role"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

type ChatSession struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	Messages  []ChatMessage `json:"messages"`
	UpdatedAt int64         `json:"updatedAt"`
}

// UserProgress is the single per-device record.
type UserProgress struct {
	UserID         string           `json:"userId"`
	LastStoryID    string           `json:"lastStoryId"`
	ScrollPosition float64          `json:"scrollPosition"`
	Likes          StorySet         `json:"likes"`
	Ratings        map[string]int   `json:"ratings"`
	Bookmarks      map[string][]int `json:"bookmarks"`
	Chats          []ChatSession    `json:"chats"`
	CurrentChatID  string           `json:"currentChatId"`
}

// Defaults returns the empty record for userID.
func Defaults(userID string) UserProgress {
	return UserProgress{
		UserID:    userID,
		Likes:     StorySet{},
		Ratings:   map[string]int{},
		Bookmarks: map[string][]int{},
		Chats:     []ChatSession{},
	}
}

func (p *UserProgress) normalize() {
	if p.Likes == nil {
		p.Likes = StorySet{}
	}
	if p.Ratings == nil {
		p.Ratings = map[string]int{}
	}
	if p.Bookmarks == nil {
		p.Bookmarks = map[string][]int{}
	}
	if p.Chats == nil {
		p.Chats = []ChatSession{}
	}
	for i := range p.Chats {
		if p.Chats[i].Messages == nil {
			p.Chats[i].Messages = []ChatMessage{}
		}
	}
}

// Clone returns a deep copy so snapshots can be mutated without aliasing.
func (p UserProgress) Clone() UserProgress {
	out := p
	out.Likes = p.Likes.Clone()
	out.Ratings = make(map[string]int, len(p.Ratings))
	for k, v := range p.Ratings {
		out.Ratings[k] = v
	}
	out.Bookmarks = make(map[string][]int, len(p.Bookmarks))
	for k, v := range p.Bookmarks {
		out.Bookmarks[k] = slices.Clone(v)
	}
	out.Chats = make([]ChatSession, len(p.Chats))
	for i, c := range p.Chats {
		c.Messages = slices.Clone(c.Messages)
		out.Chats[i] = c
	}
	out.normalize()
	return out
}

// ToggleBookmark adds page to the story's bookmarks, or removes it if already
// present. It returns the resulting list.
func (p *UserProgress) ToggleBookmark(storyID string, page int) []int {
	if p.Bookmarks == nil {
		p.Bookmarks = map[string][]int{}
	}
	current := p.Bookmarks[storyID]
	var next []int
	if slices.Contains(current, page) {
		next = make([]int, 0, len(current))
		for _, n := range current {
			if n != page {
				next = append(next, n)
			}
		}
	} else {
		next = append(slices.Clone(current), page)
	}
	p.Bookmarks[storyID] = next
	return next
}

// Session returns the chat session with id.
func (p *UserProgress) Session(id string) (*ChatSession, bool) {
	for i := range p.Chats {
		if p.Chats[i].ID == id {
			return &p.Chats[i], true
		}
	}
	return nil, false
}
