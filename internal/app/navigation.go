package app

type Overlay string

const (
	OverlaySidebar Overlay = "sidebar"
	OverlayMap     Overlay = "map"
	OverlayChat    Overlay = "chat"
)

type Theme string

const (
	ThemeNight     Theme = "night"
	ThemeParchment Theme = "parchment"
)

type navigation struct {
	sidebar bool
	mapOpen bool
	chat    bool
	theme   Theme
	// compact layouts close the sidebar on navigation
	compact bool
}

func defaultNavigation() navigation {
	return navigation{sidebar: true, theme: ThemeNight}
}

// Navigation is the view state shown around the reader.
type Navigation struct {
	StoryID string  `json:"storyId,omitempty"`
	Sidebar bool    `json:"sidebar"`
	Map     bool    `json:"map"`
	Chat    bool    `json:"chat"`
	Theme   Theme   `json:"theme"`
	Compact bool    `json:"compact"`
	Zoom    float64 `json:"zoom"`
}

func (a *App) navigationLocked() Navigation {
	n := Navigation{
		Sidebar: a.nav.sidebar,
		Map:     a.nav.mapOpen,
		Chat:    a.nav.chat,
		Theme:   a.nav.theme,
		Compact: a.nav.compact,
		Zoom:    a.zoom,
	}
	if a.mount != nil {
		n.StoryID = a.mount.story.ID
	}
	return n
}

// afterNavigateLocked closes the map, and the sidebar on compact layouts.
func (a *App) afterNavigateLocked() {
	a.nav.mapOpen = false
	if a.nav.compact {
		a.nav.sidebar = false
	}
}

func (a *App) Navigation() Navigation {
	a.viewMu.Lock()
	defer a.viewMu.Unlock()
	return a.navigationLocked()
}

// SetOverlay opens or closes one overlay.
func (a *App) SetOverlay(name Overlay, open bool) (Navigation, error) {
	a.viewMu.Lock()
	defer a.viewMu.Unlock()
	switch name {
	case OverlaySidebar:
		a.nav.sidebar = open
	case OverlayMap:
		a.nav.mapOpen = open
	case OverlayChat:
		a.nav.chat = open
	default:
		return Navigation{}, ErrUnknownOverlay
	}
	return a.navigationLocked(), nil
}

func (a *App) SetTheme(theme Theme) (Navigation, error) {
	if theme != ThemeNight && theme != ThemeParchment {
		return Navigation{}, ErrUnknownTheme
	}
	a.viewMu.Lock()
	defer a.viewMu.Unlock()
	a.nav.theme = theme
	return a.navigationLocked(), nil
}

func (a *App) SetCompact(compact bool) Navigation {
	a.viewMu.Lock()
	defer a.viewMu.Unlock()
	a.nav.compact = compact
	return a.navigationLocked()
}

// GoHome closes the open story. A load still in flight is discarded when it
// completes.
func (a *App) GoHome() Navigation {
	a.viewMu.Lock()
	defer a.viewMu.Unlock()
	a.selectGen++
	a.unmountLocked()
	a.afterNavigateLocked()
	return a.navigationLocked()
}
