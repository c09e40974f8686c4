package app

import (
	"errors"

	"storyverse/internal/catalog"
)

var (
	ErrStoryNotFound   = catalog.ErrStoryNotFound
	ErrNoStoryOpen     = errors.New("no story open")
	ErrNotRendering    = errors.New("story is shown as an embedded preview")
	ErrInvalidRating   = errors.New("rating must be between 1 and 5")
	ErrInvalidPage     = errors.New("invalid page number")
	ErrInvalidZoom     = errors.New("zoom out of range")
	ErrUnknownOverlay  = errors.New("unknown overlay")
	ErrUnknownTheme    = errors.New("unknown reader theme")
	ErrSelectionStale  = errors.New("story selection superseded")
	ErrProgressMissing = errors.New("progress not restored")

	errScrollSuperseded = errors.New("scroll belongs to a previous story")
)
