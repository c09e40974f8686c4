package app

import (
	"context"
	"slices"

	"storyverse/internal/engagement"
	"storyverse/internal/progress"
)

// ToggleLike flips the like on the open story and reports the new state.
func (a *App) ToggleLike(ctx context.Context) (bool, error) {
	id, err := a.openStoryID()
	if err != nil {
		return false, err
	}
	var liked bool
	p, err := a.Update(ctx, func(p *progress.UserProgress) error {
		liked = p.Likes.Toggle(id)
		return nil
	})
	if err != nil {
		return false, err
	}
	a.beacon.Fire(engagement.NewEvent(p.UserID, id, engagement.TypeLike, liked))
	return liked, nil
}

// Rate records a 1..5 score for the open story, replacing any earlier one.
func (a *App) Rate(ctx context.Context, score int) error {
	if score < 1 || score > 5 {
		return ErrInvalidRating
	}
	id, err := a.openStoryID()
	if err != nil {
		return err
	}
	p, err := a.Update(ctx, func(p *progress.UserProgress) error {
		p.Ratings[id] = score
		return nil
	})
	if err != nil {
		return err
	}
	a.beacon.Fire(engagement.NewEvent(p.UserID, id, engagement.TypeRating, score))
	return nil
}

// ToggleBookmark adds or removes page on the open story and returns the
// resulting list in insertion order.
func (a *App) ToggleBookmark(ctx context.Context, page int) ([]int, error) {
	if page < 1 {
		return nil, ErrInvalidPage
	}
	id, err := a.openStoryID()
	if err != nil {
		return nil, err
	}
	if s, err := a.scheduler(); err == nil && page > s.PageCount() {
		return nil, ErrInvalidPage
	}
	p, err := a.Update(ctx, func(p *progress.UserProgress) error {
		p.ToggleBookmark(id, page)
		return nil
	})
	if err != nil {
		return nil, err
	}
	pages := p.Bookmarks[id]
	a.beacon.Fire(engagement.NewEvent(p.UserID, id, engagement.TypeBookmark, slices.Clone(pages)))
	return pages, nil
}
