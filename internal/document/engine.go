// Package document fetches story documents and opens them as page-addressable
// handles. A failed fetch or decode never surfaces as an error to the caller:
// the load result switches to embed mode and the preview URL is shown instead.
package document

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"math"
	"sync"
)

// Engine decodes raw document bytes.
type Engine interface {
	Open(data []byte) (Handle, error)
}

// Handle is a decoded document. It is owned by a single reader view and
// closed when the story changes or the view goes away.
type Handle interface {
	PageCount() int
	// Page returns page n (1-indexed).
	Page(ctx context.Context, n int) (Page, error)
	Close() error
}

// Page is one decoded page.
type Page interface {
	Number() int
	Viewport(scale float64) Viewport
	Render(ctx context.Context, dst *Surface, vp Viewport) error
}

// Viewport maps page space (points, origin bottom-left) to surface pixels.
type Viewport struct {
	Scale  float64 `json:"scale"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	// page box in page space
	X0, Y0, X1, Y1 float64 `json:"-"`
}

// NewViewport builds the transform for a page box at scale.
func NewViewport(x0, y0, x1, y1, scale float64) Viewport {
	if scale <= 0 {
		scale = 1
	}
	return Viewport{
		Scale:  scale,
		Width:  math.Abs(x1-x0) * scale,
		Height: math.Abs(y1-y0) * scale,
		X0:     math.Min(x0, x1),
		Y0:     math.Min(y0, y1),
		X1:     math.Max(x0, x1),
		Y1:     math.Max(y0, y1),
	}
}

// Apply converts a page-space point into surface pixel coordinates.
func (v Viewport) Apply(x, y float64) (float64, float64) {
	return (x - v.X0) * v.Scale, (v.Y1 - y) * v.Scale
}

// PixelSize returns the integer surface size for the viewport.
func (v Viewport) PixelSize() (int, int) {
	return int(math.Ceil(v.Width)), int(math.Ceil(v.Height))
}

// Surface is the bitmap target for one page.
type Surface struct {
	page int

	mu  sync.RWMutex
	img *image.RGBA
}

// NewSurface creates an empty surface for page n.
func NewSurface(page int) *Surface {
	return &Surface{page: page, img: image.NewRGBA(image.Rect(0, 0, 0, 0))}
}

func (s *Surface) PageNumber() int { return s.page }

// Resize reallocates the bitmap and paints it white, discarding previous
// content.
func (s *Surface) Resize(width, height int) {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	s.mu.Lock()
	s.img = img
	s.mu.Unlock()
}

// Draw runs fn with exclusive access to the bitmap.
func (s *Surface) Draw(fn func(img *image.RGBA)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.img)
}

// Image returns a copy of the current bitmap.
func (s *Surface) Image() *image.RGBA {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := image.NewRGBA(s.img.Bounds())
	copy(out.Pix, s.img.Pix)
	return out
}

// Size returns the bitmap dimensions.
func (s *Surface) Size() (int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b := s.img.Bounds()
	return b.Dx(), b.Dy()
}
