package document

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strings"
	"sync"

	"github.com/ledongthuc/pdf"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Letter size in points, used when a page carries no usable MediaBox.
const (
	defaultPageWidth  = 612
	defaultPageHeight = 792
	maxParentDepth    = 32
)

var (
	inkColor  = color.RGBA{R: 0x1c, G: 0x19, B: 0x17, A: 0xff}
	ruleColor = color.RGBA{R: 0xa8, G: 0xa2, B: 0x9e, A: 0xff}
)

// PDFEngine decodes PDFs with github.com/ledongthuc/pdf and rasterizes the
// text runs and rectangles of each page.
type PDFEngine struct{}

// Open parses data as a PDF document.
func (PDFEngine) Open(data []byte) (h Handle, err error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}
	defer func() {
		if r := recover(); r != nil {
			h, err = nil, fmt.Errorf("open pdf: %v", r)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	return &pdfHandle{reader: reader, pages: reader.NumPage()}, nil
}

type pdfHandle struct {
	// the decoder is not safe for concurrent use
	mu     sync.Mutex
	reader *pdf.Reader
	pages  int
	closed bool
}

func (h *pdfHandle) PageCount() int { return h.pages }

func (h *pdfHandle) Page(ctx context.Context, n int) (p Page, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n < 1 || n > h.pages {
		return nil, fmt.Errorf("%w: %d of %d", ErrPageOutOfRange, n, h.pages)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHandleClosed
	}
	defer func() {
		if r := recover(); r != nil {
			p, err = nil, fmt.Errorf("decode page %d: %v", n, r)
		}
	}()
	page := h.reader.Page(n)
	if page.V.IsNull() {
		return nil, fmt.Errorf("decode page %d: missing page object", n)
	}
	x0, y0, x1, y1 := mediaBox(page.V)
	return &pdfPage{handle: h, page: page, number: n, box: [4]float64{x0, y0, x1, y1}}, nil
}

func (h *pdfHandle) Close() error {
	h.mu.Lock()
	h.closed = true
	h.reader = nil
	h.mu.Unlock()
	return nil
}

// mediaBox walks the page tree upwards because MediaBox is inheritable.
func mediaBox(v pdf.Value) (float64, float64, float64, float64) {
	for i := 0; i < maxParentDepth && !v.IsNull(); i++ {
		box := v.Key("MediaBox")
		if box.Kind() == pdf.Array && box.Len() == 4 {
			x0, y0 := box.Index(0).Float64(), box.Index(1).Float64()
			x1, y1 := box.Index(2).Float64(), box.Index(3).Float64()
			if x1 != x0 && y1 != y0 {
				return x0, y0, x1, y1
			}
		}
		v = v.Key("Parent")
	}
	return 0, 0, defaultPageWidth, defaultPageHeight
}

type pdfPage struct {
	handle *pdfHandle
	page   pdf.Page
	number int
	box    [4]float64
}

func (p *pdfPage) Number() int { return p.number }

func (p *pdfPage) Viewport(scale float64) Viewport {
	return NewViewport(p.box[0], p.box[1], p.box[2], p.box[3], scale)
}

func (p *pdfPage) Render(ctx context.Context, dst *Surface, vp Viewport) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	content, err := p.content()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	w, h := vp.PixelSize()
	dst.Resize(w, h)
	dst.Draw(func(img *image.RGBA) {
		for _, r := range content.Rect {
			x0, y0 := vp.Apply(r.Min.X, r.Max.Y)
			x1, y1 := vp.Apply(r.Max.X, r.Min.Y)
			strokeRect(img, image.Rect(int(x0), int(y0), int(x1), int(y1)))
		}
		d := &font.Drawer{Dst: img, Src: image.NewUniform(inkColor), Face: basicfont.Face7x13}
		for _, t := range content.Text {
			s := strings.TrimRight(t.S, "\x00")
			if s == "" {
				continue
			}
			x, y := vp.Apply(t.X, t.Y)
			d.Dot = fixed.P(int(x), int(y))
			d.DrawString(s)
		}
	})
	return nil
}

func (p *pdfPage) content() (c pdf.Content, err error) {
	p.handle.mu.Lock()
	defer p.handle.mu.Unlock()
	if p.handle.closed {
		return pdf.Content{}, ErrHandleClosed
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decode page %d content: %v", p.number, r)
		}
	}()
	return p.page.Content(), nil
}

func strokeRect(img *image.RGBA, r image.Rectangle) {
	r = r.Canon().Intersect(img.Bounds())
	if r.Empty() {
		return
	}
	src := image.NewUniform(ruleColor)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+1),
		image.Rect(r.Min.X, r.Max.Y-1, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+1, r.Max.Y),
		image.Rect(r.Max.X-1, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(img, e, src, image.Point{}, draw.Src)
	}
}
