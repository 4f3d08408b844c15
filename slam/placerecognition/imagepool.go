package placerecognition

import (
	"fmt"
	"image"
	"image/color"
	"sync"

	"github.com/fogleman/gg"
	"github.com/nfnt/resize"
)

// Thumbnail dimensions of images kept for loop debugging.
const (
	ThumbnailWidth  = 376
	ThumbnailHeight = 240
	notationHeight  = 50
)

// ImagePool keeps a downscaled copy of every keyframe image so loop results can be rendered.
type ImagePool struct {
	mu     sync.Mutex
	images map[int]image.Image
}

// NewImagePool returns an empty pool.
func NewImagePool() *ImagePool {
	return &ImagePool{images: map[int]image.Image{}}
}

// Add stores a thumbnail of img under index. A nil image is ignored.
func (p *ImagePool) Add(index int, img image.Image) {
	if img == nil {
		return
	}
	thumb := resize.Resize(ThumbnailWidth, ThumbnailHeight, img, resize.Bilinear)
	p.mu.Lock()
	p.images[index] = thumb
	p.mu.Unlock()
}

// Get returns the thumbnail stored under index.
func (p *ImagePool) Get(index int) (image.Image, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	img, ok := p.images[index]
	return img, ok
}

// Len is the number of stored thumbnails.
func (p *ImagePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.images)
}

// LoopResult renders the query thumbnail followed by the thumbnail of every result, each under a
// white strip naming its index and score. Results whose thumbnail is unknown are drawn blank.
func (p *ImagePool) LoopResult(query int, results Results, loopScore float64) image.Image {
	tiles := len(results) + 1
	dc := gg.NewContext(tiles*ThumbnailWidth, ThumbnailHeight+notationHeight)
	dc.SetColor(color.White)
	dc.Clear()

	draw := func(tile, index int, caption string) {
		x := tile * ThumbnailWidth
		if img, ok := p.Get(index); ok {
			dc.DrawImage(img, x, notationHeight)
		}
		dc.SetColor(color.Black)
		dc.DrawString(caption, float64(x+10), 30)
	}

	caption := fmt.Sprintf("index: %d", query)
	if len(results) > 0 {
		caption = fmt.Sprintf("neighbour score: %f  index: %d", results[0].Score, query)
	}
	draw(0, query, caption)
	for i, r := range results {
		caption := fmt.Sprintf("index: %d  score: %f", r.ID, r.Score)
		if i > 0 && r.Score > loopScore {
			caption = fmt.Sprintf("loop score: %f  index: %d", r.Score, r.ID)
		}
		draw(i+1, r.ID, caption)
	}
	return dc.Image()
}
