// internal/visual/contours.go
package visual

import (
	"image"
	"sort"

	"github.com/anthonynsimon/bild/effect"
	"github.com/anthonynsimon/bild/segment"
)

const (
	// edgeBinaryLevel separates edge pixels from background after edge
	// detection.
	edgeBinaryLevel = 32
	// maxButtonCandidates bounds the per-screen OCR cost of the contour
	// search.
	maxButtonCandidates = 24
)

// sizeFilter is the acceptable bounding box range for button candidates.
type sizeFilter struct {
	minW, maxW int
	minH, maxH int
}

func (f sizeFilter) accepts(r image.Rectangle) bool {
	return r.Dx() >= f.minW && r.Dx() <= f.maxW && r.Dy() >= f.minH && r.Dy() <= f.maxH
}

// detectButtonRects finds button-sized rectangular regions. The image is
// reduced to a binary edge map and each connected edge component's bounding
// box becomes a candidate, filtered by size and deduplicated. Candidates
// come back in reading order, top to bottom.
func detectButtonRects(img image.Image, filter sizeFilter) []image.Rectangle {
	edges := effect.EdgeDetection(effect.Grayscale(img), 1.0)
	binary := segment.Threshold(edges, edgeBinaryLevel)

	rects := edgeComponents(binary, filter)
	rects = dropNested(rects)

	sort.Slice(rects, func(i, j int) bool {
		if rects[i].Min.Y != rects[j].Min.Y {
			return rects[i].Min.Y < rects[j].Min.Y
		}
		return rects[i].Min.X < rects[j].Min.X
	})
	if len(rects) > maxButtonCandidates {
		rects = rects[:maxButtonCandidates]
	}
	return rects
}

// edgeComponents walks the binary edge map and collects the bounding box of
// every 8-connected white component that passes the size filter. Components
// with fewer edge pixels than their half perimeter are treated as speckle.
func edgeComponents(binary *image.Gray, filter sizeFilter) []image.Rectangle {
	b := binary.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil
	}
	visited := make([]bool, w*h)
	at := func(x, y int) bool {
		return binary.GrayAt(x, y).Y > 0
	}
	idx := func(x, y int) int {
		return (y-b.Min.Y)*w + (x - b.Min.X)
	}

	var rects []image.Rectangle
	var queue []image.Point

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if visited[idx(x, y)] || !at(x, y) {
				continue
			}

			// Flood this component iteratively.
			queue = queue[:0]
			queue = append(queue, image.Pt(x, y))
			visited[idx(x, y)] = true
			minX, minY, maxX, maxY := x, y, x, y
			count := 0

			for len(queue) > 0 {
				p := queue[len(queue)-1]
				queue = queue[:len(queue)-1]
				count++
				if p.X < minX {
					minX = p.X
				}
				if p.X > maxX {
					maxX = p.X
				}
				if p.Y < minY {
					minY = p.Y
				}
				if p.Y > maxY {
					maxY = p.Y
				}

				for dy := -1; dy <= 1; dy++ {
					for dx := -1; dx <= 1; dx++ {
						nx, ny := p.X+dx, p.Y+dy
						if nx < b.Min.X || nx >= b.Max.X || ny < b.Min.Y || ny >= b.Max.Y {
							continue
						}
						if visited[idx(nx, ny)] || !at(nx, ny) {
							continue
						}
						visited[idx(nx, ny)] = true
						queue = append(queue, image.Pt(nx, ny))
					}
				}
			}

			r := image.Rect(minX, minY, maxX+1, maxY+1)
			if filter.accepts(r) && count >= r.Dx()+r.Dy() {
				rects = append(rects, r)
			}
		}
	}
	return rects
}

// dropNested removes rectangles fully contained in a larger kept rectangle.
func dropNested(rects []image.Rectangle) []image.Rectangle {
	sorted := make([]image.Rectangle, len(rects))
	copy(sorted, rects)
	sort.Slice(sorted, func(i, j int) bool {
		return area(sorted[i]) > area(sorted[j])
	})

	var kept []image.Rectangle
	for _, r := range sorted {
		nested := false
		for _, k := range kept {
			if r.In(k) {
				nested = true
				break
			}
		}
		if !nested {
			kept = append(kept, r)
		}
	}
	return kept
}

func area(r image.Rectangle) int {
	return r.Dx() * r.Dy()
}
