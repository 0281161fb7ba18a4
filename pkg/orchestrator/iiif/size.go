package iiif

import (
	"fmt"
	"math"
	"sort"
)

// Size is a width/height pair in pixels
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Shape describes the aspect of a Size
type Shape int

const (
	Landscape Shape = iota
	Portrait
	Square
)

// SizeFromPair converts a [w,h] pair as found in thumbnail size documents.
func SizeFromPair(pair []int) (Size, error) {
	if len(pair) != 2 {
		return Size{}, fmt.Errorf("size pair must have 2 elements, got %d", len(pair))
	}
	return Size{Width: pair[0], Height: pair[1]}, nil
}

func (s Size) String() string {
	return fmt.Sprintf("%d,%d", s.Width, s.Height)
}

// MaxDimension returns the longest edge
func (s Size) MaxDimension() int {
	if s.Width > s.Height {
		return s.Width
	}
	return s.Height
}

// Area returns width * height
func (s Size) Area() int {
	return s.Width * s.Height
}

// Shape returns whether the size is landscape, portrait or square
func (s Size) Shape() Shape {
	switch {
	case s.Width > s.Height:
		return Landscape
	case s.Height > s.Width:
		return Portrait
	default:
		return Square
	}
}

// IsConfinedWithin reports whether s fits inside other on both axes.
func (s Size) IsConfinedWithin(other Size) bool {
	return s.Width <= other.Width && s.Height <= other.Height
}

// FitWithin scales image, preserving aspect ratio, to the largest size that fits inside box.
func FitWithin(box, image Size) Size {
	if image.Width == 0 || image.Height == 0 {
		return Size{}
	}
	scale := math.Min(float64(box.Width)/float64(image.Width), float64(box.Height)/float64(image.Height))
	return Size{
		Width:  int(math.Round(float64(image.Width) * scale)),
		Height: int(math.Round(float64(image.Height) * scale)),
	}
}

// Resize scales image so that it has the given width or height, preserving aspect ratio.
// A zero value leaves that dimension to be derived. Both zero returns image unchanged.
func Resize(image Size, width, height int) Size {
	switch {
	case width > 0 && height > 0:
		return Size{Width: width, Height: height}
	case width > 0 && image.Width > 0:
		scale := float64(width) / float64(image.Width)
		return Size{Width: width, Height: int(math.Round(float64(image.Height) * scale))}
	case height > 0 && image.Height > 0:
		scale := float64(height) / float64(image.Height)
		return Size{Width: int(math.Round(float64(image.Width) * scale)), Height: height}
	default:
		return image
	}
}

// SizeIncreasePercent returns by how many percent the area of target exceeds the area of source.
// A target half the area of source yields -50, a target twice the area yields 100.
func SizeIncreasePercent(target, source Size) float64 {
	if source.Area() == 0 {
		return math.Inf(1)
	}
	return float64(target.Area())/float64(source.Area())*100 - 100
}

// SortLargestFirst returns a copy of sizes ordered by descending longest edge.
func SortLargestFirst(sizes []Size) []Size {
	sorted := make([]Size, len(sizes))
	copy(sorted, sizes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].MaxDimension() > sorted[j].MaxDimension()
	})
	return sorted
}
