package orchestrator

import (
	"log/slog"
	"regexp"

	"github.com/tendant/iiif-orchestrator/pkg/orchestrator/iiif"
)

// ThumbnailMatch is the kind of thumbnail that can satisfy a request
type ThumbnailMatch int

const (
	NoThumbnail ThumbnailMatch = iota
	ExactThumbnail
	DownsizeThumbnail
	UpsizeThumbnail
)

func (m ThumbnailMatch) String() string {
	switch m {
	case ExactThumbnail:
		return "exact"
	case DownsizeThumbnail:
		return "downsize"
	case UpsizeThumbnail:
		return "upsize"
	default:
		return "none"
	}
}

// IsResize reports whether the match requires the resize service
func (m ThumbnailMatch) IsResize() bool {
	return m == DownsizeThumbnail || m == UpsizeThumbnail
}

// SizeCandidate is the result of searching a thumbnail size set for a requested size
type SizeCandidate struct {
	// LongestEdge is set when a stored size satisfies the request as-is
	LongestEdge int

	// Ideal is the size the request resolves to against the largest thumbnail
	Ideal iiif.Size

	// Larger is the smallest stored size the ideal size is confined within
	Larger *iiif.Size

	// Smaller is the largest stored size smaller than the ideal size
	Smaller *iiif.Size
}

// KnownSize reports whether a stored size matched exactly
func (c SizeCandidate) KnownSize() bool {
	return c.LongestEdge > 0
}

// FindExactThumbnail looks for a stored size satisfying the size parameter without resampling.
// sizes must be ordered largest first. Zero means no match.
func FindExactThumbnail(sizes []iiif.Size, size iiif.SizeParameter) int {
	if len(sizes) == 0 {
		return 0
	}

	if size.Max {
		return sizes[0].MaxDimension()
	}

	if size.Width > 0 && size.Height > 0 {
		for _, s := range sizes {
			if s.Width == size.Width && s.Height == size.Height {
				return s.MaxDimension()
			}
			// a confined box is satisfied by a size that fits and touches one edge
			if size.Confined && s.Width <= size.Width && s.Height <= size.Height &&
				(s.Width == size.Width || s.Height == size.Height) {
				return s.MaxDimension()
			}
		}
		return 0
	}

	longestEdge := 0
	if size.Width > 0 {
		for _, s := range sizes {
			if s.Width == size.Width {
				longestEdge = s.MaxDimension()
				break
			}
		}
	}
	if size.Height > 0 {
		for _, s := range sizes {
			if s.Height == size.Height {
				longestEdge = s.MaxDimension()
				break
			}
		}
	}
	return longestEdge
}

// FindThumbnailCandidate finds an exact match or, failing that, the stored sizes
// either side of the ideal size. sizes must be ordered largest first.
func FindThumbnailCandidate(sizes []iiif.Size, size iiif.SizeParameter) SizeCandidate {
	if len(sizes) == 0 {
		return SizeCandidate{}
	}
	if edge := FindExactThumbnail(sizes, size); edge > 0 {
		return SizeCandidate{LongestEdge: edge}
	}

	var ideal iiif.Size
	if size.Confined {
		ideal = iiif.FitWithin(iiif.Size{Width: size.Width, Height: size.Height}, sizes[0])
	} else {
		ideal = iiif.Resize(sizes[0], size.Width, size.Height)
	}

	candidate := SizeCandidate{Ideal: ideal}
	count := 0
	for i := range sizes {
		if !ideal.IsConfinedWithin(sizes[i]) {
			break
		}
		candidate.Larger = &sizes[i]
		count++
	}
	if count < len(sizes) {
		candidate.Smaller = &sizes[count]
	}
	return candidate
}

// UpscaleRule allows thumbnails of matching assets to be enlarged by up to Threshold percent of area
type UpscaleRule struct {
	Name      string
	AssetID   *regexp.Regexp
	Threshold float64
}

// ThumbnailSelection is the selector's decision for a request
type ThumbnailSelection struct {
	Match       ThumbnailMatch
	LongestEdge int
	Candidate   SizeCandidate
}

// ThumbnailSelector decides whether open thumbnails can satisfy an image request
type ThumbnailSelector struct {
	allowResize bool
	rules       []UpscaleRule
}

// NewThumbnailSelector creates a selector. Resizing is only considered when allowResize is set;
// rules with a non-positive threshold are ignored.
func NewThumbnailSelector(allowResize bool, rules ...UpscaleRule) *ThumbnailSelector {
	s := &ThumbnailSelector{allowResize: allowResize}
	for _, r := range rules {
		if r.Threshold > 0 && r.AssetID != nil {
			s.rules = append(s.rules, r)
		}
	}
	return s
}

// AllowsResize reports whether the resize service may be used
func (s *ThumbnailSelector) AllowsResize() bool {
	return s.allowResize
}

// Select chooses how the open thumbnail sizes can serve size for asset.
func (s *ThumbnailSelector) Select(asset AssetID, sizes []iiif.Size, size iiif.SizeParameter) ThumbnailSelection {
	if len(sizes) == 0 {
		return ThumbnailSelection{}
	}
	sorted := iiif.SortLargestFirst(sizes)

	if !s.allowResize {
		if edge := FindExactThumbnail(sorted, size); edge > 0 {
			return ThumbnailSelection{Match: ExactThumbnail, LongestEdge: edge}
		}
		return ThumbnailSelection{}
	}

	candidate := FindThumbnailCandidate(sorted, size)
	switch {
	case candidate.KnownSize():
		return ThumbnailSelection{Match: ExactThumbnail, LongestEdge: candidate.LongestEdge, Candidate: candidate}
	case candidate.Larger != nil:
		return ThumbnailSelection{Match: DownsizeThumbnail, LongestEdge: candidate.Larger.MaxDimension(), Candidate: candidate}
	case candidate.Smaller == nil || len(s.rules) == 0:
		return ThumbnailSelection{Candidate: candidate}
	}

	id := asset.String()
	increase := iiif.SizeIncreasePercent(candidate.Ideal, *candidate.Smaller)
	for _, rule := range s.rules {
		if !rule.AssetID.MatchString(id) {
			continue
		}
		slog.Debug("Upscale rule matches asset", "rule", rule.Name, "asset", id, "increase", increase)
		if increase <= rule.Threshold {
			return ThumbnailSelection{Match: UpsizeThumbnail, LongestEdge: candidate.Smaller.MaxDimension(), Candidate: candidate}
		}
	}
	return ThumbnailSelection{Candidate: candidate}
}
