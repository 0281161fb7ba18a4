package iiif

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidImageRequest indicates malformed region/size/rotation/quality/format syntax
var ErrInvalidImageRequest = errors.New("invalid image request")

var (
	validQualities = map[string]bool{"default": true, "color": true, "gray": true, "bitonal": true}
	validFormats   = map[string]bool{"jpg": true, "tif": true, "png": true, "gif": true, "jp2": true, "pdf": true, "webp": true}
)

const (
	// MaxPercentScale bounds pct: sizes, upscaled requests included
	MaxPercentScale = 10000
	// MaxPixelDimension bounds any explicit or computed width and height
	MaxPixelDimension = 1 << 20
)

// RegionParameter is the {region} segment of an image request
type RegionParameter struct {
	Full    bool
	Square  bool
	Percent bool
	X, Y    float64
	W, H    float64
}

func (r RegionParameter) String() string {
	switch {
	case r.Full:
		return "full"
	case r.Square:
		return "square"
	}
	coords := strings.Join([]string{fmtNum(r.X), fmtNum(r.Y), fmtNum(r.W), fmtNum(r.H)}, ",")
	if r.Percent {
		return "pct:" + coords
	}
	return coords
}

// SizeParameter is the {size} segment of an image request
type SizeParameter struct {
	Max          bool
	Upscaled     bool
	Confined     bool
	PercentScale float64
	Width        int
	Height       int
}

func (s SizeParameter) String() string {
	var b strings.Builder
	if s.Upscaled {
		b.WriteByte('^')
	}
	switch {
	case s.Max:
		b.WriteString("max")
	case s.PercentScale > 0:
		b.WriteString("pct:" + fmtNum(s.PercentScale))
	default:
		if s.Confined {
			b.WriteByte('!')
		}
		if s.Width > 0 {
			b.WriteString(strconv.Itoa(s.Width))
		}
		b.WriteByte(',')
		if s.Height > 0 {
			b.WriteString(strconv.Itoa(s.Height))
		}
	}
	return b.String()
}

// ResultingSize computes the size of the rendered image for an image of the given dimensions.
func (s SizeParameter) ResultingSize(image Size) Size {
	switch {
	case s.Max:
		return image
	case s.PercentScale > 0:
		return Size{
			Width:  clampDimension(float64(image.Width) * s.PercentScale / 100),
			Height: clampDimension(float64(image.Height) * s.PercentScale / 100),
		}
	case s.Confined:
		return clampSize(FitWithin(Size{Width: s.Width, Height: s.Height}, image))
	default:
		return clampSize(Resize(image, s.Width, s.Height))
	}
}

// clampDimension rounds f into [0, MaxPixelDimension]; oversized and non-finite values saturate high
func clampDimension(f float64) int {
	switch {
	case math.IsNaN(f) || f > MaxPixelDimension:
		return MaxPixelDimension
	case f < 0:
		return 0
	}
	return int(math.Round(f))
}

func clampSize(s Size) Size {
	if s.Width < 0 || s.Width > MaxPixelDimension {
		s.Width = MaxPixelDimension
	}
	if s.Height < 0 || s.Height > MaxPixelDimension {
		s.Height = MaxPixelDimension
	}
	return s
}

// RotationParameter is the {rotation} segment of an image request
type RotationParameter struct {
	Mirror bool
	Angle  float64
}

func (r RotationParameter) String() string {
	if r.Mirror {
		return "!" + fmtNum(r.Angle)
	}
	return fmtNum(r.Angle)
}

// ImageRequest is a parsed IIIF Image API request: {region}/{size}/{rotation}/{quality}.{format}
type ImageRequest struct {
	Region   RegionParameter
	Size     SizeParameter
	Rotation RotationParameter
	Quality  string
	Format   string

	// OriginalPath is the unparsed request path
	OriginalPath string
}

// Path returns the normalised image request path, with a leading slash.
func (r *ImageRequest) Path() string {
	return fmt.Sprintf("/%s/%s/%s/%s.%s", r.Region, r.Size, r.Rotation, r.Quality, r.Format)
}

// IsCandidateForThumbHandling reports whether a pre-generated thumbnail could satisfy the request.
// When it cannot, a short reason is returned.
func (r *ImageRequest) IsCandidateForThumbHandling() (bool, string) {
	switch {
	case !r.Region.Full:
		return false, "Thumbnails only support full region"
	case r.Rotation.Mirror || r.Rotation.Angle != 0:
		return false, "Thumbnails do not support rotation"
	case r.Quality != "default" && r.Quality != "color":
		return false, "Thumbnails only support default or color quality"
	case r.Format != "jpg":
		return false, "Thumbnails only support jpg format"
	case r.Size.PercentScale > 0:
		return false, "Thumbnails do not support percentage sizes"
	}
	return true, ""
}

// ParseImageRequest parses the four trailing segments of an image request path,
// e.g. "full/!200,200/0/default.jpg".
func ParseImageRequest(path string) (*ImageRequest, error) {
	trimmed := strings.Trim(path, "/")
	if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) != 4 {
		return nil, fmt.Errorf("%w: expected region/size/rotation/quality.format, got %q", ErrInvalidImageRequest, path)
	}

	region, err := ParseRegion(parts[0])
	if err != nil {
		return nil, err
	}
	size, err := ParseSize(parts[1])
	if err != nil {
		return nil, err
	}
	rotation, err := ParseRotation(parts[2])
	if err != nil {
		return nil, err
	}

	dot := strings.LastIndexByte(parts[3], '.')
	if dot <= 0 || dot == len(parts[3])-1 {
		return nil, fmt.Errorf("%w: quality.format %q", ErrInvalidImageRequest, parts[3])
	}
	quality, format := parts[3][:dot], parts[3][dot+1:]
	if !validQualities[quality] {
		return nil, fmt.Errorf("%w: unsupported quality %q", ErrInvalidImageRequest, quality)
	}
	if !validFormats[format] {
		return nil, fmt.Errorf("%w: unsupported format %q", ErrInvalidImageRequest, format)
	}

	return &ImageRequest{
		Region:       region,
		Size:         size,
		Rotation:     rotation,
		Quality:      quality,
		Format:       format,
		OriginalPath: path,
	}, nil
}

// ParseRegion parses a {region} segment
func ParseRegion(value string) (RegionParameter, error) {
	switch value {
	case "full":
		return RegionParameter{Full: true}, nil
	case "square":
		return RegionParameter{Square: true}, nil
	}

	var region RegionParameter
	coords := value
	if strings.HasPrefix(value, "pct:") {
		region.Percent = true
		coords = value[len("pct:"):]
	}
	parts := strings.Split(coords, ",")
	if len(parts) != 4 {
		return RegionParameter{}, fmt.Errorf("%w: region %q", ErrInvalidImageRequest, value)
	}
	nums := make([]float64, 4)
	for i, p := range parts {
		n, err := parseFinite(p)
		if err != nil || n < 0 || (!region.Percent && n != math.Trunc(n)) {
			return RegionParameter{}, fmt.Errorf("%w: region %q", ErrInvalidImageRequest, value)
		}
		nums[i] = n
	}
	if nums[2] == 0 || nums[3] == 0 {
		return RegionParameter{}, fmt.Errorf("%w: region %q has zero width or height", ErrInvalidImageRequest, value)
	}
	region.X, region.Y, region.W, region.H = nums[0], nums[1], nums[2], nums[3]
	return region, nil
}

// ParseSize parses a {size} segment, accepting both v2 ("full") and v3 ("max", "^") forms.
func ParseSize(value string) (SizeParameter, error) {
	var size SizeParameter
	v := value
	if strings.HasPrefix(v, "^") {
		size.Upscaled = true
		v = v[1:]
	}

	switch {
	case v == "max" || v == "full":
		size.Max = true
		return size, nil
	case strings.HasPrefix(v, "pct:"):
		pct, err := parseFinite(v[len("pct:"):])
		if err != nil || pct <= 0 || pct > MaxPercentScale {
			return SizeParameter{}, fmt.Errorf("%w: size %q", ErrInvalidImageRequest, value)
		}
		size.PercentScale = pct
		return size, nil
	}

	if strings.HasPrefix(v, "!") {
		size.Confined = true
		v = v[1:]
	}
	comma := strings.IndexByte(v, ',')
	if comma < 0 {
		return SizeParameter{}, fmt.Errorf("%w: size %q", ErrInvalidImageRequest, value)
	}
	w, h := v[:comma], v[comma+1:]
	if w == "" && h == "" {
		return SizeParameter{}, fmt.Errorf("%w: size %q", ErrInvalidImageRequest, value)
	}
	var err error
	if w != "" {
		if size.Width, err = parsePositiveInt(w); err != nil {
			return SizeParameter{}, fmt.Errorf("%w: size %q", ErrInvalidImageRequest, value)
		}
	}
	if h != "" {
		if size.Height, err = parsePositiveInt(h); err != nil {
			return SizeParameter{}, fmt.Errorf("%w: size %q", ErrInvalidImageRequest, value)
		}
	}
	if size.Confined && (size.Width == 0 || size.Height == 0) {
		return SizeParameter{}, fmt.Errorf("%w: confined size %q requires width and height", ErrInvalidImageRequest, value)
	}
	return size, nil
}

// ParseRotation parses a {rotation} segment
func ParseRotation(value string) (RotationParameter, error) {
	var rotation RotationParameter
	v := value
	if strings.HasPrefix(v, "!") {
		rotation.Mirror = true
		v = v[1:]
	}
	angle, err := parseFinite(v)
	if err != nil || angle < 0 || angle > 360 {
		return RotationParameter{}, fmt.Errorf("%w: rotation %q", ErrInvalidImageRequest, value)
	}
	rotation.Angle = angle
	return rotation, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n <= 0 || n > MaxPixelDimension {
		return 0, fmt.Errorf("out of range: %d", n)
	}
	return n, nil
}

// parseFinite parses a decimal number, rejecting NaN, infinities and hex or exponent forms
func parseFinite(s string) (float64, error) {
	if s == "" || strings.ContainsAny(s, "eEnNiIxXpP") {
		return 0, fmt.Errorf("not a decimal number: %q", s)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not finite: %q", s)
	}
	return f, nil
}

func fmtNum(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
