package iiif

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseImageRequest(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		wantPath string
		check    func(t *testing.T, r *ImageRequest)
	}{
		{
			name:     "confined thumbnail",
			path:     "full/!200,200/0/default.jpg",
			wantPath: "/full/!200,200/0/default.jpg",
			check: func(t *testing.T, r *ImageRequest) {
				assert.True(t, r.Region.Full)
				assert.True(t, r.Size.Confined)
				assert.Equal(t, 200, r.Size.Width)
				assert.Equal(t, 200, r.Size.Height)
			},
		},
		{
			name:     "v2 full size",
			path:     "/full/full/0/default.jpg",
			wantPath: "/full/max/0/default.jpg",
			check: func(t *testing.T, r *ImageRequest) {
				assert.True(t, r.Size.Max)
			},
		},
		{
			name:     "tile with mirrored rotation",
			path:     "0,0,512,512/256,/!90/gray.png",
			wantPath: "/0,0,512,512/256,/!90/gray.png",
			check: func(t *testing.T, r *ImageRequest) {
				assert.False(t, r.Region.Full)
				assert.Equal(t, float64(512), r.Region.W)
				assert.Equal(t, 256, r.Size.Width)
				assert.Equal(t, 0, r.Size.Height)
				assert.True(t, r.Rotation.Mirror)
				assert.Equal(t, "gray", r.Quality)
				assert.Equal(t, "png", r.Format)
			},
		},
		{
			name:     "percent region and upscaled height",
			path:     "pct:10,10,50.5,50/^,400/0/default.jpg",
			wantPath: "/pct:10,10,50.5,50/^,400/0/default.jpg",
			check: func(t *testing.T, r *ImageRequest) {
				assert.True(t, r.Region.Percent)
				assert.True(t, r.Size.Upscaled)
				assert.Equal(t, 400, r.Size.Height)
			},
		},
		{
			name:     "query string stripped",
			path:     "full/max/0/default.jpg?foo=bar",
			wantPath: "/full/max/0/default.jpg",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ParseImageRequest(tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPath, r.Path())
			if tt.check != nil {
				tt.check(t, r)
			}
		})
	}
}

func TestParseImageRequest_Invalid(t *testing.T) {
	paths := []string{
		"full/max/0",
		"full/max/0/default",
		"nonsense/max/0/default.jpg",
		"0,0,0,10/max/0/default.jpg",
		"full/!200,/0/default.jpg",
		"full/,/0/default.jpg",
		"full/0,/0/default.jpg",
		"full/pct:0/0/default.jpg",
		"full/max/361/default.jpg",
		"full/max/0/sepia.jpg",
		"full/max/0/default.bmp",
		"full/pct:Inf/0/default.jpg",
		"full/pct:+Inf/0/default.jpg",
		"full/pct:NaN/0/default.jpg",
		"full/pct:1e300/0/default.jpg",
		"full/pct:0x10/0/default.jpg",
		"full/^pct:20000/0/default.jpg",
		"full/99999999999,/0/default.jpg",
		"full/,2000000/0/default.jpg",
		"0,0,Inf,10/max/0/default.jpg",
		"pct:0,0,NaN,10/max/0/default.jpg",
		"pct:0,0,1e2,10/max/0/default.jpg",
		"full/max/NaN/default.jpg",
		"full/max/!Inf/default.jpg",
	}
	for _, p := range paths {
		t.Run(p, func(t *testing.T) {
			_, err := ParseImageRequest(p)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidImageRequest))
		})
	}
}

func TestIsCandidateForThumbHandling(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"full/!200,200/0/default.jpg", true},
		{"full/200,/0/color.jpg", true},
		{"full/max/0/default.jpg", true},
		{"square/200,/0/default.jpg", false},
		{"full/200,/90/default.jpg", false},
		{"full/200,/!0/default.jpg", false},
		{"full/200,/0/gray.jpg", false},
		{"full/200,/0/default.png", false},
		{"full/pct:50/0/default.jpg", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			r, err := ParseImageRequest(tt.path)
			require.NoError(t, err)
			ok, reason := r.IsCandidateForThumbHandling()
			assert.Equal(t, tt.want, ok)
			if !ok {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestSizeParameter_ResultingSize(t *testing.T) {
	image := Size{Width: 4000, Height: 2000}
	tests := []struct {
		size string
		want Size
	}{
		{"max", image},
		{"pct:10", Size{Width: 400, Height: 200}},
		{"!500,500", Size{Width: 500, Height: 250}},
		{"1000,", Size{Width: 1000, Height: 500}},
		{",100", Size{Width: 200, Height: 100}},
		{"300,300", Size{Width: 300, Height: 300}},
		{"^pct:10000", Size{Width: 400000, Height: 200000}},
		{"^1048576,", Size{Width: 1048576, Height: 524288}},
		{"^,1048576", Size{Width: MaxPixelDimension, Height: 1048576}},
	}
	for _, tt := range tests {
		t.Run(tt.size, func(t *testing.T) {
			sp, err := ParseSize(tt.size)
			require.NoError(t, err)
			assert.Equal(t, tt.want, sp.ResultingSize(image))
		})
	}
}

func TestSizeParameter_ResultingSizeSaturates(t *testing.T) {
	sp := SizeParameter{PercentScale: math.Inf(1)}
	got := sp.ResultingSize(Size{Width: 4000, Height: 2000})
	assert.Equal(t, Size{Width: MaxPixelDimension, Height: MaxPixelDimension}, got)
}
