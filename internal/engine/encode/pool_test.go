package encode

import (
	"bytes"
	"image"
	"image/png"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stillkit/stillkit-processing-service/internal/domain/entity"
	"github.com/stillkit/stillkit-processing-service/internal/engine/codec"
)

func testFrame(w, h int, pts int64, released *atomic.Int64) *codec.Frame {
	pix := make([]byte, w*h*4)
	for i := 3; i < len(pix); i += 4 {
		pix[i] = 0xFF // opaque
	}
	return codec.NewFrame(pix, w, h, pts, func() {
		if released != nil {
			released.Add(1)
		}
	})
}

func TestPoolEncodesAllUnits(t *testing.T) {
	pool := NewPool(3, zap.NewNop())
	defer pool.Close()

	const n = 20
	var released atomic.Int64
	results := make(chan Result, n)

	for i := 1; i <= n; i++ {
		pool.Submit(Job{
			Index:   i,
			Frame:   testFrame(16, 9, int64(i), &released),
			Width:   16,
			Height:  9,
			Format:  entity.FormatPNG,
			Quality: 0.92,
			Results: results,
		})
	}

	seen := make(map[int]bool)
	for i := 0; i < n; i++ {
		res := <-results
		require.NoError(t, res.Err)
		assert.False(t, seen[res.Index], "index %d delivered twice", res.Index)
		seen[res.Index] = true

		img, err := png.Decode(bytes.NewReader(res.Data))
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, 16, 9), img.Bounds())
	}
	assert.Len(t, seen, n)
	assert.Equal(t, int64(n), released.Load(), "every frame must be released exactly once")
}

func TestPoolResizesToTarget(t *testing.T) {
	pool := NewPool(1, zap.NewNop())
	defer pool.Close()

	results := make(chan Result, 1)
	pool.Submit(Job{
		Index:   1,
		Frame:   testFrame(1920, 1080, 0, nil),
		Width:   960,
		Height:  540,
		Format:  entity.FormatPNG,
		Quality: 0.92,
		Results: results,
	})

	res := <-results
	require.NoError(t, res.Err)
	img, err := png.Decode(bytes.NewReader(res.Data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 960, 540), img.Bounds())
}

func TestPoolPerUnitFailureDoesNotAbortOthers(t *testing.T) {
	pool := NewPool(2, zap.NewNop())
	defer pool.Close()

	results := make(chan Result, 3)
	var released atomic.Int64

	pool.Submit(Job{
		Index:   1,
		Frame:   testFrame(8, 8, 0, &released),
		Width:   8,
		Height:  8,
		Format:  entity.FormatPNG,
		Quality: 0.92,
		Results: results,
	})
	pool.Submit(Job{
		Index:   2,
		Frame:   testFrame(8, 8, 1, &released),
		Width:   8,
		Height:  8,
		Format:  entity.ImageFormat("bmp"), // unknown format fails this unit only
		Quality: 0.92,
		Results: results,
	})
	pool.Submit(Job{
		Index:   3,
		Frame:   testFrame(8, 8, 2, &released),
		Width:   8,
		Height:  8,
		Format:  entity.FormatPNG,
		Quality: 0.92,
		Results: results,
	})

	var failed, ok int
	for i := 0; i < 3; i++ {
		res := <-results
		if res.Err != nil {
			failed++
			assert.Equal(t, 2, res.Index)
		} else {
			ok++
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 2, ok)
	assert.Equal(t, int64(3), released.Load())
}

func TestPoolRejectsShortPixelBuffer(t *testing.T) {
	pool := NewPool(1, zap.NewNop())
	defer pool.Close()

	// A truncated pixel buffer would blow up inside the resize library's own
	// goroutines, where the worker's recover cannot reach. The pool must
	// reject the frame up front as a per-unit error and stay alive.
	var released atomic.Int64
	bad := codec.NewFrame(make([]byte, 4), 8, 8, 0, func() { released.Add(1) })
	results := make(chan Result, 2)
	pool.Submit(Job{
		Index: 1, Frame: bad,
		Width: 8, Height: 8,
		Format: entity.FormatPNG, Quality: 0.92,
		Results: results,
	})
	res := <-results
	assert.ErrorContains(t, res.Err, "pixel buffer")
	assert.Equal(t, 1, res.Index)
	assert.Equal(t, int64(1), released.Load(), "rejected frame must still be released")

	pool.Submit(Job{
		Index: 2, Frame: testFrame(8, 8, 0, nil),
		Width: 8, Height: 8,
		Format: entity.FormatPNG, Quality: 0.92,
		Results: results,
	})
	res = <-results
	assert.NoError(t, res.Err, "pool must survive a rejected unit")
}

func TestEncodeImageFormats(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))

	for _, f := range []entity.ImageFormat{entity.FormatPNG, entity.FormatJPEG, entity.FormatWebP} {
		data, err := EncodeImage(img, f, 0.8)
		require.NoError(t, err, "format %s", f)
		assert.NotEmpty(t, data)
	}

	_, err := EncodeImage(img, entity.ImageFormat("tiff"), 0.8)
	assert.Error(t, err)
}

func TestQualityPercentClamps(t *testing.T) {
	assert.Equal(t, 1, qualityPercent(-0.5))
	assert.Equal(t, 1, qualityPercent(0))
	assert.Equal(t, 92, qualityPercent(0.92))
	assert.Equal(t, 100, qualityPercent(1.5))
}
