package engine

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stillkit/stillkit-processing-service/internal/domain/entity"
	"github.com/stillkit/stillkit-processing-service/internal/engine/codec"
	"github.com/stillkit/stillkit-processing-service/internal/engine/encode"
	"github.com/stillkit/stillkit-processing-service/internal/engine/mp4/mp4test"
)

// stubDecoder emulates an asynchronous decoder: chunks go into a queue, a
// worker goroutine turns each into a blank frame at the configured size.
type stubDecoder struct {
	cb        codec.Callbacks
	cfg       codec.Config
	configErr error
	failAt    int // decode error on this chunk number, 0 = never
	delay     time.Duration
	burst     int // hold chunks and decode this many at once, 0 = one by one

	in        chan codec.Chunk
	done      chan struct{}
	flushOnce sync.Once

	pending    atomic.Int32
	maxPending atomic.Int32
	count      atomic.Int32
	emitted    atomic.Int64
	released   atomic.Int64
}

func (d *stubDecoder) Configure(cfg codec.Config) error {
	if d.configErr != nil {
		return d.configErr
	}
	d.cfg = cfg
	d.in = make(chan codec.Chunk, 256)
	d.done = make(chan struct{})
	go d.loop()
	return nil
}

func (d *stubDecoder) loop() {
	defer close(d.done)
	var held []codec.Chunk
	emit := func() {
		for _, c := range held {
			d.process(c)
		}
		held = held[:0]
	}
	for c := range d.in {
		if d.burst > 1 {
			held = append(held, c)
			if len(held) >= d.burst {
				emit()
			}
			continue
		}
		d.process(c)
	}
	emit()
}

func (d *stubDecoder) process(c codec.Chunk) {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	n := int(d.count.Add(1))
	if d.failAt > 0 && n >= d.failAt {
		d.pending.Add(-1)
		d.cb.OnError(fmt.Errorf("bitstream error at sample %d", n))
		d.cb.OnDequeue()
		return
	}
	pix := make([]byte, d.cfg.CodedWidth*d.cfg.CodedHeight*4)
	frame := codec.NewFrame(pix, d.cfg.CodedWidth, d.cfg.CodedHeight, c.PTS, func() {
		d.released.Add(1)
	})
	d.emitted.Add(1)
	d.pending.Add(-1)
	d.cb.OnDequeue()
	d.cb.OnFrame(frame)
}

func (d *stubDecoder) Decode(c codec.Chunk) error {
	p := d.pending.Add(1)
	for {
		m := d.maxPending.Load()
		if p <= m || d.maxPending.CompareAndSwap(m, p) {
			break
		}
	}
	d.in <- c
	return nil
}

func (d *stubDecoder) Flush(ctx context.Context) error {
	d.flushOnce.Do(func() { close(d.in) })
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *stubDecoder) Close() {
	if d.in == nil {
		return
	}
	d.flushOnce.Do(func() { close(d.in) })
	<-d.done
}

func (d *stubDecoder) Pending() int { return int(d.pending.Load()) }

// stubFactory hands out one stub per attempt and keeps the last one for
// inspection.
type stubFactory struct {
	configErr error
	failAt    int
	delay     time.Duration
	burst     int
	last      *stubDecoder
}

func (f *stubFactory) factory(cb codec.Callbacks) codec.Decoder {
	d := &stubDecoder{cb: cb, configErr: f.configErr, failAt: f.failAt, delay: f.delay, burst: f.burst}
	f.last = d
	return d
}

func writeTestVideo(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.mp4")
	file := mp4test.BuildFile(mp4test.Samples(n), []uint32{1}, true)
	require.NoError(t, os.WriteFile(path, file, 0644))
	return path
}

func testVideoInfo() entity.VideoInfo {
	return entity.VideoInfo{
		Width:     mp4test.Width,
		Height:    mp4test.Height,
		Duration:  1.0,
		FrameRate: 30,
		Codec:     "h264",
		Container: "mov,mp4,m4a,3gp,3g2,mj2",
	}
}

func testSettings() entity.ExtractionSettings {
	return entity.ExtractionSettings{
		FPS:          10,
		ScalePercent: 100,
		Quality:      0.92,
		Format:       entity.FormatPNG,
	}
}

func TestFastExtractorEndToEnd(t *testing.T) {
	pool := encode.NewPool(2, zap.NewNop())
	defer pool.Close()

	sf := &stubFactory{}
	ex := NewFastExtractor(sf.factory, pool, Tuning{}, zap.NewNop())
	assert.Equal(t, "fast", ex.Name())

	path := writeTestVideo(t, 30)
	images, err := ex.Extract(context.Background(), testVideoInfo(), path, testSettings(), nil)
	require.NoError(t, err)

	// 1 second of 30fps input sampled at 10fps.
	require.Len(t, images, 10)
	for i, img := range images {
		assert.Equal(t, i+1, img.Index)
		decoded, err := png.Decode(bytes.NewReader(img.Data))
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, mp4test.Width, mp4test.Height), decoded.Bounds())
	}

	// Every decoded frame, kept or discarded, goes back exactly once.
	assert.Equal(t, sf.last.emitted.Load(), sf.last.released.Load())
}

func TestFastExtractorScalesOutput(t *testing.T) {
	pool := encode.NewPool(2, zap.NewNop())
	defer pool.Close()

	sf := &stubFactory{}
	ex := NewFastExtractor(sf.factory, pool, Tuning{}, zap.NewNop())

	settings := testSettings()
	settings.ScalePercent = 50

	path := writeTestVideo(t, 30)
	images, err := ex.Extract(context.Background(), testVideoInfo(), path, settings, nil)
	require.NoError(t, err)
	require.NotEmpty(t, images)

	decoded, err := png.Decode(bytes.NewReader(images[0].Data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, mp4test.Width/2, mp4test.Height/2), decoded.Bounds())
}

func TestFastExtractorDecodeErrorFailsAttempt(t *testing.T) {
	pool := encode.NewPool(2, zap.NewNop())
	defer pool.Close()

	sf := &stubFactory{failAt: 10}
	ex := NewFastExtractor(sf.factory, pool, Tuning{}, zap.NewNop())

	path := writeTestVideo(t, 30)
	_, err := ex.Extract(context.Background(), testVideoInfo(), path, testSettings(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecode)

	// No frame may leak on the failure path either; frames handed to the
	// encoder pool before the failure are released once their unit finishes.
	assert.Eventually(t, func() bool {
		return sf.last.emitted.Load() == sf.last.released.Load()
	}, time.Second, 5*time.Millisecond)
}

func TestFastExtractorConfigureErrorFailsAttempt(t *testing.T) {
	pool := encode.NewPool(2, zap.NewNop())
	defer pool.Close()

	sf := &stubFactory{configErr: fmt.Errorf("no decoder for this profile")}
	ex := NewFastExtractor(sf.factory, pool, Tuning{}, zap.NewNop())

	path := writeTestVideo(t, 10)
	_, err := ex.Extract(context.Background(), testVideoInfo(), path, testSettings(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestFastExtractorMissingDescriptionFailsBeforeDecoding(t *testing.T) {
	pool := encode.NewPool(2, zap.NewNop())
	defer pool.Close()

	sf := &stubFactory{}
	ex := NewFastExtractor(sf.factory, pool, Tuning{}, zap.NewNop())

	path := filepath.Join(t.TempDir(), "input.mp4")
	file := mp4test.BuildFileNoDescription(mp4test.Samples(10), []uint32{1}, true)
	require.NoError(t, os.WriteFile(path, file, 0644))

	_, err := ex.Extract(context.Background(), testVideoInfo(), path, testSettings(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, int32(0), sf.last.count.Load(), "no sample may reach the decoder")
}

func TestFastExtractorCancellation(t *testing.T) {
	pool := encode.NewPool(2, zap.NewNop())
	defer pool.Close()

	sf := &stubFactory{delay: 5 * time.Millisecond}
	ex := NewFastExtractor(sf.factory, pool, Tuning{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	path := writeTestVideo(t, 30)
	_, err := ex.Extract(ctx, testVideoInfo(), path, testSettings(), nil)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestFastExtractorBackpressure(t *testing.T) {
	pool := encode.NewPool(2, zap.NewNop())
	defer pool.Close()

	sf := &stubFactory{delay: time.Millisecond}
	ex := NewFastExtractor(sf.factory, pool, Tuning{LowWater: 2, HighWater: 4}, zap.NewNop())

	path := writeTestVideo(t, 30)
	_, err := ex.Extract(context.Background(), testVideoInfo(), path, testSettings(), nil)
	require.NoError(t, err)

	assert.LessOrEqual(t, sf.last.maxPending.Load(), int32(4),
		"pending decodes must never exceed the high-water mark")
}

func TestFastExtractorBurstyDequeueSignals(t *testing.T) {
	pool := encode.NewPool(2, zap.NewNop())
	defer pool.Close()

	// The decoder holds a full high-water batch and then dequeues it all at
	// once, so every broadcast lands while the drain loop sits in its wait.
	sf := &stubFactory{delay: time.Millisecond, burst: 4}
	ex := NewFastExtractor(sf.factory, pool, Tuning{LowWater: 2, HighWater: 4}, zap.NewNop())

	path := writeTestVideo(t, 30)
	images, err := ex.Extract(context.Background(), testVideoInfo(), path, testSettings(), nil)
	require.NoError(t, err)
	require.Len(t, images, 10)
}

func TestFastExtractorProgressReporting(t *testing.T) {
	pool := encode.NewPool(2, zap.NewNop())
	defer pool.Close()

	sf := &stubFactory{}
	ex := NewFastExtractor(sf.factory, pool, Tuning{}, zap.NewNop())

	var mu sync.Mutex
	var fractions []float64
	progress := func(fraction float64, current, total int) {
		mu.Lock()
		fractions = append(fractions, fraction)
		mu.Unlock()
		assert.Equal(t, 10, total)
	}

	path := writeTestVideo(t, 30)
	_, err := ex.Extract(context.Background(), testVideoInfo(), path, testSettings(), progress)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, fractions)
	for i := 1; i < len(fractions); i++ {
		assert.GreaterOrEqual(t, fractions[i], fractions[i-1])
	}
	assert.Equal(t, 100.0, fractions[len(fractions)-1])
}
