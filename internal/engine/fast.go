package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/stillkit/stillkit-processing-service/internal/domain/entity"
	"github.com/stillkit/stillkit-processing-service/internal/domain/port"
	"github.com/stillkit/stillkit-processing-service/internal/engine/codec"
	"github.com/stillkit/stillkit-processing-service/internal/engine/encode"
	"github.com/stillkit/stillkit-processing-service/internal/engine/mp4"
	"github.com/stillkit/stillkit-processing-service/internal/infra/metrics"
)

// Tuning holds the sampling and backpressure knobs. The exact values are a
// tuning choice, not a correctness requirement; zero values pick defaults.
type Tuning struct {
	// Tolerance is the sampler tolerance factor in (0,1].
	Tolerance float64
	// LowWater is the decoder pending count at or below which submission
	// proceeds.
	LowWater int
	// HighWater is the pending count at which submission pauses until the
	// decoder dequeues.
	HighWater int
	// BatchSize is how many demuxed samples the parser delivers per callback.
	BatchSize int
	// ReadChunk is the file read size fed to the parser per append.
	ReadChunk int
}

func (t Tuning) withDefaults() Tuning {
	if t.Tolerance <= 0 || t.Tolerance > 1 {
		t.Tolerance = DefaultTolerance
	}
	if t.LowWater <= 0 {
		t.LowWater = 10
	}
	if t.HighWater <= t.LowWater {
		t.HighWater = t.LowWater + 5
	}
	if t.BatchSize <= 0 {
		t.BatchSize = 100
	}
	if t.ReadChunk <= 0 {
		t.ReadChunk = 1 << 20
	}
	return t
}

// FastExtractor is the in-process pipeline: progressive container parsing,
// backpressure-bounded decoder feeding, fixed-rate sampling, and parallel
// image encoding. Any failure mid-stream is fatal to the attempt; the
// controller restarts on the fallback path.
type FastExtractor struct {
	factory codec.Factory
	pool    *encode.Pool
	tuning  Tuning
	log     *zap.Logger
}

func NewFastExtractor(factory codec.Factory, pool *encode.Pool, tuning Tuning, log *zap.Logger) *FastExtractor {
	return &FastExtractor{
		factory: factory,
		pool:    pool,
		tuning:  tuning.withDefaults(),
		log:     log,
	}
}

func (e *FastExtractor) Name() string { return "fast" }

// fastRun is the state of one extraction attempt. The queue is the FIFO
// between demux and decode; cond is signaled on enqueue, decoder dequeue,
// demux completion, and failure.
type fastRun struct {
	mu        sync.Mutex
	cond      *sync.Cond
	queue     []codec.Chunk
	demuxDone bool
	err       error

	dec       codec.Decoder
	sampler   *RateSampler
	results   chan encode.Result
	submitted int
	total     int
	outW      int
	outH      int
	settings  entity.ExtractionSettings
	pool      *encode.Pool
	progress  port.ProgressFunc
}

func (r *fastRun) fail(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.cond.Broadcast()
	r.mu.Unlock()
}

func (r *fastRun) failed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err != nil
}

func (e *FastExtractor) Extract(
	ctx context.Context,
	video entity.VideoInfo,
	videoPath string,
	settings entity.ExtractionSettings,
	progress port.ProgressFunc,
) ([]entity.OutputImage, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if progress == nil {
		progress = func(float64, int, int) {}
	}

	total := settings.TargetCount(video.Duration)
	if total < 1 {
		total = 1
	}
	outW, outH := settings.OutputDims(video.Width, video.Height)

	f, err := os.Open(videoPath)
	if err != nil {
		return nil, fmt.Errorf("open video: %w", err)
	}
	defer f.Close()

	r := &fastRun{
		sampler:  NewRateSampler(settings.FPS, e.tuning.Tolerance),
		results:  make(chan encode.Result, total+encode.MaxWorkers*2),
		total:    total,
		outW:     outW,
		outH:     outH,
		settings: settings,
		pool:     e.pool,
		progress: progress,
	}
	r.cond = sync.NewCond(&r.mu)

	// A fresh decoder per attempt; never reused across attempts.
	// The dequeue broadcast takes the run mutex so it cannot slip between
	// drainLoop's pending check and its cond.Wait.
	r.dec = e.factory(codec.Callbacks{
		OnFrame: r.onFrame,
		OnError: func(err error) { r.fail(fmt.Errorf("%w: %v", ErrDecode, err)) },
		OnDequeue: func() {
			r.mu.Lock()
			r.cond.Broadcast()
			r.mu.Unlock()
		},
	})
	defer r.dec.Close()

	parser := mp4.NewParser()
	defer parser.Stop()
	parser.OnError(func(err error) { r.fail(fmt.Errorf("%w: %v", ErrParse, err)) })
	parser.OnSamples(func(trackID uint32, samples []*mp4.Sample) {
		r.enqueue(samples, parser.Info())
	})
	parser.OnReady(func(info *mp4.Info) {
		if err := e.configure(r, info, video); err != nil {
			r.fail(err)
			return
		}
		trk := info.VideoTrack()
		if err := parser.Start(trk.ID, e.tuning.BatchSize); err != nil {
			r.fail(fmt.Errorf("%w: %v", ErrParse, err))
		}
	})

	// Cancellation is observed by every suspension point through fail's
	// broadcast plus the context handed to decoder flush.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			r.fail(ErrCancelled)
		case <-watchDone:
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.readLoop(f, parser, r)
	}()
	go func() {
		defer wg.Done()
		e.drainLoop(ctx, r)
	}()
	wg.Wait()

	if r.failed() {
		r.mu.Lock()
		err := r.err
		r.mu.Unlock()
		return nil, err
	}

	return r.collect()
}

// configure builds the decoder configuration from container metadata and
// configures the decoder, before any sample is submitted.
func (e *FastExtractor) configure(r *fastRun, info *mp4.Info, video entity.VideoInfo) error {
	trk := info.VideoTrack()
	if trk == nil {
		return fmt.Errorf("%w: container has no video track", ErrParse)
	}

	fam := codec.FamilyOf(trk.Codec)
	if fam == codec.FamilyUnsupported {
		return fmt.Errorf("%w: codec %q", ErrUnsupported, trk.Codec)
	}
	// Decoding without mandated out-of-band configuration reliably fails
	// with a missing-keyframe class of error; fail the attempt up front.
	if fam.NeedsDescription() && len(trk.Description) == 0 {
		return fmt.Errorf("%w: codec %s requires out-of-band configuration, none in container", ErrConfiguration, trk.Codec)
	}

	w, h := trk.Width, trk.Height
	if w == 0 || h == 0 {
		w, h = video.Width, video.Height
	}

	cfg := codec.Config{
		Codec:          trk.Codec,
		CodedWidth:     w,
		CodedHeight:    h,
		Description:    trk.Description,
		PreferHardware: true,
	}
	if err := r.dec.Configure(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	e.log.Debug("decoder configured",
		zap.String("codec", trk.Codec),
		zap.Int("width", w),
		zap.Int("height", h),
		zap.Int("samples", trk.SampleCount()),
	)
	return nil
}

// enqueue converts a demuxed batch into decode-order chunks on the FIFO.
func (r *fastRun) enqueue(samples []*mp4.Sample, info *mp4.Info) {
	trk := info.VideoTrack()
	if trk == nil {
		return
	}
	r.mu.Lock()
	for _, s := range samples {
		r.queue = append(r.queue, codec.Chunk{
			Data:     s.Data,
			PTS:      mp4.TimeToMicros(s.PTS, trk.Timescale),
			Duration: mp4.TimeToMicros(s.Duration, trk.Timescale),
			Key:      s.Key,
		})
	}
	r.cond.Broadcast()
	r.mu.Unlock()
}

// onFrame runs inside the decoder's output callback: sampling decision,
// then either hand off to the encoder pool or release immediately.
func (r *fastRun) onFrame(frame *codec.Frame) {
	if r.failed() {
		frame.Release()
		return
	}
	if !r.sampler.Keep(frame.PTS) || r.submitted >= r.total {
		frame.Release()
		metrics.FramesSampledTotal.WithLabelValues("discarded").Inc()
		return
	}

	metrics.FramesSampledTotal.WithLabelValues("kept").Inc()
	r.submitted++
	r.pool.Submit(encode.Job{
		Index:   r.submitted,
		Frame:   frame,
		Width:   r.outW,
		Height:  r.outH,
		Format:  r.settings.Format,
		Quality: r.settings.Quality,
		Results: r.results,
	})
	r.progress(100*float64(r.submitted)/float64(r.total), r.submitted, r.total)
}

// readLoop feeds the file to the parser in offset order.
func (e *FastExtractor) readLoop(f *os.File, parser *mp4.Parser, r *fastRun) {
	defer func() {
		r.mu.Lock()
		r.demuxDone = true
		r.cond.Broadcast()
		r.mu.Unlock()
	}()

	buf := make([]byte, e.tuning.ReadChunk)
	var offset int64
	for !r.failed() {
		n, err := f.Read(buf)
		if n > 0 {
			if aerr := parser.Append(buf[:n], offset); aerr != nil {
				if !r.failed() {
					r.fail(fmt.Errorf("%w: %v", ErrParse, aerr))
				}
				return
			}
			offset += int64(n)
		}
		if err == io.EOF {
			if ferr := parser.Flush(); ferr != nil && !r.failed() {
				r.fail(fmt.Errorf("%w: %v", ErrParse, ferr))
			}
			return
		}
		if err != nil {
			r.fail(fmt.Errorf("read video: %w", err))
			return
		}
	}
}

// drainLoop pulls chunks off the FIFO and submits them to the decoder,
// pausing while the decoder's pending count sits above the low-water mark.
// After the last chunk it flushes the decoder so all in-flight outputs are
// delivered before the attempt is considered complete.
func (e *FastExtractor) drainLoop(ctx context.Context, r *fastRun) {
	for {
		r.mu.Lock()
		for len(r.queue) == 0 && !r.demuxDone && r.err == nil {
			r.cond.Wait()
		}
		if r.err != nil {
			r.mu.Unlock()
			return
		}
		if len(r.queue) == 0 && r.demuxDone {
			r.mu.Unlock()
			if err := r.dec.Flush(ctx); err != nil && !r.failed() {
				r.fail(fmt.Errorf("%w: %v", ErrDecode, err))
			}
			return
		}

		// Backpressure with hysteresis: once the decoder's pending count
		// reaches the high-water mark, pause until dequeue signals bring it
		// back to the low-water mark, then resume submitting.
		if r.dec.Pending() >= e.tuning.HighWater {
			for r.dec.Pending() > e.tuning.LowWater && r.err == nil {
				r.cond.Wait()
			}
		}
		if r.err != nil {
			r.mu.Unlock()
			return
		}
		chunk := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()

		if err := r.dec.Decode(chunk); err != nil {
			r.fail(fmt.Errorf("%w: %v", ErrDecode, err))
			return
		}
	}
}

// collect reassembles encode results by sequence index, never completion
// order. Per-unit failures leave a gap and are logged, not surfaced.
func (r *fastRun) collect() ([]entity.OutputImage, error) {
	images := make([]entity.OutputImage, 0, r.submitted)
	var unitErrs int
	for i := 0; i < r.submitted; i++ {
		res := <-r.results
		if res.Err != nil {
			unitErrs++
			continue
		}
		images = append(images, entity.OutputImage{Index: res.Index, Data: res.Data})
	}
	if r.submitted > 0 && unitErrs == r.submitted {
		return nil, fmt.Errorf("%w: all %d encode units failed", ErrEncodePool, unitErrs)
	}

	sort.Slice(images, func(i, j int) bool { return images[i].Index < images[j].Index })
	r.progress(100, len(images), r.total)
	return images, nil
}

var _ port.Extractor = (*FastExtractor)(nil)
