package encode

import (
	"fmt"
	"image"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/stillkit/stillkit-processing-service/internal/domain/entity"
	"github.com/stillkit/stillkit-processing-service/internal/engine/codec"
)

// MaxWorkers caps the pool size; beyond a handful of encoders the pipeline
// is decode-bound anyway.
const MaxWorkers = 4

// Job is one unit of work: rasterize a decoded frame at the target size and
// compress it. The pool takes ownership of the frame and releases it exactly
// once, after its pixels have been read.
type Job struct {
	Index   int // 1-based sequence index for reassembly
	Frame   *codec.Frame
	Width   int
	Height  int
	Format  entity.ImageFormat
	Quality float64

	// Results holds per-job reply delivery so one pool can serve multiple
	// concurrent extraction runs.
	Results chan<- Result
}

// Result is the outcome of one job. Err is set for per-unit failures, which
// never abort other in-flight units.
type Result struct {
	Index int
	Data  []byte
	Err   error
}

// Pool is a fixed set of encoding workers pulling from a shared queue.
// Workers persist across extraction runs and are torn down by Close.
type Pool struct {
	jobs    chan Job
	workers int
	wg      sync.WaitGroup
	log     *zap.Logger
	once    sync.Once
}

// NewPool starts a pool. workers <= 0 selects min(GOMAXPROCS, MaxWorkers).
func NewPool(workers int, log *zap.Logger) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > MaxWorkers {
		workers = MaxWorkers
	}

	p := &Pool{
		jobs:    make(chan Job, workers*2),
		workers: workers,
		log:     log,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	log.Debug("encode pool started", zap.Int("workers", workers))
	return p
}

// Workers returns the pool size.
func (p *Pool) Workers() int { return p.workers }

// Submit queues one job. Blocks when every worker is busy and the queue is
// full, which naturally paces the submitting goroutine.
func (p *Pool) Submit(job Job) {
	p.jobs <- job
}

// Close drains the queue and stops the workers.
func (p *Pool) Close() {
	p.once.Do(func() {
		close(p.jobs)
	})
	p.wg.Wait()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		job.Results <- p.run(id, job)
	}
}

// run executes one job, converting worker panics into per-unit errors so a
// bad frame cannot take the whole pool down.
func (p *Pool) run(id int, job Job) (res Result) {
	res.Index = job.Index
	defer func() {
		if r := recover(); r != nil {
			job.Frame.Release()
			res.Err = fmt.Errorf("encode worker %d panic: %v", id, r)
		}
	}()

	// The resize library fans each image out across its own goroutines, where
	// a panic is beyond the recover above. A frame whose pixel buffer cannot
	// back its declared dimensions has to be rejected here, on this goroutine.
	if need := job.Frame.Width * job.Frame.Height * 4; len(job.Frame.Pix) < need {
		job.Frame.Release()
		res.Err = fmt.Errorf("frame %d: pixel buffer holds %d bytes, dimensions need %d",
			job.Index, len(job.Frame.Pix), need)
		return res
	}

	var src image.Image = job.Frame.RGBA()
	resized := Resize(src, job.Width, job.Height)
	// Pixels are copied by the resize (or below for pass-through); the frame
	// can go back before compression starts.
	if resized == src {
		resized = imaging.Clone(src)
	}
	job.Frame.Release()

	data, err := EncodeImage(resized, job.Format, job.Quality)
	if err != nil {
		res.Err = fmt.Errorf("frame %d: %w", job.Index, err)
		return res
	}
	res.Data = data
	return res
}
