package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/stillkit/stillkit-processing-service/internal/engine/codec"
)

// Available reports whether the ffmpeg binary is present. Checked once at
// startup: both extraction paths shell out to ffmpeg, so a missing binary
// is fatal to the worker rather than a reason to fall back.
func Available() bool {
	_, err := exec.LookPath("ffmpeg")
	return err == nil
}

// NewDecoderFactory builds fresh subprocess decoders, one per extraction
// attempt. preferHW gates hardware acceleration for every decoder built.
func NewDecoderFactory(preferHW bool, log *zap.Logger) codec.Factory {
	return func(cb codec.Callbacks) codec.Decoder {
		return &streamDecoder{cb: cb, preferHW: preferHW, log: log}
	}
}

// streamDecoder feeds an Annex B elementary stream to an ffmpeg child
// process and reads raw RGBA frames back. Compressed chunks go in strictly
// decode order; frames come back in presentation order, so output
// timestamps are the submitted timestamps replayed smallest-first.
type streamDecoder struct {
	cb       codec.Callbacks
	preferHW bool
	log      *zap.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr bytes.Buffer

	width      int
	height     int
	lengthSize int
	headers    []byte // start-code prefixed parameter sets

	mu  sync.Mutex
	pts ptsHeap

	pending    atomic.Int64
	configured bool
	closed     atomic.Bool
	stdinOnce  sync.Once
	waitOnce   sync.Once
	waitErr    error
	readerDone chan struct{}

	framePool sync.Pool
}

func (d *streamDecoder) Configure(cfg codec.Config) error {
	if d.configured {
		return errors.New("decoder already configured")
	}
	if cfg.CodedWidth <= 0 || cfg.CodedHeight <= 0 {
		return fmt.Errorf("invalid coded dimensions %dx%d", cfg.CodedWidth, cfg.CodedHeight)
	}

	var inFormat string
	switch fam := codec.FamilyOf(cfg.Codec); fam {
	case codec.FamilyAVC:
		avc, err := codec.ParseAVCC(cfg.Description)
		if err != nil {
			return fmt.Errorf("avc configuration: %w", err)
		}
		d.headers = avc.AnnexBHeaders()
		d.lengthSize = avc.NALULengthSize
		inFormat = "h264"
	case codec.FamilyHEVC:
		hevc, err := codec.ParseHVCC(cfg.Description)
		if err != nil {
			return fmt.Errorf("hevc configuration: %w", err)
		}
		d.headers = hevc.AnnexBHeaders()
		d.lengthSize = hevc.NALULengthSize
		inFormat = "hevc"
	default:
		return fmt.Errorf("%w: %q", codec.ErrUnsupportedCodec, cfg.Codec)
	}

	d.width = cfg.CodedWidth
	d.height = cfg.CodedHeight
	frameSize := d.width * d.height * 4
	d.framePool.New = func() interface{} {
		b := make([]byte, frameSize)
		return &b
	}

	args := []string{"-hide_banner", "-loglevel", "error", "-fflags", "nobuffer", "-flags", "low_delay"}
	if cfg.PreferHardware && d.preferHW {
		// Best effort: ffmpeg silently falls back to software decoding.
		args = append(args, "-hwaccel", "auto")
	}
	args = append(args,
		"-f", inFormat,
		"-i", "pipe:0",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-an",
		"pipe:1",
	)

	d.cmd = exec.Command("ffmpeg", args...)
	d.cmd.Stderr = &d.stderr

	stdin, err := d.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("decoder stdin: %w", err)
	}
	stdout, err := d.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("decoder stdout: %w", err)
	}
	if err := d.cmd.Start(); err != nil {
		return fmt.Errorf("start decoder process: %w", err)
	}

	d.stdin = stdin
	d.readerDone = make(chan struct{})
	d.configured = true
	go d.readFrames(stdout, frameSize)
	return nil
}

func (d *streamDecoder) readFrames(stdout io.Reader, frameSize int) {
	defer close(d.readerDone)
	for {
		bufp := d.framePool.Get().(*[]byte)
		buf := *bufp
		_, err := io.ReadFull(stdout, buf)
		if err != nil {
			d.framePool.Put(bufp)
			if errors.Is(err, io.EOF) {
				return
			}
			if !d.closed.Load() && d.cb.OnError != nil {
				d.cb.OnError(fmt.Errorf("read decoded frame: %v (%s)", err, d.stderrTail()))
			}
			return
		}

		frame := codec.NewFrame(buf, d.width, d.height, d.popPTS(), func() {
			d.framePool.Put(bufp)
		})
		d.pending.Add(-1)
		if d.cb.OnDequeue != nil {
			d.cb.OnDequeue()
		}
		if d.cb.OnFrame != nil {
			d.cb.OnFrame(frame)
		} else {
			frame.Release()
		}
	}
}

func (d *streamDecoder) Decode(chunk codec.Chunk) error {
	if !d.configured {
		return errors.New("decode before configure")
	}
	if d.closed.Load() {
		return errors.New("decoder closed")
	}

	payload := make([]byte, 0, len(chunk.Data)+len(d.headers)+16)
	if chunk.Key {
		// Parameter sets are replayed before every random access point;
		// harmless for a single stream and keeps the decoder seekable.
		payload = append(payload, d.headers...)
	}
	payload, err := codec.LengthPrefixedToAnnexB(payload, chunk.Data, d.lengthSize)
	if err != nil {
		return fmt.Errorf("sample to annex b: %w", err)
	}

	d.pushPTS(chunk.PTS)
	d.pending.Add(1)
	if _, err := d.stdin.Write(payload); err != nil {
		return fmt.Errorf("feed decoder: %v (%s)", err, d.stderrTail())
	}
	return nil
}

// Flush closes the input stream and waits for the decoder to deliver every
// remaining output frame.
func (d *streamDecoder) Flush(ctx context.Context) error {
	if !d.configured {
		return nil
	}
	d.closeStdin()

	select {
	case <-d.readerDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := d.wait(); err != nil && !d.closed.Load() {
		return fmt.Errorf("decoder exit: %v (%s)", err, d.stderrTail())
	}
	return nil
}

// Close tears the process down. Idempotent; decoder state after an error is
// not resumable, so this is the only recovery path.
func (d *streamDecoder) Close() {
	if d.closed.Swap(true) || !d.configured {
		return
	}
	d.closeStdin()
	if d.cmd.Process != nil {
		_ = d.cmd.Process.Kill()
	}
	<-d.readerDone
	_ = d.wait()
}

func (d *streamDecoder) Pending() int {
	return int(d.pending.Load())
}

func (d *streamDecoder) closeStdin() {
	d.stdinOnce.Do(func() { _ = d.stdin.Close() })
}

func (d *streamDecoder) wait() error {
	d.waitOnce.Do(func() { d.waitErr = d.cmd.Wait() })
	return d.waitErr
}

func (d *streamDecoder) stderrTail() string {
	s := d.stderr.String()
	if len(s) > 300 {
		s = s[len(s)-300:]
	}
	if s == "" {
		s = "no decoder diagnostics"
	}
	return s
}

func (d *streamDecoder) pushPTS(pts int64) {
	d.mu.Lock()
	d.pts.push(pts)
	d.mu.Unlock()
}

func (d *streamDecoder) popPTS() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pts) == 0 {
		return 0
	}
	return d.pts.pop()
}

// ptsHeap is a minimal binary min-heap: chunks enter in decode order but
// frames leave in presentation order, which is ascending PTS.
type ptsHeap []int64

func (h *ptsHeap) push(v int64) {
	*h = append(*h, v)
	i := len(*h) - 1
	for i > 0 {
		parent := (i - 1) / 2
		if (*h)[parent] <= (*h)[i] {
			break
		}
		(*h)[parent], (*h)[i] = (*h)[i], (*h)[parent]
		i = parent
	}
}

func (h *ptsHeap) pop() int64 {
	old := *h
	top := old[0]
	n := len(old) - 1
	old[0] = old[n]
	*h = old[:n]
	i := 0
	for {
		l, r := 2*i+1, 2*i+2
		small := i
		if l < n && (*h)[l] < (*h)[small] {
			small = l
		}
		if r < n && (*h)[r] < (*h)[small] {
			small = r
		}
		if small == i {
			break
		}
		(*h)[i], (*h)[small] = (*h)[small], (*h)[i]
		i = small
	}
	return top
}
