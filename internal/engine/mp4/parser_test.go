package mp4

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stillkit/stillkit-processing-service/internal/engine/mp4/mp4test"
)

func TestParserReadyMetadata(t *testing.T) {
	file := mp4test.BuildFile(mp4test.Samples(10), []uint32{1, 6}, true)

	p := NewParser()
	var ready *Info
	p.OnReady(func(i *Info) { ready = i })

	require.NoError(t, p.Append(file, 0))
	require.NotNil(t, ready, "ready must fire once the movie box is buffered")

	assert.Equal(t, "isom", ready.Brand)
	assert.Equal(t, uint32(mp4test.Timescale), ready.Timescale)

	trk := ready.VideoTrack()
	require.NotNil(t, trk)
	assert.Equal(t, uint32(mp4test.TrackID), trk.ID)
	assert.Equal(t, "avc1.64001F", trk.Codec)
	assert.NotEmpty(t, trk.Description)
	assert.Equal(t, mp4test.Width, trk.Width)
	assert.Equal(t, mp4test.Height, trk.Height)
	assert.Equal(t, 10, trk.SampleCount())
	assert.InDelta(t, 30.0, trk.FrameRate(), 0.01)
}

func TestParserDeliversSamplesInBatches(t *testing.T) {
	samples := mp4test.Samples(10)
	file := mp4test.BuildFile(samples, []uint32{1, 6}, true)

	p := NewParser()
	var batches [][]*Sample
	p.OnSamples(func(trackID uint32, s []*Sample) {
		assert.Equal(t, uint32(mp4test.TrackID), trackID)
		batches = append(batches, s)
	})
	p.OnReady(func(*Info) {
		require.NoError(t, p.Start(mp4test.TrackID, 4))
	})

	require.NoError(t, p.Append(file, 0))
	require.NoError(t, p.Flush())

	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 4)
	assert.Len(t, batches[1], 4)
	assert.Len(t, batches[2], 2)

	num := 0
	var lastDTS int64 = -1
	for _, b := range batches {
		for _, s := range b {
			num++
			assert.Equal(t, num, s.Number)
			assert.Equal(t, samples[num-1], s.Data)
			assert.Greater(t, s.DTS, lastDTS)
			lastDTS = s.DTS
			assert.Equal(t, s.DTS, s.PTS, "no ctts box, so pts equals dts")
			wantKey := num == 1 || num == 6
			assert.Equal(t, wantKey, s.Key, "sample %d", num)
		}
	}
	assert.Equal(t, 10, num)
}

func TestParserProgressiveAppend(t *testing.T) {
	file := mp4test.BuildFile(mp4test.Samples(8), []uint32{1}, true)

	p := NewParser()
	delivered := 0
	p.OnSamples(func(_ uint32, s []*Sample) { delivered += len(s) })
	p.OnReady(func(*Info) {
		require.NoError(t, p.Start(mp4test.TrackID, 3))
	})

	// Feed in small uneven chunks, strictly in file order.
	for off := 0; off < len(file); {
		end := off + 7
		if end > len(file) {
			end = len(file)
		}
		require.NoError(t, p.Append(file[off:end], int64(off)))
		off = end
	}

	require.NoError(t, p.Flush())
	assert.Equal(t, 8, delivered)
}

func TestParserMoovAtEnd(t *testing.T) {
	file := mp4test.BuildFile(mp4test.Samples(6), []uint32{1}, false)

	p := NewParser()
	delivered := 0
	ready := false
	p.OnReady(func(*Info) {
		ready = true
		require.NoError(t, p.Start(mp4test.TrackID, 100))
	})
	p.OnSamples(func(_ uint32, s []*Sample) { delivered += len(s) })

	// Everything except the trailing moov: no metadata, no samples yet.
	half := len(file) - 60
	require.NoError(t, p.Append(file[:half], 0))
	assert.False(t, ready)
	assert.Zero(t, delivered)

	require.NoError(t, p.Append(file[half:], int64(half)))
	assert.True(t, ready)
	assert.Equal(t, 6, delivered)
	require.NoError(t, p.Flush())
}

func TestParserRejectsGarbage(t *testing.T) {
	p := NewParser()
	var failed error
	p.OnError(func(err error) { failed = err })

	garbage := []byte("this is definitely not an iso media file, not even close!")
	err := p.Append(garbage, 0)
	assert.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Error(t, failed, "error callback must fire")
}

func TestParserRejectsNonContiguousAppend(t *testing.T) {
	file := mp4test.BuildFile(mp4test.Samples(4), []uint32{1}, true)

	p := NewParser()
	require.NoError(t, p.Append(file[:16], 0))
	err := p.Append(file[32:], 32)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParserFlushBeforeMoovFails(t *testing.T) {
	file := mp4test.BuildFile(mp4test.Samples(4), []uint32{1}, false)

	p := NewParser()
	require.NoError(t, p.Append(file[:40], 0))
	assert.ErrorIs(t, p.Flush(), ErrMalformed)
}

func TestParserFlushWithUndeliveredSamplesFails(t *testing.T) {
	// moov first, then truncate the mdat: metadata parses but sample
	// payloads are missing.
	file := mp4test.BuildFile(mp4test.Samples(4), []uint32{1}, true)

	p := NewParser()
	p.OnSamples(func(uint32, []*Sample) {})
	p.OnReady(func(*Info) {
		require.NoError(t, p.Start(mp4test.TrackID, 100))
	})
	require.NoError(t, p.Append(file[:len(file)-20], 0))
	assert.ErrorIs(t, p.Flush(), ErrMalformed)
}

func TestParserStop(t *testing.T) {
	p := NewParser()
	p.Stop()
	assert.ErrorIs(t, p.Append([]byte{0}, 0), ErrStopped)
}

func TestTimeToMicros(t *testing.T) {
	assert.Equal(t, int64(1e6), TimeToMicros(mp4test.Timescale, mp4test.Timescale))
	assert.Equal(t, int64(33333), TimeToMicros(mp4test.Delta, mp4test.Timescale))
	assert.Equal(t, int64(0), TimeToMicros(0, mp4test.Timescale))
}
