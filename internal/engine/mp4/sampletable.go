package mp4

// sampleInfo locates and times one sample within the file.
type sampleInfo struct {
	offset int64
	size   uint32
	dts    int64
	cts    int32
	key    bool
}

type sttsEntry struct{ count, delta uint32 }
type cttsEntry struct {
	count  uint32
	offset int32
}
type stscEntry struct{ firstChunk, samplesPerChunk uint32 }

// stblTables holds the raw sample table boxes of one track until all are
// available and the flat per-sample table can be built.
type stblTables struct {
	stts []sttsEntry
	ctts []cttsEntry

	uniformSize uint32
	sizes       []uint32
	sampleCount uint32

	stsc         []stscEntry
	chunkOffsets []int64

	syncSamples []uint32 // 1-based sample numbers; nil means every sample
	hasStss     bool
}

func (t *stblTables) parseStts(b []byte) error {
	_, body, err := fullBox(b)
	if err != nil {
		return err
	}
	if len(body) < 4 {
		return malformed("stts too short")
	}
	n := be32(body)
	if int64(len(body)) < 4+int64(n)*8 {
		return malformed("stts truncated: %d entries", n)
	}
	t.stts = make([]sttsEntry, n)
	for i := range t.stts {
		t.stts[i] = sttsEntry{be32(body[4+i*8:]), be32(body[8+i*8:])}
	}
	return nil
}

func (t *stblTables) parseCtts(b []byte) error {
	_, body, err := fullBox(b)
	if err != nil {
		return err
	}
	if len(body) < 4 {
		return malformed("ctts too short")
	}
	n := be32(body)
	if int64(len(body)) < 4+int64(n)*8 {
		return malformed("ctts truncated: %d entries", n)
	}
	t.ctts = make([]cttsEntry, n)
	for i := range t.ctts {
		// version 1 offsets are signed; reading as int32 covers both since
		// version 0 files stay within the positive range in practice.
		t.ctts[i] = cttsEntry{be32(body[4+i*8:]), int32(be32(body[8+i*8:]))}
	}
	return nil
}

func (t *stblTables) parseStsz(b []byte) error {
	_, body, err := fullBox(b)
	if err != nil {
		return err
	}
	if len(body) < 8 {
		return malformed("stsz too short")
	}
	t.uniformSize = be32(body)
	t.sampleCount = be32(body[4:])
	if t.uniformSize == 0 {
		if int64(len(body)) < 8+int64(t.sampleCount)*4 {
			return malformed("stsz truncated: %d samples", t.sampleCount)
		}
		t.sizes = make([]uint32, t.sampleCount)
		for i := range t.sizes {
			t.sizes[i] = be32(body[8+i*4:])
		}
	}
	return nil
}

func (t *stblTables) parseStsc(b []byte) error {
	_, body, err := fullBox(b)
	if err != nil {
		return err
	}
	if len(body) < 4 {
		return malformed("stsc too short")
	}
	n := be32(body)
	if int64(len(body)) < 4+int64(n)*12 {
		return malformed("stsc truncated: %d entries", n)
	}
	t.stsc = make([]stscEntry, n)
	for i := range t.stsc {
		t.stsc[i] = stscEntry{be32(body[4+i*12:]), be32(body[8+i*12:])}
	}
	return nil
}

func (t *stblTables) parseStco(b []byte, wide bool) error {
	_, body, err := fullBox(b)
	if err != nil {
		return err
	}
	if len(body) < 4 {
		return malformed("chunk offset box too short")
	}
	n := be32(body)
	entry := 4
	if wide {
		entry = 8
	}
	if int64(len(body)) < 4+int64(n)*int64(entry) {
		return malformed("chunk offsets truncated: %d entries", n)
	}
	t.chunkOffsets = make([]int64, n)
	for i := range t.chunkOffsets {
		if wide {
			t.chunkOffsets[i] = int64(be64(body[4+i*8:]))
		} else {
			t.chunkOffsets[i] = int64(be32(body[4+i*4:]))
		}
	}
	return nil
}

func (t *stblTables) parseStss(b []byte) error {
	_, body, err := fullBox(b)
	if err != nil {
		return err
	}
	if len(body) < 4 {
		return malformed("stss too short")
	}
	n := be32(body)
	if int64(len(body)) < 4+int64(n)*4 {
		return malformed("stss truncated: %d entries", n)
	}
	t.hasStss = true
	t.syncSamples = make([]uint32, n)
	for i := range t.syncSamples {
		t.syncSamples[i] = be32(body[4+i*4:])
	}
	return nil
}

func (t *stblTables) sizeOf(sample uint32) uint32 {
	if t.uniformSize != 0 {
		return t.uniformSize
	}
	return t.sizes[sample]
}

// build flattens the chunk/timing/size/sync tables into one entry per
// sample, in decode order.
func (t *stblTables) build() ([]sampleInfo, error) {
	if t.sampleCount == 0 {
		return nil, nil
	}
	if len(t.stsc) == 0 || len(t.chunkOffsets) == 0 || len(t.stts) == 0 {
		return nil, malformed("incomplete sample tables")
	}

	var total uint32
	for _, e := range t.stts {
		total += e.count
	}
	if total != t.sampleCount {
		return nil, malformed("stts covers %d samples, stsz declares %d", total, t.sampleCount)
	}

	samples := make([]sampleInfo, t.sampleCount)

	// Walk chunks, expanding the stsc run-length mapping.
	var sample uint32
	run := 0
	for chunk := uint32(1); chunk <= uint32(len(t.chunkOffsets)) && sample < t.sampleCount; chunk++ {
		for run+1 < len(t.stsc) && t.stsc[run+1].firstChunk <= chunk {
			run++
		}
		offset := t.chunkOffsets[chunk-1]
		for i := uint32(0); i < t.stsc[run].samplesPerChunk && sample < t.sampleCount; i++ {
			samples[sample].offset = offset
			samples[sample].size = t.sizeOf(sample)
			offset += int64(samples[sample].size)
			sample++
		}
	}
	if sample != t.sampleCount {
		return nil, malformed("chunk tables cover %d of %d samples", sample, t.sampleCount)
	}

	// Decode timestamps.
	var dts int64
	sample = 0
	for _, e := range t.stts {
		for i := uint32(0); i < e.count; i++ {
			samples[sample].dts = dts
			dts += int64(e.delta)
			sample++
		}
	}

	// Composition offsets.
	sample = 0
	for _, e := range t.ctts {
		for i := uint32(0); i < e.count && sample < t.sampleCount; i++ {
			samples[sample].cts = e.offset
			sample++
		}
	}

	// Sync samples; without an stss box every sample is a random access point.
	if t.hasStss {
		for _, n := range t.syncSamples {
			if n >= 1 && n <= t.sampleCount {
				samples[n-1].key = true
			}
		}
	} else {
		for i := range samples {
			samples[i].key = true
		}
	}

	return samples, nil
}
