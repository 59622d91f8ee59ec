package artifacts

import "io"

// ProgressFunc receives overall sync progress in [0,1]. Values never decrease.
type ProgressFunc func(fraction float64)

type progressTracker struct {
	count    int
	fn       ProgressFunc
	last     float64
	reported bool
}

func newProgressTracker(count int, fn ProgressFunc) *progressTracker {
	return &progressTracker{count: count, fn: fn}
}

// report publishes (index + fileFraction) / count, clamped and monotonic.
func (p *progressTracker) report(index int, fileFraction float64) {
	if p.fn == nil || p.count <= 0 {
		return
	}
	v := clamp((float64(index) + clamp(fileFraction)) / float64(p.count))
	if p.reported && v <= p.last {
		return
	}
	p.last = v
	p.reported = true
	p.fn(v)
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// countingReader reports the fraction of total read so far. With an unknown
// total nothing is reported; the caller marks the file complete at the end.
type countingReader struct {
	r          io.Reader
	total      int64
	read       int64
	onProgress func(float64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.read += int64(n)
	if n > 0 && c.total > 0 && c.onProgress != nil {
		c.onProgress(float64(c.read) / float64(c.total))
	}
	return n, err
}
