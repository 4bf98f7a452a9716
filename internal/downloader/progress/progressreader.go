package progress

import "io"

// Reader wraps an io.Reader and reports cumulative progress via a callback
// every interval bytes, plus once when the first 5% of a known total is crossed.
type Reader struct {
	r          io.Reader
	total      int64
	onProgress func(read, total int64)
	interval   int64

	read       int64
	sinceLast  int64
	firstFired bool
}

func NewReader(r io.Reader, total, interval int64, cb func(read, total int64)) *Reader {
	return &Reader{
		r:          r,
		total:      total,
		onProgress: cb,
		interval:   interval,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n <= 0 || pr.onProgress == nil {
		return n, err
	}

	pr.read += int64(n)
	pr.sinceLast += int64(n)

	crossedFirst := !pr.firstFired && pr.total > 0 && pr.read*100/pr.total >= 5
	if crossedFirst {
		pr.firstFired = true
	}

	if crossedFirst || (pr.interval > 0 && pr.sinceLast >= pr.interval) {
		pr.onProgress(pr.read, pr.total)
		pr.sinceLast = 0
	}

	return n, err
}

// BytesRead returns the number of bytes read so far.
func (pr *Reader) BytesRead() int64 {
	return pr.read
}
