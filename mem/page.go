package mem

// PageSize is the allocation unit. Every run, capacity and size class is a
// multiple of this many bytes.
const PageSize = 4096

// PageRun is one contiguous range of pages. The zero value is an empty run.
type PageRun struct {
	data []byte
}

// Data returns the run's bytes. The slice's capacity is pinned to the run,
// so subslices cannot spill into a neighboring run.
func (r PageRun) Data() []byte { return r.data }

// NumPages returns the run length in pages.
func (r PageRun) NumPages() int { return len(r.data) / PageSize }

// NumBytes returns the run length in bytes.
func (r PageRun) NumBytes() int { return len(r.data) }

// pagesForBytes returns the page count covering bytes.
func pagesForBytes(bytes int) int {
	return (bytes + PageSize - 1) / PageSize
}
