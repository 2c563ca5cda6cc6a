package extism

// block is a contiguous host-owned byte region referenced by its table
// index. local is true exactly when this block is owned exclusively by its
// call context and has never been exported to a worker; exporting flips it
// to false so the sender does not also free it (see CallState).
type block struct {
	data  []byte
	local bool
}

// empty reports whether this table slot currently holds a block. A zeroed
// block (the Go zero value) is indistinguishable from a freed slot, which is
// the behavior free() and reset rely on.
func (b block) empty() bool {
	return b.data == nil && !b.local
}

// pageSize matches Wasm linear memory's page granularity; block budgets are
// expressed in pages purely for vocabulary symmetry with the guest's own
// memory.grow, even though blocks are ordinary host byte slices.
const pageSize = 64 * 1024

// pagesFor rounds a byte length up to whole pages.
func pagesFor(n int) uint64 {
	if n <= 0 {
		return 0
	}
	return (uint64(n) + pageSize - 1) / pageSize
}
