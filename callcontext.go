package extism

import (
	"sync"
)

// frame is a call-stack entry: the input block for the call plus whichever
// of output/error the guest has chosen to populate by the time the call
// unwinds. Only the topmost frame's input is readable by the input_* host
// imports; only the topmost frame's output/error slots are writable.
type frame struct {
	inputIndex  uint64
	outputIndex uint64
	hasOutput   bool
	errorIndex  uint64
	hasError    bool
}

// CallState is the serializable snapshot exchanged between a foreground
// CallContext and a background worker: the call stack, every live block and
// the variables. ExportState flips the exporter's local blocks to non-local
// so the same bytes are never freed twice on both sides of a worker handoff;
// ImportState replaces the importer's table and marks every received block
// local.
type CallState struct {
	stack  []frame
	blocks []block
	vars   map[string][]byte
}

// CallContext owns the block table, call stack and variable map for a
// single plug-in instance, and is the only legal path for bytes to cross
// the host/guest boundary. It is not safe for concurrent use by multiple
// callers; the re-entrancy rule enforced one level up (Instance.Call) assumes
// a single caller at a time.
type CallContext struct {
	mu sync.Mutex

	blocks []block
	stack  []frame

	vars        map[string][]byte
	varBytes    int
	maxVarBytes int // 0 means unbounded

	maxPages uint64 // 0 means unbounded
	pages    uint64

	logger *CallLogger
}

// NewCallContext creates a context with the reserved null page already
// installed at index 0.
func NewCallContext(logger *CallLogger) *CallContext {
	cc := &CallContext{
		blocks: make([]block, 1, 16),
		vars:   make(map[string][]byte),
		logger: logger,
	}
	cc.blocks[0] = block{data: make([]byte, 1), local: true}
	cc.pages = pagesFor(1)
	return cc
}

// SetMaxPages installs the max_pages budget (0 disables enforcement).
func (c *CallContext) SetMaxPages(n uint64) { c.maxPages = n }

// SetMaxVarBytes installs the max_var_bytes budget (0 disables enforcement).
func (c *CallContext) SetMaxVarBytes(n int) { c.maxVarBytes = n }

// Alloc appends a fresh local block of n zeroed bytes, enforcing maxPages.
// Returns address 0 ("none") if the budget would be exceeded.
func (c *CallContext) Alloc(n uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allocLocked(make([]byte, n))
}

// Store appends bytes as a new block and returns its address. Empty input
// returns address 0 ("none"), matching spec semantics that there is nothing
// useful to reference.
func (c *CallContext) Store(data []byte) uint64 {
	if len(data) == 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	return c.allocLocked(cp)
}

func (c *CallContext) allocLocked(data []byte) uint64 {
	newPages := c.pages + pagesFor(len(data))
	if c.maxPages != 0 && newPages > c.maxPages {
		if c.logger != nil {
			c.logger.log(LogError, "alloc denied: exceeds max_pages budget")
		}
		return 0
	}

	index := c.nextFreeIndexLocked()
	c.blocks[index] = block{data: data, local: true}
	c.pages = newPages
	return indexToAddress(index)
}

// nextFreeIndexLocked returns an empty slot, reusing a freed one if
// available, otherwise growing the table. Must be called with mu held.
func (c *CallContext) nextFreeIndexLocked() uint64 {
	for i := 1; i < len(c.blocks); i++ {
		if c.blocks[i].empty() {
			return uint64(i)
		}
	}
	c.blocks = append(c.blocks, block{})
	if uint64(len(c.blocks))-1 > maxBlockIndex {
		panic("extism: block table index space exhausted")
	}
	return uint64(len(c.blocks) - 1)
}

// blockAt resolves an address to its table entry, or ok=false if the index
// is out of range or the slot is empty.
func (c *CallContext) blockAt(addr uint64) (block, bool) {
	idx := addressToIndex(addr)
	if idx == nullIndex || idx >= uint64(len(c.blocks)) {
		return block{}, false
	}
	b := c.blocks[idx]
	if b.empty() {
		return block{}, false
	}
	return b, true
}

// Read resolves an address to a read-only view of its bytes, or nil if the
// address does not name a live block.
func (c *CallContext) Read(addr uint64) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.blockAt(addr)
	if !ok {
		return nil
	}
	return b.data
}

// Length returns the byte length of the block at addr, or 0 if it does not
// name a live block.
func (c *CallContext) Length(addr uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.blockAt(addr)
	if !ok {
		return 0
	}
	return uint64(len(b.data))
}

// Free clears the table slot named by addr. A no-op on address 0 or an
// already-empty slot.
func (c *CallContext) Free(addr uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := addressToIndex(addr)
	if idx == nullIndex || idx >= uint64(len(c.blocks)) {
		return
	}
	b := c.blocks[idx]
	if b.empty() {
		return
	}
	c.pages -= pagesFor(len(b.data))
	c.blocks[idx] = block{}
}

// LoadByte and StoreByte back the load_u8/store_u8 kernel ABI functions.
func (c *CallContext) LoadByte(addr uint64) (byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := addressToIndex(addr)
	off := maskAddress(addr)
	if idx == nullIndex || idx >= uint64(len(c.blocks)) {
		return 0, false
	}
	b := c.blocks[idx]
	if b.empty() || off >= uint64(len(b.data)) {
		return 0, false
	}
	return b.data[off], true
}

func (c *CallContext) StoreByte(addr uint64, v byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := addressToIndex(addr)
	off := maskAddress(addr)
	if idx == nullIndex || idx >= uint64(len(c.blocks)) {
		return false
	}
	b := c.blocks[idx]
	if b.empty() || off >= uint64(len(b.data)) {
		return false
	}
	b.data[off] = v
	return true
}

// Begin pushes a new call-stack frame whose input block is named by
// inputAddr (a synthetic address, as returned by Store/Alloc).
func (c *CallContext) Begin(inputAddr uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stack = append(c.stack, frame{inputIndex: addressToIndex(inputAddr)})
}

// End pops the topmost frame and returns, in priority order, its error
// index then its output index; ok is false for whichever is absent.
func (c *CallContext) End() (errIndex uint64, hasError bool, outIndex uint64, hasOutput bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.stack) == 0 {
		return 0, false, 0, false
	}
	top := c.stack[len(c.stack)-1]
	c.stack = c.stack[:len(c.stack)-1]
	return top.errorIndex, top.hasError, top.outputIndex, top.hasOutput
}

// Depth reports how many frames are currently on the call stack. A depth
// greater than zero means a guest call is in flight.
func (c *CallContext) Depth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stack)
}

// CurrentInput returns the topmost frame's input block address, or 0 if
// there is no frame.
func (c *CallContext) CurrentInput() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.stack) == 0 {
		return 0
	}
	return indexToAddress(c.stack[len(c.stack)-1].inputIndex)
}

// SetOutput records addr's block index as the topmost frame's output.
// Fails if length exceeds the named block's actual length. length itself is
// not stored, and neither is addr's in-block offset: the call's output is
// the whole block.
func (c *CallContext) SetOutput(addr, length uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.stack) == 0 {
		return false
	}
	b, ok := c.blockAt(addr)
	if !ok || length > uint64(len(b.data)) {
		return false
	}
	top := &c.stack[len(c.stack)-1]
	top.outputIndex = addressToIndex(addr)
	top.hasOutput = true
	return true
}

// SetError records the error block address in the topmost frame.
func (c *CallContext) SetError(addr uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.stack) == 0 {
		return false
	}
	if _, ok := c.blockAt(addr); !ok {
		return false
	}
	top := &c.stack[len(c.stack)-1]
	top.errorIndex = addressToIndex(addr)
	top.hasError = true
	return true
}

// SetErrorMessage is the convenience host operation: allocate a block
// holding msg and install it as the current frame's error.
func (c *CallContext) SetErrorMessage(msg string) {
	addr := c.Store([]byte(msg))
	if addr == 0 && msg != "" {
		return
	}
	c.mu.Lock()
	if len(c.stack) == 0 {
		c.mu.Unlock()
		return
	}
	top := &c.stack[len(c.stack)-1]
	top.errorIndex = addressToIndex(addr)
	top.hasError = true
	c.mu.Unlock()
}

// ErrorAddress returns the current frame's error address, or 0 if none.
func (c *CallContext) ErrorAddress() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.stack) == 0 || !c.stack[len(c.stack)-1].hasError {
		return 0
	}
	return indexToAddress(c.stack[len(c.stack)-1].errorIndex)
}

// GetVariable returns the bytes stored under name, or nil if unset.
func (c *CallContext) GetVariable(name string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.vars[name]
	if !ok {
		return nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp
}

// SetVariable stores (or, if value is nil, deletes) the variable named
// name. Enforces maxVarBytes against the projected post-write total
// (current - existing(name) + len(value)); on overflow the previous value
// is retained and the call fails.
func (c *CallContext) SetVariable(name string, value []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if value == nil {
		if existing, ok := c.vars[name]; ok {
			c.varBytes -= len(existing)
			delete(c.vars, name)
		}
		return true
	}

	existing := len(c.vars[name])
	projected := c.varBytes - existing + len(value)
	if c.maxVarBytes != 0 && projected > c.maxVarBytes {
		if c.logger != nil {
			c.logger.log(LogError, "set_variable denied: exceeds max_var_bytes budget")
		}
		return false
	}

	cp := make([]byte, len(value))
	copy(cp, value)
	c.vars[name] = cp
	c.varBytes = projected
	return true
}

// DeleteVariable removes name; equivalent to SetVariable(name, nil).
func (c *CallContext) DeleteVariable(name string) {
	c.SetVariable(name, nil)
}

// Reset wipes the block table back to just the null page and empties the
// call stack. Variables are cleared too (design decision, see DESIGN.md:
// the source is inconsistent on this point; this implementation does not
// keep variables across a full reset). Returns false without doing
// anything if a call is currently in flight.
func (c *CallContext) Reset() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.stack) != 0 {
		return false
	}
	null := c.blocks[0]
	c.blocks = append(c.blocks[:0], null)
	c.pages = pagesFor(len(null.data))
	c.vars = make(map[string][]byte)
	c.varBytes = 0
	return true
}

// ExportState snapshots the stack, the variables and every live block for a
// worker handoff. Each block goes into the snapshot with its bytes, marked
// non-local; blocks that were local on this side are flipped to non-local
// here so the exporting side will not also free them. Blocks that were
// already non-local are included with their bytes too, not referenced by
// index only.
func (c *CallContext) ExportState() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()

	blocks := make([]block, len(c.blocks))
	for i, b := range c.blocks {
		if b.empty() {
			continue
		}
		blocks[i] = block{data: b.data, local: false}
		if b.local {
			c.blocks[i].local = false
		}
	}

	stack := make([]frame, len(c.stack))
	copy(stack, c.stack)

	vars := make(map[string][]byte, len(c.vars))
	for k, v := range c.vars {
		vars[k] = v
	}

	return CallState{stack: stack, blocks: blocks, vars: vars}
}

// ImportState installs a CallState received from a worker. When copyBytes is
// true, block bytes are duplicated so the importing context owns its own
// backing arrays; otherwise the slices are aliased directly (safe only when
// the exporting side is known to discard its reference, e.g. a one-shot
// worker reply).
func (c *CallContext) ImportState(state CallState, copyBytes bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	blocks := make([]block, len(state.blocks))
	pages := uint64(0)
	for i, b := range state.blocks {
		if b.data == nil {
			continue
		}
		data := b.data
		if copyBytes {
			data = make([]byte, len(b.data))
			copy(data, b.data)
		}
		blocks[i] = block{data: data, local: true}
		pages += pagesFor(len(data))
	}

	c.blocks = blocks
	c.pages = pages

	c.stack = append(c.stack[:0], state.stack...)

	c.vars = make(map[string][]byte, len(state.vars))
	c.varBytes = 0
	for k, v := range state.vars {
		cp := v
		if copyBytes {
			cp = make([]byte, len(v))
			copy(cp, v)
		}
		c.vars[k] = cp
		c.varBytes += len(cp)
	}
}
