package extism

import (
	"context"
	"fmt"
	"time"

	"github.com/Workiva/go-datastructures/queue"
)

// InstanceInitializer runs once per pooled instance right after it is
// created, e.g. to prime a variable every call will read.
type InstanceInitializer func(ctx context.Context, inst Instance) error

// Pool amortizes plug-in instantiation cost across many short-lived calls
// against the same module set: a fixed number of instances are built up
// front and checked out/returned via a ring buffer, the same structure
// wapc-go uses for its own guest pool.
type Pool struct {
	rb        *queue.RingBuffer
	instances []Instance
}

// NewPool builds size ready-to-call instances of modules on engine and
// returns a Pool over them. If any instance fails to build, every instance
// already created is closed before returning the error.
func NewPool(ctx context.Context, engine Engine, modules []PreparedModule, opts PluginOptions, size uint64, initialize InstanceInitializer) (*Pool, error) {
	rb := queue.NewRingBuffer(size)
	instances := make([]Instance, 0, size)

	for i := uint64(0); i < size; i++ {
		inst, err := engine.NewPlugin(ctx, modules, opts)
		if err != nil {
			for _, created := range instances {
				created.Close(ctx)
			}
			return nil, wrapError(KindConfig, err, fmt.Sprintf("building pool instance %d/%d", i, size))
		}
		if initialize != nil {
			if err := initialize(ctx, inst); err != nil {
				inst.Close(ctx)
				for _, created := range instances {
					created.Close(ctx)
				}
				return nil, wrapError(KindConfig, err, fmt.Sprintf("initializing pool instance %d/%d", i, size))
			}
		}
		if ok, err := rb.Offer(inst); err != nil || !ok {
			inst.Close(ctx)
			for _, created := range instances {
				created.Close(ctx)
			}
			return nil, newErrorf(KindConfig, "could not add instance %d to pool of size %d", i, size)
		}
		instances = append(instances, inst)
	}

	return &Pool{rb: rb, instances: instances}, nil
}

// Get checks out an instance, blocking up to timeout. The caller owns the
// instance exclusively until it calls Return; nothing enforces this beyond
// convention, same as the non-reentrancy rule within a single instance.
func (p *Pool) Get(timeout time.Duration) (Instance, error) {
	v, err := p.rb.Poll(timeout)
	if err != nil {
		return nil, wrapError(KindResourceLimitExceeded, err, "get from plugin pool timed out")
	}
	inst, ok := v.(Instance)
	if !ok {
		return nil, newError(KindConfig, "item retrieved from plugin pool is not an Instance")
	}
	return inst, nil
}

// Return checks an instance back in. It does not reset the instance; a
// caller that mutated variables or left blocks allocated should call
// Reset() itself before returning it if pool users are expected to see a
// clean slate.
func (p *Pool) Return(inst Instance) error {
	ok, err := p.rb.Offer(inst)
	if err != nil {
		return wrapError(KindConfig, err, "returning instance to plugin pool")
	}
	if !ok {
		return newError(KindConfig, "cannot return instance to a full plugin pool")
	}
	return nil
}

// Close disposes the ring buffer and closes every instance the pool owns,
// regardless of whether it is currently checked out.
func (p *Pool) Close(ctx context.Context) {
	p.rb.Dispose()
	for _, inst := range p.instances {
		inst.Close(ctx)
	}
}
