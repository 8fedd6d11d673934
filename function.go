package ignite

import (
	"context"

	"github.com/ignitewasm/ignite/internal/instance"
)

// Function is one callable export: spec.md §6's Function.call. Every
// parameter and result is a flattened i64/f64 bit pattern (a float is
// carried by its IEEE-754 bits, not boxed), the same convention
// internal/trap.Call and internal/hostcall.Func both use -- there is no
// marshaling cost between a host-supplied []uint64 and what compiled
// code actually reads out of its argument registers.
type Function struct {
	fn *instance.Function
}

// ParamCount/ResultCount report the function's arity.
func (f *Function) ParamCount() int  { return f.fn.ParamCount() }
func (f *Function) ResultCount() int { return f.fn.ResultCount() }

// Call invokes the function with args, returning its results or the
// *api.Trap it stopped on. ctx is consulted only before the call
// starts: once compiled code is running there is no way to interrupt
// it short of the process itself (see DESIGN.md's note on the
// untracked compiled-code stack), so a cancelled ctx cannot abort a
// call already in flight.
func (f *Function) Call(ctx context.Context, args ...uint64) ([]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := f.fn.ParamCount()
	if n < f.fn.ResultCount() {
		n = f.fn.ResultCount()
	}
	buf := make([]uint64, n)
	copy(buf, args)

	if t := f.fn.Call(buf); t != nil {
		return nil, t
	}
	return buf[:f.fn.ResultCount()], nil
}
