// Package job manages the lifecycle of a single job record.
//
// A Manager is constructed per invocation over a core.Store: the
// unit-of-work scoped store handed to a core.Store.Atomic callback for
// transitions, or the root store inside a running body, where each progress
// write commits on its own. Every
// transition is computed from the manager's last snapshot and written with a
// compare-and-swap on the snapshot version, so a record changed by another
// worker surfaces as a *core.ConcurrentModificationError instead of being
// overwritten. The manager never commits; the caller owns the unit of work.
//
// Basic usage inside a body:
//
//	func refresh(ctx context.Context, m *job.Manager, inv core.Invocation) (any, error) {
//	    if err := m.SetProgressTotal(ctx, len(views), "refreshing views"); err != nil {
//	        return nil, err
//	    }
//	    for _, v := range views {
//	        ...
//	        _ = m.IncrementProgress(ctx, 1, v)
//	    }
//	    return map[string]int{"refreshed": len(views)}, nil
//	}
package job
