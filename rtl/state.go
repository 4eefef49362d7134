package rtl

// The request state word packs immutable type flags and mutable state
// flags into a single atomic.Uint32, mirroring the original driver's
// single `unsigned long state` per request (ssh_request_layer.c). Using
// one word lets every transition be a single compare-and-swap, which
// gives us invariant 8 of spec.md §3 (the word is never observed at zero
// mid-transition) for free: a CAS either applies the whole bit delta or
// it doesn't apply at all.
type stateFlag uint32

const (
	// Type flags: fixed at construction, never change afterwards.
	tyHasResponse stateFlag = 1 << iota
	tyFlush
	tyUnsequenced

	typeFlagsEnd

	// State flags: set at most once each, per the state machine in
	// spec.md §4.1.
	sfQueued
	sfTransmitting
	sfTransmitted
	sfPending
	sfRspRcvd
	sfLocked
	sfCanceled
	sfCompleted
)

const typeFlagsMask = tyHasResponse | tyFlush | tyUnsequenced

// casLoop atomically applies mutate to the request's state word, retrying
// on concurrent modification. mutate returns the new word and whether the
// transition is legal from the observed old word; if it returns false the
// loop stops and reports no change applied.
func (r *Request) casLoop(mutate func(old stateFlag) (next stateFlag, ok bool)) (old, next stateFlag, applied bool) {
	for {
		cur := stateFlag(r.state.Load())
		nv, ok := mutate(cur)
		if !ok {
			return cur, cur, false
		}
		if r.state.CompareAndSwap(uint32(cur), uint32(nv)) {
			return cur, nv, true
		}
	}
}

func (r *Request) has(f stateFlag) bool {
	return stateFlag(r.state.Load())&f != 0
}

// setFlag sets f unconditionally (it may already be set) and returns
// whether it was set before the call.
func (r *Request) setFlag(f stateFlag) (already bool) {
	_, _, _ = r.casLoop(func(old stateFlag) (stateFlag, bool) {
		already = old&f != 0
		return old | f, true
	})
	return already
}

// testAndSet is setFlag under the name used throughout the original
// driver (test_and_set_bit): returns true if f was already set.
func (r *Request) testAndSet(f stateFlag) bool {
	return r.setFlag(f)
}

// clearFlag clears f unconditionally and reports whether it was set.
func (r *Request) clearFlag(f stateFlag) (was bool) {
	_, _, _ = r.casLoop(func(old stateFlag) (stateFlag, bool) {
		was = old&f != 0
		return old &^ f, true
	})
	return was
}

// transition clears `clear` and sets `set` in a single atomic step,
// realizing the ordering rule of spec.md §4.1 (the successor bit is
// visible before the predecessor bit disappears, because both changes
// land in the same CAS).
func (r *Request) transition(clear, set stateFlag) {
	r.casLoop(func(old stateFlag) (stateFlag, bool) {
		return (old &^ clear) | set, true
	})
}
