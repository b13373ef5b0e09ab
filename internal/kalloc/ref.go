package kalloc

import (
	"sync/atomic"

	"kcore/internal/halt"
)

// A Ref is one ownership of a page. Dup hands out another ownership (retain),
// Drop gives this one back (release) and can only happen once per Ref, so the
// retain/release pairing is carried by the values instead of by the caller.
type Ref struct {
	k		*Kmem
	pa		Pa
	dropped	atomic.Bool
}

// AllocRef is Alloc wrapped in a Ref.
func (k *Kmem) AllocRef(unit int) (*Ref, error) {
	p, err := k.Alloc(unit)
	if err != nil {
		return nil, err
	}
	return &Ref{k: k, pa: p}, nil
}

// Adopt takes over an ownership the caller already has (from Alloc or Retain).
func (k *Kmem) Adopt(p Pa) *Ref {
	k.check(p, "kadopt")
	return &Ref{k: k, pa: p}
}

func (r *Ref) Pa() Pa {
	return r.pa
}

func (r *Ref) Bytes() []byte {
	r.live("ref: bytes after drop")
	return r.k.Bytes(r.pa)
}

func (r *Ref) Dup() *Ref {
	r.live("ref: dup after drop")
	r.k.Retain(r.pa)
	return &Ref{k: r.k, pa: r.pa}
}

func (r *Ref) Drop() {
	if !r.dropped.CompareAndSwap(false, true) {
		halt.Panic(r.k.log, "ref: double drop", "pa", r.pa)
	}
	r.k.Release(r.pa)
}

func (r *Ref) live(msg string) {
	if r.dropped.Load() {
		halt.Panic(r.k.log, msg, "pa", r.pa)
	}
}
