// Package bindless assigns dense, stable shader indices to GPU resources.
package bindless

// Registry maps resource handles to indices in registration order.
// Handles are compared by identity, so pointers or interface values
// wrapping pointers are the natural handle types.
//
// A Registry is filled during scene ingestion and read while rendering;
// it is not safe for concurrent registration.
type Registry[H comparable] struct {
	items   []H
	indices map[H]uint32
}

func NewRegistry[H comparable]() *Registry[H] {
	return &Registry[H]{indices: make(map[H]uint32)}
}

// Add registers h and returns its index. Registering h again returns the
// same index; the k-th distinct handle gets index k-1.
func (r *Registry[H]) Add(h H) uint32 {
	if i, ok := r.indices[h]; ok {
		return i
	}
	i := uint32(len(r.items))
	r.items = append(r.items, h)
	r.indices[h] = i
	return i
}

// Lookup returns the index of h, if registered.
func (r *Registry[H]) Lookup(h H) Slot {
	if i, ok := r.indices[h]; ok {
		return Some(i)
	}
	return None()
}

// At returns the handle registered at index i.
func (r *Registry[H]) At(i uint32) H {
	return r.items[i]
}

// Items returns the handles in index order. The slice must not be
// modified.
func (r *Registry[H]) Items() []H {
	return r.items
}

func (r *Registry[H]) Len() int {
	return len(r.items)
}
