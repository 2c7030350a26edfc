package bindless

import (
	"math/rand"
	"testing"
)

type resource struct{ name string }

func TestRegistryIdempotent(t *testing.T) {
	r := NewRegistry[*resource]()
	a, b := &resource{"a"}, &resource{"b"}
	// Same content, different identity.
	a2 := &resource{"a"}

	steps := []struct {
		h    *resource
		want uint32
	}{
		{a, 0},
		{a, 0},
		{b, 1},
		{a2, 2},
		{b, 1},
		{a, 0},
	}
	for i, s := range steps {
		if have := r.Add(s.h); have != s.want {
			t.Fatalf("Registry.Add step %d:\nhave %d\nwant %d", i, have, s.want)
		}
	}
	if r.Len() != 3 {
		t.Fatalf("Registry.Len:\nhave %d\nwant 3", r.Len())
	}
	if r.At(2) != a2 {
		t.Fatal("Registry.At(2) is not the third distinct handle")
	}
}

func TestRegistryRandomSequence(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	pool := make([]*resource, 32)
	for i := range pool {
		pool[i] = &resource{}
	}
	r := NewRegistry[*resource]()
	seen := make(map[*resource]uint32)
	for i := 0; i < 500; i++ {
		h := pool[rng.Intn(len(pool))]
		idx := r.Add(h)
		want, ok := seen[h]
		if !ok {
			want = uint32(len(seen))
			seen[h] = want
		}
		if idx != want {
			t.Fatalf("Registry.Add #%d:\nhave %d\nwant %d", i, idx, want)
		}
	}
	for i, h := range r.Items() {
		if seen[h] != uint32(i) {
			t.Fatalf("Registry.Items()[%d] has index %d", i, seen[h])
		}
	}
}

func TestLookupSlot(t *testing.T) {
	r := NewRegistry[*resource]()
	a := &resource{}
	if s := r.Lookup(a); s.IsSome() || s.Shader() != -1 {
		t.Fatalf("Registry.Lookup(unregistered):\nhave %v\nwant None", s)
	}
	r.Add(&resource{})
	r.Add(a)
	s := r.Lookup(a)
	if i, ok := s.Get(); !ok || i != 1 {
		t.Fatalf("Slot.Get:\nhave %d, %t\nwant 1, true", i, ok)
	}
	if s.Shader() != 1 {
		t.Fatalf("Slot.Shader:\nhave %d\nwant 1", s.Shader())
	}
	if (Slot{}) != None() {
		t.Fatal("zero Slot is not None")
	}
	if Some(0).Shader() != 0 || None().String() != "None" || Some(3).String() != "Some(3)" {
		t.Fatal("Slot formatting mismatch")
	}
}
