package gateway

import "testing"

func TestRegistryAddGetRemove(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	c := newTestClient("conn-1")

	r.Add(c)
	if got, ok := r.Get("conn-1"); !ok || got != c {
		t.Fatal("Get after Add did not return the client")
	}
	if got := r.Count(); got != 1 {
		t.Errorf("Count = %d, want 1", got)
	}

	if !r.Remove("conn-1") {
		t.Error("Remove returned false for a present client")
	}
	if r.Remove("conn-1") {
		t.Error("Remove returned true for an absent client")
	}
	if _, ok := r.Get("conn-1"); ok {
		t.Error("Get returned a removed client")
	}
}

func TestRegistryIterStopsEarly(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Add(newTestClient("conn-1"))
	r.Add(newTestClient("conn-2"))
	r.Add(newTestClient("conn-3"))

	visited := 0
	r.Iter(func(*Client) bool {
		visited++
		return false
	})
	if visited != 1 {
		t.Errorf("visited = %d, want 1", visited)
	}
}
