package hub

import (
	"net"
	"testing"
	"time"
)

func newTestConn(userID string) (*Connection, net.Conn) {
	server, client := net.Pipe()
	c := &Connection{
		UserID:    userID,
		Conn:      server,
		CreatedAt: time.Now(),
	}
	c.Touch()
	return c, client
}

func TestRegistryAddAndGet(t *testing.T) {
	r := NewRegistry()
	c, _ := newTestConn("alice")

	if prev := r.Add(c); prev != nil {
		t.Fatalf("expected no displaced connection, got %v", prev)
	}
	if got := r.Get("alice"); got != c {
		t.Fatalf("Get returned %v, want %v", got, c)
	}
	if n := r.Count(); n != 1 {
		t.Fatalf("Count = %d, want 1", n)
	}
	if got := r.Get("bob"); got != nil {
		t.Fatalf("Get for unknown user returned %v, want nil", got)
	}
}

func TestRegistryDisplacesPreviousConnection(t *testing.T) {
	r := NewRegistry()
	old, _ := newTestConn("alice")
	r.Add(old)

	fresh, _ := newTestConn("alice")
	if prev := r.Add(fresh); prev != old {
		t.Fatalf("Add returned %v, want displaced %v", prev, old)
	}
	if got := r.Get("alice"); got != fresh {
		t.Fatalf("Get returned old connection after displacement")
	}
	if n := r.Count(); n != 1 {
		t.Fatalf("Count = %d, want 1", n)
	}
}

func TestRegistryRemoveOnlyRemovesOwnConnection(t *testing.T) {
	r := NewRegistry()
	old, _ := newTestConn("alice")
	r.Add(old)

	fresh, _ := newTestConn("alice")
	r.Add(fresh)

	// The displaced connection's cleanup must not evict the new one.
	if r.Remove(old) {
		t.Fatal("Remove of displaced connection reported true")
	}
	if got := r.Get("alice"); got != fresh {
		t.Fatal("displaced connection removal evicted the current connection")
	}

	if !r.Remove(fresh) {
		t.Fatal("Remove of current connection reported false")
	}
	if got := r.Get("alice"); got != nil {
		t.Fatalf("Get after removal returned %v, want nil", got)
	}
}

func TestRegistryAll(t *testing.T) {
	r := NewRegistry()
	a, _ := newTestConn("alice")
	b, _ := newTestConn("bob")
	r.Add(a)
	r.Add(b)

	all := r.All()
	if len(all) != 2 {
		t.Fatalf("All returned %d connections, want 2", len(all))
	}
	seen := map[string]bool{}
	for _, c := range all {
		seen[c.UserID] = true
	}
	if !seen["alice"] || !seen["bob"] {
		t.Fatalf("All missing connections: %v", seen)
	}
}

func TestConnectionLastSeen(t *testing.T) {
	c, _ := newTestConn("alice")
	before := c.LastSeen()

	time.Sleep(10 * time.Millisecond)
	c.Touch()

	if !c.LastSeen().After(before) {
		t.Fatal("Touch did not advance LastSeen")
	}
}
