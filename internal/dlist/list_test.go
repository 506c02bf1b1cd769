package dlist

import "testing"

func TestPushBackOrder(t *testing.T) {
	l := New[int]()
	l.PushBack(1)
	l.PushBack(2)
	l.PushBack(3)

	var got []int
	for n := l.Front(); n != nil; n = l.Next(n) {
		got = append(got, n.Value())
	}
	want := []int{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if l.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", l.Len())
	}
}

func TestPushFront(t *testing.T) {
	l := New[string]()
	l.PushBack("b")
	l.PushFront("a")
	if l.Front().Value() != "a" {
		t.Fatalf("Front() = %q, want a", l.Front().Value())
	}
	if l.Back().Value() != "b" {
		t.Fatalf("Back() = %q, want b", l.Back().Value())
	}
}

func TestRemove(t *testing.T) {
	l := New[int]()
	a := l.PushBack(1)
	b := l.PushBack(2)
	c := l.PushBack(3)

	Remove(b)
	if l.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", l.Len())
	}
	if b.InList() {
		t.Fatal("removed node reports InList() true")
	}
	if l.Next(a) != c {
		t.Fatal("list did not relink around removed node")
	}

	// Removing again is a no-op, not a panic.
	Remove(b)
}

func TestInsertBefore(t *testing.T) {
	l := New[int]()
	l.PushBack(1)
	mark := l.PushBack(3)
	l.InsertBefore(mark, 2)

	var got []int
	for n := l.Front(); n != nil; n = l.Next(n) {
		got = append(got, n.Value())
	}
	want := []int{1, 2, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestMoveToList(t *testing.T) {
	src := New[int]()
	dst := New[int]()
	n := src.PushBack(42)
	src.PushBack(7)

	MoveToList(n, dst)

	if src.Len() != 1 {
		t.Fatalf("src.Len() = %d, want 1", src.Len())
	}
	if dst.Len() != 1 {
		t.Fatalf("dst.Len() = %d, want 1", dst.Len())
	}
	if dst.Front().Value() != 42 {
		t.Fatalf("dst.Front() = %d, want 42", dst.Front().Value())
	}
}

func TestEachAllowsRemoveCurrent(t *testing.T) {
	l := New[int]()
	l.PushBack(1)
	l.PushBack(2)
	l.PushBack(3)

	var seen []int
	l.Each(func(n *Node[int]) bool {
		seen = append(seen, n.Value())
		if n.Value() == 2 {
			Remove(n)
		}
		return true
	})

	if len(seen) != 3 {
		t.Fatalf("Each visited %d nodes, want 3", len(seen))
	}
	if l.Len() != 2 {
		t.Fatalf("Len() after removal = %d, want 2", l.Len())
	}
}

func TestEmptyListFrontBack(t *testing.T) {
	l := New[int]()
	if !l.Empty() {
		t.Fatal("new list should be empty")
	}
	if l.Front() != nil || l.Back() != nil {
		t.Fatal("empty list should have nil Front/Back")
	}
}
