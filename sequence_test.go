package relnet

import "testing"

func TestTimeLessGreater(t *testing.T) {
	if !timeLess(5, 10) {
		t.Fatal("timeLess(5, 10) should be true")
	}
	if timeLess(10, 5) {
		t.Fatal("timeLess(10, 5) should be false")
	}
	if !timeGreater(10, 5) {
		t.Fatal("timeGreater(10, 5) should be true")
	}
	if !timeGreaterEqual(5, 5) {
		t.Fatal("timeGreaterEqual(5, 5) should be true")
	}
}

func TestTimeDifference(t *testing.T) {
	if d := timeDifference(10, 5); d != 5 {
		t.Fatalf("timeDifference(10, 5) = %d, want 5", d)
	}
	if d := timeDifference(5, 10); d != 5 {
		t.Fatalf("timeDifference(5, 10) = %d, want 5", d)
	}
}

func TestReliableWindowWrappedNoWrap(t *testing.T) {
	if got := reliableWindowWrapped(100, 50); got != 100 {
		t.Fatalf("reliableWindowWrapped(100, 50) = %d, want 100", got)
	}
}

func TestReliableWindowWrappedWraps(t *testing.T) {
	base := uint16(reliableWindowSize * 15)
	s := uint16(10)
	got := reliableWindowWrapped(s, base)
	want := uint32(s) + uint32(reliableWindows)*uint32(reliableWindowSize)
	if got != want {
		t.Fatalf("reliableWindowWrapped(%d, %d) = %d, want %d", s, base, got, want)
	}
}

func TestInFreeReliableWindow(t *testing.T) {
	if !inFreeReliableWindow(0, 0) {
		t.Fatal("sequence 0 against base 0 should be admissible")
	}

	within := uint16(6 * reliableWindowSize)
	if !inFreeReliableWindow(within, 0) {
		t.Fatalf("sequence in window 6 should be admissible with freeReliableWindows=%d", freeReliableWindows)
	}

	tooFar := uint16(7 * reliableWindowSize)
	if inFreeReliableWindow(tooFar, 0) {
		t.Fatal("sequence in window 7 should be outside the admissible range")
	}
}

func TestReliableSequenceGreater(t *testing.T) {
	if !reliableSequenceGreater(10, 5, 0) {
		t.Fatal("10 should be greater than 5 relative to base 0")
	}
	if reliableSequenceGreater(5, 10, 0) {
		t.Fatal("5 should not be greater than 10 relative to base 0")
	}
	if reliableSequenceGreater(5, 5, 0) {
		t.Fatal("a sequence number should not be greater than itself")
	}
}
