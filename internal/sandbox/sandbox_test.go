package sandbox

import "testing"

func TestDiffFindsOnlyNewNames(t *testing.T) {
	before := map[string]struct{}{"a.txt": {}, "b.txt": {}}
	after := map[string]struct{}{"a.txt": {}, "b.txt": {}, "c.txt": {}, "d.txt": {}}

	got := diff(before, after)
	want := []string{"c.txt", "d.txt"}
	if len(got) != len(want) {
		t.Fatalf("diff() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("diff() = %v, want %v", got, want)
		}
	}
}

func TestDiffEmptyWhenNothingNew(t *testing.T) {
	before := map[string]struct{}{"a.txt": {}}
	after := map[string]struct{}{"a.txt": {}}
	if got := diff(before, after); len(got) != 0 {
		t.Fatalf("diff() = %v, want empty", got)
	}
}

func TestContainerIDSanitizesThreadID(t *testing.T) {
	got := containerID("thread/weird id:1")
	want := "sandbox-thread-weird-id-1"
	if got != want {
		t.Fatalf("containerID() = %q, want %q", got, want)
	}
}
