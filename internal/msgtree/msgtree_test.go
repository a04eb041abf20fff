package msgtree

import (
	"sort"
	"testing"
)

func TestAddGetSharedPrefix(t *testing.T) {
	tr := New(Defer)
	tr.Add("node1", "hello")
	tr.Add("node2", "hello")
	tr.Add("node1", "world")
	tr.Add("node2", "world")

	msg1, ok := tr.Get("node1")
	if !ok || msg1 != "hello\nworld" {
		t.Fatalf("Get(node1) = %q, %v", msg1, ok)
	}
	msg2, ok := tr.Get("node2")
	if !ok || msg2 != "hello\nworld" {
		t.Fatalf("Get(node2) = %q, %v", msg2, ok)
	}
}

func TestWalkInvariants(t *testing.T) {
	tr := New(Defer)
	inputs := map[string][]string{
		"node1": {"a", "b"},
		"node2": {"a", "b"},
		"node3": {"a", "c"},
	}
	for key, lines := range inputs {
		for _, l := range lines {
			tr.Add(key, l)
		}
	}

	entries := tr.Walk()
	seen := map[string]bool{}
	for _, e := range entries {
		for _, k := range e.Keys {
			if seen[k] {
				t.Errorf("key %q appears in more than one entry", k)
			}
			seen[k] = true
		}
	}
	if len(seen) != len(inputs) {
		t.Errorf("union of key-sets = %d keys, want %d", len(seen), len(inputs))
	}
	for key := range inputs {
		if !seen[key] {
			t.Errorf("key %q missing from Walk output", key)
		}
	}

	var groupAB, groupAC []string
	for _, e := range entries {
		switch e.Message {
		case "a\nb":
			groupAB = e.Keys
		case "a\nc":
			groupAC = e.Keys
		}
	}
	sort.Strings(groupAB)
	if len(groupAB) != 2 || groupAB[0] != "node1" || groupAB[1] != "node2" {
		t.Errorf("group a/b = %v, want [node1 node2]", groupAB)
	}
	if len(groupAC) != 1 || groupAC[0] != "node3" {
		t.Errorf("group a/c = %v, want [node3]", groupAC)
	}
}

func TestWalkTraceHierarchy(t *testing.T) {
	tr := New(Trace)
	tr.Add("node1", "a")
	tr.Add("node2", "a")
	tr.Add("node1", "b1")
	tr.Add("node2", "b2")

	entries := tr.WalkTrace()
	if len(entries) == 0 {
		t.Fatal("expected at least one trace entry")
	}
	var root *TraceEntry
	for i := range entries {
		if entries[i].Line == "a" {
			root = &entries[i]
		}
	}
	if root == nil {
		t.Fatal("expected a trace entry for shared prefix \"a\"")
	}
	if root.NumChildren != 2 {
		t.Errorf("shared node should have 2 children, got %d", root.NumChildren)
	}
	if root.Depth != 0 {
		t.Errorf("shared node depth = %d, want 0", root.Depth)
	}
}

func TestRemoveRequiresShiftOrTrace(t *testing.T) {
	tr := New(Defer)
	tr.Add("node1", "a")
	if err := tr.Remove("node1"); err == nil {
		t.Error("expected error removing a key in DEFER mode")
	}

	tr2 := New(Shift)
	tr2.Add("node1", "a")
	tr2.Add("node1", "b")
	if err := tr2.Remove("node1"); err != nil {
		t.Fatalf("Remove in SHIFT mode: %v", err)
	}
	if _, ok := tr2.Get("node1"); ok {
		t.Error("node1 should no longer be known after Remove")
	}
	if tr2.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after removing the only key", tr2.Len())
	}
}

func TestReAddAfterRemove(t *testing.T) {
	tr := New(Shift)
	tr.Add("node1", "a")
	_ = tr.Remove("node1")
	tr.Add("node1", "z")
	msg, ok := tr.Get("node1")
	if !ok || msg != "z" {
		t.Errorf("Get(node1) after re-add = %q, %v", msg, ok)
	}
}
