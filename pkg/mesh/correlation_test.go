package mesh

import "testing"

func TestNewCorrelationIDIsHexAndUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := newCorrelationID()
		if len(id) < 8 {
			t.Fatalf("correlation ID %q shorter than the required 8+ hex characters", id)
		}
		for _, r := range id {
			if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
				t.Fatalf("correlation ID %q contains non-hex character %q", id, r)
			}
		}
		if seen[id] {
			t.Fatalf("correlation ID %q generated twice in %d draws", id, i)
		}
		seen[id] = true
	}
}

func TestCorrelationTablePutGetDeleteDrain(t *testing.T) {
	tbl := newCorrelationTable[int]()

	if _, ok := tbl.get("missing"); ok {
		t.Fatal("expected lookup on empty table to miss")
	}

	v := 42
	tbl.put("a", &v)
	got, ok := tbl.get("a")
	if !ok || *got != 42 {
		t.Fatalf("get(a) = %v, %v; want 42, true", got, ok)
	}

	tbl.delete("a")
	if _, ok := tbl.get("a"); ok {
		t.Fatal("expected entry to be gone after delete")
	}

	v1, v2 := 1, 2
	tbl.put("x", &v1)
	tbl.put("y", &v2)
	drained := tbl.drain()
	if len(drained) != 2 {
		t.Fatalf("drain() returned %d entries, want 2", len(drained))
	}
	if len(tbl.entries) != 0 {
		t.Fatal("expected table to be empty after drain")
	}
}
