package ranges

import (
	"math/rand"
	"reflect"
	"testing"
)

func TestListAdd(t *testing.T) {
	tests := []struct {
		name string
		ops  [][2]int64
		want List
	}{
		{"single", [][2]int64{{0, 10}}, List{{0, 10}}},
		{"disjoint sorted", [][2]int64{{0, 10}, {20, 30}}, List{{0, 10}, {20, 30}}},
		{"disjoint reversed", [][2]int64{{20, 30}, {0, 10}}, List{{0, 10}, {20, 30}}},
		{"touching merges", [][2]int64{{0, 10}, {10, 20}}, List{{0, 20}}},
		{"touching before", [][2]int64{{10, 20}, {0, 10}}, List{{0, 20}}},
		{"bridge", [][2]int64{{0, 10}, {20, 30}, {10, 20}}, List{{0, 30}}},
		{"swallow", [][2]int64{{5, 6}, {8, 9}, {0, 100}}, List{{0, 100}}},
		{"overlap", [][2]int64{{0, 10}, {5, 15}}, List{{0, 15}}},
		{"inside", [][2]int64{{0, 100}, {10, 20}}, List{{0, 100}}},
		{"empty ignored", [][2]int64{{5, 5}, {9, 3}}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var l List
			for _, op := range tt.ops {
				l.Add(op[0], op[1])
			}
			if len(l) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(l, tt.want) {
				t.Errorf("got %v, want %v", l, tt.want)
			}
		})
	}
}

func TestListRemove(t *testing.T) {
	tests := []struct {
		name    string
		start   List
		cut     [2]int64
		want    List
		removed int64
	}{
		{"middle split", List{{0, 100}}, [2]int64{40, 60}, List{{0, 40}, {60, 100}}, 20},
		{"prefix", List{{0, 100}}, [2]int64{0, 30}, List{{30, 100}}, 30},
		{"suffix", List{{0, 100}}, [2]int64{70, 200}, List{{0, 70}}, 30},
		{"spanning", List{{0, 10}, {20, 30}, {40, 50}}, [2]int64{5, 45}, List{{0, 5}, {45, 50}}, 20},
		{"miss", List{{0, 10}}, [2]int64{10, 20}, List{{0, 10}}, 0},
		{"all", List{{0, 10}, {20, 30}}, [2]int64{0, 30}, List{}, 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := tt.start.Clone()
			got := l.Remove(tt.cut[0], tt.cut[1])
			if got != tt.removed {
				t.Errorf("removed %d, want %d", got, tt.removed)
			}
			if len(l) != len(tt.want) || (len(l) > 0 && !reflect.DeepEqual(l, tt.want)) {
				t.Errorf("got %v, want %v", l, tt.want)
			}
			if !l.Valid() {
				t.Errorf("list %v is not valid", l)
			}
		})
	}
}

func TestListQueries(t *testing.T) {
	l := List{{10, 20}, {30, 40}}

	if l.Contains(9) || !l.Contains(10) || !l.Contains(19) || l.Contains(20) {
		t.Error("Contains boundaries wrong")
	}
	if !l.Covers(12, 20) || l.Covers(15, 31) {
		t.Error("Covers wrong")
	}
	if !l.Intersects(19, 31) || l.Intersects(20, 30) {
		t.Error("Intersects wrong")
	}
	got := l.Intersect(15, 35)
	want := List{{15, 20}, {30, 35}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Intersect got %v, want %v", got, want)
	}
	if l.Size() != 20 {
		t.Errorf("Size got %d, want 20", l.Size())
	}
}

func TestListValid(t *testing.T) {
	if !(List{{0, 1}, {2, 3}}).Valid() {
		t.Error("expected valid")
	}
	for _, bad := range []List{
		{{0, 1}, {1, 3}},
		{{2, 3}, {0, 1}},
		{{5, 5}},
		{{-1, 3}},
	} {
		if bad.Valid() {
			t.Errorf("expected %v to be invalid", bad)
		}
	}
}

// Coalescing must not depend on the order writes arrive in.
func TestMarkWrittenOrderIndependent(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	const total = 1 << 20

	for round := 0; round < 200; round++ {
		// random non-overlapping pieces
		var pieces [][2]int64
		var off int64
		for off < total {
			n := int64(rng.Intn(50000) + 1)
			if rng.Intn(3) == 0 {
				off += n // leave a hole
				continue
			}
			end := min(off+n, total)
			pieces = append(pieces, [2]int64{off, end})
			off = end
		}

		sorted := NewTracker(total)
		for _, p := range pieces {
			sorted.MarkWritten(p[0], p[1])
		}

		shuffled := NewTracker(total)
		perm := rng.Perm(len(pieces))
		for _, k := range perm {
			shuffled.MarkWritten(pieces[k][0], pieces[k][1])
		}

		if !reflect.DeepEqual(sorted.NotWritten(), shuffled.NotWritten()) {
			t.Fatalf("round %d: sorted %v != shuffled %v", round, sorted.NotWritten(), shuffled.NotWritten())
		}
		if sorted.Written() != shuffled.Written() {
			t.Fatalf("round %d: written %d != %d", round, sorted.Written(), shuffled.Written())
		}
	}
}
