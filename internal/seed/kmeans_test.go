package seed

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"testing"
)

// twoBlobs builds two well-separated groups of points.
func twoBlobs(perSide int) []Point {
	points := make([]Point, 0, perSide*2)
	for i := 0; i < perSide; i++ {
		points = append(points, Point{
			ID:     fmt.Sprintf("a-%02d", i),
			Vector: []float32{10 + float32(i)*0.01, 10 - float32(i)*0.01},
		})
		points = append(points, Point{
			ID:     fmt.Sprintf("b-%02d", i),
			Vector: []float32{-10 - float32(i)*0.01, -10 + float32(i)*0.01},
		})
	}
	return points
}

func TestPartitionSeparatesBlobs(t *testing.T) {
	km := NewKMeans()
	groups, err := km.Partition(context.Background(), twoBlobs(10), 2)
	if err != nil {
		t.Fatalf("Partition: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
	for _, g := range groups {
		prefix := g[0][:1]
		for _, id := range g {
			if id[:1] != prefix {
				t.Fatalf("group mixes blobs: %v", g)
			}
		}
	}
}

func TestPartitionCoversAllPointsExactlyOnce(t *testing.T) {
	points := twoBlobs(7)
	km := NewKMeans()
	groups, err := km.Partition(context.Background(), points, 4)
	if err != nil {
		t.Fatalf("Partition: %v", err)
	}

	seen := map[string]bool{}
	for _, g := range groups {
		if len(g) == 0 {
			t.Fatal("empty group returned")
		}
		for _, id := range g {
			if seen[id] {
				t.Fatalf("id %s assigned twice", id)
			}
			seen[id] = true
		}
	}
	if len(seen) != len(points) {
		t.Fatalf("covered %d of %d points", len(seen), len(points))
	}
}

func TestPartitionDeterministic(t *testing.T) {
	points := twoBlobs(12)
	km := NewKMeans()

	first, err := km.Partition(context.Background(), points, 3)
	if err != nil {
		t.Fatalf("Partition: %v", err)
	}

	// Same inputs in reversed order must produce the same grouping.
	reversed := make([]Point, len(points))
	for i, p := range points {
		reversed[len(points)-1-i] = p
	}
	second, err := km.Partition(context.Background(), reversed, 3)
	if err != nil {
		t.Fatalf("Partition reversed: %v", err)
	}
	if !reflect.DeepEqual(canonical(first), canonical(second)) {
		t.Fatalf("grouping not deterministic:\n%v\n%v", first, second)
	}
}

func TestPartitionClampsK(t *testing.T) {
	points := twoBlobs(2) // 4 points
	km := NewKMeans()
	groups, err := km.Partition(context.Background(), points, 10)
	if err != nil {
		t.Fatalf("Partition: %v", err)
	}
	if len(groups) > 4 {
		t.Fatalf("got %d groups for 4 points", len(groups))
	}
}

func TestPartitionKOne(t *testing.T) {
	points := twoBlobs(3)
	km := NewKMeans()
	groups, err := km.Partition(context.Background(), points, 1)
	if err != nil {
		t.Fatalf("Partition: %v", err)
	}
	if len(groups) != 1 || len(groups[0]) != len(points) {
		t.Fatalf("k=1 should return one full group, got %v", groups)
	}
}

func TestPartitionAutoK(t *testing.T) {
	points := twoBlobs(25) // n=50 -> k = round(sqrt(25)) = 5
	km := NewKMeans()
	groups, err := km.Partition(context.Background(), points, 0)
	if err != nil {
		t.Fatalf("Partition: %v", err)
	}
	if len(groups) < 2 || len(groups) > 5 {
		t.Fatalf("auto-k produced %d groups, want 2..5", len(groups))
	}
}

func TestPartitionErrors(t *testing.T) {
	km := NewKMeans()
	if _, err := km.Partition(context.Background(), nil, 2); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("no points: got %v", err)
	}
	bad := []Point{{ID: "a", Vector: []float32{1, 2}}, {ID: "b", Vector: []float32{1}}}
	if _, err := km.Partition(context.Background(), bad, 2); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("mismatched dims: got %v", err)
	}
}

func canonical(groups [][]string) [][]string {
	out := make([][]string, len(groups))
	for i, g := range groups {
		out[i] = append([]string(nil), g...)
		sort.Strings(out[i])
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}
