package evaluate

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/taxolab/taxo/internal/store"
)

func approx(t *testing.T, name string, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("%s = %.12f, want %.12f", name, got, want)
	}
}

// Two classes of two items each. With these marginals the expected mutual
// information under the hypergeometric model is (2/3)ln2 and both
// entropies are ln2, which pins every metric to a closed form.
func TestCompare(t *testing.T) {
	ln2 := math.Log(2)

	t.Run("perfect match", func(t *testing.T) {
		s, err := Compare([]string{"A", "A", "B", "B"}, []string{"X", "X", "Y", "Y"})
		if err != nil {
			t.Fatalf("Compare: %v", err)
		}
		approx(t, "MI", s.MI, ln2)
		approx(t, "NMI", s.NMI, 1)
		// (ln2 - (2/3)ln2) / (ln2 - (2/3)ln2)
		approx(t, "AMI", s.AMI, 1)
	})

	t.Run("independent labelings", func(t *testing.T) {
		s, err := Compare([]string{"A", "A", "B", "B"}, []string{"X", "Y", "X", "Y"})
		if err != nil {
			t.Fatalf("Compare: %v", err)
		}
		approx(t, "MI", s.MI, 0)
		approx(t, "NMI", s.NMI, 0)
		// (0 - (2/3)ln2) / (ln2 - (2/3)ln2)
		approx(t, "AMI", s.AMI, -2)
	})

	t.Run("single cluster both sides", func(t *testing.T) {
		s, err := Compare([]string{"A", "A"}, []string{"X", "X"})
		if err != nil {
			t.Fatalf("Compare: %v", err)
		}
		approx(t, "MI", s.MI, 0)
		approx(t, "NMI", s.NMI, 1)
		approx(t, "AMI", s.AMI, 1)
	})

	t.Run("prediction splits a single class", func(t *testing.T) {
		s, err := Compare([]string{"A", "A", "A", "A"}, []string{"X", "X", "Y", "Y"})
		if err != nil {
			t.Fatalf("Compare: %v", err)
		}
		approx(t, "MI", s.MI, 0)
		approx(t, "NMI", s.NMI, 0)
		approx(t, "AMI", s.AMI, 0)
	})

	t.Run("length mismatch", func(t *testing.T) {
		if _, err := Compare([]string{"A"}, []string{"X", "Y"}); err == nil {
			t.Fatal("expected error for mismatched slices")
		}
	})

	t.Run("empty input", func(t *testing.T) {
		if _, err := Compare(nil, nil); err == nil {
			t.Fatal("expected error for empty input")
		}
	})
}

func writeTruth(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "truth.csv")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write truth: %v", err)
	}
	return path
}

func TestLoadTruthCSV(t *testing.T) {
	t.Run("headerless like the banking export", func(t *testing.T) {
		truth, err := LoadTruthCSV(writeTruth(t, "where is my parcel,shipping\nrefund me,refunds\n"))
		if err != nil {
			t.Fatalf("LoadTruthCSV: %v", err)
		}
		if len(truth) != 2 || truth["refund me"] != "refunds" {
			t.Fatalf("truth = %+v", truth)
		}
	})

	t.Run("header row skipped", func(t *testing.T) {
		truth, err := LoadTruthCSV(writeTruth(t, "query,label\nrefund me,refunds\n"))
		if err != nil {
			t.Fatalf("LoadTruthCSV: %v", err)
		}
		if len(truth) != 1 {
			t.Fatalf("truth = %+v", truth)
		}
	})

	t.Run("duplicate key rejected", func(t *testing.T) {
		if _, err := LoadTruthCSV(writeTruth(t, "refund me,refunds\nrefund me,billing\n")); err == nil {
			t.Fatal("expected duplicate key error")
		}
	})

	t.Run("no usable rows", func(t *testing.T) {
		if _, err := LoadTruthCSV(writeTruth(t, "query,label\n")); err == nil {
			t.Fatal("expected empty file error")
		}
	})
}

func TestJoin(t *testing.T) {
	assignments := []store.Assignment{
		{ItemID: "q-01", Text: "where is my parcel", ClusterID: "c-001"},
		{ItemID: "q-02", Text: "refund me", ClusterID: "c-002"},
		{ItemID: "q-03", Text: "change my address", ClusterID: "c-001"},
	}

	t.Run("matches on text", func(t *testing.T) {
		trueL, predL, err := Join(assignments, map[string]string{
			"where is my parcel": "shipping",
			"refund me":          "refunds",
		})
		if err != nil {
			t.Fatalf("Join: %v", err)
		}
		if len(trueL) != 2 || trueL[1] != "refunds" || predL[1] != "c-002" {
			t.Fatalf("joined = %v / %v", trueL, predL)
		}
	})

	t.Run("item id wins over text", func(t *testing.T) {
		trueL, _, err := Join(assignments[:1], map[string]string{
			"q-01":               "by-id",
			"where is my parcel": "by-text",
		})
		if err != nil {
			t.Fatalf("Join: %v", err)
		}
		if trueL[0] != "by-id" {
			t.Fatalf("trueL = %v", trueL)
		}
	})

	t.Run("no overlap", func(t *testing.T) {
		if _, _, err := Join(assignments, map[string]string{"unrelated": "x"}); err == nil {
			t.Fatal("expected error for disjoint keys")
		}
	})
}
