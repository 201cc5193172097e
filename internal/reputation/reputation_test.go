package reputation

import (
	"testing"
)

func TestNewPeerStartsNeutral(t *testing.T) {
	tr := New()
	if got := tr.Score("unknown-peer"); got != neutralScore {
		t.Fatalf("expected neutral score %v, got %v", neutralScore, got)
	}
}

func TestSuccessRaisesScoreAboveFailure(t *testing.T) {
	tr := New()
	tr.RecordSuccess(Path{"good"}, 50)
	tr.RecordSuccess(Path{"good"}, 50)
	tr.RecordFailure(Path{"bad"})
	tr.RecordFailure(Path{"bad"})

	if tr.Score("good") <= tr.Score("bad") {
		t.Fatalf("expected good peer to outscore bad peer: good=%v bad=%v", tr.Score("good"), tr.Score("bad"))
	}
}

func TestGetBestPathsPrefersDirectWhenConnected(t *testing.T) {
	tr := New()
	tr.RecordSuccess(Path{"relay1", "target"}, 20)

	connected := func(peerID string) bool { return peerID == "target" }
	paths := tr.GetBestPaths("target", 3, connected, []string{"relay1"})
	if len(paths) == 0 || len(paths[0]) != 1 || paths[0][0] != "target" {
		t.Fatalf("expected direct path first, got %v", paths)
	}
}

func TestGetBestPathsExcludesUnknownRelays(t *testing.T) {
	tr := New()
	connected := func(peerID string) bool { return false }
	paths := tr.GetBestPaths("target", 3, connected, []string{"never-seen-relay"})
	if len(paths) != 0 {
		t.Fatalf("expected unknown relay excluded, got %v", paths)
	}
}

func TestGetBestPathsRelayDiscountOrdering(t *testing.T) {
	tr := New()
	tr.RecordSuccess(Path{"fast-relay"}, 10)
	tr.RecordSuccess(Path{"slow-relay"}, 10)
	tr.RecordFailure(Path{"slow-relay"})

	connected := func(peerID string) bool { return false }
	paths := tr.GetBestPaths("target", 2, connected, []string{"fast-relay", "slow-relay"})
	if len(paths) != 2 {
		t.Fatalf("expected 2 candidate paths, got %d", len(paths))
	}
	if paths[0][0] != "fast-relay" {
		t.Fatalf("expected higher-reputation relay first, got %v", paths)
	}
}
