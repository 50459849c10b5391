package network

import "testing"

func TestReadinessEdgeTriggered(t *testing.T) {
	a := NewAggregator()

	st, changed := a.Recompute(0, 1)
	if st.NetworkReady || changed {
		t.Fatalf("0 peers: status=%+v changed=%v", st, changed)
	}

	flips := 0
	for i := 0; i < 5; i++ {
		st, changed = a.Recompute(1, 1)
		if !st.NetworkReady {
			t.Fatalf("tick %d: not ready with 1/1 peers", i)
		}
		if changed {
			flips++
		}
	}
	if flips != 1 {
		t.Fatalf("readiness change reported %d times, want 1", flips)
	}

	if _, changed = a.Recompute(0, 1); !changed {
		t.Fatal("drop to 0 peers should report a change")
	}
	if a.Last().ConnectedPeers != 0 || a.Last().MinPeers != 1 {
		t.Fatalf("last = %+v", a.Last())
	}
}

func TestZeroMinPeersIsReady(t *testing.T) {
	a := NewAggregator()
	st, changed := a.Recompute(0, 0)
	if !st.NetworkReady || !changed {
		t.Fatalf("status=%+v changed=%v", st, changed)
	}
}
