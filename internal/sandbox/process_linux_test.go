package sandbox

import "testing"

func TestParseStat(t *testing.T) {
	state, pgrp, ok := parseStat([]byte("1234 (weird) name)) S 1 987 987 0 -1 4194560"))
	if !ok || state != 'S' || pgrp != 987 {
		t.Fatalf("got state=%c pgrp=%d ok=%v", state, pgrp, ok)
	}
	if _, _, ok := parseStat([]byte("garbage")); ok {
		t.Fatal("expected parse failure")
	}
}
