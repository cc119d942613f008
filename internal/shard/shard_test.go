package shard

import (
	"strings"
	"testing"
)

func TestRef(t *testing.T) {
	if got := Ref("folder", "f1"); got != "folder#f1" {
		t.Errorf("Ref = %q, want folder#f1", got)
	}
}

func TestAncestorPK_SingleShard(t *testing.T) {
	// With numShards=1, all rows should go to shard "00"
	tests := []struct {
		ancestorRef   string
		descendantRef string
		expected      string
	}{
		{"folder#a", "folder#b", "folder#a#00"},
		{"folder#a", "folder#c", "folder#a#00"},
		{"folder#x", "folder#b", "folder#x#00"},
	}

	for _, tt := range tests {
		result := AncestorPK(tt.ancestorRef, tt.descendantRef, 1)
		if result != tt.expected {
			t.Errorf("AncestorPK(%q, %q, 1) = %q, want %q",
				tt.ancestorRef, tt.descendantRef, result, tt.expected)
		}
	}
}

func TestAncestorPK_ZeroShards(t *testing.T) {
	// Zero or negative shards should be treated as 1
	for _, n := range []int{0, -1} {
		if result := AncestorPK("folder#a", "folder#b", n); result != "folder#a#00" {
			t.Errorf("AncestorPK with %d shards = %q, want folder#a#00", n, result)
		}
	}
}

func TestAncestorPK_MultipleShards(t *testing.T) {
	ancestorRef := "folder#root"
	counts := make(map[string]int)
	for i := 0; i < 1000; i++ {
		descendantRef := "folder#" + string(rune('a'+i%26)) + string(rune('0'+i%10)) + strings.Repeat("x", i%7)
		pk := AncestorPK(ancestorRef, descendantRef, 256)
		if !strings.HasPrefix(pk, ancestorRef+"#") {
			t.Fatalf("expected prefix %q#, got %q", ancestorRef, pk)
		}
		counts[pk[len(ancestorRef)+1:]]++
	}
	if len(counts) < 10 {
		t.Errorf("expected distribution across multiple shards, got only %d unique shards", len(counts))
	}
}

func TestAncestorPK_Deterministic(t *testing.T) {
	first := AncestorPK("folder#a", "folder#b", 16)
	for i := 0; i < 100; i++ {
		if result := AncestorPK("folder#a", "folder#b", 16); result != first {
			t.Fatalf("expected deterministic result %q, got %q on iteration %d", first, result, i)
		}
	}
}

func TestAncestorPK_WithinShardRange(t *testing.T) {
	for _, n := range []int{2, 16, 256, 1000} {
		limit := n
		if limit > MaxShards {
			limit = MaxShards
		}
		valid := make(map[string]bool, limit)
		for s := 0; s < limit; s++ {
			valid[ShardPK("folder#a", s)] = true
		}
		for i := 0; i < 200; i++ {
			pk := AncestorPK("folder#a", "folder#"+strings.Repeat("d", i), n)
			if !valid[pk] {
				t.Errorf("AncestorPK with %d shards produced %q outside the fan-out range", n, pk)
			}
		}
	}
}

func TestShardPK_HexFormat(t *testing.T) {
	tests := []struct {
		shard    int
		expected string
	}{
		{0, "folder#a#00"},
		{9, "folder#a#09"},
		{10, "folder#a#0a"},
		{255, "folder#a#ff"},
	}
	for _, tt := range tests {
		if got := ShardPK("folder#a", tt.shard); got != tt.expected {
			t.Errorf("ShardPK(%d) = %q, want %q", tt.shard, got, tt.expected)
		}
	}
}

func BenchmarkAncestorPK_SingleShard(b *testing.B) {
	for i := 0; i < b.N; i++ {
		AncestorPK("folder#a", "folder#b", 1)
	}
}

func BenchmarkAncestorPK_256Shards(b *testing.B) {
	for i := 0; i < b.N; i++ {
		AncestorPK("folder#a", "folder#b", 256)
	}
}
