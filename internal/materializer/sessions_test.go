package materializer

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/ox/substrate/internal/engine"
	"github.com/ox/substrate/internal/events"
)

func TestDeriveTopicPriority(t *testing.T) {
	cases := []struct {
		name   string
		counts map[string]int64
		want   string
	}{
		{"conflict dominates", map[string]int64{
			engine.ActionCommunicate: 2,
			engine.ActionCreate:      1,
			engine.ActionConflict:    1,
		}, "conflict_scene"},
		{"exchange over associate", map[string]int64{
			engine.ActionExchange:  1,
			engine.ActionAssociate: 3,
		}, "exchange_scene"},
		{"association", map[string]int64{engine.ActionAssociate: 1}, "association_scene"},
		{"collaboration needs both", map[string]int64{
			engine.ActionCommunicate: 1,
			engine.ActionCreate:      1,
		}, "collaborative_scene"},
		{"communication alone", map[string]int64{engine.ActionCommunicate: 5}, "communication_scene"},
		{"creation alone", map[string]int64{engine.ActionCreate: 2}, "creation_scene"},
		{"fallback", map[string]int64{engine.ActionWithdraw: 1}, "general_activity"},
		{"empty", map[string]int64{}, "general_activity"},
	}
	for _, c := range cases {
		if got := DeriveTopic(c.counts); got != c.want {
			t.Errorf("%s: DeriveTopic = %q, want %q", c.name, got, c.want)
		}
	}
}

func TestSummarizeKnownTypes(t *testing.T) {
	env := events.Build(events.TypeActionAccepted, map[string]interface{}{
		"action_type": "communicate",
		"total_cost":  7,
	}, events.Meta{ActorID: "agent-1"})

	got := Summarize(env)
	if got != "agent-1 performed communicate (cost 7)" {
		t.Errorf("summary = %q", got)
	}
}

func TestSummarizeUnknownTypeFallsBack(t *testing.T) {
	env := events.Build("mystery.event", nil, events.Meta{})
	if got := Summarize(env); got != "mystery.event" {
		t.Errorf("summary = %q", got)
	}
}

func TestClip(t *testing.T) {
	if got := clip("short", 200); got != "short" {
		t.Errorf("clip altered a short string: %q", got)
	}
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	if got := clip(string(long), 200); len(got) != 200 {
		t.Errorf("clip length = %d", len(got))
	}
}

func TestClipKeepsRunesWhole(t *testing.T) {
	// "é" is two bytes; a 2-byte limit falls mid-rune and must back off.
	s := "aéé"
	got := clip(s, 2)
	if got != "a" {
		t.Errorf("clip = %q, want %q", got, "a")
	}
	if !utf8.ValidString(got) {
		t.Errorf("clip produced invalid UTF-8: %q", got)
	}

	multi := strings.Repeat("日", 100) // 3 bytes each
	got = clip(multi, 200)
	if len(got) != 198 {
		t.Errorf("clip length = %d, want 198 (66 whole runes)", len(got))
	}
	if !utf8.ValidString(got) {
		t.Errorf("clip produced invalid UTF-8 at the boundary")
	}
}

func TestFixedTitles(t *testing.T) {
	cases := map[string]string{
		engine.ActionCritique:     "Critique",
		engine.ActionCounterModel: "Counter-model",
		engine.ActionRefusal:      "Refusal",
		engine.ActionRederivation: "Rederivation",
	}
	for action, want := range cases {
		if got := fixedTitle(action); got != want {
			t.Errorf("fixedTitle(%s) = %q, want %q", action, got, want)
		}
	}
}

func TestMergeSet(t *testing.T) {
	got := mergeSet([]string{"a", "b"}, []string{"b", "c", "a", "d"})
	if len(got) != 4 {
		t.Fatalf("merged set = %v", got)
	}
	seen := map[string]bool{}
	for _, id := range got {
		if seen[id] {
			t.Fatalf("duplicate %s in %v", id, got)
		}
		seen[id] = true
	}
}
