package session

import (
	"fmt"
	"testing"
)

func TestUtteranceWindowBound(t *testing.T) {
	ctx := NewContext(ModeExploration, 10)
	for i := 0; i < 25; i++ {
		ctx.AppendUtterance("alice", fmt.Sprintf("line %d", i))
	}
	snap := ctx.Snapshot()
	if len(snap.RecentUtterances) != 10 {
		t.Fatalf("expected window of 10, got %d", len(snap.RecentUtterances))
	}
	if snap.RecentUtterances[0].Text != "line 15" {
		t.Fatalf("expected oldest retained to be line 15, got %q", snap.RecentUtterances[0].Text)
	}
	if snap.RecentUtterances[9].Text != "line 24" {
		t.Fatalf("expected newest to be line 24, got %q", snap.RecentUtterances[9].Text)
	}
}

func TestInsertionOrderPreserved(t *testing.T) {
	ctx := NewContext(ModeExploration, 10)
	ctx.AppendUtterance("alice", "first")
	ctx.AppendUtterance("bob", "second")
	ctx.AppendUtterance("unknown", "third")
	snap := ctx.Snapshot()
	want := []string{"first", "second", "third"}
	for i, w := range want {
		if snap.RecentUtterances[i].Text != w {
			t.Fatalf("position %d: expected %q, got %q", i, w, snap.RecentUtterances[i].Text)
		}
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	ctx := NewContext(ModeExploration, 10)
	ctx.AppendUtterance("alice", "before")
	snap := ctx.Snapshot()
	ctx.AppendUtterance("bob", "after")
	if len(snap.RecentUtterances) != 1 {
		t.Fatalf("snapshot must not observe later mutation, got %d entries", len(snap.RecentUtterances))
	}
	snap.RecentUtterances[0].Text = "mutated"
	if ctx.Snapshot().RecentUtterances[0].Text != "before" {
		t.Fatal("mutating a snapshot must not leak back into the context")
	}
}

func TestActiveNPCsAreASortedSet(t *testing.T) {
	ctx := NewContext(ModeRoleplay, 10)
	ctx.SetActiveNPCs([]string{"Thorgrim", "Elara", "Thorgrim", ""})
	snap := ctx.Snapshot()
	if len(snap.ActiveNPCs) != 2 {
		t.Fatalf("expected deduplicated NPCs, got %v", snap.ActiveNPCs)
	}
	if snap.ActiveNPCs[0] != "Elara" || snap.ActiveNPCs[1] != "Thorgrim" {
		t.Fatalf("expected sorted NPCs, got %v", snap.ActiveNPCs)
	}
}

func TestResetClearsOnlyHistory(t *testing.T) {
	ctx := NewContext(ModeCombat, 10)
	ctx.SetSceneDescription("a collapsing bridge")
	ctx.SetCharacterSummary("Kara: 4 HP")
	ctx.AppendUtterance("alice", "I jump")
	ctx.Reset()
	snap := ctx.Snapshot()
	if len(snap.RecentUtterances) != 0 {
		t.Fatal("expected utterances cleared")
	}
	if snap.Mode != ModeCombat || snap.SceneDescription != "a collapsing bridge" || snap.CharacterSummary != "Kara: 4 HP" {
		t.Fatalf("expected scene settings to survive reset, got %+v", snap)
	}
}

func TestParseMode(t *testing.T) {
	for _, valid := range []string{"combat", "exploration", "roleplay"} {
		if _, err := ParseMode(valid); err != nil {
			t.Fatalf("expected %q to parse: %v", valid, err)
		}
	}
	if _, err := ParseMode("downtime"); err == nil {
		t.Fatal("expected unknown mode to be rejected")
	}
}
