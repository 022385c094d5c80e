package presence

import "testing"

func TestRegistryJoinOrder(t *testing.T) {
	reg := NewRegistry()

	reg.Join("a", "Mozilla/5.0 (Windows NT 10.0)", "Brave Otter")
	reg.Join("b", "...iPhone...", "Quiet Heron")

	peers := reg.Snapshot()
	if len(peers) != 2 {
		t.Fatalf("Expected 2 peers, got %d", len(peers))
	}
	if peers[0].ID != "a" || peers[1].ID != "b" {
		t.Errorf("Expected most recently joined last, got %v", peers)
	}
	if peers[0].Platform != PlatformWindows {
		t.Errorf("Expected Windows, got %s", peers[0].Platform)
	}
	if peers[1].Platform != PlatformIOS {
		t.Errorf("Expected iOS, got %s", peers[1].Platform)
	}
}

func TestRegistryDuplicateAnnounce(t *testing.T) {
	reg := NewRegistry()

	reg.Join("a", "Android", "Same Name")
	reg.Join("a", "Android", "Same Name")

	if reg.Len() != 2 {
		t.Fatalf("Expected duplicate announce to add a second entry, got %d", reg.Len())
	}

	if removed := reg.Leave("a"); removed != 2 {
		t.Errorf("Expected both entries removed, got %d", removed)
	}
	if reg.Len() != 0 {
		t.Errorf("Expected empty roster, got %d", reg.Len())
	}
}

func TestRegistryLeaveUnknown(t *testing.T) {
	reg := NewRegistry()
	reg.Join("a", "", "")

	if removed := reg.Leave("ghost"); removed != 0 {
		t.Errorf("Expected no-op, removed %d", removed)
	}
	if snap := reg.Snapshot(); len(snap) != 1 || snap[0].ID != "a" {
		t.Errorf("Expected a to remain, got %+v", snap)
	}
}

func TestRegistrySnapshotIsCopy(t *testing.T) {
	reg := NewRegistry()
	reg.Join("a", "", "first")

	snap := reg.Snapshot()
	snap[0].DisplayName = "mutated"

	if reg.Snapshot()[0].DisplayName != "first" {
		t.Error("Expected snapshot mutation not to leak into the registry")
	}
}

func TestRegistryRoster(t *testing.T) {
	reg := NewRegistry()
	reg.Join("a", "Macintosh", "Mac User")

	roster := reg.Roster()
	if len(roster.Peers) != 1 {
		t.Fatalf("Expected 1 peer, got %d", len(roster.Peers))
	}
	if roster.Peers[0].Platform != "MacOS" || roster.Peers[0].DisplayName != "Mac User" {
		t.Errorf("Unexpected wire peer: %+v", roster.Peers[0])
	}

	empty := NewRegistry().Roster()
	if empty.Peers == nil {
		t.Error("Expected empty roster to encode as [] not null")
	}
}
