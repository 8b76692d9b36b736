package rooms

import "testing"

// TestRoomNameFromURL_Simple verifies the last path segment is extracted.
func TestRoomNameFromURL_Simple(t *testing.T) {
	assertEqual(t, "name", "interview-42", RoomNameFromURL("https://pail.daily.co/interview-42"))
}

// TestRoomNameFromURL_TrailingSlash verifies trailing slashes are ignored.
func TestRoomNameFromURL_TrailingSlash(t *testing.T) {
	assertEqual(t, "name", "interview-42", RoomNameFromURL("https://pail.daily.co/interview-42/"))
}

// TestRoomNameFromURL_QueryAndFragment verifies query strings and fragments are
// stripped before the name is extracted.
func TestRoomNameFromURL_QueryAndFragment(t *testing.T) {
	assertEqual(t, "query", "roomA", RoomNameFromURL("https://pail.daily.co/roomA?t=abc123"))
	assertEqual(t, "fragment", "roomB", RoomNameFromURL("https://pail.daily.co/roomB#join"))
}

// TestRoomNameFromURL_NestedPath verifies only the final segment is returned
// for providers that nest rooms under a team path.
func TestRoomNameFromURL_NestedPath(t *testing.T) {
	assertEqual(t, "name", "standup", RoomNameFromURL("https://pail.daily.co/acme/standup"))
}

// TestRoomNameFromURL_BareName verifies a value with no slashes passes through.
func TestRoomNameFromURL_BareName(t *testing.T) {
	assertEqual(t, "name", "standup", RoomNameFromURL("standup"))
}

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
