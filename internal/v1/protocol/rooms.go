package protocol

// Room identifies one chat room. Every connection joins all open rooms.
type Room struct {
	ID   string
	Name string
}

// DefaultRooms seeds the roster at boot; edges can open and close further
// rooms at runtime.
var DefaultRooms = []Room{
	{ID: "0001", Name: "General"},
	{ID: "0002", Name: "Random"},
}

// ValidRoom reports whether id names a known room.
func ValidRoom(id string) bool {
	for _, r := range DefaultRooms {
		if r.ID == id {
			return true
		}
	}
	return false
}
