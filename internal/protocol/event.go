// Package protocol defines the relay's application events and their compact
// binary wire encoding.
package protocol

// Kind identifies the variant of an Event.
type Kind uint8

// Event kinds. The numeric value doubles as the envelope tag on the wire.
const (
	KindPlayerJoined Kind = iota + 1
	KindPlayerLeft
	KindPlayerMoved
	KindChatMessage
	KindWorldSnapshot
)

// String returns the snake_case name of the kind, used in logs.
func (k Kind) String() string {
	switch k {
	case KindPlayerJoined:
		return "player_joined"
	case KindPlayerLeft:
		return "player_left"
	case KindPlayerMoved:
		return "player_moved"
	case KindChatMessage:
		return "chat_message"
	case KindWorldSnapshot:
		return "world_snapshot"
	default:
		return "unknown"
	}
}

// Player is the wire form of a connected participant.
type Player struct {
	ID   string
	Name string
	X    float32
	Y    float32
}

// Event is an immutable record exchanged between handlers and with clients.
// The concrete types are PlayerJoined, PlayerLeft, PlayerMoved, ChatMessage
// and WorldSnapshot.
type Event interface {
	Kind() Kind
}

// PlayerJoined announces a newly admitted player.
type PlayerJoined struct {
	Player Player
}

// PlayerLeft announces that a player's connection terminated.
type PlayerLeft struct {
	PlayerID string
}

// PlayerMoved carries a new position for a player.
type PlayerMoved struct {
	PlayerID string
	X        float32
	Y        float32
}

// ChatMessage carries free-form chat text from a player.
type ChatMessage struct {
	PlayerID string
	Text     string
}

// WorldSnapshot is a detached copy of every connected player.
type WorldSnapshot struct {
	Players []Player
}

func (PlayerJoined) Kind() Kind  { return KindPlayerJoined }
func (PlayerLeft) Kind() Kind    { return KindPlayerLeft }
func (PlayerMoved) Kind() Kind   { return KindPlayerMoved }
func (ChatMessage) Kind() Kind   { return KindChatMessage }
func (WorldSnapshot) Kind() Kind { return KindWorldSnapshot }
