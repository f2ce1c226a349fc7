package main

import (
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"geocrime/geodata"
)

const (
	maxRounds  = 3
	maxPlayers = 2

	roomCodeLength  = 6
	roomCodeCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var (
	errRoomNotFound        = errors.New("Room not found")
	errRoomFull            = errors.New("Room full")
	errInvalidPlayer       = errors.New("Invalid game or player")
	errInsufficientPlayers = errors.New("Need 2 players to start")
)

type roomStatus string

const (
	statusWaiting  roomStatus = "waiting"
	statusPlaying  roomStatus = "playing"
	statusRoundEnd roomStatus = "round_end"
	statusGameEnd  roomStatus = "game_end"
)

// Guess is a player-submitted coordinate for the current round.
type Guess struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Player is one participant within a Room.
type Player struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Score int    `json:"score"`

	guess *Guess
}

// Room is one two-player game instance, addressed by its code. All mutable
// fields are guarded by mu; cross-room operations never share state, so two
// rooms never block each other.
type Room struct {
	mu sync.Mutex

	code    string
	hostID  string
	players []*Player // join order; standings ties keep this order
	clients map[*client]bool

	currentRound    int
	currentLocation *geodata.Location
	roundStartTime  time.Time
	status          roomStatus

	// advancing is set while a round transition is sampling a location
	// outside the lock, so a second concurrent transition becomes a no-op.
	advancing bool

	// closed is set once the room has been removed from the registry;
	// an in-flight transition must not commit into a closed room.
	closed bool
}

func (room *Room) playerLocked(playerID string) *Player {
	for _, p := range room.players {
		if p.ID == playerID {
			return p
		}
	}
	return nil
}

// roster returns a join-ordered snapshot safe to hand to encoders.
func (room *Room) roster() []Player {
	room.mu.Lock()
	defer room.mu.Unlock()

	return room.rosterLocked()
}

func (room *Room) rosterLocked() []Player {
	roster := make([]Player, 0, len(room.players))
	for _, p := range room.players {
		roster = append(roster, *p)
	}
	return roster
}

// broadcast fans a notification out to every connection currently joined
// to the room. Clients with a full send buffer are dropped, as keeping a
// stuck connection would stall the whole room.
func (room *Room) broadcast(msg any) {
	room.mu.Lock()
	defer room.mu.Unlock()

	room.broadcastLocked(msg)
}

func (room *Room) broadcastLocked(msg any) {
	for c := range room.clients {
		if !c.trySend(msg) {
			delete(room.clients, c)
			c.closeSend()
		}
	}
}

// detachClients empties the room's broadcast group without closing the
// underlying connections; used when the host closes the room and the
// remaining player should stay connected.
func (room *Room) detachClients() {
	room.mu.Lock()
	defer room.mu.Unlock()

	for c := range room.clients {
		delete(room.clients, c)
	}
}

type removalOutcome int

const (
	roomDeleted removalOutcome = iota
	roomClosedByHost
	playerLeft
)

// Registry is the process-wide mapping of room code to Room. Its mutex
// only guards the map itself; per-room state is guarded by each Room.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room
}

func newRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]*Room),
	}
}

// newRoomCode generates a crypto-random 6-character room code and ensures
// it doesn't collide with an active room. Bytes past the largest multiple
// of the charset size are discarded so every character stays equally
// likely.
func (reg *Registry) newRoomCode() string {
	const limit = byte(256 - 256%len(roomCodeCharset))

	for {
		out := make([]byte, 0, roomCodeLength)
		buf := make([]byte, roomCodeLength)
		for len(out) < roomCodeLength {
			if _, err := rand.Read(buf); err != nil {
				panic("crypto/rand failure: " + err.Error())
			}
			for _, b := range buf {
				if b >= limit || len(out) == roomCodeLength {
					continue
				}
				out = append(out, roomCodeCharset[int(b)%len(roomCodeCharset)])
			}
		}
		code := string(out)

		reg.mu.Lock()
		_, exists := reg.rooms[code]
		reg.mu.Unlock()

		if !exists {
			return code
		}
	}
}

// createRoom constructs a waiting Room holding only the host and
// registers it under a fresh code.
func (reg *Registry) createRoom(hostName string, host *client) *Room {
	code := reg.newRoomCode()

	room := &Room{
		code:   code,
		hostID: host.playerID,
		players: []*Player{
			{ID: host.playerID, Name: hostName},
		},
		clients: map[*client]bool{host: true},
		status:  statusWaiting,
	}

	reg.mu.Lock()
	reg.rooms[code] = room
	reg.mu.Unlock()

	return room
}

func (reg *Registry) lookup(code string) (*Room, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room, ok := reg.rooms[code]
	if !ok {
		return nil, errRoomNotFound
	}
	return room, nil
}

// joinRoom adds a second player to an existing room.
func (reg *Registry) joinRoom(code string, name string, c *client) (*Room, error) {
	room, err := reg.lookup(code)
	if err != nil {
		return nil, err
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if len(room.players) >= maxPlayers {
		return nil, errRoomFull
	}

	room.players = append(room.players, &Player{ID: c.playerID, Name: name})
	room.clients[c] = true

	return room, nil
}

// removePlayer removes a player from a room, deleting the room outright
// when it empties or when the departing player is the host. The returned
// outcome tells the gateway what to announce to whoever is left.
func (reg *Registry) removePlayer(code string, playerID string) (removalOutcome, *Room, error) {
	reg.mu.Lock()
	room, ok := reg.rooms[code]
	if !ok {
		reg.mu.Unlock()
		return 0, nil, errRoomNotFound
	}

	room.mu.Lock()

	idx := -1
	for i, p := range room.players {
		if p.ID == playerID {
			idx = i
			break
		}
	}
	if idx == -1 {
		room.mu.Unlock()
		reg.mu.Unlock()
		return 0, nil, errInvalidPlayer
	}

	isHost := room.hostID == playerID
	room.players = append(room.players[:idx], room.players[idx+1:]...)

	var outcome removalOutcome
	switch {
	case len(room.players) == 0:
		delete(reg.rooms, code)
		room.closed = true
		outcome = roomDeleted
	case isHost:
		delete(reg.rooms, code)
		room.closed = true
		outcome = roomClosedByHost
	default:
		outcome = playerLeft
	}

	room.mu.Unlock()
	reg.mu.Unlock()

	return outcome, room, nil
}
