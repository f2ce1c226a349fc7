package main

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"geocrime/geodata"
)

func newTestClient(id string) *client {
	return &client{
		send:     make(chan any, 64),
		playerID: id,
	}
}

// drain returns every notification currently buffered for a client.
func drain(c *client) []any {
	var msgs []any
	for {
		select {
		case m, ok := <-c.send:
			if !ok {
				return msgs
			}
			msgs = append(msgs, m)
		default:
			return msgs
		}
	}
}

func findMessage[T any](t *testing.T, msgs []any) T {
	t.Helper()

	for _, m := range msgs {
		if v, ok := m.(T); ok {
			return v
		}
	}

	var zero T
	t.Fatalf("no message of type %T among %d messages: %v", zero, len(msgs), msgs)
	return zero
}

func countMessages[T any](msgs []any) int {
	n := 0
	for _, m := range msgs {
		if _, ok := m.(T); ok {
			n++
		}
	}
	return n
}

type fakeProvider struct {
	ready     bool
	locations []*geodata.Location
	err       error
	calls     int
	onSample  func()
}

func (f *fakeProvider) Ready() bool {
	return f.ready
}

func (f *fakeProvider) SampleLocation() (*geodata.Location, error) {
	f.calls++
	if f.onSample != nil {
		f.onSample()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.locations[(f.calls-1)%len(f.locations)], nil
}

func testLocation(lat, lon float64) *geodata.Location {
	return &geodata.Location{
		Latitude:      lat,
		Longitude:     lon,
		StreetViewURL: "https://example.com/streetview",
		ZipCode:       "11201",
		CrimeStats: []geodata.CrimeStat{
			{Category: "Assault", Count: 3, Color: "#00CC96"},
		},
	}
}

func newTestGateway(provider LocationProvider) *gateway {
	return newGateway(&Config{roundTimeLimit: 30 * time.Second}, provider)
}

func guessEvent(code string, lat, lon float64) clientEvent {
	return clientEvent{Type: "submit_guess", RoomCode: code, Latitude: &lat, Longitude: &lon}
}

// setupTwoPlayerRoom creates a room with Ana hosting and Ben joined, and
// drains the setup notifications so tests start from a clean buffer.
func setupTwoPlayerRoom(t *testing.T, g *gateway) (ana *client, ben *client, code string) {
	t.Helper()
	req := require.New(t)

	ana = newTestClient("ana-conn")
	ben = newTestClient("ben-conn")

	g.dispatch(ana, clientEvent{Type: "create_room", PlayerName: "Ana"})
	created := findMessage[roomCreatedMessage](t, drain(ana))
	code = created.RoomCode

	g.dispatch(ben, clientEvent{Type: "join_room", RoomCode: code, PlayerName: "Ben"})

	benMsgs := drain(ben)
	findMessage[roomJoinedMessage](t, benMsgs)
	findMessage[readyToStartMessage](t, benMsgs)
	findMessage[readyToStartMessage](t, drain(ana))

	req.NotEmpty(code)
	return ana, ben, code
}

func TestGateway_CreateRoom_DatasetNotLoaded(t *testing.T) {
	req := require.New(t)

	g := newTestGateway(&fakeProvider{ready: false})
	c := newTestClient("c1")

	g.dispatch(c, clientEvent{Type: "create_room", PlayerName: "Ana"})

	errMsg := findMessage[errorMessage](t, drain(c))
	req.Contains(errMsg.Message, "Crime data not loaded")
}

func TestGateway_CreateRoom(t *testing.T) {
	req := require.New(t)

	g := newTestGateway(&fakeProvider{ready: true})
	c := newTestClient("c1")

	g.dispatch(c, clientEvent{Type: "create_room", PlayerName: "Ana"})

	msgs := drain(c)
	created := findMessage[roomCreatedMessage](t, msgs)
	req.Len(created.RoomCode, roomCodeLength)
	req.Equal("c1", created.PlayerID)

	joined := findMessage[playerJoinedMessage](t, msgs)
	req.Len(joined.Players, 1)
	req.Equal("Ana", joined.Players[0].Name)
}

func TestGateway_CreateRoom_DefaultName(t *testing.T) {
	req := require.New(t)

	g := newTestGateway(&fakeProvider{ready: true})
	c := newTestClient("c1")

	g.dispatch(c, clientEvent{Type: "create_room"})

	joined := findMessage[playerJoinedMessage](t, drain(c))
	req.Equal("Player 1", joined.Players[0].Name)
}

func TestGateway_JoinRoom_NotFound(t *testing.T) {
	req := require.New(t)

	g := newTestGateway(&fakeProvider{ready: true})
	c := newTestClient("c1")

	g.dispatch(c, clientEvent{Type: "join_room", RoomCode: "ZZZZZZ", PlayerName: "Ben"})

	errMsg := findMessage[errorMessage](t, drain(c))
	req.Equal("Room not found", errMsg.Message)
}

func TestGateway_JoinRoom_LowercaseCodeAccepted(t *testing.T) {
	req := require.New(t)

	g := newTestGateway(&fakeProvider{ready: true})
	ana := newTestClient("c1")
	ben := newTestClient("c2")

	g.dispatch(ana, clientEvent{Type: "create_room", PlayerName: "Ana"})
	created := findMessage[roomCreatedMessage](t, drain(ana))

	g.dispatch(ben, clientEvent{Type: "join_room", RoomCode: strings.ToLower(created.RoomCode), PlayerName: "Ben"})

	joined := findMessage[roomJoinedMessage](t, drain(ben))
	req.Equal(created.RoomCode, joined.RoomCode)
}

func TestGateway_JoinRoom_Full(t *testing.T) {
	req := require.New(t)

	g := newTestGateway(&fakeProvider{ready: true, locations: []*geodata.Location{testLocation(40.7, -74.0)}})
	_, _, code := setupTwoPlayerRoom(t, g)

	third := newTestClient("cay-conn")
	g.dispatch(third, clientEvent{Type: "join_room", RoomCode: code, PlayerName: "Cay"})

	errMsg := findMessage[errorMessage](t, drain(third))
	req.Equal("Room full", errMsg.Message)

	room, err := g.registry.lookup(code)
	req.NoError(err)
	req.Len(room.roster(), 2)
}

func TestGateway_StartGame_InsufficientPlayers(t *testing.T) {
	req := require.New(t)

	g := newTestGateway(&fakeProvider{ready: true, locations: []*geodata.Location{testLocation(40.7, -74.0)}})
	ana := newTestClient("c1")

	g.dispatch(ana, clientEvent{Type: "create_room", PlayerName: "Ana"})
	created := findMessage[roomCreatedMessage](t, drain(ana))

	g.dispatch(ana, clientEvent{Type: "start_game", RoomCode: created.RoomCode})

	errMsg := findMessage[errorMessage](t, drain(ana))
	req.Equal("Need 2 players to start", errMsg.Message)

	room, err := g.registry.lookup(created.RoomCode)
	req.NoError(err)
	req.Equal(statusWaiting, room.status)
}

func TestGateway_RoundStart_HidesGroundTruth(t *testing.T) {
	req := require.New(t)

	g := newTestGateway(&fakeProvider{ready: true, locations: []*geodata.Location{testLocation(40.7128, -74.0060)}})
	ana, ben, code := setupTwoPlayerRoom(t, g)

	g.dispatch(ana, clientEvent{Type: "start_game", RoomCode: code})

	start := findMessage[roundStartMessage](t, drain(ben))
	req.Equal(1, start.Round)
	req.Equal(maxRounds, start.TotalRounds)
	req.Equal(30, start.TimeLimit)
	req.Equal("11201", start.Location.ZipCode)
	req.Equal("https://example.com/streetview", start.Location.StreetViewURL)
	req.NotEmpty(start.Location.CrimeStats)

	findMessage[roundStartMessage](t, drain(ana))
}

func TestGateway_FullGame(t *testing.T) {
	req := require.New(t)

	target := testLocation(40.7128, -74.0060)
	g := newTestGateway(&fakeProvider{ready: true, locations: []*geodata.Location{target}})
	ana, ben, code := setupTwoPlayerRoom(t, g)

	g.dispatch(ana, clientEvent{Type: "start_game", RoomCode: code})
	drain(ana)
	drain(ben)

	for round := 1; round <= maxRounds; round++ {
		// Ana nails it, Ben is a degree of latitude away (beyond 50 km).
		g.dispatch(ana, guessEvent(code, target.Latitude, target.Longitude))

		// One guess in: the round must not resolve yet.
		req.Zero(countMessages[roundEndMessage](drain(ana)))

		g.dispatch(ben, guessEvent(code, target.Latitude+1, target.Longitude))

		anaMsgs := drain(ana)
		req.Equal(1, countMessages[roundEndMessage](anaMsgs))

		end := findMessage[roundEndMessage](t, anaMsgs)
		req.Equal(round, end.CurrentRound)
		req.Equal(target.Latitude, end.ActualLocation.Latitude)
		req.Len(end.Results, 2)

		for _, res := range end.Results {
			switch res.PlayerName {
			case "Ana":
				req.Zero(res.DistanceKm)
				req.Equal(1000, res.RoundScore)
				req.Equal(1000*round, res.TotalScore)
			case "Ben":
				req.Greater(res.DistanceKm, 50.0)
				req.Zero(res.RoundScore)
				req.Zero(res.TotalScore)
			default:
				t.Fatalf("unexpected player %q in results", res.PlayerName)
			}
		}
		drain(ben)

		g.dispatch(ben, clientEvent{Type: "ready_for_next_round", RoomCode: code})
	}

	// The third "ready" ends the game instead of starting a fourth round.
	benMsgs := drain(ben)
	req.Zero(countMessages[roundStartMessage](benMsgs))

	end := findMessage[gameEndMessage](t, benMsgs)
	req.Equal("Ana", end.Winner)
	req.Len(end.FinalScores, 2)
	req.Equal("Ana", end.FinalScores[0].PlayerName)
	req.Equal(3000, end.FinalScores[0].Score)
	req.Equal("Ben", end.FinalScores[1].PlayerName)
	req.Zero(end.FinalScores[1].Score)

	room, err := g.registry.lookup(code)
	req.NoError(err)
	req.Equal(statusGameEnd, room.status)
	req.Equal(maxRounds, room.currentRound)

	// game_end is terminal.
	g.dispatch(ana, clientEvent{Type: "ready_for_next_round", RoomCode: code})
	findMessage[errorMessage](t, drain(ana))
	req.Equal(statusGameEnd, room.status)
}

func TestGateway_GameEnd_TiesKeepJoinOrder(t *testing.T) {
	req := require.New(t)

	target := testLocation(40.7128, -74.0060)
	g := newTestGateway(&fakeProvider{ready: true, locations: []*geodata.Location{target}})
	ana, ben, code := setupTwoPlayerRoom(t, g)

	g.dispatch(ana, clientEvent{Type: "start_game", RoomCode: code})

	for round := 1; round <= maxRounds; round++ {
		g.dispatch(ana, guessEvent(code, target.Latitude, target.Longitude))
		g.dispatch(ben, guessEvent(code, target.Latitude, target.Longitude))
		g.dispatch(ana, clientEvent{Type: "ready_for_next_round", RoomCode: code})
	}

	end := findMessage[gameEndMessage](t, drain(ben))
	req.Equal("Ana", end.Winner)
	req.Equal("Ana", end.FinalScores[0].PlayerName)
	req.Equal("Ben", end.FinalScores[1].PlayerName)
	req.Equal(end.FinalScores[0].Score, end.FinalScores[1].Score)
	drain(ana)
}

func TestGateway_SubmitGuess_AfterRoundResolved(t *testing.T) {
	req := require.New(t)

	target := testLocation(40.7128, -74.0060)
	g := newTestGateway(&fakeProvider{ready: true, locations: []*geodata.Location{target}})
	ana, ben, code := setupTwoPlayerRoom(t, g)

	g.dispatch(ana, clientEvent{Type: "start_game", RoomCode: code})
	g.dispatch(ana, guessEvent(code, target.Latitude, target.Longitude))
	g.dispatch(ben, guessEvent(code, target.Latitude, target.Longitude))
	drain(ana)
	drain(ben)

	// A stray late guess must neither re-resolve the round nor change scores.
	g.dispatch(ana, guessEvent(code, target.Latitude, target.Longitude))

	anaMsgs := drain(ana)
	req.Zero(countMessages[roundEndMessage](anaMsgs))
	findMessage[errorMessage](t, anaMsgs)

	room, err := g.registry.lookup(code)
	req.NoError(err)
	req.Equal(1000, room.roster()[0].Score)
}

func TestGateway_LocationUnavailable_RoomStateUntouched(t *testing.T) {
	req := require.New(t)

	provider := &fakeProvider{ready: true, err: geodata.ErrUnavailable}
	g := newTestGateway(provider)
	ana, _, code := setupTwoPlayerRoom(t, g)

	g.dispatch(ana, clientEvent{Type: "start_game", RoomCode: code})

	errMsg := findMessage[errorMessage](t, drain(ana))
	req.Equal("Failed to get location", errMsg.Message)

	room, err := g.registry.lookup(code)
	req.NoError(err)
	req.Equal(statusWaiting, room.status)
	req.Equal(0, room.currentRound)

	// Once the provider recovers, the same event succeeds.
	provider.err = nil
	provider.locations = []*geodata.Location{testLocation(40.7, -74.0)}

	g.dispatch(ana, clientEvent{Type: "start_game", RoomCode: code})
	findMessage[roundStartMessage](t, drain(ana))
	req.Equal(statusPlaying, room.status)
	req.Equal(1, room.currentRound)
}

func TestGateway_Disconnect_NonHost(t *testing.T) {
	req := require.New(t)

	g := newTestGateway(&fakeProvider{ready: true, locations: []*geodata.Location{testLocation(40.7, -74.0)}})
	ana, ben, code := setupTwoPlayerRoom(t, g)

	g.handleDisconnect(ben)

	left := findMessage[playerLeftMessage](t, drain(ana))
	req.Len(left.Players, 1)
	req.Equal("Ana", left.Players[0].Name)

	room, err := g.registry.lookup(code)
	req.NoError(err)
	req.Equal(statusWaiting, room.status)
}

func TestGateway_Disconnect_HostClosesRoom(t *testing.T) {
	req := require.New(t)

	g := newTestGateway(&fakeProvider{ready: true, locations: []*geodata.Location{testLocation(40.7, -74.0)}})
	ana, ben, code := setupTwoPlayerRoom(t, g)

	g.handleDisconnect(ana)

	closed := findMessage[roomClosedMessage](t, drain(ben))
	req.Contains(closed.Message, "Host left")

	_, err := g.registry.lookup(code)
	req.ErrorIs(err, errRoomNotFound)

	// The remaining player can immediately host a new room.
	g.dispatch(ben, clientEvent{Type: "create_room", PlayerName: "Ben"})
	findMessage[roomCreatedMessage](t, drain(ben))
}

func TestGateway_Disconnect_Idempotent(t *testing.T) {
	req := require.New(t)

	g := newTestGateway(&fakeProvider{ready: true, locations: []*geodata.Location{testLocation(40.7, -74.0)}})
	ana, ben, code := setupTwoPlayerRoom(t, g)

	g.handleDisconnect(ben)
	g.handleDisconnect(ben)

	room, err := g.registry.lookup(code)
	req.NoError(err)
	req.Len(room.roster(), 1)
	drain(ana)
}

func TestGateway_RemovedPlayerEventsRejected(t *testing.T) {
	req := require.New(t)

	target := testLocation(40.7128, -74.0060)
	g := newTestGateway(&fakeProvider{ready: true, locations: []*geodata.Location{target}})
	ana, ben, code := setupTwoPlayerRoom(t, g)

	g.dispatch(ana, clientEvent{Type: "start_game", RoomCode: code})
	drain(ana)
	drain(ben)

	g.handleDisconnect(ben)

	// A guess raced against the disconnect must fail loudly, not no-op.
	g.dispatch(ben, guessEvent(code, target.Latitude, target.Longitude))

	errMsg := findMessage[errorMessage](t, drain(ben))
	req.Equal("Invalid game or player", errMsg.Message)
}

func TestGateway_DroppedClient_PrivateSendDoesNotPanic(t *testing.T) {
	req := require.New(t)

	g := newTestGateway(&fakeProvider{ready: true, locations: []*geodata.Location{testLocation(40.7, -74.0)}})

	ana := newTestClient("ana-conn")
	ben := &client{send: make(chan any, 1), playerID: "ben-conn"}

	g.dispatch(ana, clientEvent{Type: "create_room", PlayerName: "Ana"})
	created := findMessage[roomCreatedMessage](t, drain(ana))
	code := created.RoomCode

	// Ben's single-slot buffer fills on the join notifications, so the
	// roster broadcast drops him from the room's broadcast group.
	g.dispatch(ben, clientEvent{Type: "join_room", RoomCode: code, PlayerName: "Ben"})

	room, err := g.registry.lookup(code)
	req.NoError(err)
	room.mu.Lock()
	_, attached := room.clients[ben]
	room.mu.Unlock()
	req.False(attached)

	// His read pump is still alive; further events must be answered or
	// silently dropped, never crash the dispatcher.
	req.NotPanics(func() {
		g.dispatch(ben, clientEvent{Type: "submit_guess", RoomCode: code})
		g.dispatch(ben, clientEvent{Type: "start_game", RoomCode: code})
	})

	req.Len(room.roster(), 2)
}

func TestGateway_GameEndsForLoneSurvivor(t *testing.T) {
	req := require.New(t)

	target := testLocation(40.7128, -74.0060)
	g := newTestGateway(&fakeProvider{ready: true, locations: []*geodata.Location{target}})
	ana, ben, code := setupTwoPlayerRoom(t, g)

	g.dispatch(ana, clientEvent{Type: "start_game", RoomCode: code})

	for round := 1; round <= maxRounds; round++ {
		g.dispatch(ana, guessEvent(code, target.Latitude, target.Longitude))
		g.dispatch(ben, guessEvent(code, target.Latitude+1, target.Longitude))
		if round < maxRounds {
			g.dispatch(ana, clientEvent{Type: "ready_for_next_round", RoomCode: code})
		}
	}
	drain(ana)
	drain(ben)

	// Ben bails out while the final results are showing; Ana's "ready"
	// must still conclude the game.
	g.handleDisconnect(ben)
	g.dispatch(ana, clientEvent{Type: "ready_for_next_round", RoomCode: code})

	anaMsgs := drain(ana)
	req.Zero(countMessages[errorMessage](anaMsgs))

	end := findMessage[gameEndMessage](t, anaMsgs)
	req.Equal("Ana", end.Winner)
	req.Len(end.FinalScores, 1)
	req.Equal(3000, end.FinalScores[0].Score)

	room, err := g.registry.lookup(code)
	req.NoError(err)
	req.Equal(statusGameEnd, room.status)
}

func TestGateway_CreateRoom_WhileInRoom(t *testing.T) {
	req := require.New(t)

	g := newTestGateway(&fakeProvider{ready: true})
	ana, _, _ := setupTwoPlayerRoom(t, g)

	g.dispatch(ana, clientEvent{Type: "create_room", PlayerName: "Ana"})

	errMsg := findMessage[errorMessage](t, drain(ana))
	req.Contains(errMsg.Message, "Already in a room")
}
