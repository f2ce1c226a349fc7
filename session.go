package main

import (
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"

	"geocrime/geodata"
)

// Notification types sent to clients.
const (
	msgConnected    = "connected"
	msgRoomCreated  = "room_created"
	msgRoomJoined   = "room_joined"
	msgPlayerJoined = "player_joined"
	msgReadyToStart = "ready_to_start"
	msgRoundStart   = "round_start"
	msgRoundEnd     = "round_end"
	msgGameEnd      = "game_end"
	msgPlayerLeft   = "player_left"
	msgRoomClosed   = "room_closed"
	msgError        = "error"
)

// clientEvent is the single inbound message shape; Type selects the
// handler and decides which of the remaining fields matter.
type clientEvent struct {
	Type       string   `json:"type"`                  // "create_room", "join_room", "start_game", "submit_guess", "ready_for_next_round"
	RoomCode   string   `json:"room_code,omitempty"`   // all but create_room
	PlayerName string   `json:"player_name,omitempty"` // create_room / join_room
	Latitude   *float64 `json:"latitude,omitempty"`    // submit_guess
	Longitude  *float64 `json:"longitude,omitempty"`   // submit_guess
}

type connectedMessage struct {
	Type     string `json:"type"`
	PlayerID string `json:"player_id"`
}

type roomCreatedMessage struct {
	Type     string `json:"type"`
	RoomCode string `json:"room_code"`
	PlayerID string `json:"player_id"`
}

type roomJoinedMessage struct {
	Type     string `json:"type"`
	RoomCode string `json:"room_code"`
	PlayerID string `json:"player_id"`
}

// playerJoinedMessage carries the full roster snapshot in join order.
type playerJoinedMessage struct {
	Type    string   `json:"type"`
	Players []Player `json:"players"`
}

type readyToStartMessage struct {
	Type string `json:"type"`
}

// displayLocation is the round_start payload: everything a client needs
// to render the round, minus the ground-truth coordinate.
type displayLocation struct {
	StreetViewURL string              `json:"street_view_url"`
	ZipCode       string              `json:"zip_code"`
	CrimeStats    []geodata.CrimeStat `json:"crime_stats"`
}

type roundStartMessage struct {
	Type        string          `json:"type"`
	Round       int             `json:"round"`
	TotalRounds int             `json:"total_rounds"`
	Location    displayLocation `json:"location"`
	TimeLimit   int             `json:"time_limit"`
}

type roundResult struct {
	PlayerID   string  `json:"player_id"`
	PlayerName string  `json:"player_name"`
	DistanceKm float64 `json:"distance_km"`
	RoundScore int     `json:"round_score"`
	TotalScore int     `json:"total_score"`
	Guess      Guess   `json:"guess"`
}

type roundEndMessage struct {
	Type           string            `json:"type"`
	ActualLocation *geodata.Location `json:"actual_location"`
	Results        []roundResult     `json:"results"`
	CurrentRound   int               `json:"current_round"`
}

type finalScore struct {
	PlayerName string `json:"player_name"`
	Score      int    `json:"score"`
}

type gameEndMessage struct {
	Type        string       `json:"type"`
	FinalScores []finalScore `json:"final_scores"`
	Winner      string       `json:"winner"`
}

type playerLeftMessage struct {
	Type    string   `json:"type"`
	Message string   `json:"message"`
	Players []Player `json:"players"`
}

type roomClosedMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type client struct {
	conn     *websocket.Conn
	playerID string

	// roomCode is only ever touched from this client's read pump.
	roomCode string

	// mu guards send and closed: a broadcast may drop this client while
	// its read pump is still producing private notifications, and those
	// must never land on a closed channel.
	mu     sync.Mutex
	send   chan any
	closed bool
}

// trySend queues a notification for the write pump, reporting false when
// the buffer is full or the channel has already been closed.
func (c *client) trySend(msg any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// closeSend terminates the client's write pump. Both the read pump and a
// broadcast dropping a stalled client may get here; only one wins.
func (c *client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// gateway maps inbound connection events onto the registry and scheduler
// and fans the outcomes back out to room members.
type gateway struct {
	cfg       *Config
	registry  *Registry
	scheduler *scheduler
}

func newGateway(cfg *Config, provider LocationProvider) *gateway {
	return &gateway{
		cfg:       cfg,
		registry:  newRegistry(),
		scheduler: &scheduler{cfg: cfg, provider: provider},
	}
}

// sendPrivate delivers a notification to a single connection, dropping it
// if the client's buffer is full or the connection is already gone.
func sendPrivate(c *client, msg any) {
	c.trySend(msg)
}

func (g *gateway) sendError(c *client, err error) {
	sendPrivate(c, errorMessage{Type: msgError, Message: err.Error()})
}

func (g *gateway) dispatch(c *client, ev clientEvent) {
	switch ev.Type {
	case "create_room":
		g.handleCreateRoom(c, ev)
	case "join_room":
		g.handleJoinRoom(c, ev)
	case "start_game":
		g.handleStartGame(c, ev)
	case "submit_guess":
		g.handleSubmitGuess(c, ev)
	case "ready_for_next_round":
		g.handleReadyForNextRound(c, ev)
	default:
		// ignore unknown types
	}
}

// inActiveRoom reports whether the client still belongs to a live room,
// clearing stale membership left behind by a host-closed room.
func (g *gateway) inActiveRoom(c *client) bool {
	if c.roomCode == "" {
		return false
	}

	room, err := g.registry.lookup(c.roomCode)
	if err != nil {
		c.roomCode = ""
		return false
	}

	room.mu.Lock()
	member := room.playerLocked(c.playerID) != nil
	room.mu.Unlock()

	if !member {
		c.roomCode = ""
	}
	return member
}

func (g *gateway) handleCreateRoom(c *client, ev clientEvent) {
	if !g.scheduler.provider.Ready() {
		sendPrivate(c, errorMessage{Type: msgError, Message: "Server error: Crime data not loaded"})
		return
	}

	if g.inActiveRoom(c) {
		sendPrivate(c, errorMessage{Type: msgError, Message: "Already in a room"})
		return
	}

	name := ev.PlayerName
	if name == "" {
		name = "Player 1"
	}

	room := g.registry.createRoom(name, c)
	c.roomCode = room.code

	logf(g.cfg, "GAMES: Room created: %s by %q", room.code, name)

	sendPrivate(c, roomCreatedMessage{Type: msgRoomCreated, RoomCode: room.code, PlayerID: c.playerID})
	room.broadcast(playerJoinedMessage{Type: msgPlayerJoined, Players: room.roster()})
}

func (g *gateway) handleJoinRoom(c *client, ev clientEvent) {
	if g.inActiveRoom(c) {
		sendPrivate(c, errorMessage{Type: msgError, Message: "Already in a room"})
		return
	}

	code := strings.ToUpper(ev.RoomCode)
	name := ev.PlayerName
	if name == "" {
		name = "Player 2"
	}

	room, err := g.registry.joinRoom(code, name, c)
	if err != nil {
		g.sendError(c, err)
		return
	}
	c.roomCode = code

	logf(g.cfg, "GAMES: Player joined room %s: %q", code, name)

	sendPrivate(c, roomJoinedMessage{Type: msgRoomJoined, RoomCode: code, PlayerID: c.playerID})

	roster := room.roster()
	room.broadcast(playerJoinedMessage{Type: msgPlayerJoined, Players: roster})

	if len(roster) == maxPlayers {
		room.broadcast(readyToStartMessage{Type: msgReadyToStart})
	}
}

func (g *gateway) handleStartGame(c *client, ev clientEvent) {
	room, err := g.registry.lookup(strings.ToUpper(ev.RoomCode))
	if err != nil {
		g.sendError(c, err)
		return
	}

	if err := g.scheduler.advanceRound(room, c.playerID, statusWaiting); err != nil {
		g.sendError(c, err)
	}
}

func (g *gateway) handleSubmitGuess(c *client, ev clientEvent) {
	room, err := g.registry.lookup(strings.ToUpper(ev.RoomCode))
	if err != nil {
		g.sendError(c, err)
		return
	}

	if ev.Latitude == nil || ev.Longitude == nil {
		sendPrivate(c, errorMessage{Type: msgError, Message: "Guess requires latitude and longitude"})
		return
	}

	guess := Guess{Latitude: *ev.Latitude, Longitude: *ev.Longitude}
	if err := g.scheduler.submitGuess(room, c.playerID, guess); err != nil {
		g.sendError(c, err)
	}
}

func (g *gateway) handleReadyForNextRound(c *client, ev clientEvent) {
	room, err := g.registry.lookup(strings.ToUpper(ev.RoomCode))
	if err != nil {
		g.sendError(c, err)
		return
	}

	if err := g.scheduler.advanceRound(room, c.playerID, statusRoundEnd); err != nil {
		g.sendError(c, err)
	}
}

// handleDisconnect removes the departing player and announces the result
// to whoever remains. Safe to reach more than once per connection: a
// player already gone just falls out on the registry error.
func (g *gateway) handleDisconnect(c *client) {
	code := c.roomCode
	c.roomCode = ""
	if code == "" {
		return
	}

	outcome, room, err := g.registry.removePlayer(code, c.playerID)
	if err != nil {
		return
	}

	room.mu.Lock()
	delete(room.clients, c)
	room.mu.Unlock()

	switch outcome {
	case roomDeleted:
		logf(g.cfg, "GAMES: Deleted empty room: %s", code)

	case roomClosedByHost:
		logf(g.cfg, "GAMES: Host left room %s, closing room", code)
		room.broadcast(roomClosedMessage{
			Type:    msgRoomClosed,
			Message: "Host left the game. Room has been closed.",
		})
		room.detachClients()

	case playerLeft:
		logf(g.cfg, "GAMES: Player left room %s, %d player(s) remaining", code, len(room.roster()))
		room.broadcast(playerLeftMessage{
			Type:    msgPlayerLeft,
			Message: "Other player left the game",
			Players: room.roster(),
		})
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (g *gateway) readPump(c *client) {
	defer func() {
		g.handleDisconnect(c)
		c.closeSend()
		_ = c.conn.Close()
	}()

	for {
		var ev clientEvent
		if err := c.conn.ReadJSON(&ev); err != nil {
			return
		}
		g.dispatch(c, ev)
	}
}

func (c *client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

func serveWSForGateway(cfg *Config, g *gateway) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(cfg, "GAMES: upgrade error: %v", err)
			return
		}

		c := &client{
			conn:     conn,
			send:     make(chan any, 8),
			playerID: uuid.NewString(),
		}

		go c.writePump()

		sendPrivate(c, connectedMessage{Type: msgConnected, PlayerID: c.playerID})

		g.readPump(c)
	}
}

// serveGamePage renders a minimal landing page for a shared room link.
func serveGamePage(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := strings.ToUpper(ps.ByName("code"))

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)

		_, _ = w.Write([]byte(newPage("geocrime", "Join with room code "+code)))
	}
}

// qrHandler generates a PNG QR code for the current room URL.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	code := ps.ByName("code")
	if code == "" {
		http.Error(w, "missing room code", http.StatusBadRequest)
		return
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /game/:code/qr; strip the trailing "/qr" to get the room URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// registerGame wires the session gateway and room-sharing routes:
//   - /ws              → game websocket
//   - /game/:code      → shareable landing page
//   - /game/:code/qr   → PNG QR code for that room URL
func registerGame(cfg *Config, mux *httprouter.Router, provider LocationProvider) *gateway {
	g := newGateway(cfg, provider)

	mux.GET(cfg.prefix+"/ws", serveWSForGateway(cfg, g))
	mux.GET(cfg.prefix+"/game/:code", serveGamePage(cfg))
	mux.GET(cfg.prefix+"/game/:code/qr", qrHandler)

	return g
}
