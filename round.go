package main

import (
	"errors"
	"math"
	"sort"
	"time"

	"github.com/samber/lo"

	"geocrime/geodata"
)

var (
	errLocationUnavailable = errors.New("Failed to get location")
	errWrongRoomState      = errors.New("Action not valid in the room's current state")
)

// LocationProvider yields sampled guessing targets. The engine never
// inspects the dataset behind it.
type LocationProvider interface {
	// Ready reports whether the provider can currently serve locations.
	Ready() bool
	// SampleLocation returns a random incident location with its
	// surrounding-area crime breakdown.
	SampleLocation() (*geodata.Location, error)
}

// scheduler drives each Room through its round state machine.
type scheduler struct {
	cfg      *Config
	provider LocationProvider
}

// advanceRound performs the from → playing transition (or round_end →
// game_end once all rounds are played). Location sampling may touch slow
// external data, so the room's lock is released around it and the result
// is only committed if the room hasn't moved on in the meantime.
func (s *scheduler) advanceRound(room *Room, playerID string, from roomStatus) error {
	room.mu.Lock()

	if room.closed {
		room.mu.Unlock()
		return errRoomNotFound
	}
	if room.playerLocked(playerID) == nil {
		room.mu.Unlock()
		return errInvalidPlayer
	}
	if room.status != from {
		room.mu.Unlock()
		return errWrongRoomState
	}

	// A finished game always ends, even for a lone survivor; the
	// two-player requirement only gates starting another round.
	if room.currentRound >= maxRounds {
		s.finishGameLocked(room)
		room.mu.Unlock()
		return nil
	}

	if len(room.players) < maxPlayers {
		room.mu.Unlock()
		return errInsufficientPlayers
	}

	if room.advancing {
		// Another event already won this transition; the round the
		// caller asked for is on its way.
		room.mu.Unlock()
		return nil
	}
	room.advancing = true
	room.mu.Unlock()

	location, err := s.provider.SampleLocation()

	room.mu.Lock()
	defer room.mu.Unlock()

	room.advancing = false

	// Fail closed: nothing degenerate may become the round's target.
	if err != nil || location == nil || location.ZipCode == "" {
		logf(s.cfg, "GAMES: Failed to sample location for room %s: %v", room.code, err)
		return errLocationUnavailable
	}

	if room.closed || room.status != from || len(room.players) < maxPlayers {
		// The room changed while we were sampling; drop the round.
		return nil
	}

	room.currentRound++
	room.currentLocation = location
	room.roundStartTime = time.Now()
	room.status = statusPlaying

	for _, p := range room.players {
		p.guess = nil
	}

	logf(s.cfg, "GAMES: Round %d started in room %s (ZIP: %s)", room.currentRound, room.code, location.ZipCode)

	room.broadcastLocked(roundStartMessage{
		Type:        msgRoundStart,
		Round:       room.currentRound,
		TotalRounds: maxRounds,
		Location: displayLocation{
			StreetViewURL: location.StreetViewURL,
			ZipCode:       location.ZipCode,
			CrimeStats:    location.CrimeStats,
		},
		TimeLimit: int(s.cfg.roundTimeLimit.Seconds()),
	})

	return nil
}

// submitGuess records a player's guess and, once every player has one,
// resolves the round. The completeness check and the round_end transition
// share one critical section, so two last guesses racing each other can
// never both conclude the round.
func (s *scheduler) submitGuess(room *Room, playerID string, guess Guess) error {
	room.mu.Lock()
	defer room.mu.Unlock()

	if room.closed {
		return errRoomNotFound
	}

	player := room.playerLocked(playerID)
	if player == nil {
		return errInvalidPlayer
	}
	if room.status != statusPlaying {
		return errWrongRoomState
	}

	player.guess = &guess

	logf(s.cfg, "GAMES: Guess submitted in room %s by %q", room.code, player.Name)

	for _, p := range room.players {
		if p.guess == nil {
			return nil
		}
	}

	actual := room.currentLocation

	results := lo.Map(room.players, func(p *Player, _ int) roundResult {
		dist := distanceKm(actual.Latitude, actual.Longitude, p.guess.Latitude, p.guess.Longitude)
		score := calculateScore(dist)
		p.Score += score

		return roundResult{
			PlayerID:   p.ID,
			PlayerName: p.Name,
			DistanceKm: math.Round(dist*100) / 100,
			RoundScore: score,
			TotalScore: p.Score,
			Guess:      *p.guess,
		}
	})

	room.status = statusRoundEnd

	logf(s.cfg, "GAMES: Round %d completed in room %s", room.currentRound, room.code)

	room.broadcastLocked(roundEndMessage{
		Type:           msgRoundEnd,
		ActualLocation: actual,
		Results:        results,
		CurrentRound:   room.currentRound,
	})

	return nil
}

// finishGameLocked computes final standings and ends the game. Ties keep
// join order, which is why the sort has to be stable.
func (s *scheduler) finishGameLocked(room *Room) {
	standings := room.rosterLocked()
	sort.SliceStable(standings, func(i, j int) bool {
		return standings[i].Score > standings[j].Score
	})

	scores := lo.Map(standings, func(p Player, _ int) finalScore {
		return finalScore{PlayerName: p.Name, Score: p.Score}
	})

	room.status = statusGameEnd

	logf(s.cfg, "GAMES: Game ended in room %s, winner %q", room.code, scores[0].PlayerName)

	room.broadcastLocked(gameEndMessage{
		Type:        msgGameEnd,
		FinalScores: scores,
		Winner:      scores[0].PlayerName,
	})
}
