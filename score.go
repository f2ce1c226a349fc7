package main

import (
	"math"
)

const (
	// Mean radius of the Earth in kilometers.
	earthRadiusKm = 6371

	// Guesses further than this from the target score zero.
	maxScoreDistanceKm = 50

	maxRoundScore = 1000
)

// distanceKm returns the great-circle (haversine) distance in kilometers
// between two latitude/longitude pairs given in degrees.
func distanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	lat1 = lat1 * math.Pi / 180
	lon1 = lon1 * math.Pi / 180
	lat2 = lat2 * math.Pi / 180
	lon2 = lon2 * math.Pi / 180

	dlat := lat2 - lat1
	dlon := lon2 - lon1

	h := math.Pow(math.Sin(dlat/2), 2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Pow(math.Sin(dlon/2), 2)

	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}

// calculateScore maps a guess distance to a round score: 1000 points at
// zero distance, decaying linearly to 0 at maxScoreDistanceKm and beyond.
func calculateScore(distance float64) int {
	if distance > maxScoreDistanceKm {
		return 0
	}
	return int(maxRoundScore * (1 - distance/maxScoreDistanceKm))
}
