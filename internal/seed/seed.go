// Package seed loads a demo dataset: a few users with known passwords,
// stations with coordinates, and a handful of available batteries each.
package seed

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/MarkoPoloResearchLab/powerbank/internal/auth"
	"github.com/MarkoPoloResearchLab/powerbank/pkg/rental"
)

const (
	demoPassword       = "password123"
	serialLength       = 8
	serialAlphabet     = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	batteriesPerStand  = 3
	minSeedChargeLevel = 60
)

type demoUser struct {
	email        string
	balanceCents int64
}

type demoStation struct {
	name      string
	location  string
	latitude  float64
	longitude float64
}

var demoUsers = []demoUser{
	{email: "alice@example.com", balanceCents: 5000},
	{email: "bob@example.com", balanceCents: 2000},
	{email: "charlie@example.com", balanceCents: 1000},
}

var demoStations = []demoStation{
	{name: "Tokyo Station", location: "Marunouchi 1-chome, Chiyoda", latitude: 35.681236, longitude: 139.767125},
	{name: "Shinjuku West", location: "Shinjuku 3-chome, Shinjuku", latitude: 35.6896, longitude: 139.7005},
	{name: "Shibuya Crossing", location: "Udagawacho, Shibuya", latitude: 35.6580, longitude: 139.7016},
	{name: "Ikebukuro East", location: "Ikebukuro 1-chome, Toshima", latitude: 35.7292, longitude: 139.7108},
	{name: "Ueno Park", location: "Ueno 7-chome, Taito", latitude: 35.7137, longitude: 139.7770},
}

// Summary reports what a seed run created.
type Summary struct {
	Users     int
	Stations  int
	Batteries int
}

// Run populates the store with the demo dataset. Existing demo users are
// left untouched; stations and batteries are always appended.
func Run(ctx context.Context, service *rental.Service, hasher auth.Hasher) (Summary, error) {
	var summary Summary

	passwordHash, err := hasher.Hash(demoPassword)
	if err != nil {
		return summary, fmt.Errorf("seed: hash demo password: %w", err)
	}

	for _, demo := range demoUsers {
		email, err := rental.NewEmailAddress(demo.email)
		if err != nil {
			return summary, fmt.Errorf("seed: %w", err)
		}
		_, err = service.RegisterUser(ctx, email, passwordHash, rental.AmountCents(demo.balanceCents))
		if errors.Is(err, rental.ErrDuplicateEmail) {
			continue
		}
		if err != nil {
			return summary, fmt.Errorf("seed: register %s: %w", demo.email, err)
		}
		summary.Users++
	}

	for _, demo := range demoStations {
		latitude := demo.latitude
		longitude := demo.longitude
		station, err := service.AddStation(ctx, rental.NewStationParams{
			Name:      demo.name,
			Location:  demo.location,
			Latitude:  &latitude,
			Longitude: &longitude,
		})
		if err != nil {
			return summary, fmt.Errorf("seed: add station %s: %w", demo.name, err)
		}
		summary.Stations++

		for i := 0; i < batteriesPerStand; i++ {
			serial, err := rental.NewSerial(randomSerial())
			if err != nil {
				return summary, fmt.Errorf("seed: %w", err)
			}
			chargeLevel, err := rental.NewChargeLevel(minSeedChargeLevel + rand.IntN(100-minSeedChargeLevel+1))
			if err != nil {
				return summary, fmt.Errorf("seed: %w", err)
			}
			stationID := station.StationID
			_, err = service.AddBattery(ctx, rental.NewBatteryParams{
				Serial:      serial,
				StationID:   &stationID,
				ChargeLevel: chargeLevel,
				ExtraInfo:   fmt.Sprintf("%s unit %d", demo.name, i+1),
			})
			if err != nil {
				return summary, fmt.Errorf("seed: add battery: %w", err)
			}
			summary.Batteries++
		}
	}

	return summary, nil
}

func randomSerial() string {
	serial := make([]byte, serialLength)
	for i := range serial {
		serial[i] = serialAlphabet[rand.IntN(len(serialAlphabet))]
	}
	return string(serial)
}
