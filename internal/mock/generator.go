// Package mock simulates the barcode database so the WebSocket path can be
// exercised without Postgres.
package mock

import (
	"context"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/loggo/v2"

	"github.com/barcode-drop/backend/internal/scan"
)

var logger = loggo.GetLogger("barcodedrop.mock")

// Scanning patterns, assigned to users round-robin.
const (
	patternSteady = "steady" // one scan every tick
	patternBurst  = "burst"  // a multi-row insert every fourth tick
	patternClear  = "clear"  // scans every other tick, wipes the list every tenth
)

var patterns = []string{patternSteady, patternBurst, patternClear}

type mockUser struct {
	name    string
	pattern string
}

// Generator drives a Store with synthetic scans on a clock.
type Generator struct {
	store    *Store
	clock    clock.Clock
	interval time.Duration
	users    []mockUser
	rng      *rand.Rand
	tick     int
}

func NewGenerator(store *Store, clk clock.Clock, interval time.Duration, users []string) *Generator {
	if clk == nil {
		clk = clock.WallClock
	}
	g := &Generator{
		store:    store,
		clock:    clk,
		interval: interval,
		rng:      rand.New(rand.NewSource(clk.Now().UnixNano())),
	}
	for i, name := range users {
		g.users = append(g.users, mockUser{name: name, pattern: patterns[i%len(patterns)]})
	}
	return g
}

// Run steps once per interval until ctx is cancelled.
func (g *Generator) Run(ctx context.Context) {
	logger.Infof("generating mock scans for %d users every %s", len(g.users), g.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.clock.After(g.interval):
			g.Step(ctx)
		}
	}
}

// Step advances every user by one tick.
func (g *Generator) Step(ctx context.Context) {
	g.tick++
	for _, u := range g.users {
		switch u.pattern {
		case patternSteady:
			g.scan(ctx, u.name)
		case patternBurst:
			if g.tick%4 == 0 {
				g.burst(u.name, 2+g.rng.Intn(3))
			}
		case patternClear:
			if g.tick%10 == 0 {
				if _, err := g.store.DeleteScansOfUser(ctx, u.name); err != nil {
					logger.Errorf("clearing %s: %v", u.name, err)
				}
				continue
			}
			if g.tick%2 == 0 {
				g.scan(ctx, u.name)
			}
		}
	}
}

func (g *Generator) scan(ctx context.Context, user string) {
	if _, err := g.store.InsertScan(ctx, uuid.Nil, g.barcode(), user); err != nil {
		logger.Errorf("mock scan for %s: %v", user, err)
	}
}

func (g *Generator) burst(user string, n int) {
	rows := make([]scan.Record, n)
	for i := range rows {
		rows[i] = scan.Record{ID: uuid.New(), Barcode: g.barcode(), Username: user}
	}
	g.store.InsertBatch(rows)
}

// barcode returns a random EAN-13 with a valid check digit.
func (g *Generator) barcode() string {
	digits := make([]byte, 12, 13)
	sum := 0
	for i := range digits {
		d := g.rng.Intn(10)
		digits[i] = byte('0' + d)
		if i%2 == 0 {
			sum += d
		} else {
			sum += 3 * d
		}
	}
	check := (10 - sum%10) % 10
	return string(digits) + strconv.Itoa(check)
}
