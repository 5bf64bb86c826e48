// Package seeder generates synthetic ingest traffic for development and
// demos. Submissions deliberately mix clean events with duplicates, loosely
// typed fields and injected failures so every ledger path is exercised.
package seeder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v6"
)

type Config struct {
	Count   int
	Clients int
	Metrics []string

	// Rates are probabilities in [0,1].
	DuplicateRate float64
	MessyRate     float64
	FailRate      float64

	// Timestamps are spread over [Now-TimeSpread, Now].
	TimeSpread time.Duration
	Now        time.Time

	// Seed makes a run reproducible. Zero picks a random seed.
	Seed int64
}

func DefaultConfig() Config {
	return Config{
		Count:         100,
		Clients:       5,
		Metrics:       []string{"sales", "refunds", "signups", "page_views"},
		DuplicateRate: 0.1,
		MessyRate:     0.1,
		FailRate:      0.05,
		TimeSpread:    30 * 24 * time.Hour,
	}
}

func (c Config) Validate() error {
	if c.Count <= 0 {
		return errors.New("count must be positive")
	}
	if c.Clients <= 0 {
		return errors.New("clients must be positive")
	}
	if len(c.Metrics) == 0 {
		return errors.New("at least one metric is required")
	}
	for name, rate := range map[string]float64{"duplicate": c.DuplicateRate, "messy": c.MessyRate, "fail": c.FailRate} {
		if rate < 0 || rate > 1 {
			return fmt.Errorf("%s rate must be between 0 and 1, got %v", name, rate)
		}
	}
	return nil
}

// Submission is one request the seeder will send.
type Submission struct {
	Body []byte
	Fail bool
}

// Generator produces submissions from a seeded faker.
type Generator struct {
	cfg     Config
	faker   *gofakeit.Faker
	clients []string
	last    []byte
}

func NewGenerator(cfg Config) *Generator {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if cfg.Now.IsZero() {
		cfg.Now = time.Now().UTC()
	}

	faker := gofakeit.New(seed)
	clients := make([]string, cfg.Clients)
	for i := range clients {
		clients[i] = fmt.Sprintf("client_%s", faker.LetterN(4))
	}

	return &Generator{cfg: cfg, faker: faker, clients: clients}
}

// Clients returns the client ids this generator draws from.
func (g *Generator) Clients() []string {
	return g.clients
}

func (g *Generator) chance(rate float64) bool {
	return rate > 0 && g.faker.Float64Range(0, 1) < rate
}

// Next returns the next submission. A duplicate resends the previous body
// byte for byte.
func (g *Generator) Next() Submission {
	if g.last != nil && g.chance(g.cfg.DuplicateRate) {
		return Submission{Body: g.last, Fail: g.chance(g.cfg.FailRate)}
	}

	var body map[string]interface{}
	if g.chance(g.cfg.MessyRate) {
		body = g.messy()
	} else {
		body = g.clean()
	}

	data, _ := json.Marshal(body)
	g.last = data
	return Submission{Body: data, Fail: g.chance(g.cfg.FailRate)}
}

func (g *Generator) clean() map[string]interface{} {
	return map[string]interface{}{
		"source": g.faker.RandomString(g.clients),
		"payload": map[string]interface{}{
			"metric":    g.faker.RandomString(g.cfg.Metrics),
			"amount":    g.faker.Number(1, 5000),
			"timestamp": g.timestamp().Format(time.RFC3339),
		},
	}
}

// messy produces the loosely typed shapes real senders emit.
func (g *Generator) messy() map[string]interface{} {
	payload := map[string]interface{}{
		"metric": g.faker.RandomString(g.cfg.Metrics),
	}
	ts := g.timestamp()

	switch g.faker.Number(0, 5) {
	case 0:
		payload["amount"] = strconv.Itoa(g.faker.Number(1, 5000))
		payload["timestamp"] = ts.Format("2006/01/02 15:04:05")
	case 1:
		payload["amount"] = g.faker.Float64Range(1, 5000)
		payload["timestamp"] = ts.UnixMilli()
	case 2:
		payload["amount"] = fmt.Sprintf("0x%x", g.faker.Number(1, 5000))
		payload["timestamp"] = ts.Format(time.RFC1123)
	case 3:
		payload["amount"] = g.faker.Bool()
		payload["timestamp"] = "not a date"
	case 4:
		payload["amount"] = g.faker.Word()
	default:
		return map[string]interface{}{"payload": payload}
	}

	return map[string]interface{}{
		"source":  g.faker.RandomString(g.clients),
		"payload": payload,
	}
}

func (g *Generator) timestamp() time.Time {
	if g.cfg.TimeSpread <= 0 {
		return g.cfg.Now
	}
	return g.faker.DateRange(g.cfg.Now.Add(-g.cfg.TimeSpread), g.cfg.Now).UTC().Truncate(time.Second)
}

// Sender delivers one submission. Implemented by the ledger client.
type Sender interface {
	Send(ctx context.Context, sub Submission) error
}

type Summary struct {
	Sent      int           `json:"sent"`
	Processed int           `json:"processed"`
	Failed    int           `json:"failed"`
	Injected  int           `json:"injected"`
	Duration  time.Duration `json:"duration"`
}

// Run sends cfg.Count submissions and tallies the responses. It stops early
// only when ctx is done.
func Run(ctx context.Context, cfg Config, sender Sender, progress func(Summary)) (Summary, error) {
	if err := cfg.Validate(); err != nil {
		return Summary{}, err
	}

	gen := NewGenerator(cfg)
	start := time.Now()
	var sum Summary

	for i := 0; i < cfg.Count; i++ {
		if err := ctx.Err(); err != nil {
			sum.Duration = time.Since(start)
			return sum, err
		}

		sub := gen.Next()
		if sub.Fail {
			sum.Injected++
		}
		sum.Sent++
		if err := sender.Send(ctx, sub); err != nil {
			sum.Failed++
		} else {
			sum.Processed++
		}

		if progress != nil && (sum.Sent%50 == 0 || sum.Sent == cfg.Count) {
			progress(sum)
		}
	}

	sum.Duration = time.Since(start)
	return sum, nil
}
