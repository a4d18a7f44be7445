package simulator

import (
	"math/rand"
	"sync"
	"time"

	"github.com/kilianp07/smartcharge/infra/mqtt"
)

// Decision is how a simulated station answers one command.
type Decision struct {
	Status string // Accepted, Rejected or NotSupported
	Delay  time.Duration
	Drop   bool // never answer
}

// AckStrategy decides the answer to a command.
type AckStrategy interface {
	Decide(cmd mqtt.CommandMessage) Decision
}

// AutoAck accepts everything after a fixed delay.
type AutoAck struct {
	Delay time.Duration
}

func (a AutoAck) Decide(mqtt.CommandMessage) Decision {
	return Decision{Status: "Accepted", Delay: a.Delay}
}

// RandomAck drops answers with probability DropRate and accepts the rest.
type RandomAck struct {
	Delay    time.Duration
	DropRate float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomAck seeds the strategy. Equal seeds give equal answer sequences.
func NewRandomAck(delay time.Duration, dropRate float64, seed int64) *RandomAck {
	return &RandomAck{Delay: delay, DropRate: dropRate, rng: rand.New(rand.NewSource(seed))}
}

func (r *RandomAck) Decide(mqtt.CommandMessage) Decision {
	r.mu.Lock()
	drop := r.DropRate > 0 && r.rng.Float64() < r.DropRate
	r.mu.Unlock()
	return Decision{Status: "Accepted", Delay: r.Delay, Drop: drop}
}

// RejectAbove rejects limits above LimitKW and defers the rest to Next.
type RejectAbove struct {
	LimitKW float64
	Next    AckStrategy
}

func (r RejectAbove) Decide(cmd mqtt.CommandMessage) Decision {
	if !cmd.Clear && cmd.PowerLimitKW > r.LimitKW {
		return Decision{Status: "Rejected"}
	}
	if r.Next == nil {
		return Decision{Status: "Accepted"}
	}
	return r.Next.Decide(cmd)
}

// Silent never answers, which makes the station look unreachable.
type Silent struct{}

func (Silent) Decide(mqtt.CommandMessage) Decision { return Decision{Drop: true} }
