package snowflake

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Generator produces 64-bit time-ordered IDs with the classic layout:
//
//	41 bits millisecond timestamp | 10 bits node | 12 bits sequence
//
// IDs from a single node are strictly increasing; across nodes they sort
// by generation time at millisecond granularity. No central counter is
// involved, so generators on distinct nodes never coordinate.
type Generator struct {
	mu       sync.Mutex
	node     int64
	lastMs   int64
	sequence int64
}

const (
	// Epoch is the custom epoch (2020-01-01T00:00:00Z) in Unix milliseconds.
	// Subtracting it keeps 41 bits of timestamp usable for ~69 years.
	Epoch int64 = 1577836800000

	nodeBits     = 10
	sequenceBits = 12

	maxNode     = -1 ^ (-1 << nodeBits)     // 1023
	sequenceMax = -1 ^ (-1 << sequenceBits) // 4095

	nodeShift      = sequenceBits
	timestampShift = nodeBits + sequenceBits
)

// New returns a Generator for the given node ID (0..1023).
func New(node int64) (*Generator, error) {
	if node < 0 || node > maxNode {
		return nil, fmt.Errorf("snowflake node id %d out of range [0,%d]", node, maxNode)
	}
	return &Generator{node: node}, nil
}

// Next returns the next ID. If the clock steps backwards the generator
// holds the last observed timestamp and keeps consuming sequence numbers,
// spinning into the next millisecond when the sequence space is exhausted.
func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli()
	if now < g.lastMs {
		now = g.lastMs
	}
	if now == g.lastMs {
		g.sequence = (g.sequence + 1) & sequenceMax
		if g.sequence == 0 {
			for now <= g.lastMs {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastMs = now

	return (now-Epoch)<<timestampShift | g.node<<nodeShift | g.sequence
}

// NextString returns the next ID in decimal string form. Preferred for
// wire formats and store keys to avoid 53-bit precision loss in clients.
func (g *Generator) NextString() string {
	return strconv.FormatInt(g.Next(), 10)
}

// Timestamp extracts the generation time encoded in id.
func Timestamp(id int64) time.Time {
	ms := (id >> timestampShift) + Epoch
	return time.UnixMilli(ms).UTC()
}

// Node extracts the node ID encoded in id.
func Node(id int64) int64 {
	return (id >> nodeShift) & maxNode
}
