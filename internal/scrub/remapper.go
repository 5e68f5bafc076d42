package scrub

import (
	"fmt"
	"math/rand"
	"strconv"
)

// sharedBlockKey pools ID issuance across all keys when per-attribute
// blocks are disabled.
const sharedBlockKey = "all"

// Remapper issues stable substitute values for opaque identifiers.
// Substitutes are drawn randomly without replacement from blocks of
// consecutive integers, so downstream readers cannot recover original
// ordering from substitute values while memory stays bounded.
type Remapper struct {
	cw  *Crosswalk
	rng *rand.Rand
}

// RemapID returns the stable substitute for v under key. A nil value
// passes through without consuming state. String originals yield string
// substitutes; anything else yields int64.
func (m *Remapper) RemapID(key string, v Value) Value {
	if v == nil {
		return nil
	}
	orig, _ := canonicalString(v)
	n := m.substituteFor(key, orig)
	if _, ok := v.(string); ok {
		return strconv.FormatInt(n, 10)
	}
	return n
}

// RemapLabel returns the substitute for v under key rendered as
// "<key>_<id>". Empty strings and nil pass through without consuming an
// ID. Label substitutes share the key's identifier table with RemapID.
func (m *Remapper) RemapLabel(key string, v Value) Value {
	if v == nil {
		return nil
	}
	orig, _ := canonicalString(v)
	if orig == "" {
		return v
	}
	return fmt.Sprintf("%s_%d", key, m.substituteFor(key, orig))
}

// substituteFor looks up or assigns the integer substitute for an
// original value. Assignments are permanent: the same (key, original)
// pair always yields the same substitute.
func (m *Remapper) substituteFor(key, orig string) int64 {
	table := m.cw.idMap[key]
	if table == nil {
		table = make(map[string]int64)
		m.cw.idMap[key] = table
	}
	if n, ok := table[orig]; ok {
		return n
	}
	n := m.draw(key, orig)
	table[orig] = n
	return n
}

// draw takes a uniformly random unused substitute from the key's block,
// refilling the block from the issuance counter when it runs dry. A draw
// that collides with the literal original value is discarded and redrawn
// so no value ever maps to itself.
func (m *Remapper) draw(key, orig string) int64 {
	blockKey := sharedBlockKey
	if m.cw.perAttributeBlocks {
		blockKey = key
	}
	for {
		block := m.cw.blocks[blockKey]
		if len(block) == 0 {
			block = m.refill(blockKey)
		}
		i := m.rng.Intn(len(block))
		n := block[i]
		block[i] = block[len(block)-1]
		m.cw.blocks[blockKey] = block[:len(block)-1]
		if strconv.FormatInt(n, 10) != orig {
			return n
		}
	}
}

// refill reserves the next blockSize consecutive integers for blockKey
// and advances the counter past the reserved range. Only counters are
// persisted; an unconsumed block is forfeited across a save/load cycle
// and issuance resumes from the counter.
func (m *Remapper) refill(blockKey string) []int64 {
	start, ok := m.cw.idCounters[blockKey]
	if !ok {
		start = m.cw.remapBase
	}
	block := make([]int64, m.cw.blockSize)
	for i := range block {
		block[i] = start + int64(i)
	}
	m.cw.idCounters[blockKey] = start + int64(m.cw.blockSize)
	m.cw.blocks[blockKey] = block
	return block
}
