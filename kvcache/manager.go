package kvcache

import (
	"fmt"
	"log/slog"
)

// Manager owns the block pool and the per-sequence block chains. It is the
// in-process cache-space manager: the scheduler asks it for chains and hands
// the resulting block tables to the attention engine read-only.
type Manager struct {
	blockSize int32

	free   []int32
	chains map[int][]int32
	lens   map[int]int32
}

func NewManager(numBlocks, blockSize int) *Manager {
	free := make([]int32, numBlocks)
	for i := range free {
		free[i] = int32(i)
	}

	return &Manager{
		blockSize: int32(blockSize),
		free:      free,
		chains:    make(map[int][]int32),
		lens:      make(map[int]int32),
	}
}

func (m *Manager) BlockSize() int32 { return m.blockSize }

// FreeBlocks returns the number of unallocated blocks.
func (m *Manager) FreeBlocks() int { return len(m.free) }

// BlockTable returns the sequence's block chain. The returned slice is owned
// by the manager and must be treated read-only.
func (m *Manager) BlockTable(seq int) []int32 { return m.chains[seq] }

// ContextLen returns the number of tokens currently accounted to seq.
func (m *Manager) ContextLen(seq int) int32 { return m.lens[seq] }

// Allocate creates a chain for a new sequence covering numTokens tokens.
func (m *Manager) Allocate(seq int, numTokens int32) ([]int32, error) {
	if _, ok := m.chains[seq]; ok {
		panic(fmt.Errorf("kvcache: sequence %d already has blocks allocated", seq))
	}

	need := int((numTokens + m.blockSize - 1) / m.blockSize)
	if need > len(m.free) {
		return nil, fmt.Errorf("%w (need %d, free %d)", ErrNoFreeBlocks, need, len(m.free))
	}

	m.chains[seq] = m.take(need)
	m.lens[seq] = numTokens

	slog.Debug("allocated blocks", "seq", seq, "tokens", numTokens, "blocks", need, "free", len(m.free))
	return m.chains[seq], nil
}

// Append accounts numTokens more tokens to seq, growing its chain as needed.
func (m *Manager) Append(seq int, numTokens int32) error {
	chain, ok := m.chains[seq]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSeq, seq)
	}

	newLen := m.lens[seq] + numTokens
	need := int((newLen+m.blockSize-1)/m.blockSize) - len(chain)
	if need > len(m.free) {
		return fmt.Errorf("%w (need %d, free %d)", ErrNoFreeBlocks, need, len(m.free))
	}

	if need > 0 {
		m.chains[seq] = append(chain, m.take(need)...)
	}
	m.lens[seq] = newLen

	return nil
}

// Release returns the sequence's blocks to the pool.
func (m *Manager) Release(seq int) {
	chain, ok := m.chains[seq]
	if !ok {
		return
	}

	m.free = append(m.free, chain...)
	delete(m.chains, seq)
	delete(m.lens, seq)
}

func (m *Manager) take(n int) []int32 {
	taken := make([]int32, n)
	copy(taken, m.free[:n])
	m.free = m.free[n:]

	return taken
}
