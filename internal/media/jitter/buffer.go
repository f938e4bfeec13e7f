// Package jitter implements the receive-side reorder and playout buffer.
//
// Frames are keyed by sequence number. Playout starts once a prefill
// target is buffered and then advances one sequence per tick at the
// track's frame cadence. A missing frame at its tick yields a concealment
// slot; frames arriving after their slot, or twice, are dropped.
package jitter

import (
	"sort"
	"sync"
	"time"
)

const (
	DefaultWindow  = 160 * time.Millisecond
	DefaultPrefill = 60 * time.Millisecond
)

type Config struct {
	FrameDuration time.Duration
	Window        time.Duration
	Prefill       time.Duration
}

func DefaultConfig(frameDuration time.Duration) Config {
	return Config{
		FrameDuration: frameDuration,
		Window:        DefaultWindow,
		Prefill:       DefaultPrefill,
	}
}

type Entry struct {
	Seq         uint64
	TimestampUs uint64
	Payload     []byte
	ArrivedAt   time.Time
}

// DropReason classifies a frame the buffer refused or evicted.
type DropReason string

const (
	DropLate      DropReason = "late"
	DropDuplicate DropReason = "duplicate"
	DropOverflow  DropReason = "overflow"
)

type PopKind int

const (
	// PopEmpty means nothing is playable yet: prefilling or underflow.
	PopEmpty PopKind = iota
	// PopFrame carries the next frame in sequence.
	PopFrame
	// PopMissing means the expected frame never arrived; conceal it.
	PopMissing
)

type Stats struct {
	Late       uint64
	Duplicates uint64
	Overflow   uint64
	Underflows uint64
	Concealed  uint64
	Delivered  uint64
}

func (s Stats) Dropped() uint64 {
	return s.Late + s.Duplicates + s.Overflow
}

// Buffer is safe for one pusher and one popper; Push never waits on Pop.
type Buffer struct {
	mu sync.Mutex

	frameDuration time.Duration
	capacity      int
	prefill       int

	entries map[uint64]Entry
	started bool
	nextSeq uint64
	// delivered marks that nextSeq-1 was already handed out
	delivered bool

	stats Stats
}

func New(cfg Config) *Buffer {
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = 20 * time.Millisecond
	}
	capacity := int(cfg.Window / cfg.FrameDuration)
	if capacity < 2 {
		capacity = 2
	}
	prefill := int(cfg.Prefill / cfg.FrameDuration)
	if prefill < 1 {
		prefill = 1
	}
	if prefill > capacity {
		prefill = capacity
	}
	return &Buffer{
		frameDuration: cfg.FrameDuration,
		capacity:      capacity,
		prefill:       prefill,
		entries:       make(map[uint64]Entry, capacity+1),
	}
}

func (b *Buffer) Capacity() int { return b.capacity }

// Push inserts a frame. It returns the frames dropped as a consequence,
// either the pushed frame itself or evicted older entries.
func (b *Buffer) Push(e Entry) (accepted bool, dropped []DropReason) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.delivered && e.Seq < b.nextSeq {
		b.stats.Late++
		return false, []DropReason{DropLate}
	}
	if _, dup := b.entries[e.Seq]; dup {
		b.stats.Duplicates++
		return false, []DropReason{DropDuplicate}
	}
	b.entries[e.Seq] = e

	for len(b.entries) > b.capacity {
		oldest := b.minSeqLocked()
		delete(b.entries, oldest)
		b.stats.Overflow++
		dropped = append(dropped, DropOverflow)
		if b.started && oldest >= b.nextSeq {
			b.nextSeq = b.minSeqLocked()
		}
		if oldest == e.Seq {
			return false, dropped
		}
	}
	return true, dropped
}

// Pop is called once per playout tick.
func (b *Buffer) Pop() (Entry, PopKind) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		if len(b.entries) < b.prefill {
			return Entry{}, PopEmpty
		}
		first := b.minSeqLocked()
		if b.delivered && first < b.nextSeq {
			first = b.nextSeq
		}
		b.nextSeq = first
		b.started = true
	}

	if len(b.entries) == 0 {
		b.stats.Underflows++
		b.started = false
		return Entry{}, PopEmpty
	}

	if e, ok := b.entries[b.nextSeq]; ok {
		delete(b.entries, b.nextSeq)
		b.nextSeq++
		b.delivered = true
		b.stats.Delivered++
		return e, PopFrame
	}

	// Gap wider than the window: the missing frames will never fit, resync.
	if oldest := b.minSeqLocked(); oldest-b.nextSeq >= uint64(b.capacity) {
		e := b.entries[oldest]
		delete(b.entries, oldest)
		b.nextSeq = oldest + 1
		b.delivered = true
		b.stats.Delivered++
		return e, PopFrame
	}

	b.nextSeq++
	b.delivered = true
	b.stats.Concealed++
	return Entry{}, PopMissing
}

func (b *Buffer) minSeqLocked() uint64 {
	first := true
	var min uint64
	for seq := range b.entries {
		if first || seq < min {
			min = seq
			first = false
		}
	}
	return min
}

// Len is the number of buffered frames.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// BufferedDuration is the audio currently held, used as the jitter gauge.
func (b *Buffer) BufferedDuration() time.Duration {
	return time.Duration(b.Len()) * b.frameDuration
}

func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Reset drops buffered frames and re-enters prefill. Sequence history is
// kept so frames already played stay late.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make(map[uint64]Entry, b.capacity+1)
	b.started = false
}

// Sequences returns buffered sequence numbers in ascending order.
func (b *Buffer) Sequences() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	seqs := make([]uint64, 0, len(b.entries))
	for seq := range b.entries {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}
