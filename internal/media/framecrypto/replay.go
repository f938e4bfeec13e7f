package framecrypto

const replayWindowSize = 128

// ReplayWindow is a sliding bitmap over frame sequence numbers. Bit d set
// means highest-d has been accepted.
type ReplayWindow struct {
	initialized bool
	highest     uint64
	bits        [2]uint64
}

// Fresh reports whether seq has not been seen and is inside the window.
func (w *ReplayWindow) Fresh(seq uint64) bool {
	if !w.initialized || seq > w.highest {
		return true
	}
	d := w.highest - seq
	if d >= replayWindowSize {
		return false
	}
	return !w.bit(d)
}

func (w *ReplayWindow) Mark(seq uint64) {
	if !w.initialized {
		w.initialized = true
		w.highest = seq
		w.bits = [2]uint64{1, 0}
		return
	}
	if seq > w.highest {
		w.shift(seq - w.highest)
		w.highest = seq
		w.bits[0] |= 1
		return
	}
	d := w.highest - seq
	if d < replayWindowSize {
		w.set(d)
	}
}

func (w *ReplayWindow) bit(d uint64) bool {
	if d < 64 {
		return w.bits[0]&(1<<d) != 0
	}
	return w.bits[1]&(1<<(d-64)) != 0
}

func (w *ReplayWindow) set(d uint64) {
	if d < 64 {
		w.bits[0] |= 1 << d
		return
	}
	w.bits[1] |= 1 << (d - 64)
}

func (w *ReplayWindow) shift(n uint64) {
	switch {
	case n >= replayWindowSize:
		w.bits = [2]uint64{}
	case n >= 64:
		w.bits[1] = w.bits[0] << (n - 64)
		w.bits[0] = 0
	default:
		w.bits[1] = w.bits[1]<<n | w.bits[0]>>(64-n)
		w.bits[0] <<= n
	}
}
