package ssh

// RxWindow is the number of recently received sequence numbers checked
// for retransmissions.
const RxWindow = 16

// seqWindow remembers the sequence numbers of the last RxWindow sequenced
// data frames received. The zero value is empty.
type seqWindow struct {
	// entries hold seq+1, 0 is unused.
	entries [RxWindow]uint16
	pos     int
}

// seen records seq and reports whether it is already in the window.
// A retransmitted seq is not recorded again.
func (w *seqWindow) seen(seq Seq) bool {
	val := uint16(seq) + 1
	for _, e := range w.entries {
		if e == val {
			return true
		}
	}
	w.entries[w.pos] = val
	w.pos = (w.pos + 1) % RxWindow
	return false
}
