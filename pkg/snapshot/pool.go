package snapshot

// EntityPool is the circular store of entity states shared by every
// client's frame history. Frames refer to a run of absolute indexes; a run is
// valid until the pool wraps past its first index.
type EntityPool struct {
	entities []EntityState
	next     int64
}

func NewEntityPool(size int) *EntityPool {
	if size <= 0 {
		size = PacketBackup * MaxSnapshotEntities
	}
	return &EntityPool{entities: make([]EntityState, size)}
}

func (p *EntityPool) Size() int {
	return len(p.entities)
}

// Next is the absolute index the next Append will write.
func (p *EntityPool) Next() int64 {
	return p.next
}

// Append stores ents and returns the absolute index of the first one.
func (p *EntityPool) Append(ents []EntityState) int64 {
	first := p.next
	size := int64(len(p.entities))
	for i := range ents {
		p.entities[(first+int64(i))%size] = ents[i]
	}
	p.next += int64(len(ents))
	return first
}

// Contains reports whether the run [first, first+n) has not been overwritten.
func (p *EntityPool) Contains(first int64, n int) bool {
	if n > len(p.entities) {
		return false
	}
	return first >= p.next-int64(len(p.entities)) && first+int64(n) <= p.next
}

// Entities copies out a run. It returns nil when the run is no longer
// resident.
func (p *EntityPool) Entities(first int64, n int) []EntityState {
	if !p.Contains(first, n) {
		return nil
	}
	size := int64(len(p.entities))
	out := make([]EntityState, n)
	for i := range out {
		out[i] = p.entities[(first+int64(i))%size]
	}
	return out
}
