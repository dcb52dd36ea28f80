package snapshot

import "time"

// Frame records what one snapshot message told a client. Frames are written
// once and then only read, except for the acknowledgement time.
type Frame struct {
	MessageNum  int32
	ServerTime  int32
	AreaBits    []byte
	PlayerState PlayerState

	FirstEntity int64
	NumEntities int

	SentTime int64
	// AckTime is -1 until the client acknowledges MessageNum.
	AckTime     int64
	MessageSize int
}

// History is a client's ring of the last PacketBackup frames, indexed by
// message number.
type History struct {
	frames [PacketBackup]Frame
	valid  [PacketBackup]bool
}

func (h *History) slot(messageNum int32) int {
	return int(uint32(messageNum) % PacketBackup)
}

// Record stores f in the slot for its message number, evicting whatever
// frame was there.
func (h *History) Record(f Frame) {
	i := h.slot(f.MessageNum)
	h.frames[i] = f
	h.valid[i] = true
}

// Get returns the frame for messageNum if its slot still holds that message.
func (h *History) Get(messageNum int32) (*Frame, bool) {
	i := h.slot(messageNum)
	if !h.valid[i] || h.frames[i].MessageNum != messageNum {
		return nil, false
	}
	return &h.frames[i], true
}

func (h *History) Reset() {
	*h = History{}
}

// MarkAcknowledged stamps the first acknowledgement time of messageNum.
func (h *History) MarkAcknowledged(messageNum int32, now int64) {
	f, ok := h.Get(messageNum)
	if ok && f.AckTime < 0 {
		f.AckTime = now
	}
}

// AveragePing averages send-to-ack latency over acknowledged frames.
func (h *History) AveragePing() (int, bool) {
	total, count := int64(0), 0
	for i := range h.frames {
		if !h.valid[i] || h.frames[i].AckTime < 0 {
			continue
		}
		delta := h.frames[i].AckTime - h.frames[i].SentTime
		if delta < 0 {
			delta = 0
		}
		total += delta
		count++
	}
	if count == 0 {
		return 0, false
	}
	return int(total / int64(count)), true
}

// MaxDeltaDistance is how many messages back a base frame may be. The margin
// of three keeps a base clear of slots that may be rewritten while the
// client's acknowledgement is in flight.
func MaxDeltaDistance(backup int) int32 {
	if backup <= 3 {
		return 0
	}
	return int32(backup - 3)
}

// DeltaWindow converts MaxDeltaDistance to wall time for a client receiving
// a snapshot every snapshotMsec.
func DeltaWindow(backup int, snapshotMsec int) time.Duration {
	return time.Duration(MaxDeltaDistance(backup)) * time.Duration(snapshotMsec) * time.Millisecond
}

type BaseResult uint8

const (
	BaseOK BaseResult = iota
	BaseNoAck
	BaseNotActive
	BaseTooOld
	BaseOverwritten
	BaseEntitiesEvicted
)

func (b BaseResult) String() string {
	switch b {
	case BaseOK:
		return "ok"
	case BaseNoAck:
		return "no_ack"
	case BaseNotActive:
		return "not_active"
	case BaseTooOld:
		return "too_old"
	case BaseOverwritten:
		return "overwritten"
	case BaseEntitiesEvicted:
		return "entities_evicted"
	}
	return "unknown"
}

// SelectBase picks the frame to delta the next snapshot against. The base
// must be a message the client acknowledged, still in history, within the
// delta distance, and with its entities still resident in the pool. Any
// other outcome means a full, baseline relative encode.
func SelectBase(h *History, pool *EntityPool, deltaMessage, outgoingSequence int32, backup int) (*Frame, BaseResult) {
	if deltaMessage <= 0 || deltaMessage >= outgoingSequence {
		return nil, BaseNoAck
	}
	if outgoingSequence-deltaMessage >= MaxDeltaDistance(backup) {
		return nil, BaseTooOld
	}
	f, ok := h.Get(deltaMessage)
	if !ok {
		return nil, BaseOverwritten
	}
	if !pool.Contains(f.FirstEntity, f.NumEntities) {
		return nil, BaseEntitiesEvicted
	}
	return f, BaseOK
}
