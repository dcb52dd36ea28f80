// Package client is the receiving end of the protocol: it performs the
// handshake, decodes gamestates and snapshots, and builds usercmd messages.
// It drives no transport itself; callers feed it packets and send what it
// returns.
package client

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sessamekesh/spanreed-snapserver/pkg/bitmsg"
	"github.com/sessamekesh/spanreed-snapserver/pkg/errors"
	"github.com/sessamekesh/spanreed-snapserver/pkg/infostring"
	"github.com/sessamekesh/spanreed-snapserver/pkg/message/connectionless"
	"github.com/sessamekesh/spanreed-snapserver/pkg/netchan"
	"github.com/sessamekesh/spanreed-snapserver/pkg/protocol"
	"github.com/sessamekesh/spanreed-snapserver/pkg/reliable"
	"github.com/sessamekesh/spanreed-snapserver/pkg/snapshot"
	"github.com/sessamekesh/spanreed-snapserver/pkg/usercmd"
	"go.uber.org/zap"
)

type State uint8

const (
	StateDisconnected State = iota
	StateChallenging
	StateConnecting
	StateConnected
	StatePrimed
	StateActive
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateChallenging:
		return "challenging"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StatePrimed:
		return "primed"
	case StateActive:
		return "active"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

type WrongStateError struct {
	Operation string
	State     State
}

func (e *WrongStateError) Error() string {
	return fmt.Sprintf("Cannot %s while %s", e.Operation, e.State)
}

// BadDeltaError means a snapshot named a base this client no longer holds.
type BadDeltaError struct {
	MessageNum int32
	DeltaNum   uint8
}

func (e *BadDeltaError) Error() string {
	return fmt.Sprintf("Snapshot %d deltas from unavailable message %d", e.MessageNum, e.MessageNum-int32(e.DeltaNum))
}

type ClientParams struct {
	QPort           uint16
	ProtocolVersion int
	ClientChallenge int32
	// Extra userinfo keys. protocol, qport and challenge are filled in.
	Userinfo string

	Logger *zap.Logger
}

type Client struct {
	params     ClientParams
	log        *zap.Logger
	serializer connectionless.MessageSerializer

	state     State
	challenge int32
	clientNum int
	serverID  int32

	netchan  *netchan.Channel
	commands *reliable.Channel

	// Last sequenced message and last server command received.
	serverMessageSequence int32
	serverCommandSequence int32

	configstrings map[int]string
	bigConfig     strings.Builder
	baselines     *snapshot.Baselines
	checksumFeed  int32

	snapshots [snapshot.PacketBackup]*snapshot.Snapshot
	latest    *snapshot.Snapshot

	serverCommands   []string
	prints           []string
	disconnectReason string
}

func CreateClient(params ClientParams) *Client {
	if params.ProtocolVersion == 0 {
		params.ProtocolVersion = protocol.DefaultVersion
	}
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	return &Client{
		params:        params,
		log:           logger.With(zap.String("handler", "client"), zap.Uint16("qport", params.QPort)),
		configstrings: make(map[int]string),
		baselines:     snapshot.NewBaselines(),
		clientNum:     -1,
	}
}

func (c *Client) State() State {
	return c.state
}

func (c *Client) ClientNum() int {
	return c.clientNum
}

func (c *Client) QPort() uint16 {
	return c.params.QPort
}

func (c *Client) ServerID() int32 {
	return c.serverID
}

func (c *Client) Configstring(index int) string {
	return c.configstrings[index]
}

func (c *Client) Baseline(number int32) snapshot.EntityState {
	return c.baselines.Get(number)
}

// Latest is the most recently decoded snapshot, or nil.
func (c *Client) Latest() *snapshot.Snapshot {
	return c.latest
}

// ServerCommands lists the server commands not handled by the client
// itself, in order.
func (c *Client) ServerCommands() []string {
	return append([]string(nil), c.serverCommands...)
}

// Prints lists the connectionless print replies received.
func (c *Client) Prints() []string {
	return append([]string(nil), c.prints...)
}

func (c *Client) DisconnectReason() string {
	return c.disconnectReason
}

func (c *Client) GetChallenge() []byte {
	c.state = StateChallenging
	return c.serializer.GetChallenge(c.params.ClientChallenge)
}

func (c *Client) Connect() ([]byte, error) {
	if c.state != StateConnecting {
		return nil, &WrongStateError{Operation: "connect", State: c.state}
	}
	userinfo := c.params.Userinfo
	for _, p := range []infostring.Pair{
		{Key: "protocol", Value: strconv.Itoa(c.params.ProtocolVersion)},
		{Key: "qport", Value: strconv.Itoa(int(c.params.QPort))},
		{Key: "challenge", Value: strconv.Itoa(int(c.challenge))},
		{Key: "clientChallenge", Value: strconv.Itoa(int(c.params.ClientChallenge))},
	} {
		var err error
		if userinfo, err = infostring.SetValueForKey(userinfo, p.Key, p.Value, infostring.MaxInfoString); err != nil {
			return nil, err
		}
	}
	return c.serializer.Connect(userinfo), nil
}

// AddCommand queues a reliable command for the next message.
func (c *Client) AddCommand(text string) error {
	if c.commands == nil {
		return &WrongStateError{Operation: "send a command", State: c.state}
	}
	return c.commands.Enqueue(text)
}

// HandlePacket processes one packet from the server.
func (c *Client) HandlePacket(packet []byte) error {
	if connectionless.IsConnectionless(packet) {
		return c.handleConnectionless(packet)
	}
	if c.netchan == nil {
		// Leftovers from an earlier connection.
		c.log.Debug("Sequenced packet while not connected", zap.Stringer("state", c.state))
		return nil
	}

	payload, ready, err := c.netchan.Process(packet)
	if err != nil || !ready {
		return err
	}
	c.serverMessageSequence = c.netchan.IncomingSequence
	return c.parseServerMessage(payload)
}

func (c *Client) handleConnectionless(packet []byte) error {
	msg, err := c.serializer.Parse(packet)
	if err != nil {
		return err
	}

	switch msg.Command {
	case connectionless.CommandChallengeResponse:
		if c.state != StateChallenging {
			return nil
		}
		if msg.ChallengeResponse.ClientChallenge != c.params.ClientChallenge {
			c.log.Debug("Challenge response for another request", zap.Int32("clientChallenge", msg.ChallengeResponse.ClientChallenge))
			return nil
		}
		c.challenge = msg.ChallengeResponse.Challenge
		c.state = StateConnecting
	case connectionless.CommandConnectResponse:
		if c.state != StateConnecting || msg.ConnectResponse.Challenge != c.challenge {
			return nil
		}
		c.clientNum = msg.ConnectResponse.ClientNum
		c.netchan = netchan.CreateChannel(netchan.ChannelParams{Role: netchan.RoleClient, QPort: c.params.QPort})
		c.commands = reliable.CreateChannel(reliable.ChannelParams{})
		c.serverMessageSequence, c.serverCommandSequence = 0, 0
		c.state = StateConnected
	case connectionless.CommandPrint:
		c.prints = append(c.prints, msg.Body)
	case connectionless.CommandDisconnect:
		if c.state >= StateConnected {
			c.disconnect("Server disconnected")
		}
	}
	return nil
}

func (c *Client) disconnect(reason string) {
	c.state = StateDisconnected
	c.disconnectReason = reason
	c.netchan = nil
	c.commands = nil
}

func (c *Client) parseServerMessage(payload []byte) error {
	r := bitmsg.NewReader("ServerMessage", payload)
	c.commands.Acknowledge(r.ReadInt32())

	for r.Err() == nil {
		op := protocol.ServerOp(r.ReadUint8())
		if r.Err() != nil {
			break
		}
		switch op {
		case protocol.SvcEOF:
			return nil
		case protocol.SvcNop:
		case protocol.SvcServerCommand:
			seq := r.ReadInt32()
			text := r.ReadString()
			if r.Err() == nil && seq > c.serverCommandSequence {
				c.serverCommandSequence = seq
				c.serverCommand(text)
				if c.state == StateDisconnected {
					return nil
				}
			}
		case protocol.SvcGamestate:
			if err := c.parseGamestate(r); err != nil {
				return err
			}
		case protocol.SvcSnapshot:
			if err := c.parseSnapshot(r); err != nil {
				return err
			}
		default:
			return &errors.InvalidEnumValue{EnumName: "ServerMessage::ServerOp", IntValue: uint8(op)}
		}
	}
	return r.Err()
}

func (c *Client) serverCommand(text string) {
	args := connectionless.Tokenize(text)
	if len(args) == 0 {
		return
	}
	index := -1
	if len(args) > 1 {
		if i, err := strconv.Atoi(args[1]); err == nil {
			index = i
		}
	}
	value := ""
	if len(args) > 2 {
		value = args[2]
	}

	switch args[0] {
	case "disconnect":
		reason := "Server disconnected"
		if len(args) > 1 {
			reason = args[1]
		}
		c.disconnect(reason)
		return
	case "cs":
		c.setConfigstring(index, value)
		return
	case "bcs0":
		c.bigConfig.Reset()
		c.bigConfig.WriteString(value)
		return
	case "bcs1":
		c.bigConfig.WriteString(value)
		return
	case "bcs2":
		c.bigConfig.WriteString(value)
		c.setConfigstring(index, c.bigConfig.String())
		c.bigConfig.Reset()
		return
	}
	c.serverCommands = append(c.serverCommands, text)
}

func (c *Client) setConfigstring(index int, value string) {
	if index < 0 || index >= protocol.MaxConfigstrings {
		c.log.Debug("Configstring index out of range", zap.Int("index", index))
		return
	}
	c.configstrings[index] = value
	if index == protocol.CSSystemInfo {
		c.systemInfoChanged()
	}
}

func (c *Client) systemInfoChanged() {
	id, err := strconv.ParseInt(infostring.ValueForKey(c.configstrings[protocol.CSSystemInfo], "sv_serverid"), 10, 32)
	if err == nil {
		c.serverID = int32(id)
	}
}

func (c *Client) parseGamestate(r *bitmsg.Reader) error {
	g, err := protocol.ReadGamestate(r)
	if err != nil {
		return err
	}
	c.serverCommandSequence = g.CommandSequence
	c.configstrings = g.Configstrings
	c.baselines.Clear()
	for _, b := range g.Baselines {
		if err := c.baselines.Set(b); err != nil {
			return err
		}
	}
	c.clientNum = int(g.ClientNum)
	c.checksumFeed = g.ChecksumFeed
	c.systemInfoChanged()

	c.snapshots = [snapshot.PacketBackup]*snapshot.Snapshot{}
	c.latest = nil
	c.state = StatePrimed
	return nil
}

func (c *Client) parseSnapshot(r *bitmsg.Reader) error {
	messageNum := c.serverMessageSequence
	h := snapshot.ReadSnapshotHeader(r)
	if r.Err() != nil {
		return r.Err()
	}

	var base *snapshot.Snapshot
	if h.DeltaNum != 0 {
		baseNum := messageNum - int32(h.DeltaNum)
		base = c.snapshots[uint32(baseNum)%snapshot.PacketBackup]
		if base == nil || base.MessageNum != baseNum {
			return &BadDeltaError{MessageNum: messageNum, DeltaNum: h.DeltaNum}
		}
	}

	snap := snapshot.ReadSnapshotBody(r, messageNum, h, base, c.baselines)
	if r.Err() != nil {
		return r.Err()
	}
	c.snapshots[uint32(messageNum)%snapshot.PacketBackup] = snap
	c.latest = snap
	return nil
}

// BuildMessage builds the next message to the server: the header, every
// unacknowledged command, and cmds when there are any and a gamestate has
// arrived. The returned packets must be sent in order.
func (c *Client) BuildMessage(cmds []usercmd.UserCmd) ([][]byte, error) {
	if c.netchan == nil {
		return nil, &WrongStateError{Operation: "build a message", State: c.state}
	}

	w := bitmsg.NewWriter(bitmsg.MaxMsgLen)
	protocol.ClientHeader{
		ServerID:            c.serverID,
		MessageAcknowledge:  c.serverMessageSequence,
		ReliableAcknowledge: c.serverCommandSequence,
	}.Write(w)

	for _, cmd := range c.commands.Outgoing() {
		w.WriteUint8(uint8(protocol.ClcClientCommand))
		w.WriteInt32(cmd.Sequence)
		w.WriteString(cmd.Text)
	}

	if len(cmds) > 0 && c.state >= StatePrimed {
		delta := c.latest != nil && c.latest.MessageNum == c.serverMessageSequence
		if err := protocol.WriteMove(w, cmds, delta); err != nil {
			return nil, err
		}
		c.state = StateActive
	}
	w.WriteUint8(uint8(protocol.ClcEOF))
	if err := w.OverflowError("ClientMessage"); err != nil {
		return nil, err
	}

	first, err := c.netchan.Send(0, w.Bytes())
	if err != nil {
		return nil, err
	}
	packets := [][]byte{first}
	for c.netchan.Pending() {
		packets = append(packets, c.netchan.NextPacket(0))
	}
	return packets, nil
}
