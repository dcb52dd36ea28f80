// Package connectionless parses and builds the out of band text packets used
// before a client owns a connection slot: challenge, connect, info and status
// queries, rcon, and the server's responses to them.
package connectionless

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/sessamekesh/spanreed-snapserver/pkg/errors"
	"github.com/sessamekesh/spanreed-snapserver/pkg/infostring"
)

// Marker prefixes every connectionless packet. Sequenced packets can never
// carry it because their sequence number stays positive.
const Marker uint32 = 0xFFFFFFFF

const MaxTokens = 1024

type Command string

const (
	CommandGetChallenge      Command = "getchallenge"
	CommandConnect           Command = "connect"
	CommandGetInfo           Command = "getinfo"
	CommandGetStatus         Command = "getstatus"
	CommandRcon              Command = "rcon"
	CommandChallengeResponse Command = "challengeResponse"
	CommandConnectResponse   Command = "connectResponse"
	CommandPrint             Command = "print"
	CommandDisconnect        Command = "disconnect"
	CommandInfoResponse      Command = "infoResponse"
	CommandStatusResponse    Command = "statusResponse"
)

// Commands whose payload is the text following the first newline.
var bodyCommands = map[Command]bool{
	CommandPrint:          true,
	CommandInfoResponse:   true,
	CommandStatusResponse: true,
}

type GetChallenge struct {
	ClientChallenge int32
}

type Connect struct {
	Userinfo        string
	Protocol        int
	QPort           uint16
	Challenge       int32
	ClientChallenge int32
}

type Rcon struct {
	Password string
	Command  string
}

type ChallengeResponse struct {
	Challenge       int32
	ClientChallenge int32
	Protocol        int
}

type ConnectResponse struct {
	Challenge int32
	ClientNum int
}

type Message struct {
	Command Command
	Args    []string
	Body    string

	GetChallenge      *GetChallenge
	Connect           *Connect
	Rcon              *Rcon
	ChallengeResponse *ChallengeResponse
	ConnectResponse   *ConnectResponse
}

// Arg returns argument i (the command itself is argument 0) or "".
func (m *Message) Arg(i int) string {
	if i < 0 || i >= len(m.Args) {
		return ""
	}
	return m.Args[i]
}

type NotConnectionlessError struct{}

func (e *NotConnectionlessError) Error() string {
	return "Packet does not carry the connectionless marker"
}

func IsConnectionless(packet []byte) bool {
	return len(packet) >= 4 && binary.LittleEndian.Uint32(packet[0:4]) == Marker
}

type token struct {
	text string
	end  int
}

func tokenize(text string) []token {
	tokens := []token{}
	i := 0
	for i < len(text) && len(tokens) < MaxTokens {
		for i < len(text) && text[i] <= ' ' {
			i++
		}
		if i >= len(text) {
			break
		}

		if text[i] == '"' {
			i++
			start := i
			for i < len(text) && text[i] != '"' {
				i++
			}
			tokens = append(tokens, token{text: text[start:i], end: min(i+1, len(text))})
			i++
			continue
		}

		start := i
		for i < len(text) && text[i] > ' ' {
			i++
		}
		tokens = append(tokens, token{text: text[start:i], end: i})
	}
	return tokens
}

// Tokenize splits a command line on whitespace, honoring double quotes.
func Tokenize(text string) []string {
	tokens := tokenize(text)
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = t.text
	}
	return out
}

// Remainder returns the raw text following the first n tokens.
func Remainder(text string, n int) string {
	tokens := tokenize(text)
	if n <= 0 {
		return strings.TrimSpace(text)
	}
	if n > len(tokens) {
		return ""
	}
	return strings.TrimSpace(text[tokens[n-1].end:])
}

func atoi32(s string) int32 {
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0
	}
	return int32(v)
}

func atoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}

type MessageSerializer struct{}

// Parse decodes a connectionless packet. Unknown commands still parse, with
// only Command and Args set.
func (s MessageSerializer) Parse(packet []byte) (*Message, error) {
	if len(packet) < 4 {
		return nil, &errors.Underflow{
			MessageName: "Connectionless",
			MsgSize:     len(packet),
			MinimumSize: 5,
		}
	}
	if !IsConnectionless(packet) {
		return nil, &NotConnectionlessError{}
	}

	text := strings.TrimRight(string(packet[4:]), "\x00")
	if text == "" {
		return nil, &errors.MissingFieldError{MessageName: "Connectionless", FieldName: "command"}
	}

	firstLine, body, hasBody := strings.Cut(text, "\n")
	if hasBody {
		if cmd := Command(strings.TrimSpace(firstLine)); bodyCommands[cmd] {
			return &Message{
				Command: cmd,
				Args:    []string{string(cmd)},
				Body:    body,
			}, nil
		}
	}

	args := Tokenize(text)
	if len(args) == 0 {
		return nil, &errors.MissingFieldError{MessageName: "Connectionless", FieldName: "command"}
	}

	msg := &Message{
		Command: Command(args[0]),
		Args:    args,
	}

	switch {
	case strings.EqualFold(args[0], string(CommandGetChallenge)):
		msg.Command = CommandGetChallenge
		msg.GetChallenge = &GetChallenge{ClientChallenge: atoi32(msg.Arg(1))}
	case strings.EqualFold(args[0], string(CommandConnect)):
		msg.Command = CommandConnect
		if len(args) < 2 {
			return nil, &errors.MissingFieldError{MessageName: "Connect", FieldName: "userinfo"}
		}
		msg.Connect = parseConnect(args[1])
	case strings.EqualFold(args[0], string(CommandGetInfo)):
		msg.Command = CommandGetInfo
	case strings.EqualFold(args[0], string(CommandGetStatus)):
		msg.Command = CommandGetStatus
	case strings.EqualFold(args[0], string(CommandRcon)):
		msg.Command = CommandRcon
		msg.Rcon = &Rcon{
			Password: msg.Arg(1),
			Command:  Remainder(text, 2),
		}
	case args[0] == string(CommandChallengeResponse):
		if len(args) < 2 {
			return nil, &errors.MissingFieldError{MessageName: "ChallengeResponse", FieldName: "challenge"}
		}
		msg.ChallengeResponse = &ChallengeResponse{
			Challenge:       atoi32(msg.Arg(1)),
			ClientChallenge: atoi32(msg.Arg(2)),
			Protocol:        atoi(msg.Arg(3)),
		}
	case args[0] == string(CommandConnectResponse):
		msg.ConnectResponse = &ConnectResponse{
			Challenge: atoi32(msg.Arg(1)),
			ClientNum: atoi(msg.Arg(2)),
		}
	case args[0] == string(CommandPrint):
		msg.Body = Remainder(text, 1)
	}

	return msg, nil
}

func parseConnect(userinfo string) *Connect {
	qport, err := strconv.ParseUint(infostring.ValueForKey(userinfo, "qport"), 10, 16)
	if err != nil {
		qport = 0
	}
	return &Connect{
		Userinfo:        userinfo,
		Protocol:        atoi(infostring.ValueForKey(userinfo, "protocol")),
		QPort:           uint16(qport),
		Challenge:       atoi32(infostring.ValueForKey(userinfo, "challenge")),
		ClientChallenge: atoi32(infostring.ValueForKey(userinfo, "clientChallenge")),
	}
}

func build(text string) []byte {
	buf := make([]byte, 4+len(text))
	binary.LittleEndian.PutUint32(buf[0:4], Marker)
	copy(buf[4:], text)
	return buf
}

func (s MessageSerializer) GetChallenge(clientChallenge int32) []byte {
	return build(fmt.Sprintf("%s %d", CommandGetChallenge, clientChallenge))
}

func (s MessageSerializer) Connect(userinfo string) []byte {
	return build(fmt.Sprintf("%s \"%s\"", CommandConnect, userinfo))
}

func (s MessageSerializer) GetInfo(token string) []byte {
	return build(fmt.Sprintf("%s %s", CommandGetInfo, token))
}

func (s MessageSerializer) GetStatus(token string) []byte {
	return build(fmt.Sprintf("%s %s", CommandGetStatus, token))
}

func (s MessageSerializer) Rcon(password, command string) []byte {
	return build(fmt.Sprintf("%s %s %s", CommandRcon, password, command))
}

func (s MessageSerializer) ChallengeResponse(challenge, clientChallenge int32, protocol int) []byte {
	return build(fmt.Sprintf("%s %d %d %d", CommandChallengeResponse, challenge, clientChallenge, protocol))
}

func (s MessageSerializer) ConnectResponse(challenge int32, clientNum int) []byte {
	return build(fmt.Sprintf("%s %d %d", CommandConnectResponse, challenge, clientNum))
}

func (s MessageSerializer) Print(text string) []byte {
	return build(fmt.Sprintf("%s\n%s", CommandPrint, text))
}

func (s MessageSerializer) Disconnect() []byte {
	return build(string(CommandDisconnect))
}

func (s MessageSerializer) InfoResponse(info string) []byte {
	return build(fmt.Sprintf("%s\n%s", CommandInfoResponse, info))
}

func (s MessageSerializer) StatusResponse(info string, players []string) []byte {
	var sb strings.Builder
	sb.WriteString(string(CommandStatusResponse))
	sb.WriteString("\n")
	sb.WriteString(info)
	sb.WriteString("\n")
	for _, p := range players {
		sb.WriteString(p)
		sb.WriteString("\n")
	}
	return build(sb.String())
}
