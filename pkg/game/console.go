package game

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sessamekesh/spanreed-snapserver/pkg/message/connectionless"
	"github.com/sessamekesh/spanreed-snapserver/pkg/netadr"
	"go.uber.org/zap"
)

// Console is an Operator that understands a handful of admin commands:
//
//	status
//	kick <clientNum> [reason]
//	ban <ip> [minutes]
//	say <text>
type Console struct {
	log *zap.Logger

	mut_admin sync.RWMutex
	admin     Admin
}

func CreateConsole(logger *zap.Logger) *Console {
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	return &Console{log: logger.With(zap.String("component", "console"))}
}

// Attach binds the console to the server it administers.
func (c *Console) Attach(admin Admin) {
	c.mut_admin.Lock()
	defer c.mut_admin.Unlock()
	c.admin = admin
}

func (c *Console) Execute(from netadr.Address, command string) string {
	c.mut_admin.RLock()
	admin := c.admin
	c.mut_admin.RUnlock()

	if admin == nil {
		return "Console is not attached to a server\n"
	}

	args := connectionless.Tokenize(command)
	if len(args) == 0 {
		return ""
	}
	c.log.Info("Remote command", zap.Stringer("from", from), zap.String("command", command))

	switch strings.ToLower(args[0]) {
	case "status":
		return admin.Status()
	case "kick":
		if len(args) < 2 {
			return "usage: kick <clientNum> [reason]\n"
		}
		clientNum, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Sprintf("Bad client number %q\n", args[1])
		}
		reason := "was kicked"
		if len(args) > 2 {
			reason = connectionless.Remainder(command, 2)
		}
		if err := admin.Kick(clientNum, reason); err != nil {
			return err.Error() + "\n"
		}
		return fmt.Sprintf("Kicked client %d\n", clientNum)
	case "ban":
		if len(args) < 2 {
			return "usage: ban <ip> [minutes]\n"
		}
		d := time.Duration(0)
		if len(args) > 2 {
			minutes, err := strconv.Atoi(args[2])
			if err != nil || minutes < 0 {
				return fmt.Sprintf("Bad duration %q\n", args[2])
			}
			d = time.Duration(minutes) * time.Minute
		}
		if err := admin.Ban(args[1], d); err != nil {
			return err.Error() + "\n"
		}
		return fmt.Sprintf("Banned %s\n", args[1])
	case "say":
		admin.Broadcast("console: " + connectionless.Remainder(command, 1))
		return ""
	}
	return fmt.Sprintf("Unknown command %q\n", args[0])
}
