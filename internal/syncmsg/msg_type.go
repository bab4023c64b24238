package syncmsg

import "fmt"

// Command is the one-byte opcode that prefixes every request and every
// change frame sent back by the server.
type Command uint8

const (
	CmdCreate      Command = 1
	CmdDelete      Command = 2
	CmdModify      Command = 3
	CmdMove        Command = 4
	CmdPullAll     Command = 5
	CmdPullUpdates Command = 6
)

func (c Command) String() string {
	switch c {
	case CmdCreate:
		return "CREATE"
	case CmdDelete:
		return "DELETE"
	case CmdModify:
		return "MODIFY"
	case CmdMove:
		return "MOVE"
	case CmdPullAll:
		return "PULL_ALL"
	case CmdPullUpdates:
		return "PULL_UPDATES"
	default:
		return fmt.Sprintf("???(%d)", uint8(c))
	}
}

// IsMutation reports whether the command carries a tree change body.
func (c Command) IsMutation() bool {
	return c >= CmdCreate && c <= CmdMove
}

// Valid reports whether c is a known command.
func (c Command) Valid() bool {
	return c >= CmdCreate && c <= CmdPullUpdates
}
