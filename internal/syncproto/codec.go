// Package syncproto implements the framed binary protocol spoken between sync
// clients and the server.
//
// Every field is either a single byte or a 4-byte little-endian length followed
// by that many raw bytes. No frame carries a delimiter, so the decoder alone
// decides how many bytes each field consumes. The same body encoding is used in
// both directions.
package syncproto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"syscall"

	"github.com/openmined/dirsync/internal/syncmsg"
)

const (
	// MaxPathLength bounds a single path field.
	MaxPathLength = 4096
	// MaxFileSize bounds a single file payload.
	MaxFileSize = 1 << 30

	// fields up to this size are allocated in one go; larger ones grow with
	// the bytes actually received
	preallocLimit = 64 << 10

	flagNoIdentifier  byte = 0
	flagHasIdentifier byte = 1

	// endOfTree terminates a PullAll response stream.
	endOfTree byte = 0x00
	// invalidIdentifier is the signed -1 the server sends before closing.
	invalidIdentifier byte = 0xFF
)

var (
	ErrPeerClosed        = errors.New("peer closed")
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrFrameTooLarge     = errors.New("frame too large")
	ErrUnknownCommand    = errors.New("unknown command")
	ErrMalformed         = errors.New("malformed frame")
)

// Handshake is the prefix of every client request.
type Handshake struct {
	HasIdentifier bool
	Identifier    syncmsg.Identifier
	Command       syncmsg.Command
}

// AppendHello appends the prefix a client sends to ask for a new group.
func AppendHello(dst []byte) []byte {
	return append(dst, flagNoIdentifier)
}

// AppendRequest appends a handshake prefix carrying id and cmd.
func AppendRequest(dst []byte, id syncmsg.Identifier, cmd syncmsg.Command) []byte {
	dst = append(dst, flagHasIdentifier)
	dst = append(dst, id...)
	return append(dst, byte(cmd))
}

// EncodeRequest returns the full request for a mutation: handshake prefix,
// command byte and body.
func EncodeRequest(id syncmsg.Identifier, c *syncmsg.Change) []byte {
	buf := make([]byte, 0, 1+syncmsg.IdentifierSize+frameSize(c))
	buf = AppendRequest(buf, id, c.Command)
	return AppendBody(buf, c)
}

// ReadHandshake decodes a handshake prefix. The command is only read when the
// identifier flag is set.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	flag, err := readByte(r)
	if err != nil {
		return nil, err
	}

	switch flag {
	case flagNoIdentifier:
		return &Handshake{}, nil
	case flagHasIdentifier:
	default:
		return nil, fmt.Errorf("%w: identifier flag %d", ErrMalformed, flag)
	}

	raw, err := readN(r, syncmsg.IdentifierSize)
	if err != nil {
		return nil, err
	}
	cmd, err := readByte(r)
	if err != nil {
		return nil, err
	}

	return &Handshake{
		HasIdentifier: true,
		Identifier:    syncmsg.Identifier(raw),
		Command:       syncmsg.Command(cmd),
	}, nil
}

// ReadIdentifier reads the identifier the server issues in reply to a hello.
func ReadIdentifier(r io.Reader) (syncmsg.Identifier, error) {
	raw, err := readN(r, syncmsg.IdentifierSize)
	if err != nil {
		return "", err
	}
	id := syncmsg.Identifier(raw)
	if !id.Valid() {
		return "", fmt.Errorf("%w: server issued a malformed identifier", ErrMalformed)
	}
	return id, nil
}

// WriteIdentifier writes the identifier issued in reply to a hello.
func WriteIdentifier(w io.Writer, id syncmsg.Identifier) error {
	if len(id) != syncmsg.IdentifierSize {
		return fmt.Errorf("%w: identifier is %d bytes", ErrMalformed, len(id))
	}
	_, err := io.WriteString(w, string(id))
	return err
}

// AppendBody appends the command-specific body of c (without the command byte).
func AppendBody(dst []byte, c *syncmsg.Change) []byte {
	dst = append(dst, boolByte(c.IsDir))
	dst = appendField(dst, []byte(c.Path))

	switch c.Command {
	case syncmsg.CmdMove:
		dst = appendField(dst, []byte(c.Dest))
	case syncmsg.CmdCreate, syncmsg.CmdModify:
		if c.HasContent() {
			dst = appendField(dst, c.Content)
		}
	}
	return dst
}

// AppendCommand appends the command byte followed by the body of c. This is
// the shape of every entry in PullAll and PullUpdates responses.
func AppendCommand(dst []byte, c *syncmsg.Change) []byte {
	dst = append(dst, byte(c.Command))
	return AppendBody(dst, c)
}

// ReadBody decodes the body of a mutation command.
func ReadBody(r io.Reader, cmd syncmsg.Command) (*syncmsg.Change, error) {
	if !cmd.IsMutation() {
		return nil, fmt.Errorf("%w: %s has no body", ErrUnknownCommand, cmd)
	}

	flag, err := readByte(r)
	if err != nil {
		return nil, err
	}
	c := &syncmsg.Change{Command: cmd, IsDir: flag != 0}

	if c.Path, err = readPath(r); err != nil {
		return nil, err
	}

	switch cmd {
	case syncmsg.CmdMove:
		if c.Dest, err = readPath(r); err != nil {
			return nil, err
		}
	case syncmsg.CmdCreate, syncmsg.CmdModify:
		if c.HasContent() {
			if c.Content, err = readField(r, MaxFileSize); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

// ReadCommand reads a single command byte. The invalid identifier signal is
// reported as ErrInvalidIdentifier; any other byte is returned unchecked so
// that callers can recognise stream terminators.
func ReadCommand(r io.Reader) (syncmsg.Command, error) {
	b, err := readByte(r)
	if err != nil {
		return 0, err
	}
	if b == invalidIdentifier {
		return 0, ErrInvalidIdentifier
	}
	return syncmsg.Command(b), nil
}

// ReadChange reads a command byte and its body.
func ReadChange(r io.Reader) (*syncmsg.Change, error) {
	cmd, err := ReadCommand(r)
	if err != nil {
		return nil, err
	}
	if !cmd.IsMutation() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd)
	}
	return ReadBody(r, cmd)
}

// AppendCount appends the PullUpdates header.
func AppendCount(dst []byte, n int) []byte {
	return binary.LittleEndian.AppendUint32(dst, uint32(n))
}

// ReadCount reads the PullUpdates header. A lone invalid identifier byte
// followed by a close is reported as ErrInvalidIdentifier.
func ReadCount(r io.Reader) (int, error) {
	var buf [4]byte
	n, err := io.ReadFull(r, buf[:])
	if err != nil {
		if n == 1 && buf[0] == invalidIdentifier && isEOF(err) {
			return 0, ErrInvalidIdentifier
		}
		return 0, wrapRead(err)
	}
	return int(binary.LittleEndian.Uint32(buf[:])), nil
}

// AppendEndOfTree appends the PullAll terminator.
func AppendEndOfTree(dst []byte) []byte {
	return append(dst, endOfTree)
}

// WriteInvalidIdentifier writes the rejection signal.
func WriteInvalidIdentifier(w io.Writer) error {
	_, err := w.Write([]byte{invalidIdentifier})
	return err
}

// NormalizePath converts a wire path to the canonical forward-slash form.
func NormalizePath(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

func frameSize(c *syncmsg.Change) int {
	n := 1 + 1 + 4 + len(c.Path)
	if c.Command == syncmsg.CmdMove {
		n += 4 + len(c.Dest)
	}
	if c.HasContent() {
		n += 4 + len(c.Content)
	}
	return n
}

func appendField(dst, field []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(field)))
	return append(dst, field...)
}

func readPath(r io.Reader) (string, error) {
	raw, err := readField(r, MaxPathLength)
	if err != nil {
		return "", err
	}
	return NormalizePath(string(raw)), nil
}

func readField(r io.Reader, limit uint32) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, wrapRead(err)
	}
	size := binary.LittleEndian.Uint32(hdr[:])
	if size > limit {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrFrameTooLarge, size, limit)
	}
	if size <= preallocLimit {
		return readN(r, int(size))
	}

	var buf bytes.Buffer
	buf.Grow(preallocLimit)
	if _, err := io.CopyN(&buf, r, int64(size)); err != nil {
		return nil, wrapRead(err)
	}
	return buf.Bytes(), nil
}

func readByte(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, wrapRead(err)
	}
	return b[0], nil
}

func readN(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, wrapRead(err)
	}
	return buf, nil
}

func wrapRead(err error) error {
	if isEOF(err) {
		return ErrPeerClosed
	}
	return err
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
