// Package wire implements the §6.2 packet protocol between a client and
// the serving layer: one packet per line, tag byte + payload, the whole
// thing uppercase-hex-encoded. It carries no knowledge of SQL or the
// storage engine — just framing.
package wire

import (
	"bufio"
	"encoding/hex"
	"io"
	"strings"

	"github.com/cuemby/warrendb/internal/dberr"
)

// Packet tags.
const (
	TagData  byte = 0x00
	TagError byte = 0x01
)

// Packet is one framed message: a tag plus its UTF-8 payload.
type Packet struct {
	Tag     byte
	Payload string
}

// DataPacket builds an ordinary data packet.
func DataPacket(payload string) Packet { return Packet{Tag: TagData, Payload: payload} }

// ErrorPacket builds an error packet from a message.
func ErrorPacket(msg string) Packet { return Packet{Tag: TagError, Payload: msg} }

// Conn wraps a line-oriented read/write pair with the hex packet codec.
type Conn struct {
	r *bufio.Reader
	w io.Writer
}

// NewConn wraps rw for packet framing.
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{r: bufio.NewReader(rw), w: rw}
}

// ReadPacket reads one hex-encoded line and decodes it into a Packet.
func (c *Conn) ReadPacket() (Packet, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return Packet{}, err
	}
	line = strings.TrimRight(line, "\r\n")
	raw, err := hex.DecodeString(line)
	if err != nil {
		return Packet{}, dberr.Wrapf(dberr.InvalidPkgData, err, "decode hex packet")
	}
	if len(raw) < 1 {
		return Packet{}, dberr.New(dberr.InvalidPkgData, "empty packet")
	}
	return Packet{Tag: raw[0], Payload: string(raw[1:])}, nil
}

// WritePacket hex-encodes p and writes it as one terminated line.
func (c *Conn) WritePacket(p Packet) error {
	raw := make([]byte, 1+len(p.Payload))
	raw[0] = p.Tag
	copy(raw[1:], p.Payload)
	line := strings.ToUpper(hex.EncodeToString(raw)) + "\n"
	_, err := io.WriteString(c.w, line)
	if err != nil {
		return dberr.Wrapf(dberr.InvalidPkgData, err, "write packet")
	}
	return nil
}
