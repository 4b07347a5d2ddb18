package main

import (
	"bytes"
	"fmt"
	"strings"
)

// Field widths of the product display command: 4 lines x 20 columns for the
// name, one line of 20 columns for the price.
const (
	nameFieldWidth  = 80
	priceFieldWidth = 20
	msgLineWidth    = 20

	// Hardware limit of the G2 terminal with audio firmware.
	maxImageBytes = 124 * 1024

	// Separates the image header from the raw payload.
	etb = 0x17
)

// Cmd enumerates the commands the hub can send to a Gertec terminal.
type Cmd uint8

const (
	cmdProduct Cmd = iota
	cmdNotFound
	cmdMessage
	cmdMACQuery
	cmdImage
	cmdRemoteConfig
)

// TermReq holds the parameters of an outbound terminal command.
type TermReq struct {
	Cmd   Cmd
	Name  string
	Price string

	// cmdMessage
	Line1   string
	Line2   string
	Seconds int

	// cmdImage
	ImageIndex int
	Loops      int
	Duration   int
	Image      []byte

	// cmdRemoteConfig
	Gateway      string
	ServerNames  string
	TerminalName string
}

// RespKind classifies an inbound buffer from the terminal.
type RespKind uint8

const (
	respBarcode RespKind = iota
	respMAC
	respImageOK
	respImageError
	respAck
	respEmpty
	respUnknown
)

// TermResp is one decoded inbound frame.
type TermResp struct {
	Kind    RespKind
	Barcode string
	Raw     []byte
}

// Reply prefixes the terminal can send. Anything else starting with '#' is a
// barcode scan notification.
var replyPrefixes = []string{
	"#macaddr",
	"#gif_ok",
	"#img_error",
	"#nfound",
	"#mesg",
	"#rupdconfig_ok",
	"#rupdconfig",
	"#playaudio",
	"#audioconfig",
	"#raudioconfig",
}

// gertecCodec encodes and decodes the Gertec price-checker command set.
type gertecCodec struct {
	buf bytes.Buffer
}

func newGertecCodec() *gertecCodec {
	return &gertecCodec{}
}

// padField cleans s of characters the protocol reserves and returns it
// space-padded or truncated to exactly width bytes.
func padField(s string, width int, strip string) string {
	for _, c := range strip {
		s = strings.ReplaceAll(s, string(c), " ")
	}
	if len(s) > width {
		return s[:width]
	}
	return s + strings.Repeat(" ", width-len(s))
}

// stripField removes the characters in strip from s and truncates to width.
func stripField(s string, width int, strip string) string {
	for _, c := range strip {
		s = strings.ReplaceAll(s, string(c), "")
	}
	if len(s) > width {
		return s[:width]
	}
	return s
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// GenerateTermReq encodes r into the exact byte layout the terminal expects.
// The returned slice is only valid until the next call.
func (c *gertecCodec) GenerateTermReq(r TermReq) ([]byte, error) {
	c.buf.Reset()
	switch r.Cmd {
	case cmdProduct:
		// '#' + name (80 bytes) + '|' + price (20 bytes). Newlines and the
		// field separator are not representable in the name; '#' is reserved
		// and gets dropped from the price.
		c.buf.WriteByte('#')
		c.buf.WriteString(padField(r.Name, nameFieldWidth, "\n\r|"))
		c.buf.WriteByte('|')
		price := stripField(r.Price, priceFieldWidth, "#")
		c.buf.WriteString(padField(price, priceFieldWidth, ""))
	case cmdNotFound:
		c.buf.WriteString("#nfound")
	case cmdMessage:
		l1 := r.Line1
		if len(l1) > msgLineWidth {
			l1 = l1[:msgLineWidth]
		}
		l2 := r.Line2
		if len(l2) > msgLineWidth {
			l2 = l2[:msgLineWidth]
		}
		c.buf.WriteString("#mesg")
		c.buf.WriteByte(byte(len(l1) + 48))
		c.buf.WriteString(l1)
		c.buf.WriteByte(byte(len(l2) + 48))
		c.buf.WriteString(l2)
		c.buf.WriteByte(byte(clamp(r.Seconds, 0, 99) + 48))
		c.buf.WriteByte(48) // reserved
	case cmdMACQuery:
		c.buf.WriteString("#macaddr?")
	case cmdImage:
		if len(r.Image) > maxImageBytes {
			return nil, fmt.Errorf("image of %d bytes exceeds the %d byte terminal limit",
				len(r.Image), maxImageBytes)
		}
		// Header fields are hex in ASCII. Index 00 displays immediately,
		// 01-FE enters the loop, FF resets the image store.
		c.buf.WriteString("#gif")
		fmt.Fprintf(&c.buf, "%02X", clamp(r.ImageIndex, 0, 0xFE))
		fmt.Fprintf(&c.buf, "%02X", clamp(r.Loops, 0, 0xFF))
		fmt.Fprintf(&c.buf, "%02X", clamp(r.Duration, 0, 0xFF))
		fmt.Fprintf(&c.buf, "%06X", len(r.Image))
		// Checksum verification is optional on the terminal; the vendor
		// documentation recommends sending the zero value.
		c.buf.WriteString("0000")
		c.buf.WriteByte(etb)
		c.buf.Write(r.Image)
	case cmdRemoteConfig:
		c.buf.WriteString("#rupdconfig")
		for _, f := range []string{r.Gateway, r.ServerNames, r.TerminalName} {
			c.buf.WriteByte(byte(len(f) + 48))
			c.buf.WriteString(f)
		}
		// Audio, DHCP and firmware blocks are not supported by this hub.
		for i := 0; i < 3; i++ {
			c.buf.WriteByte(61)
			c.buf.WriteString("Não suportado")
		}
	default:
		return nil, fmt.Errorf("unknown terminal command %d", r.Cmd)
	}
	return c.buf.Bytes(), nil
}

// ParseTermResp classifies an inbound buffer. Any '#'-prefixed buffer that
// does not match a known reply prefix is a barcode scan: the payload is the
// remainder with trailing NUL/CR/LF/space trimmed.
func ParseTermResp(msg []byte) TermResp {
	if len(msg) == 0 {
		return TermResp{Kind: respEmpty}
	}
	if msg[0] != '#' {
		return TermResp{Kind: respUnknown, Raw: msg}
	}
	s := string(msg)
	for _, p := range replyPrefixes {
		if strings.HasPrefix(s, p) {
			switch p {
			case "#macaddr":
				return TermResp{Kind: respMAC, Raw: msg}
			case "#gif_ok":
				return TermResp{Kind: respImageOK, Raw: msg}
			case "#img_error":
				return TermResp{Kind: respImageError, Raw: msg}
			}
			return TermResp{Kind: respAck, Raw: msg}
		}
	}
	barcode := strings.TrimRight(s[1:], "\x00\r\n ")
	if barcode == "" {
		return TermResp{Kind: respEmpty}
	}
	return TermResp{Kind: respBarcode, Barcode: barcode, Raw: msg}
}

// parseMACResp extracts the MAC address from a "#macaddr" reply. The byte
// after the prefix is the interface id, the next one the address length,
// both as char-48; the address itself follows.
// Ex: #macaddr0A00:1D:5B:00:65:A8 -> interface 0, "00:1D:5B:00:65:A8"
func parseMACResp(msg []byte) (iface int, mac string, err error) {
	s := string(msg)
	if !strings.HasPrefix(s, "#macaddr") || len(s) < 10 {
		return 0, "", fmt.Errorf("cannot parse MAC reply: %q", msg)
	}
	iface = int(s[8] - 48)
	n := int(s[9] - 48)
	rest := s[10:]
	if n > len(rest) {
		n = len(rest)
	}
	if n <= 0 {
		return 0, "", fmt.Errorf("MAC reply with empty address: %q", msg)
	}
	return iface, rest[:n], nil
}

// decodeProduct splits an encoded product display frame back into its name
// and price fields, with the padding trimmed.
func decodeProduct(frame []byte) (name, price string, ok bool) {
	if len(frame) != 1+nameFieldWidth+1+priceFieldWidth || frame[0] != '#' ||
		frame[1+nameFieldWidth] != '|' {
		return "", "", false
	}
	name = strings.TrimRight(string(frame[1:1+nameFieldWidth]), " ")
	price = strings.TrimRight(string(frame[2+nameFieldWidth:]), " ")
	return name, price, true
}
