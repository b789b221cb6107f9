package irc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"strings"
)

const ctcpDelim = "\x01"

var (
	ErrNotDCCSend     = errors.New("irc: not a DCC SEND request")
	ErrInvalidOffer   = errors.New("irc: invalid DCC offer")
	ErrPassiveDCC     = errors.New("irc: passive DCC is not supported")
	ErrShortTransfer  = errors.New("irc: transfer ended before announced size")
	errUnsafeFilename = errors.New("unusable filename")
)

// DCCSend is a decoded "DCC SEND" CTCP request.
type DCCSend struct {
	Filename string
	IP       net.IP
	Port     int
	Size     int64 // zero when the sender did not announce it
}

// IsCTCP reports whether text is a CTCP-quoted message.
func IsCTCP(text string) bool {
	return strings.HasPrefix(text, ctcpDelim)
}

// ParseDCCSend decodes "DCC SEND <file> <ip> <port> [size]". The CTCP
// delimiters and the DCC keyword are optional so callers may pass either
// the raw PRIVMSG text or an already decoded CTCP payload.
func ParseDCCSend(text string) (DCCSend, error) {
	s := strings.Trim(text, ctcpDelim+" ")
	if rest, ok := cutPrefixFold(s, "DCC "); ok {
		s = strings.TrimLeft(rest, " ")
	}
	rest, ok := cutPrefixFold(s, "SEND ")
	if !ok {
		return DCCSend{}, ErrNotDCCSend
	}
	rest = strings.TrimLeft(rest, " ")

	var name string
	if strings.HasPrefix(rest, `"`) {
		end := strings.Index(rest[1:], `"`)
		if end < 0 {
			return DCCSend{}, fmt.Errorf("%w: unterminated quoted filename", ErrInvalidOffer)
		}
		name = rest[1 : end+1]
		rest = rest[end+2:]
	} else {
		var found bool
		name, rest, found = strings.Cut(rest, " ")
		if !found {
			return DCCSend{}, fmt.Errorf("%w: missing address", ErrInvalidOffer)
		}
	}

	fields := strings.Fields(rest)
	if len(fields) < 2 {
		return DCCSend{}, fmt.Errorf("%w: missing address or port", ErrInvalidOffer)
	}

	ip, err := parseDCCAddr(fields[0])
	if err != nil {
		return DCCSend{}, fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}
	port, err := strconv.Atoi(fields[1])
	if err != nil || port < 0 || port > 65535 {
		return DCCSend{}, fmt.Errorf("%w: bad port %q", ErrInvalidOffer, fields[1])
	}
	if port == 0 {
		return DCCSend{}, ErrPassiveDCC
	}

	var size int64
	if len(fields) > 2 {
		size, err = strconv.ParseInt(fields[2], 10, 64)
		if err != nil || size < 0 {
			return DCCSend{}, fmt.Errorf("%w: bad size %q", ErrInvalidOffer, fields[2])
		}
	}

	if _, err := SafeFilename(name); err != nil {
		return DCCSend{}, fmt.Errorf("%w: %v", ErrInvalidOffer, err)
	}

	return DCCSend{Filename: name, IP: ip, Port: port, Size: size}, nil
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return s, false
}

// parseDCCAddr accepts the classic 32-bit integer form as well as dotted
// IPv4 and IPv6 literals.
func parseDCCAddr(s string) (net.IP, error) {
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		ip := make(net.IP, 4)
		binary.BigEndian.PutUint32(ip, uint32(n))
		return ip, nil
	}
	if ip := net.ParseIP(s); ip != nil {
		return ip, nil
	}
	return nil, fmt.Errorf("bad address %q", s)
}

// SafeFilename reduces a remote filename to a single path element made of
// letters, digits, '.', '-' and '_'.
func SafeFilename(raw string) (string, error) {
	base := filepath.Base(strings.ReplaceAll(raw, `\`, "/"))
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := b.String()
	if name == "" || name == "." || name == ".." || strings.Trim(name, "_") == "" {
		return "", fmt.Errorf("%w: %q", errUnsafeFilename, raw)
	}
	return name, nil
}

// Addr returns the sender's host:port.
func (d DCCSend) Addr() string {
	return net.JoinHostPort(d.IP.String(), strconv.Itoa(d.Port))
}

// Offer turns the request into an Offer whose Accept receives the file.
func (d DCCSend) Offer(sender string) Offer {
	safe, _ := SafeFilename(d.Filename)
	addr := d.Addr()
	size := d.Size
	return Offer{
		SafeFilename: safe,
		RawFilename:  d.Filename,
		Sender:       sender,
		Addr:         addr,
		Size:         size,
		accept: func(ctx context.Context, w io.Writer) (int64, error) {
			return Receive(ctx, addr, size, w)
		},
	}
}

// Receive connects to a DCC sender at addr and copies the file into w,
// acknowledging received bytes as the protocol requires. With size zero it
// reads until the sender closes the connection.
func Receive(ctx context.Context, addr string, size int64, w io.Writer) (int64, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("dialing %s: %w", addr, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	buf := make([]byte, 32*1024)
	ack := make([]byte, 4)
	var total int64
	for size <= 0 || total < size {
		n, rerr := conn.Read(buf)
		if size > 0 && int64(n) > size-total {
			// Bytes past the announced size are not part of the file.
			n = int(size - total)
		}
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return total, fmt.Errorf("writing transfer: %w", err)
			}
			total += int64(n)
			binary.BigEndian.PutUint32(ack, uint32(total))
			if _, err := conn.Write(ack); err != nil && size > 0 && total < size {
				return total, fmt.Errorf("acknowledging transfer: %w", err)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			return total, fmt.Errorf("reading transfer: %w", rerr)
		}
	}

	if size > 0 && total < size {
		return total, fmt.Errorf("%w: got %d of %d bytes", ErrShortTransfer, total, size)
	}
	return total, nil
}
