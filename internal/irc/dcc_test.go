package irc

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDCCSend(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		wantFile string
		wantIP   string
		wantPort int
		wantSize int64
	}{
		{"integer address", "\x01DCC SEND dune.epub 3232235777 5000 1234\x01", "dune.epub", "192.168.1.1", 5000, 1234},
		{"dotted address", "\x01DCC SEND dune.epub 10.0.0.7 5001\x01", "dune.epub", "10.0.0.7", 5001, 0},
		{"quoted filename", "\x01DCC SEND \"Frank Herbert - Dune.epub\" 2130706433 6000 42\x01", "Frank Herbert - Dune.epub", "127.0.0.1", 6000, 42},
		{"decoded payload", "SEND dune.epub 2130706433 6000", "dune.epub", "127.0.0.1", 6000, 0},
		{"lower case keywords", "dcc send dune.epub 2130706433 6000", "dune.epub", "127.0.0.1", 6000, 0},
		{"ipv6", "DCC SEND dune.epub ::1 6000 7", "dune.epub", "::1", 6000, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDCCSend(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.wantFile, got.Filename)
			assert.Equal(t, tt.wantIP, got.IP.String())
			assert.Equal(t, tt.wantPort, got.Port)
			assert.Equal(t, tt.wantSize, got.Size)
		})
	}
}

func TestParseDCCSendErrors(t *testing.T) {
	tests := []struct {
		name string
		text string
		want error
	}{
		{"version request", "\x01VERSION\x01", ErrNotDCCSend},
		{"dcc chat", "\x01DCC CHAT chat 2130706433 6000\x01", ErrNotDCCSend},
		{"passive", "\x01DCC SEND dune.epub 2130706433 0 100 77\x01", ErrPassiveDCC},
		{"missing port", "\x01DCC SEND dune.epub 2130706433\x01", ErrInvalidOffer},
		{"missing address", "\x01DCC SEND dune.epub\x01", ErrInvalidOffer},
		{"bad address", "\x01DCC SEND dune.epub nowhere 6000\x01", ErrInvalidOffer},
		{"bad port", "\x01DCC SEND dune.epub 2130706433 99999\x01", ErrInvalidOffer},
		{"bad size", "\x01DCC SEND dune.epub 2130706433 6000 -5\x01", ErrInvalidOffer},
		{"unterminated quote", "\x01DCC SEND \"dune.epub 2130706433 6000\x01", ErrInvalidOffer},
		{"unusable name", "\x01DCC SEND .. 2130706433 6000\x01", ErrInvalidOffer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDCCSend(tt.text)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSafeFilename(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"dune.epub", "dune.epub"},
		{"Frank Herbert - Dune.epub", "Frank_Herbert_-_Dune.epub"},
		{"../../etc/passwd", "passwd"},
		{`C:\books\dune.epub`, "dune.epub"},
		{"dünë.epub", "d_n_.epub"},
	}
	for _, tt := range tests {
		got, err := SafeFilename(tt.raw)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got)
	}

	for _, bad := range []string{"", ".", "..", "/", "???"} {
		_, err := SafeFilename(bad)
		assert.Error(t, err, "SafeFilename(%q)", bad)
	}
}

// serveDCC starts a one-shot DCC sender for payload and returns its
// address. The sender records the last acknowledgement it read.
func serveDCC(t *testing.T, payload []byte) (string, <-chan uint32) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	acks := make(chan uint32, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(acks)
			return
		}
		defer conn.Close()
		if _, err := conn.Write(payload); err != nil {
			close(acks)
			return
		}
		var last uint32
		buf := make([]byte, 4)
		for last < uint32(len(payload)) {
			if _, err := io.ReadFull(conn, buf); err != nil {
				break
			}
			last = binary.BigEndian.Uint32(buf)
		}
		acks <- last
	}()
	return ln.Addr().String(), acks
}

func TestReceive(t *testing.T) {
	payload := bytes.Repeat([]byte("dune"), 20000)
	addr, acks := serveDCC(t, payload)

	var out bytes.Buffer
	n, err := Receive(context.Background(), addr, int64(len(payload)), &out)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, payload, out.Bytes())

	select {
	case last := <-acks:
		assert.Equal(t, uint32(len(payload)), last)
	case <-time.After(2 * time.Second):
		t.Fatal("sender never saw the final acknowledgement")
	}
}

func TestReceiveShort(t *testing.T) {
	addr, _ := serveDCC(t, []byte("abc"))

	var out bytes.Buffer
	n, err := Receive(context.Background(), addr, 10, &out)
	assert.ErrorIs(t, err, ErrShortTransfer)
	assert.Equal(t, int64(3), n)
}

func TestReceiveStopsAtAnnouncedSize(t *testing.T) {
	addr, _ := serveDCC(t, []byte("spice and trailing garbage"))

	var out bytes.Buffer
	n, err := Receive(context.Background(), addr, 5, &out)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, "spice", out.String())
}

func TestReceiveUnknownSizeReadsToEOF(t *testing.T) {
	addr, _ := serveDCC(t, []byte("whole file"))

	var out bytes.Buffer
	_, err := Receive(context.Background(), addr, 0, &out)
	require.NoError(t, err)
	assert.Equal(t, "whole file", out.String())
}

func TestDCCSendOffer(t *testing.T) {
	payload := []byte("spice")
	addr, _ := serveDCC(t, payload)
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	send := DCCSend{Filename: "Dune Messiah.epub", IP: net.ParseIP(host), Port: port, Size: int64(len(payload))}
	offer := send.Offer("bookbot")
	assert.Equal(t, "Dune_Messiah.epub", offer.SafeFilename)
	assert.Equal(t, "Dune Messiah.epub", offer.RawFilename)
	assert.Equal(t, "bookbot", offer.Sender)
	assert.Equal(t, addr, offer.Addr)

	var out bytes.Buffer
	n, err := offer.Accept(context.Background(), &out)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, "spice", out.String())
}

func TestOfferWithoutAccept(t *testing.T) {
	_, err := Offer{SafeFilename: "x"}.Accept(context.Background(), io.Discard)
	assert.Error(t, err)
}
