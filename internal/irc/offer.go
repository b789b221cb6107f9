package irc

import (
	"context"
	"errors"
	"io"
)

// AcceptFunc receives an offered file into w and returns the byte count.
type AcceptFunc func(ctx context.Context, w io.Writer) (int64, error)

// Offer is an incoming file proposal. It is only meaningful while the
// offer notification is being handled.
type Offer struct {
	SafeFilename string `json:"safeFilename"`
	RawFilename  string `json:"rawFilename"`
	Sender       string `json:"sender,omitempty"`
	Addr         string `json:"addr,omitempty"`
	Size         int64  `json:"size,omitempty"`

	accept AcceptFunc
}

// NewOffer builds an offer with a custom accept capability, for protocol
// implementations other than DCC.
func NewOffer(safe, raw string, size int64, accept AcceptFunc) Offer {
	return Offer{SafeFilename: safe, RawFilename: raw, Size: size, accept: accept}
}

// Accept receives the offered file into w. It blocks until the transfer
// completes, fails, or ctx is done.
func (o Offer) Accept(ctx context.Context, w io.Writer) (int64, error) {
	if o.accept == nil {
		return 0, errors.New("irc: offer cannot be accepted")
	}
	return o.accept(ctx, w)
}

// Summary is the offer's description used in events.
func (o Offer) Summary() map[string]any {
	m := map[string]any{
		"safe-filename": o.SafeFilename,
		"raw-filename":  o.RawFilename,
	}
	if o.Sender != "" {
		m["sender"] = o.Sender
	}
	if o.Size > 0 {
		m["size"] = o.Size
	}
	return m
}
