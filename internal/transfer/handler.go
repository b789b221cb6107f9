// Package transfer decides what to do with incoming file offers and saves
// the one a fetch run asked for.
package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/zap"

	"github.com/dccfetch/dccfetch/internal/events"
	"github.com/dccfetch/dccfetch/internal/irc"
	"github.com/dccfetch/dccfetch/internal/match"
	"github.com/dccfetch/dccfetch/internal/session"
)

// FreeSpaceFunc reports the bytes available on the filesystem holding path.
type FreeSpaceFunc func(path string) (uint64, error)

func diskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// Handler handles offers for one session. Handle is expected to be called
// for one offer at a time.
type Handler struct {
	session   *session.Session
	logger    *zap.Logger
	freeSpace FreeSpaceFunc
	now       func() time.Time
}

func New(s *session.Session, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		session:   s,
		logger:    logger.Named("transfer"),
		freeSpace: diskFree,
		now:       time.Now,
	}
}

// SetFreeSpaceFunc replaces the free space probe. A nil f disables the
// check.
func (h *Handler) SetFreeSpaceFunc(f FreeSpaceFunc) {
	h.freeSpace = f
}

// Handle processes one offer: it creates a placeholder, accepts the offer
// if its filename matches the session request and no other transfer was
// accepted, then copies the received file into the transfer directory.
func (h *Handler) Handle(ctx context.Context, offer irc.Offer) {
	s := h.session
	log := h.logger.With(zap.String("file", offer.SafeFilename), zap.String("sender", offer.Sender))

	tmp, err := os.CreateTemp(s.TempDir, "dccfetch-*-"+offer.SafeFilename)
	if err != nil {
		log.Error("creating placeholder failed", zap.Error(err))
		s.Emit(events.TypeTransferError, errorData(offer, err))
		return
	}
	tmpPath := tmp.Name()
	discard := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	incoming := offer.Summary()
	incoming["temp-file"] = tmpPath
	s.Emit(events.TypeIncomingTransfer, incoming)

	if !match.Matches(offer.SafeFilename, s.Request) {
		log.Info("ignoring offer that does not match request", zap.String("request", s.Request))
		s.Emit(events.TypeUnexpectedTransfer, offer.Summary())
		discard()
		return
	}

	if !s.Claim() {
		log.Info("rejecting offer, a transfer was already accepted")
		rejected := offer.Summary()
		rejected["reason"] = "already accepted"
		s.Emit(events.TypeRejectedTransfer, rejected)
		discard()
		return
	}

	if err := h.checkSpace(offer); err != nil {
		log.Warn("rejecting offer", zap.Error(err))
		s.Emit(events.TypeTransferError, errorData(offer, err))
		s.Release()
		discard()
		return
	}

	n, err := offer.Accept(ctx, tmp)
	if err == nil {
		err = tmp.Close()
	}
	if err != nil {
		log.Error("transfer failed", zap.Int64("bytes", n), zap.Error(err))
		s.Emit(events.TypeTransferError, errorData(offer, err))
		s.Release()
		discard()
		return
	}

	s.SetAccepted(&session.AcceptedFile{
		Name:       offer.SafeFilename,
		TempPath:   tmpPath,
		Sender:     offer.Sender,
		Size:       n,
		AcceptedAt: h.now(),
	})
	log.Info("transfer accepted", zap.Int64("bytes", n))
	s.Emit(events.TypeAcceptedTransfer, map[string]any{
		"safe-filename": offer.SafeFilename,
		"bytes":         n,
		"temp-file":     tmpPath,
	})

	dest := filepath.Join(s.TransferFilePath, offer.SafeFilename)
	if err := copyFile(tmpPath, dest); err != nil {
		log.Error("copying transfer failed", zap.String("dest", dest), zap.Error(err))
		s.Emit(events.TypeTransferError, errorData(offer, err))
		return
	}
	os.Remove(tmpPath)
	s.Emit(events.TypeCopyResource, map[string]any{
		"from": tmpPath,
		"to":   dest,
	})
}

func (h *Handler) checkSpace(offer irc.Offer) error {
	if h.freeSpace == nil || offer.Size <= 0 {
		return nil
	}
	dir := h.session.TransferFilePath
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	free, err := h.freeSpace(dir)
	if err != nil {
		h.logger.Warn("free space check unavailable", zap.String("dir", dir), zap.Error(err))
		return nil
	}
	if uint64(offer.Size) > free {
		return fmt.Errorf("offer needs %d bytes, %d free in %s", offer.Size, free, dir)
	}
	return nil
}

func errorData(offer irc.Offer, err error) map[string]any {
	return map[string]any{
		"safe-filename": offer.SafeFilename,
		"error":         err.Error(),
	}
}

// copyFile copies src to dst through a sibling temporary file so dst never
// holds a partial copy.
func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	part := dst + ".part"
	out, err := os.Create(part)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(part)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(part)
		return err
	}
	return os.Rename(part, dst)
}
