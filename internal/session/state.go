package session

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dccfetch/dccfetch/internal/events"
)

type FetchStatus int32

const (
	Initialising FetchStatus = iota
	Fetching
	Completed
	Failed
)

var statusNames = map[FetchStatus]string{
	Initialising: "initialising",
	Fetching:     "fetching",
	Completed:    "completed",
	Failed:       "failed",
}

func (s FetchStatus) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s FetchStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// IsTerminal reports whether no further transition is possible.
func (s FetchStatus) IsTerminal() bool {
	return s == Completed || s == Failed
}

// ConnectionConfig is the read-only network identity of a run.
type ConnectionConfig struct {
	Nick     string
	Login    string
	Server   string
	Channel  string
	Password string
	TLS      bool
}

// AcceptedFile records the one transfer a run accepted.
type AcceptedFile struct {
	Name       string    `json:"name"`
	TempPath   string    `json:"tempPath"`
	Sender     string    `json:"sender,omitempty"`
	Size       int64     `json:"size"`
	AcceptedAt time.Time `json:"acceptedAt"`
}

// Session is the context of one fetch run. Connection settings and paths
// are fixed at construction; status and the accepted transfer are written
// from the orchestrator and from protocol callbacks, so they are atomic.
type Session struct {
	ID               string
	Request          string
	Conn             ConnectionConfig
	ResourceFilePath string
	TransferFilePath string
	TempDir          string
	Events           events.Emitter

	status   atomic.Int32
	claimed  atomic.Bool
	accepted atomic.Pointer[AcceptedFile]
}

func New(request string, conn ConnectionConfig, resourcePath, transferPath, tempDir string, emitter events.Emitter) *Session {
	return &Session{
		ID:               uuid.NewString(),
		Request:          request,
		Conn:             conn,
		ResourceFilePath: resourcePath,
		TransferFilePath: transferPath,
		TempDir:          tempDir,
		Events:           emitter,
	}
}

func (s *Session) Emit(typ string, data any) {
	if s.Events != nil {
		s.Events.Push(events.New(typ, data))
	}
}

func (s *Session) Status() FetchStatus {
	return FetchStatus(s.status.Load())
}

// Advance moves the status forward to next. It returns false, leaving the
// status unchanged, when next is not later than the current status or the
// current status is terminal.
func (s *Session) Advance(next FetchStatus) bool {
	for {
		cur := s.status.Load()
		if FetchStatus(cur).IsTerminal() || int32(next) <= cur {
			return false
		}
		if s.status.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}

// Claim reserves the run's single acceptance slot. Only the first caller
// gets true until Release is called.
func (s *Session) Claim() bool {
	return s.claimed.CompareAndSwap(false, true)
}

// Release gives back a claim whose transfer failed. It has no effect once
// a transfer has been recorded.
func (s *Session) Release() {
	if s.accepted.Load() == nil {
		s.claimed.Store(false)
	}
}

// SetAccepted records the accepted transfer. It returns false if one was
// already recorded; the first record is never replaced.
func (s *Session) SetAccepted(f *AcceptedFile) bool {
	if f == nil {
		return false
	}
	if !s.accepted.CompareAndSwap(nil, f) {
		return false
	}
	s.claimed.Store(true)
	return true
}

// Accepted returns the accepted transfer or nil.
func (s *Session) Accepted() *AcceptedFile {
	return s.accepted.Load()
}

// Snapshot is a point-in-time copy of a session's mutable state.
type Snapshot struct {
	ID          string        `json:"id"`
	Request     string        `json:"request"`
	Channel     string        `json:"channel"`
	FetchStatus FetchStatus   `json:"fetchStatus"`
	Accepted    *AcceptedFile `json:"accepted,omitempty"`
}

func (s *Session) Snapshot() Snapshot {
	snap := Snapshot{
		ID:          s.ID,
		Request:     s.Request,
		Channel:     s.Conn.Channel,
		FetchStatus: s.Status(),
	}
	if a := s.Accepted(); a != nil {
		c := *a
		snap.Accepted = &c
	}
	return snap
}
