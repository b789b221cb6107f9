package events

// Event types emitted during a fetch run or a search.
const (
	TypeFetchStatus        = "fetch-status"
	TypeConnectionStatus   = "connection status"
	TypeConnectionError    = "connection error"
	TypeBotStatus          = "bot status"
	TypeMessageOut         = "message out"
	TypePoll               = "poll"
	TypeCloseError         = "close error"
	TypeServerQuit         = "server quit"
	TypeIncomingTransfer   = "incoming-file-transfer"
	TypeAcceptedTransfer   = "accepted-file-transfer"
	TypeUnexpectedTransfer = "unexpected-file-transfer"
	TypeRejectedTransfer   = "rejected-file-transfer"
	TypeTransferError      = "transfer-error"
	TypeCopyResource       = "copy-resource"
	TypeMessage            = "message"
	TypeChannelMessage     = "channel message"
	TypeJoin               = "join"
	TypeSearchError        = "search error"
)

// Event is one observable occurrence. Data is rendered with %v on the
// console and marshalled as JSON on the event stream, so it should hold
// plain values, maps or types with a String/MarshalJSON method.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func New(typ string, data any) Event {
	return Event{Type: typ, Data: data}
}

// Emitter accepts events without blocking the caller.
type Emitter interface {
	Push(Event)
}

// Handler consumes one event. It is called from the bus consumer goroutine
// only, so implementations need no locking of their own.
type Handler func(Event)

// Fanout returns a handler that passes each event to every non-nil handler
// in order.
func Fanout(handlers ...Handler) Handler {
	hs := make([]Handler, 0, len(handlers))
	for _, h := range handlers {
		if h != nil {
			hs = append(hs, h)
		}
	}
	return func(ev Event) {
		for _, h := range hs {
			h(ev)
		}
	}
}
