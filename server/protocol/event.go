package protocol

// EventKind tags a parser event.
type EventKind uint8

const (
	EventMessageBegin EventKind = iota + 1
	EventURL
	EventHeaderField
	EventHeaderValue
	EventHeadersComplete
	EventBody
	EventMessageComplete
)

func (k EventKind) String() string {
	switch k {
	case EventMessageBegin:
		return "message_begin"
	case EventURL:
		return "url"
	case EventHeaderField:
		return "header_field"
	case EventHeaderValue:
		return "header_value"
	case EventHeadersComplete:
		return "headers_complete"
	case EventBody:
		return "body"
	case EventMessageComplete:
		return "message_complete"
	default:
		return "unknown"
	}
}

// Head is the request line and framing summary known once headers end.
type Head struct {
	Method        string
	Major         int
	Minor         int
	ContentLength int64 // -1 when absent
	Chunked       bool
	KeepAlive     bool
}

// Proto returns "HTTP/major.minor".
func (h Head) Proto() string {
	if h.Major == 1 && h.Minor == 0 {
		return "HTTP/1.0"
	}
	return "HTTP/1.1"
}

// Event is one step of the parse. Data aliases the input passed to Execute
// and carries only the bytes that became available in that call; a single
// logical field may arrive as several events. Head is set on
// EventHeadersComplete only.
type Event struct {
	Kind EventKind
	Data []byte
	Head Head
}
