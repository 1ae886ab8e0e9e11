// Package protocol tokenizes HTTP/1.x requests into a stream of events and
// builds response heads.
//
// The parser never buffers request data. Each call to Execute reports the
// spans of the input that belong to the URL, header names, header values and
// body; reassembling them is the job of an Assembler.
package protocol

import "bytes"

const (
	DefaultMaxHeaderBytes = 8192
	DefaultMaxBodyBytes   = 10 << 20

	// MaxHeaders is the number of header lines a request may carry.
	MaxHeaders = 64

	maxSpecialValue = 256
)

// methods is the known-method table; anything else is rejected.
var methods = [...]string{
	"GET", "HEAD", "POST", "PUT", "DELETE",
	"CONNECT", "OPTIONS", "TRACE", "PATCH",
}

var tokenTable = func() (t [256]bool) {
	for c := '0'; c <= '9'; c++ {
		t[c] = true
	}
	for c := 'a'; c <= 'z'; c++ {
		t[c] = true
		t[c-'a'+'A'] = true
	}
	for _, c := range []byte("!#$%&'*+-.^_`|~") {
		t[c] = true
	}
	return t
}()

func isToken(c byte) bool { return tokenTable[c] }

func lower(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}

type state uint8

// Header states come first and trailer states are grouped so byte
// accounting can use range checks.
const (
	stStart state = iota
	stMethod
	stURL
	stVersion
	stVersionLF
	stHeaderStart
	stHeaderField
	stHeaderValueOWS
	stHeaderValue
	stHeaderValueLF
	stHeadersLF

	stBody
	stChunkSize
	stChunkExt
	stChunkSizeLF
	stChunkData
	stChunkDataCR
	stChunkDataLF

	stTrailer
	stTrailerLine
	stTrailerLineLF
	stTrailerLF

	stDone
	stError
)

type headerKind uint8

const (
	hdrOther headerKind = iota
	hdrContentLength
	hdrTransferEncoding
	hdrConnection
)

func classify(name []byte) headerKind {
	switch string(name) {
	case "content-length":
		return hdrContentLength
	case "transfer-encoding":
		return hdrTransferEncoding
	case "connection":
		return hdrConnection
	default:
		return hdrOther
	}
}

// Limits bounds what a single request may carry. Zero fields use defaults;
// a negative MaxBodyBytes disables the body limit.
type Limits struct {
	MaxHeaderBytes int
	MaxBodyBytes   int64
}

// Parser is a streaming HTTP/1.0 and HTTP/1.1 request tokenizer. It handles
// one message at a time: after EventMessageComplete it consumes nothing until
// Reset. After an error every call returns the same error.
type Parser struct {
	limits Limits
	state  state
	err    error
	events []Event

	tok    [8]byte
	tokLen int
	urlLen int

	name      [17]byte
	nameLen   int
	kind      headerKind
	val       [maxSpecialValue]byte
	valLen    int
	valueSeen bool

	headerBytes int
	headers     int

	head          Head
	hasCL         bool
	hasTE         bool
	connClose     bool
	connKeepAlive bool

	remaining   int64
	bodyTotal   int64
	chunkDigits int
}

// NewParser returns a parser ready for the first message.
func NewParser(l Limits) *Parser {
	p := &Parser{}
	p.Init(l)
	return p
}

// Init sets the limits and resets the parser.
func (p *Parser) Init(l Limits) {
	if l.MaxHeaderBytes <= 0 {
		l.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if l.MaxBodyBytes == 0 {
		l.MaxBodyBytes = DefaultMaxBodyBytes
	}
	p.limits = l
	p.Reset()
}

// Reset prepares the parser for the next message on the same connection.
func (p *Parser) Reset() {
	limits, events := p.limits, p.events[:0]
	*p = Parser{limits: limits, events: events}
	p.head.ContentLength = -1
}

// Head returns what is known about the current message's head.
func (p *Parser) Head() Head { return p.head }

// ShouldKeepAlive reports whether the connection may carry another request
// after this one, judged from the version and Connection header.
func (p *Parser) ShouldKeepAlive() bool { return p.head.KeepAlive }

// Complete reports whether a full message has been parsed.
func (p *Parser) Complete() bool { return p.state == stDone }

// Err returns the error that stopped the parser, if any.
func (p *Parser) Err() error { return p.err }

// Execute feeds data to the parser and returns how many bytes were consumed
// and the events they produced. Parsing stops right after
// EventMessageComplete, so consumed may be less than len(data). The events
// slice and the data it references are valid until the next call.
func (p *Parser) Execute(data []byte) (int, []Event, error) {
	p.events = p.events[:0]
	if p.state == stError {
		return 0, nil, p.err
	}

	i := 0
	for i < len(data) && p.state != stDone {
		inHead := p.state <= stHeadersLF || (p.state >= stTrailer && p.state <= stTrailerLF)

		next, err := p.step(data, i)
		if err == nil && inHead {
			p.headerBytes += next - i
			if p.headerBytes > p.limits.MaxHeaderBytes {
				err = ErrHeaderTooLarge
			}
		}
		if err != nil {
			p.state = stError
			p.err = err
			return next, nil, err
		}
		i = next
	}
	return i, p.events, nil
}

func (p *Parser) emit(k EventKind, data []byte) {
	p.events = append(p.events, Event{Kind: k, Data: data})
}

func (p *Parser) step(data []byte, i int) (int, error) {
	c := data[i]

	switch p.state {
	case stStart:
		if c == '\r' || c == '\n' {
			return i + 1, nil
		}
		p.emit(EventMessageBegin, nil)
		p.state = stMethod
		return i, nil

	case stMethod:
		if c == ' ' {
			m, ok := lookupMethod(p.tok[:p.tokLen])
			if !ok {
				return i, ErrInvalidMethod
			}
			p.head.Method = m
			p.state = stURL
			return i + 1, nil
		}
		if c < 'A' || c > 'Z' || p.tokLen == len(p.tok) {
			return i, ErrInvalidMethod
		}
		p.tok[p.tokLen] = c
		p.tokLen++
		return i + 1, nil

	case stURL:
		j := i
		for ; j < len(data) && data[j] != ' '; j++ {
			if b := data[j]; b < 0x21 || b == 0x7f {
				return j, ErrInvalidURL
			}
		}
		if j > i {
			p.emit(EventURL, data[i:j])
			p.urlLen += j - i
		}
		if j == len(data) {
			return j, nil
		}
		if p.urlLen == 0 {
			return j, ErrInvalidURL
		}
		p.state = stVersion
		p.tokLen = 0
		return j + 1, nil

	case stVersion:
		switch {
		case c == '\r':
			switch string(p.tok[:p.tokLen]) {
			case "HTTP/1.1":
				p.head.Major, p.head.Minor = 1, 1
			case "HTTP/1.0":
				p.head.Major, p.head.Minor = 1, 0
			default:
				return i, ErrInvalidVersion
			}
			p.state = stVersionLF
			return i + 1, nil
		case c == '\n':
			return i, ErrInvalidEOL
		case p.tokLen == len(p.tok):
			return i, ErrInvalidVersion
		}
		p.tok[p.tokLen] = c
		p.tokLen++
		return i + 1, nil

	case stVersionLF, stHeaderValueLF, stHeadersLF, stChunkSizeLF, stTrailerLineLF, stTrailerLF:
		if c != '\n' {
			return i, ErrInvalidEOL
		}
		return p.lineFeed(i)

	case stHeaderStart:
		if c == '\r' {
			p.state = stHeadersLF
			return i + 1, nil
		}
		if !isToken(c) {
			return i, ErrInvalidHeader
		}
		if p.headers == MaxHeaders {
			return i, ErrTooManyHeaders
		}
		p.headers++
		p.nameLen, p.valLen, p.valueSeen = 0, 0, false
		p.state = stHeaderField
		return i, nil

	case stHeaderField:
		j := i
		for ; j < len(data) && isToken(data[j]); j++ {
			if p.nameLen < len(p.name) {
				p.name[p.nameLen] = lower(data[j])
			}
			p.nameLen++
		}
		if j > i {
			p.emit(EventHeaderField, data[i:j])
		}
		if j == len(data) {
			return j, nil
		}
		if data[j] != ':' {
			return j, ErrInvalidHeader
		}
		p.kind = hdrOther
		if p.nameLen <= len(p.name) {
			p.kind = classify(p.name[:p.nameLen])
		}
		p.state = stHeaderValueOWS
		return j + 1, nil

	case stHeaderValueOWS:
		if c == ' ' || c == '\t' {
			return i + 1, nil
		}
		p.state = stHeaderValue
		return i, nil

	case stHeaderValue:
		j := i
		for ; j < len(data) && data[j] != '\r'; j++ {
			b := data[j]
			if b != '\t' && (b < 0x20 || b == 0x7f) {
				return j, ErrInvalidHeader
			}
		}
		if j > i {
			p.emit(EventHeaderValue, data[i:j])
			p.valueSeen = true
			p.recordValue(data[i:j])
		}
		if j == len(data) {
			return j, nil
		}
		p.state = stHeaderValueLF
		return j + 1, nil

	case stBody, stChunkData:
		n := min(p.remaining, int64(len(data)-i))
		p.emit(EventBody, data[i:i+int(n)])
		p.remaining -= n
		if p.remaining == 0 {
			if p.state == stBody {
				p.complete()
			} else {
				p.state = stChunkDataCR
			}
		}
		return i + int(n), nil

	case stChunkSize:
		if v, ok := unhex(c); ok {
			if p.chunkDigits == 15 {
				return i, ErrInvalidChunk
			}
			p.remaining = p.remaining<<4 | int64(v)
			p.chunkDigits++
			return i + 1, nil
		}
		if p.chunkDigits == 0 {
			return i, ErrInvalidChunk
		}
		switch c {
		case '\r':
			p.state = stChunkSizeLF
		case ';', ' ', '\t':
			p.state = stChunkExt
		default:
			return i, ErrInvalidChunk
		}
		return i + 1, nil

	case stChunkExt:
		j := bytes.IndexByte(data[i:], '\r')
		if j < 0 {
			if bytes.IndexByte(data[i:], '\n') >= 0 {
				return i, ErrInvalidChunk
			}
			return len(data), nil
		}
		if bytes.IndexByte(data[i:i+j], '\n') >= 0 {
			return i, ErrInvalidChunk
		}
		p.state = stChunkSizeLF
		return i + j + 1, nil

	case stChunkDataCR:
		if c != '\r' {
			return i, ErrInvalidChunk
		}
		p.state = stChunkDataLF
		return i + 1, nil

	case stChunkDataLF:
		if c != '\n' {
			return i, ErrInvalidChunk
		}
		p.chunkDigits, p.remaining = 0, 0
		p.state = stChunkSize
		return i + 1, nil

	case stTrailer:
		if c == '\r' {
			p.state = stTrailerLF
			return i + 1, nil
		}
		p.state = stTrailerLine
		return i, nil

	case stTrailerLine:
		j := i
		for ; j < len(data) && data[j] != '\r'; j++ {
			if data[j] == '\n' {
				return j, ErrInvalidHeader
			}
		}
		if j == len(data) {
			return j, nil
		}
		p.state = stTrailerLineLF
		return j + 1, nil
	}

	return i, ErrInvalidHeader
}

// lineFeed handles the LF that ends a line in state p.state.
func (p *Parser) lineFeed(i int) (int, error) {
	switch p.state {
	case stVersionLF:
		p.state = stHeaderStart

	case stHeaderValueLF:
		if !p.valueSeen {
			p.emit(EventHeaderValue, nil)
		}
		if err := p.finishHeader(); err != nil {
			return i, err
		}
		p.state = stHeaderStart

	case stHeadersLF:
		if err := p.finishHead(); err != nil {
			return i, err
		}

	case stChunkSizeLF:
		if p.remaining == 0 {
			p.state = stTrailer
			break
		}
		p.bodyTotal += p.remaining
		if p.limits.MaxBodyBytes > 0 && p.bodyTotal > p.limits.MaxBodyBytes {
			return i, ErrBodyTooLarge
		}
		p.state = stChunkData

	case stTrailerLineLF:
		p.state = stTrailer

	case stTrailerLF:
		p.complete()
	}
	return i + 1, nil
}

func (p *Parser) recordValue(b []byte) {
	if p.kind == hdrOther {
		return
	}
	for _, c := range b {
		if p.valLen < len(p.val) {
			p.val[p.valLen] = lower(c)
		}
		p.valLen++
	}
}

func (p *Parser) finishHeader() error {
	if p.kind == hdrOther {
		return nil
	}
	overflow := p.valLen > len(p.val)
	v := bytes.TrimRight(p.val[:min(p.valLen, len(p.val))], " \t")

	switch p.kind {
	case hdrContentLength:
		n, ok := parseContentLength(v)
		if overflow || !ok {
			return ErrInvalidContentLength
		}
		if p.hasCL && n != p.head.ContentLength {
			return ErrInvalidContentLength
		}
		p.hasCL = true
		p.head.ContentLength = n

	case hdrTransferEncoding:
		if overflow {
			return ErrInvalidTransferEncoding
		}
		p.hasTE = true
		last := v[bytes.LastIndexByte(v, ',')+1:]
		p.head.Chunked = string(bytes.TrimSpace(last)) == "chunked"

	case hdrConnection:
		if overflow {
			return nil
		}
		for tok := range bytes.SplitSeq(v, []byte(",")) {
			switch string(bytes.TrimSpace(tok)) {
			case "close":
				p.connClose = true
			case "keep-alive":
				p.connKeepAlive = true
			}
		}
	}
	return nil
}

func (p *Parser) finishHead() error {
	switch {
	case p.hasTE && p.hasCL:
		return ErrUnexpectedContentLength
	case p.hasTE && !p.head.Chunked:
		return ErrInvalidTransferEncoding
	case p.hasCL && p.limits.MaxBodyBytes > 0 && p.head.ContentLength > p.limits.MaxBodyBytes:
		return ErrBodyTooLarge
	}

	if p.head.Minor >= 1 {
		p.head.KeepAlive = !p.connClose
	} else {
		p.head.KeepAlive = p.connKeepAlive && !p.connClose
	}

	p.events = append(p.events, Event{Kind: EventHeadersComplete, Head: p.head})

	switch {
	case p.head.Chunked:
		p.state = stChunkSize
	case p.head.ContentLength > 0:
		p.remaining = p.head.ContentLength
		p.state = stBody
	default:
		p.complete()
	}
	return nil
}

func (p *Parser) complete() {
	p.emit(EventMessageComplete, nil)
	p.state = stDone
}

func lookupMethod(b []byte) (string, bool) {
	for _, m := range methods {
		if string(b) == m {
			return m, true
		}
	}
	return "", false
}

func parseContentLength(v []byte) (int64, bool) {
	if len(v) == 0 || len(v) > 18 {
		return 0, false
	}
	var n int64
	for _, c := range v {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
