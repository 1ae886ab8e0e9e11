package protocol

import (
	"strconv"
	"strings"

	"github.com/codetesla51/aurora/server/bufstat"
)

// Header is one response header line. Duplicates are written as given.
type Header struct {
	Name  string
	Value string
}

// lookup table for reason phrases
// flat array instead of map, codes are fixed
var statusTable = [600]string{
	// 1xx
	100: "Continue",
	101: "Switching Protocols",

	// 2xx
	200: "OK",
	201: "Created",
	202: "Accepted",
	204: "No Content",
	206: "Partial Content",

	// 3xx
	301: "Moved Permanently",
	302: "Found",
	303: "See Other",
	304: "Not Modified",
	307: "Temporary Redirect",
	308: "Permanent Redirect",

	// 4xx
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	408: "Request Timeout",
	409: "Conflict",
	411: "Length Required",
	413: "Payload Too Large",
	414: "URI Too Long",
	415: "Unsupported Media Type",
	429: "Too Many Requests",
	431: "Request Header Fields Too Large",

	// 5xx
	500: "Internal Server Error",
	501: "Not Implemented",
	502: "Bad Gateway",
	503: "Service Unavailable",
	504: "Gateway Timeout",
	505: "HTTP Version Not Supported",
}

// InternalError is sent when a response cannot be built at all.
var InternalError = []byte("HTTP/1.1 500 Internal Server Error\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")

// for fast access
const (
	proto = "HTTP/1.1 "
	crlf  = "\r\n"
	colon = ": "

	contentLength = "Content-Length"
	connection    = "Connection"
)

// ValidStatus reports whether code can be written in a status line.
func ValidStatus(code int) bool { return code >= 100 && code < len(statusTable) }

// StatusText returns the reason phrase for code, "Unknown" when there is none.
func StatusText(code int) string {
	if !ValidStatus(code) || statusTable[code] == "" {
		return "Unknown"
	}
	return statusTable[code]
}

// IsFramingHeader reports whether name is a header AppendHead writes itself.
func IsFramingHeader(name string) bool {
	return strings.EqualFold(name, contentLength) || strings.EqualFold(name, connection)
}

// HeadSize returns the exact length AppendHead writes for the same arguments.
func HeadSize(code int, headers []Header, bodyLen int, conn string) int {
	if !ValidStatus(code) {
		code = 500
	}
	n := len(proto) + 3 + 1 + len(StatusText(code)) + len(crlf)
	for _, h := range headers {
		if !IsFramingHeader(h.Name) {
			n += len(h.Name) + len(colon) + len(h.Value) + len(crlf)
		}
	}
	n += len(contentLength) + len(colon) + len(strconv.Itoa(bodyLen)) + len(crlf)
	if conn != "" {
		n += len(connection) + len(colon) + len(conn) + len(crlf)
	}
	return n + len(crlf)
}

// AppendHead serializes a response head into dst: the status line, headers
// in the order given, Content-Length for bodyLen, and a Connection header
// when conn is not empty. Supplied Content-Length and Connection headers are
// dropped.
func AppendHead(dst *bufstat.Buffer, code int, headers []Header, bodyLen int, conn string) error {
	if !ValidStatus(code) {
		code = 500
	}
	if err := dst.Reserve(dst.Len() + HeadSize(code, headers, bodyLen, conn)); err != nil {
		return err
	}

	var num [20]byte
	dst.AppendString(proto)
	dst.Append(strconv.AppendInt(num[:0], int64(code), 10))
	dst.AppendByte(' ')
	dst.AppendString(StatusText(code))
	dst.AppendString(crlf)

	for _, h := range headers {
		if !IsFramingHeader(h.Name) {
			writeHeader(dst, h.Name, h.Value)
		}
	}
	dst.AppendString(contentLength)
	dst.AppendString(colon)
	dst.Append(strconv.AppendInt(num[:0], int64(bodyLen), 10))
	dst.AppendString(crlf)
	if conn != "" {
		writeHeader(dst, connection, conn)
	}
	return dst.AppendString(crlf)
}

func writeHeader(dst *bufstat.Buffer, name, value string) {
	dst.AppendString(name)
	dst.AppendString(colon)
	dst.AppendString(value)
	dst.AppendString(crlf)
}
