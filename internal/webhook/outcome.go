package webhook

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"syscall"
	"time"
)

// Kind classifies an attempt.
type Kind int

const (
	SkippedDisabled Kind = iota
	SkippedNoTarget
	SkippedAccessPoint
	NoNetwork
	DataInvalid
	TransportError
	HTTPStatus
)

var kindNames = map[Kind]string{
	SkippedDisabled:    "skipped_disabled",
	SkippedNoTarget:    "skipped_no_target",
	SkippedAccessPoint: "skipped_access_point",
	NoNetwork:          "no_network",
	DataInvalid:        "data_invalid",
	TransportError:     "transport_error",
	HTTPStatus:         "http_status",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Transport codes reported for failures below HTTP.
const (
	CodeConnectionFailed  = -1
	CodeSendHeaderFailed  = -2
	CodeSendPayloadFailed = -3
	CodeNoConnection      = -4
	CodeConnectionLost    = -5
	CodeNoStream          = -6
	CodeTimeout           = -11
	CodeOther             = -100
)

// CodeName returns the transport error name for a negative code.
func CodeName(code int) string {
	switch code {
	case CodeConnectionFailed:
		return "connection failed"
	case CodeSendHeaderFailed, CodeSendPayloadFailed:
		return "send failed"
	case CodeNoConnection:
		return "no connection"
	case CodeConnectionLost:
		return "connection lost"
	case CodeNoStream:
		return "no stream"
	case CodeTimeout:
		return "timeout"
	default:
		return "other"
	}
}

// maxBodyLen caps the stored response text, in characters.
const maxBodyLen = 200

// Outcome is the result of one attempt.
type Outcome struct {
	At      time.Time `json:"at"`
	Kind    Kind      `json:"kind"`
	Code    int       `json:"code"`
	Body    string    `json:"body,omitempty"`
	Success bool      `json:"success"`
}

// Skipped reports whether the attempt was dropped without being recorded.
func (o Outcome) Skipped() bool {
	return o.Kind == SkippedDisabled || o.Kind == SkippedNoTarget || o.Kind == SkippedAccessPoint
}

// Message is a short human-readable summary for the dashboard.
func (o Outcome) Message() string {
	switch o.Kind {
	case TransportError:
		return CodeName(o.Code)
	case HTTPStatus:
		if o.Success {
			return "delivered"
		}
		return "http " + strconv.Itoa(o.Code)
	case NoNetwork:
		return "no network"
	case DataInvalid:
		return "telemetry invalid"
	default:
		return o.Kind.String()
	}
}

// truncate keeps at most maxBodyLen characters.
func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxBodyLen {
		return s
	}
	return string(r[:maxBodyLen])
}

// requestStage tags where a client error happened.
type requestStage int

const (
	stageBuild requestStage = iota
	stageDo
	stageRead
)

// classify maps a client error to a transport code.
func classify(stage requestStage, err error) int {
	switch stage {
	case stageBuild:
		return CodeNoConnection
	case stageRead:
		if isTimeout(err) {
			return CodeTimeout
		}
		return CodeNoStream
	}

	if isTimeout(err) {
		return CodeTimeout
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return CodeConnectionLost
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial":
			return CodeConnectionFailed
		case "write":
			return CodeSendHeaderFailed
		case "read":
			return CodeConnectionLost
		}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CodeConnectionFailed
	}
	return CodeOther
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
