package irr

import "fmt"

// NetworkError indicates the peer could not be reached at all: connection
// refused, DNS failure, or a timeout before any response arrived.
type NetworkError struct {
	Source   string
	Endpoint string
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error querying %s (%s): %v", e.Source, e.Endpoint, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ProtocolError indicates a reachable peer produced a malformed or empty
// response at the wire level, e.g. a WHOIS server closing the connection
// without sending any bytes.
type ProtocolError struct {
	Source   string
	Endpoint string
	Msg      string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error from %s (%s): %s", e.Source, e.Endpoint, e.Msg)
}

// ResponseError indicates the transport worked but the application-level
// content was bad: a non-2xx HTTP status or unparseable JSON.
type ResponseError struct {
	Source     string
	StatusCode int
	Msg        string
	Err        error
}

func (e *ResponseError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("response error from %s (status %d): %s", e.Source, e.StatusCode, e.Msg)
	}
	return fmt.Sprintf("response error from %s: %s", e.Source, e.Msg)
}

func (e *ResponseError) Unwrap() error { return e.Err }
