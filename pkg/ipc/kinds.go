package ipc

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/beam-cloud/gvfs/pkg/types"
)

// Kind identifies a request.
type Kind int

const (
	KindUnknown Kind = iota
	KindGetStatus
	KindUnmount
	KindAcquireLock
	KindReleaseLock
	KindDownloadObject
)

// Kinds lists every dispatchable request kind.
var Kinds = []Kind{KindGetStatus, KindUnmount, KindAcquireLock, KindReleaseLock, KindDownloadObject}

var kindHeaders = map[Kind]string{
	KindGetStatus:      "GetStatus",
	KindUnmount:        "Unmount",
	KindAcquireLock:    "AcquireLock",
	KindReleaseLock:    "ReleaseLock",
	KindDownloadObject: "DLObject",
}

var headerKinds = func() map[string]Kind {
	m := make(map[string]Kind, len(kindHeaders))
	for k, h := range kindHeaders {
		m[h] = k
	}
	return m
}()

func (k Kind) Header() string {
	if h, ok := kindHeaders[k]; ok {
		return h
	}
	return "Unknown"
}

func (k Kind) String() string { return k.Header() }

// KindOf maps a request header to its kind.
func KindOf(header string) (Kind, error) {
	if k, ok := headerKinds[header]; ok {
		return k, nil
	}
	return KindUnknown, fmt.Errorf("%w: %q", ErrUnknownHeader, header)
}

// Response headers.
const (
	// GetStatus
	StatusResult = "S"

	// Unmount
	UnmountAcknowledged      = "Ack"
	UnmountCompleted         = "Complete"
	UnmountNotMounted        = "NotMounted"
	UnmountAlreadyUnmounting = "AlreadyUnmounting"
	UnmountUnknown           = "Unknown"

	// AcquireLock
	LockAccept    = "LockAvailable"
	LockDenyGVFS  = "DenyGVFS"
	LockDenyGit   = "DenyGit"
	MountNotReady = "MountNotReady"

	// ReleaseLock
	LockReleased    = "Released"
	LockNotReleased = "NotReleased"

	// DownloadObject
	DownloadSuccess = "Success"
	DownloadFailed  = "DownloadFailed"
	DownloadInvalid = "InvalidSHA"

	UnknownRequest = "UnknownRequest"
)

// LockResponse is the body of lock responses.
type LockResponse struct {
	Holder  *types.LockHolder `json:"holder,omitempty"`
	Message string            `json:"message,omitempty"`
}

// ReleaseRequest is the body of a ReleaseLock request.
type ReleaseRequest struct {
	PID int `json:"pid"`
}

// Request is a parsed request envelope. Exactly the fields relevant to Kind are set.
type Request struct {
	Kind      Kind
	Requester types.LockHolder
	PID       int
	SHA       string
}

// ParseRequest validates the header and decodes the kind-specific body.
func ParseRequest(m Message) (Request, error) {
	kind, err := KindOf(m.Header)
	if err != nil {
		return Request{Kind: KindUnknown}, err
	}

	req := Request{Kind: kind}
	switch kind {
	case KindAcquireLock:
		if err := json.Unmarshal([]byte(m.Body), &req.Requester); err != nil {
			return req, fmt.Errorf("%w: acquire lock: %v", ErrMalformedBody, err)
		}
		if req.Requester.PID <= 0 {
			return req, fmt.Errorf("%w: acquire lock: missing pid", ErrMalformedBody)
		}
	case KindReleaseLock:
		pid, err := parseReleaseBody(m.Body)
		if err != nil {
			return req, err
		}
		req.PID = pid
	case KindDownloadObject:
		req.SHA = strings.TrimSpace(m.Body)
	}
	return req, nil
}

func parseReleaseBody(body string) (int, error) {
	body = strings.TrimSpace(body)
	if pid, err := strconv.Atoi(body); err == nil && pid > 0 {
		return pid, nil
	}
	var rr ReleaseRequest
	if err := json.Unmarshal([]byte(body), &rr); err != nil {
		return 0, fmt.Errorf("%w: release lock: %v", ErrMalformedBody, err)
	}
	if rr.PID <= 0 {
		return 0, fmt.Errorf("%w: release lock: missing pid", ErrMalformedBody)
	}
	return rr.PID, nil
}

// Request constructors used by clients.

func GetStatusRequest() Message { return NewMessage(KindGetStatus.Header(), "") }
func UnmountRequest() Message   { return NewMessage(KindUnmount.Header(), "") }

func AcquireLockRequest(requester types.LockHolder) (Message, error) {
	body, err := json.Marshal(requester)
	if err != nil {
		return Message{}, err
	}
	return NewMessage(KindAcquireLock.Header(), string(body)), nil
}

func ReleaseLockRequest(pid int) (Message, error) {
	body, err := json.Marshal(ReleaseRequest{PID: pid})
	if err != nil {
		return Message{}, err
	}
	return NewMessage(KindReleaseLock.Header(), string(body)), nil
}

func DownloadObjectRequest(sha string) Message {
	return NewMessage(KindDownloadObject.Header(), sha)
}

// Response helpers used by handlers.

func StatusResponse(s types.Status) (Message, error) {
	body, err := json.Marshal(s)
	if err != nil {
		return Message{}, err
	}
	return NewMessage(StatusResult, string(body)), nil
}

func LockResult(header string, holder *types.LockHolder, msg string) Message {
	if holder == nil && msg == "" {
		return NewMessage(header, "")
	}
	body, err := json.Marshal(LockResponse{Holder: holder, Message: msg})
	if err != nil {
		return NewMessage(header, "")
	}
	return NewMessage(header, string(body))
}

// DecodeLockResponse parses the optional body of a lock response.
func DecodeLockResponse(m Message) (LockResponse, error) {
	var lr LockResponse
	if m.Body == "" {
		return lr, nil
	}
	err := json.Unmarshal([]byte(m.Body), &lr)
	return lr, err
}

// DecodeStatus parses a GetStatus response.
func DecodeStatus(m Message) (types.Status, error) {
	var s types.Status
	if m.Header != StatusResult {
		return s, fmt.Errorf("unexpected status response %q", m.Header)
	}
	err := json.Unmarshal([]byte(m.Body), &s)
	return s, err
}
