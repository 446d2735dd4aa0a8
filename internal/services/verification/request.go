package verification

import (
	"sync"
	"time"

	"github.com/element-hq/element-android-sub023/internal/domain"
)

// RequestState is the negotiation phase of a verification request.
type RequestState int

const (
	RequestRequested RequestState = iota
	RequestReady
	RequestStarted
	RequestDone
	RequestCancelled
)

// String returns the state name.
func (s RequestState) String() string {
	switch s {
	case RequestRequested:
		return "requested"
	case RequestReady:
		return "ready"
	case RequestStarted:
		return "started"
	case RequestDone:
		return "done"
	case RequestCancelled:
		return "cancelled"
	default:
		return "invalid"
	}
}

// Request is a pending m.key.verification.request, sent or received.
// Its transaction id is reused by the SAS transaction it leads to.
type Request struct {
	id        domain.TransactionID
	incoming  bool
	otherUser domain.UserID
	createdAt time.Time

	mu           sync.Mutex
	otherDevice  domain.DeviceID
	targets      []domain.DeviceID
	myMethods    []string
	theirMethods []string
	state        RequestState
	cancelCode   CancelCode

	isSasSupported         bool
	weShouldShowScanOption bool
	weShouldDisplayQRCode  bool
}

// ID returns the transaction id of the request.
func (r *Request) ID() domain.TransactionID { return r.id }

// IsIncoming reports whether the other user sent the request.
func (r *Request) IsIncoming() bool { return r.incoming }

// OtherUserID returns the other party.
func (r *Request) OtherUserID() domain.UserID { return r.otherUser }

// CreatedAt returns when the request was sent or received.
func (r *Request) CreatedAt() time.Time { return r.createdAt }

// OtherDeviceID returns the other device, once known.
func (r *Request) OtherDeviceID() domain.DeviceID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.otherDevice
}

// State returns the request state.
func (r *Request) State() RequestState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// CancelCode returns the cancel code of a cancelled request.
func (r *Request) CancelCode() CancelCode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelCode
}

// IsSasSupported reports whether both sides offered SAS.
func (r *Request) IsSasSupported() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isSasSupported
}

// WeShouldShowScanOption reports whether we can scan the other side's code.
func (r *Request) WeShouldShowScanOption() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.weShouldShowScanOption
}

// WeShouldDisplayQRCode reports whether the other side can scan our code.
func (r *Request) WeShouldDisplayQRCode() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.weShouldDisplayQRCode
}

func (r *Request) setMethodsLocked(mine, theirs []string) {
	if mine != nil {
		r.myMethods = append([]string(nil), mine...)
	}
	if theirs != nil {
		r.theirMethods = append([]string(nil), theirs...)
	}
	r.isSasSupported = contains(r.myMethods, MethodSAS) && contains(r.theirMethods, MethodSAS)
	r.weShouldShowScanOption = contains(r.theirMethods, MethodQRShow) && contains(r.myMethods, MethodQRScan)
	r.weShouldDisplayQRCode = contains(r.theirMethods, MethodQRScan) && contains(r.myMethods, MethodQRShow)
}
