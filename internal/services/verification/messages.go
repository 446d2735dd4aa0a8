package verification

import "github.com/element-hq/element-android-sub023/internal/domain"

// To-device event types of the verification protocol.
const (
	EventTypeRequest = "m.key.verification.request"
	EventTypeReady   = "m.key.verification.ready"
	EventTypeStart   = "m.key.verification.start"
	EventTypeAccept  = "m.key.verification.accept"
	EventTypeKey     = "m.key.verification.key"
	EventTypeMac     = "m.key.verification.mac"
	EventTypeCancel  = "m.key.verification.cancel"
	EventTypeDone    = "m.key.verification.done"
)

// Verification methods.
const (
	MethodSAS         = "m.sas.v1"
	MethodQRShow      = "m.qr_code.show.v1"
	MethodQRScan      = "m.qr_code.scan.v1"
	MethodReciprocate = "m.reciprocate.v1"
)

// SAS negotiation values.
const (
	KeyAgreementV1 = "curve25519"
	KeyAgreementV2 = "curve25519-hkdf-sha256"
	HashSHA256     = "sha256"
	MacHKDFHMAC    = "hkdf-hmac-sha256"
	MacHMACLongKDF = "hmac-sha256"
	SASEmoji       = "emoji"
	SASDecimal     = "decimal"
)

// Known-good values in preference order.
var (
	KnownKeyAgreementProtocols = []string{KeyAgreementV2, KeyAgreementV1}
	KnownHashes                = []string{HashSHA256}
	KnownMacs                  = []string{MacHKDFHMAC, MacHMACLongKDF}
	KnownShortCodes            = []string{SASEmoji, SASDecimal}
)

// RequestContent is the content of m.key.verification.request.
type RequestContent struct {
	FromDevice    domain.DeviceID      `json:"from_device"`
	Methods       []string             `json:"methods"`
	TransactionID domain.TransactionID `json:"transaction_id"`
	Timestamp     int64                `json:"timestamp"`
}

// ReadyContent is the content of m.key.verification.ready.
type ReadyContent struct {
	FromDevice    domain.DeviceID      `json:"from_device"`
	Methods       []string             `json:"methods"`
	TransactionID domain.TransactionID `json:"transaction_id"`
}

// StartContent is the content of m.key.verification.start for SAS.
type StartContent struct {
	FromDevice                 domain.DeviceID      `json:"from_device"`
	Method                     string               `json:"method"`
	TransactionID              domain.TransactionID `json:"transaction_id"`
	KeyAgreementProtocols      []string             `json:"key_agreement_protocols"`
	Hashes                     []string             `json:"hashes"`
	MessageAuthenticationCodes []string             `json:"message_authentication_codes"`
	ShortAuthenticationString  []string             `json:"short_authentication_string"`
}

func (c StartContent) valid() bool {
	return c.TransactionID != "" &&
		c.FromDevice != "" &&
		c.Method == MethodSAS &&
		len(c.KeyAgreementProtocols) > 0 &&
		len(c.Hashes) > 0 &&
		len(c.MessageAuthenticationCodes) > 0 &&
		len(c.ShortAuthenticationString) > 0
}

// AcceptContent is the content of m.key.verification.accept.
type AcceptContent struct {
	TransactionID             domain.TransactionID `json:"transaction_id"`
	Method                    string               `json:"method,omitempty"`
	KeyAgreementProtocol      string               `json:"key_agreement_protocol"`
	Hash                      string               `json:"hash"`
	MessageAuthenticationCode string               `json:"message_authentication_code"`
	ShortAuthenticationString []string             `json:"short_authentication_string"`
	Commitment                string               `json:"commitment"`
}

func (c AcceptContent) valid() bool {
	return c.TransactionID != "" &&
		c.KeyAgreementProtocol != "" &&
		c.Hash != "" &&
		c.MessageAuthenticationCode != "" &&
		len(c.ShortAuthenticationString) > 0 &&
		c.Commitment != ""
}

// KeyContent is the content of m.key.verification.key.
type KeyContent struct {
	TransactionID domain.TransactionID `json:"transaction_id"`
	Key           string               `json:"key"`
}

// MacContent is the content of m.key.verification.mac.
type MacContent struct {
	TransactionID domain.TransactionID `json:"transaction_id"`
	Mac           map[string]string    `json:"mac"`
	Keys          string               `json:"keys"`
}

func (c MacContent) valid() bool {
	return c.TransactionID != "" && len(c.Mac) > 0 && c.Keys != ""
}

// CancelContent is the content of m.key.verification.cancel.
type CancelContent struct {
	TransactionID domain.TransactionID `json:"transaction_id"`
	Code          CancelCode           `json:"code"`
	Reason        string               `json:"reason"`
}

// DoneContent is the content of m.key.verification.done.
type DoneContent struct {
	TransactionID domain.TransactionID `json:"transaction_id"`
}

