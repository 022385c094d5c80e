package transfer

import (
	"errors"
	"fmt"

	"github.com/rudransh-shrivastava/sharedrop/internal/protocol"
)

var (
	ErrMalformedChunk   = errors.New("malformed chunk")
	ErrOversizedPayload = errors.New("oversized payload")
	ErrUnknownTransfer  = errors.New("unknown transfer")
	ErrTransferExists   = errors.New("transfer already exists")
	ErrTargetBusy       = errors.New("target has too many pending requests")
	ErrCapacity         = errors.New("relay at session capacity")
	ErrNotParticipant   = errors.New("not a participant of the transfer")
	ErrAmbiguous        = errors.New("ambiguous response")
)

var codes = map[error]protocol.ErrorCode{
	ErrMalformedChunk:   protocol.ErrMalformedChunk,
	ErrOversizedPayload: protocol.ErrOversizedPayload,
	ErrUnknownTransfer:  protocol.ErrUnknownTransfer,
	ErrTransferExists:   protocol.ErrTransferExists,
	ErrTargetBusy:       protocol.ErrTargetBusy,
	ErrCapacity:         protocol.ErrCapacity,
	ErrNotParticipant:   protocol.ErrNotParticipant,
	ErrAmbiguous:        protocol.ErrAmbiguous,
}

// Error is a session-scoped failure. It unwraps to one of the package
// sentinels. Aborted is set when the failure also discarded the session.
type Error struct {
	TransferID string
	Err        error
	Detail     string
	Aborted    bool
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("transfer %s: %v", e.TransferID, e.Err)
	}
	return fmt.Sprintf("transfer %s: %v: %s", e.TransferID, e.Err, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Code() protocol.ErrorCode {
	return CodeOf(e.Err)
}

func newError(transferID string, sentinel error, format string, args ...any) *Error {
	return &Error{
		TransferID: transferID,
		Err:        sentinel,
		Detail:     fmt.Sprintf(format, args...),
	}
}

// CodeOf maps err to its wire code.
func CodeOf(err error) protocol.ErrorCode {
	for sentinel, code := range codes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return protocol.ErrInternal
}
