package protocol

const (
	// DefaultChunkSize matches the browser client's slice size.
	DefaultChunkSize = 64 * 1024
	MaxPercent       = 100
)

type Event string

const (
	EvAnnounce        Event = "announce"
	EvCancelTransfer  Event = "cancelTransfer"
	EvChunk           Event = "chunk"
	EvProgress        Event = "progress"
	EvRequestTransfer Event = "requestTransfer"
	EvRespondTransfer Event = "respondTransfer"
	EvSendMessage     Event = "sendMessage"

	EvDeliveryFailed    Event = "deliveryFailed"
	EvError             Event = "error"
	EvFileReceived      Event = "fileReceived"
	EvMessageReceived   Event = "messageReceived"
	EvProgressUpdate    Event = "progressUpdate"
	EvRoster            Event = "roster"
	EvTransferAborted   Event = "transferAborted"
	EvTransferError     Event = "transferError"
	EvTransferPending   Event = "transferPending"
	EvTransferRequested Event = "transferRequested"
	EvTransferResponse  Event = "transferResponse"
	EvWelcome           Event = "welcome"
)

func (e Event) String() string { return string(e) }

// Inbound reports whether clients are allowed to send the event.
func (e Event) Inbound() bool {
	switch e {
	case EvAnnounce, EvCancelTransfer, EvChunk, EvProgress,
		EvRequestTransfer, EvRespondTransfer, EvSendMessage:
		return true
	default:
		return false
	}
}

type ErrorCode uint16

const (
	ErrUnknown          ErrorCode = 0x0000
	ErrInvalidMsg       ErrorCode = 0x0001
	ErrPeerNotFound     ErrorCode = 0x0004
	ErrMalformedChunk   ErrorCode = 0x0010
	ErrOversizedPayload ErrorCode = 0x0011
	ErrUnknownTransfer  ErrorCode = 0x0012
	ErrTransferExists   ErrorCode = 0x0013
	ErrTargetBusy       ErrorCode = 0x0014
	ErrCapacity         ErrorCode = 0x0015
	ErrNotParticipant   ErrorCode = 0x0016
	ErrAmbiguous        ErrorCode = 0x0017
	ErrInternal         ErrorCode = 0x00FF
)

func (e ErrorCode) String() string {
	switch e {
	case ErrInvalidMsg:
		return "INVALID_MESSAGE"
	case ErrPeerNotFound:
		return "PEER_NOT_FOUND"
	case ErrMalformedChunk:
		return "MALFORMED_CHUNK"
	case ErrOversizedPayload:
		return "OVERSIZED_PAYLOAD"
	case ErrUnknownTransfer:
		return "UNKNOWN_TRANSFER"
	case ErrTransferExists:
		return "TRANSFER_EXISTS"
	case ErrTargetBusy:
		return "TARGET_BUSY"
	case ErrCapacity:
		return "CAPACITY"
	case ErrNotParticipant:
		return "NOT_PARTICIPANT"
	case ErrAmbiguous:
		return "AMBIGUOUS_RESPONSE"
	case ErrInternal:
		return "INTERNAL_ERROR"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the code by name on the wire.
func (e ErrorCode) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

func (e *ErrorCode) UnmarshalText(b []byte) error {
	for _, c := range []ErrorCode{
		ErrInvalidMsg, ErrPeerNotFound, ErrMalformedChunk, ErrOversizedPayload,
		ErrUnknownTransfer, ErrTransferExists, ErrTargetBusy, ErrCapacity,
		ErrNotParticipant, ErrAmbiguous, ErrInternal,
	} {
		if c.String() == string(b) {
			*e = c
			return nil
		}
	}
	*e = ErrUnknown
	return nil
}

// Abort reasons carried by transferAborted.
const (
	ReasonCancelled        = "cancelled"
	ReasonDeclined         = "declined"
	ReasonHandshakeTimeout = "handshake_timeout"
	ReasonPeerDisconnected = "peer_disconnected"
	ReasonStalled          = "stalled"
)
