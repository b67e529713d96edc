package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/opd-ai/voicechat/media"
)

// Header carries the session fields common to every signal.
type Header struct {
	CallID       uint32    `json:"call_id"`
	ConferenceID string    `json:"conference_id,omitempty"`
	From         string    `json:"from"`
	Initiator    string    `json:"initiator"`
	Participants []string  `json:"participants"`
	MediaType    MediaType `json:"media_type"`
}

// Signal is one call control message. The set of implementations is
// closed: one struct per Status.
type Signal interface {
	Status() Status
	Head() Header
	signal()
}

// Requesting offers a call and announces the caller's media endpoint.
type Requesting struct {
	Header
	Endpoint media.Endpoint `json:"endpoint"`
}

// Accepted answers a call with the callee's bound media endpoint.
type Accepted struct {
	Header
	Endpoint media.Endpoint `json:"endpoint"`
}

// Connecting reports that the sender attached media to Endpoint.
type Connecting struct {
	Header
	Endpoint media.Endpoint `json:"endpoint"`
}

// Connected reports that the sender considers the call established.
type Connected struct {
	Header
}

// Rejected declines a call.
type Rejected struct {
	Header
	Reason string `json:"reason,omitempty"`
}

// Ended hangs up.
type Ended struct {
	Header
}

// Failed aborts a call with a reason.
type Failed struct {
	Header
	Detail string `json:"detail"`
}

func (Requesting) Status() Status { return StatusRequesting }
func (Accepted) Status() Status   { return StatusAccepted }
func (Connecting) Status() Status { return StatusConnecting }
func (Connected) Status() Status  { return StatusConnected }
func (Rejected) Status() Status   { return StatusRejected }
func (Ended) Status() Status      { return StatusEnded }
func (Failed) Status() Status     { return StatusError }

// Head returns the common fields.
func (h Header) Head() Header { return h }

func (Requesting) signal() {}
func (Accepted) signal()   {}
func (Connecting) signal() {}
func (Connected) signal()  {}
func (Rejected) signal()   {}
func (Ended) signal()      {}
func (Failed) signal()     {}

// wireSignal is the encoded form: a status tag and the variant body.
type wireSignal struct {
	Status Status          `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// EncodeSignal serializes sig for the chat channel.
func EncodeSignal(sig Signal) ([]byte, error) {
	if sig == nil {
		return nil, fmt.Errorf("%w: nil signal", ErrMalformedSignal)
	}
	body, err := json.Marshal(sig)
	if err != nil {
		return nil, fmt.Errorf("encode %s signal: %w", sig.Status(), err)
	}
	return json.Marshal(wireSignal{Status: sig.Status(), Body: body})
}

// DecodeSignal parses data produced by EncodeSignal.
func DecodeSignal(data []byte) (Signal, error) {
	var wire wireSignal
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedSignal, err)
	}

	var sig Signal
	var err error
	switch wire.Status {
	case StatusRequesting:
		sig, err = decodeBody[Requesting](wire.Body)
	case StatusAccepted:
		sig, err = decodeBody[Accepted](wire.Body)
	case StatusConnecting:
		sig, err = decodeBody[Connecting](wire.Body)
	case StatusConnected:
		sig, err = decodeBody[Connected](wire.Body)
	case StatusRejected:
		sig, err = decodeBody[Rejected](wire.Body)
	case StatusEnded:
		sig, err = decodeBody[Ended](wire.Body)
	case StatusError:
		sig, err = decodeBody[Failed](wire.Body)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownSignal, uint8(wire.Status))
	}
	if err != nil {
		return nil, err
	}
	return sig, nil
}

func decodeBody[T Signal](body json.RawMessage) (T, error) {
	var v T
	if len(body) == 0 {
		return v, fmt.Errorf("%w: missing body", ErrMalformedSignal)
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return v, fmt.Errorf("%w: %w", ErrMalformedSignal, err)
	}
	return v, nil
}

// headerFor builds the common fields of a signal about s sent by from.
func headerFor(s Session, from string) Header {
	participants := make([]string, len(s.Participants))
	copy(participants, s.Participants)
	return Header{
		CallID:       s.CallID,
		ConferenceID: s.ConferenceID,
		From:         from,
		Initiator:    s.Initiator,
		Participants: participants,
		MediaType:    s.MediaType,
	}
}
