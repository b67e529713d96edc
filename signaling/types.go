package signaling

import (
	"fmt"
	"slices"
	"time"

	"github.com/opd-ai/voicechat/media"
)

// Status is the lifecycle state of a call session.
type Status uint8

const (
	// StatusRequesting is a placed call awaiting an answer.
	StatusRequesting Status = iota + 1
	// StatusConnecting means media is attached but no audio has been seen.
	StatusConnecting
	// StatusAccepted is an answered call whose media is not yet attached.
	StatusAccepted
	// StatusConnected is an established call.
	StatusConnected
	// StatusRejected is a declined call. It only leads to StatusEnded.
	StatusRejected
	// StatusEnded is a finished call.
	StatusEnded
	// StatusError is a call that failed; ErrorDetail says why.
	StatusError
)

var statusNames = map[Status]string{
	StatusRequesting: "Requesting",
	StatusConnecting: "Connecting",
	StatusAccepted:   "Accepted",
	StatusConnected:  "Connected",
	StatusRejected:   "Rejected",
	StatusEnded:      "Ended",
	StatusError:      "Error",
}

// String returns the status name.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// Terminal reports whether no further progress is possible from s.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusEnded || s == StatusError
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownSignal, name)
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	if _, ok := statusNames[s]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSignal, uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MediaType selects which media a call carries. Only audio is transported.
type MediaType string

const (
	MediaAudioOnly  MediaType = "audio"
	MediaVideoOnly  MediaType = "video"
	MediaAudioVideo MediaType = "audio_video"
)

// Session is a snapshot of one call or conference leg.
type Session struct {
	CallID       uint32
	ConferenceID string
	Initiator    string
	Participants []string
	Status       Status
	MediaType    MediaType

	LocalEndpoint  media.Endpoint
	RemoteEndpoint media.Endpoint

	// ErrorDetail is set only when Status is StatusError.
	ErrorDetail string

	ConnectedAt time.Time
	EndedAt     time.Time
}

// IsConference reports whether the session was placed as a conference.
func (s Session) IsConference() bool {
	return s.ConferenceID != ""
}

// HasParticipant reports whether identity is one of the recipients.
func (s Session) HasParticipant(identity string) bool {
	return slices.Contains(s.Participants, identity)
}

// Duration returns how long the call has been or was connected.
func (s Session) Duration() time.Duration {
	if s.ConnectedAt.IsZero() {
		return 0
	}
	if !s.EndedAt.IsZero() {
		return s.EndedAt.Sub(s.ConnectedAt)
	}
	return time.Since(s.ConnectedAt)
}
