package relay

// Signaling message types sent by the client.
const (
	TypeJoin        = "join"
	TypePublish     = "publish"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeLeave       = "leave"
	TypeCandidate   = "candidate"
)

// Signaling message types sent by the relay.
const (
	TypeAck             = "ack"
	TypeError           = "error"
	TypeAnswer          = "answer"
	TypeUserPublished   = "user-published"
	TypeUserUnpublished = "user-unpublished"
	TypeUserLeft        = "user-left"
)

// Message is the single JSON envelope used in both directions. Requests carry
// an ID; the relay echoes it on the matching ack, error or answer.
type Message struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Channel   string `json:"channel,omitempty"`
	Identity  string `json:"identity,omitempty"`
	Media     string `json:"media,omitempty"`
	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"`
	Token     string `json:"token,omitempty"`
	Role      string `json:"role,omitempty"`
	AppID     string `json:"app_id,omitempty"`
	Mode      string `json:"mode,omitempty"`
	Codec     string `json:"codec,omitempty"`
	TrackID   string `json:"track_id,omitempty"`
	State     string `json:"state,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (m Message) isReply() bool {
	return m.ID != "" && (m.Type == TypeAck || m.Type == TypeError || m.Type == TypeAnswer)
}
