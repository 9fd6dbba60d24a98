package codec

import (
	"encoding/json"
	"errors"

	"github.com/cuemby/burrow/pkg/reserr"
)

// Request is the decoded payload of an incoming request message.
type Request struct {
	CID        string              `json:"cid"`
	Params     json.RawMessage     `json:"params"`
	Token      json.RawMessage     `json:"token"`
	Header     map[string][]string `json:"header"`
	Host       string              `json:"host"`
	RemoteAddr string              `json:"remoteAddr"`
	URI        string              `json:"uri"`
	Query      string              `json:"query"`
}

// QueryRequest is the decoded payload of a request sent on a query event
// subject.
type QueryRequest struct {
	Query string `json:"query"`
}

// Result is a successful reply envelope.
type Result struct {
	Result interface{} `json:"result"`
}

// Resource is a resource reference reply envelope.
type Resource struct {
	Resource Ref `json:"resource"`
}

// ErrorResponse is an error reply envelope.
type ErrorResponse struct {
	Error *reserr.Error `json:"error"`
}

// ModelResult is the result content of a model get reply.
type ModelResult struct {
	Model interface{} `json:"model"`
	Query string      `json:"query,omitempty"`
}

// CollectionResult is the result content of a collection get reply.
type CollectionResult struct {
	Collection interface{} `json:"collection"`
	Query      string      `json:"query,omitempty"`
}

// AccessResult is the result content of an access granted reply.
type AccessResult struct {
	Get  bool   `json:"get,omitempty"`
	Call string `json:"call,omitempty"`
}

// ChangeEvent is the payload of a change event.
type ChangeEvent struct {
	Values map[string]interface{} `json:"values"`
}

// AddEvent is the payload of a collection add event.
type AddEvent struct {
	Value interface{} `json:"value"`
	Idx   int         `json:"idx"`
}

// RemoveEvent is the payload of a collection remove event.
type RemoveEvent struct {
	Idx int `json:"idx"`
}

// CreateEvent is the payload of a resource create event.
type CreateEvent struct {
	Data interface{} `json:"data"`
}

// TokenEvent is the payload of a connection token event.
type TokenEvent struct {
	Token interface{} `json:"token"`
}

// ResetEvent is the payload of a system reset event.
type ResetEvent struct {
	Resources []string `json:"resources"`
	Access    []string `json:"access"`
}

// QueryEvent is the payload of a query event, referencing the transient
// subject query requests should be sent on.
type QueryEvent struct {
	Subject string `json:"subject"`
}

// EventEntry is a single event in a query reply.
type EventEntry struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// QueryResult is the result content of a query reply.
type QueryResult struct {
	Events []EventEntry `json:"events"`
}

// DeleteAction is the sentinel value used in change events to mark a model
// field as deleted. It serializes to the object {"action":"delete"}.
var DeleteAction = &struct {
	Action string `json:"action"`
}{Action: "delete"}

// Ref is a resource reference to a resource ID. It serializes to the object
// {"rid":"<resourceID>"}.
type Ref string

type refObj struct {
	RID string `json:"rid"`
}

var errInvalidRef = errors.New("codec: invalid resource reference")

// MarshalJSON implements json.Marshaler.
func (r Ref) MarshalJSON() ([]byte, error) {
	return json.Marshal(refObj{RID: string(r)})
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Ref) UnmarshalJSON(data []byte) error {
	var o refObj
	if err := json.Unmarshal(data, &o); err != nil {
		return err
	}
	if o.RID == "" {
		return errInvalidRef
	}
	*r = Ref(o.RID)
	return nil
}

// IsValid returns true if the reference is a valid resource ID: one or more
// non-empty dot-separated parts without whitespace or wildcard characters,
// optionally followed by a query.
func (r Ref) IsValid() bool {
	s := string(r)
	start := true
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '?' {
			return !start && i < len(s)-1
		}
		if c == '.' {
			if start {
				return false
			}
			start = true
			continue
		}
		if c < 33 || c > 126 || c == '*' || c == '>' {
			return false
		}
		start = false
	}
	return !start
}
