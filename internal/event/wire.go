package event

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Envelope is the frame shape used in both directions on the downstream socket.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

type snapshotData struct {
	Processes []Process `json:"processes"`
}

type lifecycleData struct {
	ProcessID   int       `json:"processId"`
	ProcessName string    `json:"processName"`
	Event       Lifecycle `json:"event"`
	Timestamp   time.Time `json:"timestamp"`
}

type statusData struct {
	Connected         bool `json:"connected"`
	UpstreamConnected bool `json:"upstreamConnected"`
}

type errorData struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Encode renders e as a wire envelope.
func Encode(e Event) ([]byte, error) {
	p := e.payload()
	if s, ok := p.(snapshotData); ok && s.Processes == nil {
		p = snapshotData{Processes: []Process{}}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Kind(), err)
	}
	return json.Marshal(Envelope{
		Type:      string(e.Kind()),
		Data:      data,
		Timestamp: e.EmittedAt(),
	})
}

// Decode parses a server-to-client envelope back into an Event. The
// envelope timestamp becomes the event's EmittedAt.
func Decode(b []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	at := env.Timestamp
	switch Kind(env.Type) {
	case KindProcessListSnapshot:
		var d snapshotData
		if err := unmarshalData(env, &d); err != nil {
			return nil, err
		}
		return ProcessListSnapshot{processes: nonNil(d.Processes), at: at}, nil
	case KindProcessLifecycle:
		var d lifecycleData
		if err := unmarshalData(env, &d); err != nil {
			return nil, err
		}
		return NewProcessLifecycle(d.ProcessID, d.ProcessName, d.Event, d.Timestamp, at), nil
	case KindLogLine:
		var d LogEntry
		if err := unmarshalData(env, &d); err != nil {
			return nil, err
		}
		return NewLogLine(d, at), nil
	case KindConnectionStatus:
		var d statusData
		if err := unmarshalData(env, &d); err != nil {
			return nil, err
		}
		return NewConnectionStatus(d.Connected, d.UpstreamConnected, at), nil
	case KindError:
		var d errorData
		if err := unmarshalData(env, &d); err != nil {
			return nil, err
		}
		return NewError(d.Message, d.Code, at), nil
	default:
		return nil, fmt.Errorf("decode envelope: unknown type %q", env.Type)
	}
}

func unmarshalData(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("decode %s: missing data", env.Type)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return nil
}

func nonNil(p []Process) []Process {
	if p == nil {
		return []Process{}
	}
	return p
}

// CommandType is the wire "type" tag of a client-to-server message.
type CommandType string

const (
	CmdSubscribeLogs   CommandType = "SUBSCRIBE_LOGS"
	CmdUnsubscribeLogs CommandType = "UNSUBSCRIBE_LOGS"
)

// Error codes reported back to a client that sent an unusable message.
const (
	CodeBadJSON      = "BAD_JSON"
	CodeUnknownType  = "UNKNOWN_TYPE"
	CodeBadProcessID = "BAD_PROCESS_ID"
	CodeRateLimited  = "RATE_LIMITED"
)

// Target selects one process or every process.
type Target struct {
	All       bool
	ProcessID int
}

// AllProcesses is the wildcard subscription target.
var AllProcesses = Target{All: true}

// ProcessTarget selects a single process id.
func ProcessTarget(id int) Target { return Target{ProcessID: id} }

func (t Target) String() string {
	if t.All {
		return "all"
	}
	return strconv.Itoa(t.ProcessID)
}

// MarshalJSON writes "all" or the numeric id.
func (t Target) MarshalJSON() ([]byte, error) {
	if t.All {
		return []byte(`"all"`), nil
	}
	return []byte(strconv.Itoa(t.ProcessID)), nil
}

// UnmarshalJSON accepts "all", a number, or a numeric string. The only
// negative id accepted is DaemonProcessID.
func (t *Target) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == "" {
		return errors.New("process id is required")
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		if strings.EqualFold(str, "all") {
			*t = AllProcesses
			return nil
		}
		s = str
	}
	id, err := strconv.Atoi(s)
	if err != nil || id < DaemonProcessID {
		return fmt.Errorf("invalid process id %s", string(b))
	}
	*t = ProcessTarget(id)
	return nil
}

// Command is a decoded client-to-server message.
type Command struct {
	Type   CommandType
	Target Target
}

type commandData struct {
	ProcessID *Target `json:"processId"`
}

// ClientProtocolError describes an inbound message the relay could not use.
type ClientProtocolError struct {
	Code string
	Msg  string
}

func (e *ClientProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// DecodeCommand parses a client-to-server envelope. Every failure is a
// *ClientProtocolError.
func DecodeCommand(b []byte) (Command, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Command{}, &ClientProtocolError{Code: CodeBadJSON, Msg: "message is not a valid envelope"}
	}
	typ := CommandType(env.Type)
	switch typ {
	case CmdSubscribeLogs, CmdUnsubscribeLogs:
	default:
		return Command{}, &ClientProtocolError{Code: CodeUnknownType, Msg: fmt.Sprintf("unsupported message type %q", env.Type)}
	}

	var d commandData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return Command{}, &ClientProtocolError{Code: CodeBadProcessID, Msg: err.Error()}
		}
	}
	if d.ProcessID == nil {
		return Command{}, &ClientProtocolError{Code: CodeBadProcessID, Msg: "processId is required"}
	}
	return Command{Type: typ, Target: *d.ProcessID}, nil
}

// EncodeCommand renders a client-to-server envelope.
func EncodeCommand(c Command, at time.Time) ([]byte, error) {
	data, err := json.Marshal(commandData{ProcessID: &c.Target})
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: string(c.Type), Data: data, Timestamp: at})
}
