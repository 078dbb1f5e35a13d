package event

import (
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func decodeRaw(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	return m
}

func TestEncodeLogLineWireShape(t *testing.T) {
	ev := NewLogLine(LogEntry{
		ID:          "abc",
		ProcessID:   7,
		ProcessName: "api",
		Stream:      StreamStderr,
		Message:     "boom",
		Timestamp:   t0,
	}, t0)

	b, err := Encode(ev)
	require.NoError(t, err)

	m := decodeRaw(t, b)
	assert.Equal(t, "LOG_MESSAGE", m["type"])
	assert.Contains(t, m, "timestamp")
	data := m["data"].(map[string]any)
	assert.Equal(t, "abc", data["id"])
	assert.EqualValues(t, 7, data["processId"])
	assert.Equal(t, "api", data["processName"])
	assert.Equal(t, "stderr", data["type"])
	assert.Equal(t, "boom", data["message"])
}

func TestEncodeEmptySnapshotUsesArray(t *testing.T) {
	b, err := Encode(NewProcessListSnapshot(nil, t0))
	require.NoError(t, err)
	assert.JSONEq(t, `{"processes":[]}`, string(mustData(t, b)))
}

func TestEncodeErrorOmitsEmptyCode(t *testing.T) {
	b, err := Encode(NewError("nope", "", t0))
	require.NoError(t, err)
	assert.JSONEq(t, `{"message":"nope"}`, string(mustData(t, b)))
}

func mustData(t *testing.T, b []byte) json.RawMessage {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(b, &env))
	return env.Data
}

func TestDecodeRestoresEvents(t *testing.T) {
	events := []Event{
		NewProcessListSnapshot([]Process{{ID: 1, Name: "web", Status: StatusOnline}}, t0),
		NewProcessLifecycle(5, "api", LifecycleExit, t0, t0),
		NewConnectionStatus(true, false, t0),
		NewError("bad", CodeBadJSON, t0),
	}
	for _, ev := range events {
		t.Run(string(ev.Kind()), func(t *testing.T) {
			b, err := Encode(ev)
			require.NoError(t, err)
			got, err := Decode(b)
			require.NoError(t, err)
			assert.Equal(t, ev.Kind(), got.Kind())
			assert.True(t, got.EmittedAt().Equal(ev.EmittedAt()))
		})
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"NOPE","data":{},"timestamp":"2026-03-01T12:00:00Z"}`))
	require.Error(t, err)
}

func TestSnapshotIsolatedFromCaller(t *testing.T) {
	procs := []Process{{ID: 1, Name: "web"}}
	ev := NewProcessListSnapshot(procs, t0)
	procs[0].Name = "changed"

	got := ev.Processes()
	assert.Equal(t, "web", got[0].Name)

	got[0].Name = "also changed"
	assert.Equal(t, "web", ev.Processes()[0].Name)
}

func TestDecodeCommand(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		want     Command
		wantCode string
	}{
		{"subscribe numeric", `{"type":"SUBSCRIBE_LOGS","data":{"processId":7}}`, Command{CmdSubscribeLogs, ProcessTarget(7)}, ""},
		{"subscribe numeric string", `{"type":"SUBSCRIBE_LOGS","data":{"processId":"7"}}`, Command{CmdSubscribeLogs, ProcessTarget(7)}, ""},
		{"subscribe all", `{"type":"SUBSCRIBE_LOGS","data":{"processId":"all"}}`, Command{CmdSubscribeLogs, AllProcesses}, ""},
		{"unsubscribe", `{"type":"UNSUBSCRIBE_LOGS","data":{"processId":0}}`, Command{CmdUnsubscribeLogs, ProcessTarget(0)}, ""},
		{"not json", `{{`, Command{}, CodeBadJSON},
		{"unknown type", `{"type":"RESTART","data":{"processId":1}}`, Command{}, CodeUnknownType},
		{"missing id", `{"type":"SUBSCRIBE_LOGS","data":{}}`, Command{}, CodeBadProcessID},
		{"missing data", `{"type":"SUBSCRIBE_LOGS"}`, Command{}, CodeBadProcessID},
		{"daemon id", `{"type":"SUBSCRIBE_LOGS","data":{"processId":-1}}`, Command{CmdSubscribeLogs, ProcessTarget(DaemonProcessID)}, ""},
		{"negative id", `{"type":"SUBSCRIBE_LOGS","data":{"processId":-3}}`, Command{}, CodeBadProcessID},
		{"garbage id", `{"type":"SUBSCRIBE_LOGS","data":{"processId":"web"}}`, Command{}, CodeBadProcessID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeCommand([]byte(tt.in))
			if tt.wantCode == "" {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
				return
			}
			var perr *ClientProtocolError
			require.True(t, errors.As(err, &perr), "want ClientProtocolError, got %v", err)
			assert.Equal(t, tt.wantCode, perr.Code)
		})
	}
}

func TestEncodeCommandRoundTrip(t *testing.T) {
	for _, target := range []Target{AllProcesses, ProcessTarget(3)} {
		b, err := EncodeCommand(Command{Type: CmdSubscribeLogs, Target: target}, t0)
		require.NoError(t, err)
		got, err := DecodeCommand(b)
		require.NoError(t, err)
		assert.Equal(t, target, got.Target)
	}
}

type kindRecorder struct{ seen []Kind }

func (r *kindRecorder) VisitProcessListSnapshot(ProcessListSnapshot) {
	r.seen = append(r.seen, KindProcessListSnapshot)
}
func (r *kindRecorder) VisitProcessLifecycle(ProcessLifecycle) {
	r.seen = append(r.seen, KindProcessLifecycle)
}
func (r *kindRecorder) VisitLogLine(LogLine) { r.seen = append(r.seen, KindLogLine) }
func (r *kindRecorder) VisitConnectionStatus(ConnectionStatus) {
	r.seen = append(r.seen, KindConnectionStatus)
}
func (r *kindRecorder) VisitError(Error) { r.seen = append(r.seen, KindError) }

func TestAcceptDispatchesByKind(t *testing.T) {
	events := []Event{
		NewProcessListSnapshot(nil, t0),
		NewProcessLifecycle(1, "a", LifecycleOnline, t0, t0),
		NewLogLine(LogEntry{}, t0),
		NewConnectionStatus(true, true, t0),
		NewError("x", "", t0),
	}
	r := &kindRecorder{}
	for _, ev := range events {
		ev.Accept(r)
	}
	require.Len(t, r.seen, len(events))
	for i, ev := range events {
		assert.Equal(t, ev.Kind(), r.seen[i])
	}
}
