package wskit

import (
	"testing"

	"github.com/halloway/gantry/bridge"
	"github.com/halloway/gantry/wire"
)

func roundTrip(t *testing.T, env *Envelope) *Envelope {
	t.Helper()
	data, err := MarshalEnvelope(env)
	if err != nil {
		t.Fatalf("MarshalEnvelope returned error: %v", err)
	}
	out, err := UnmarshalEnvelope(data)
	if err != nil {
		t.Fatalf("UnmarshalEnvelope returned error: %v", err)
	}
	if out.Kind != env.Kind {
		t.Fatalf("kind = %q, want %q", out.Kind, env.Kind)
	}
	return out
}

func TestEnvelope_CallRoundTrip(t *testing.T) {
	out := roundTrip(t, &Envelope{
		Kind: KindCall,
		Call: &bridge.CallRequest{
			ID:   "req-1",
			Call: "scene.spawn",
			Args: []wire.Value{wire.String("crate"), wire.Float3(1, 2, 3)},
		},
	})
	if out.Call == nil {
		t.Fatal("call payload missing after round trip")
	}
	if out.Call.Call != "scene.spawn" {
		t.Errorf("call name = %q, want %q", out.Call.Call, "scene.spawn")
	}
	if len(out.Call.Args) != 2 || !out.Call.Args[1].Equal(wire.Float3(1, 2, 3)) {
		t.Errorf("args did not survive the round trip: %v", out.Call.Args)
	}
}

func TestEnvelope_ResponseCarriesError(t *testing.T) {
	out := roundTrip(t, &Envelope{
		Kind: KindResponse,
		Response: &bridge.CallResponse{
			ID:  "req-2",
			Err: bridge.Errorf(bridge.ErrUnknownCall, "no call named %q", "nope"),
		},
	})
	if out.Response == nil || out.Response.Err == nil {
		t.Fatal("error payload missing after round trip")
	}
	if out.Response.Err.Kind != bridge.ErrUnknownCall {
		t.Errorf("error kind = %q, want %q", out.Response.Err.Kind, bridge.ErrUnknownCall)
	}
}

func TestEnvelope_EventRoundTrip(t *testing.T) {
	out := roundTrip(t, &Envelope{
		Kind: KindEvent,
		Event: &EventMsg{
			SubID:   "sub-1",
			Name:    "engine.tick",
			Seq:     7,
			Payload: wire.Uint64(42),
			Dropped: 3,
		},
	})
	if out.Event == nil {
		t.Fatal("event payload missing after round trip")
	}
	if out.Event.Seq != 7 || out.Event.Dropped != 3 {
		t.Errorf("event = %+v, want seq 7 dropped 3", out.Event)
	}
	if !out.Event.Payload.Equal(wire.Uint64(42)) {
		t.Errorf("payload = %v, want u64(42)", out.Event.Payload)
	}
}

func TestEnvelope_FrameEndMarker(t *testing.T) {
	out := roundTrip(t, &Envelope{
		Kind:  KindFrame,
		Frame: &FrameMsg{StreamID: "telemetry", End: true},
	})
	if out.Frame == nil || !out.Frame.End {
		t.Fatal("end marker missing after round trip")
	}
	if out.Frame.Payload != nil {
		t.Errorf("end marker should carry no payload, got %v", out.Frame.Payload)
	}
}

func TestEnvelope_ControlRoundTrip(t *testing.T) {
	out := roundTrip(t, &Envelope{
		Kind: KindControl,
		Control: &ControlMsg{
			ID:       "ctl-1",
			Op:       OpOpenStream,
			StreamID: "telemetry",
			Backlog:  8,
			Credit:   8,
		},
	})
	if out.Control == nil {
		t.Fatal("control payload missing after round trip")
	}
	if out.Control.Op != OpOpenStream || out.Control.Credit != 8 {
		t.Errorf("control = %+v, want open-stream with credit 8", out.Control)
	}
}
