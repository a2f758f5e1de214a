package subscribe

import "testing"

func TestParseDialogInfoAbsentDialogMeansTerminated(t *testing.T) {
	body := []byte(`<?xml version="1.0"?><dialog-info xmlns="urn:ietf:params:xml:ns:dialog-info" version="0" state="full" entity="sip:4001@example.net"></dialog-info>`)
	state, remote := ParseDialogInfo(body)
	if state != DialogTerminated {
		t.Errorf("state = %v, want DialogTerminated", state)
	}
	if remote != "" {
		t.Errorf("remote = %q, want empty", remote)
	}
}

func TestParseDialogInfoReadsStateAndRemoteTarget(t *testing.T) {
	body := []byte(`<?xml version="1.0"?>
<dialog-info xmlns="urn:ietf:params:xml:ns:dialog-info" version="1" state="full" entity="sip:4001@example.net">
  <dialog id="abc">
    <state>confirmed</state>
    <remote><target uri="sip:4002@example.net"/></remote>
  </dialog>
</dialog-info>`)
	state, remote := ParseDialogInfo(body)
	if state != DialogConfirmed {
		t.Errorf("state = %v, want DialogConfirmed", state)
	}
	if remote != "sip:4002@example.net" {
		t.Errorf("remote = %q, want sip:4002@example.net", remote)
	}
}

func TestParseDialogInfoMalformedXMLYieldsUnknown(t *testing.T) {
	state, _ := ParseDialogInfo([]byte("not xml"))
	if state != DialogUnknown {
		t.Errorf("state = %v, want DialogUnknown", state)
	}
}

func TestDialogInfoRoundTrip(t *testing.T) {
	tests := []struct {
		state  DialogState
		remote string
	}{
		{DialogTrying, ""},
		{DialogProceeding, ""},
		{DialogEarly, "sip:4002@example.net"},
		{DialogConfirmed, "sip:4002@example.net"},
		{DialogHold, "sip:4002@example.net"},
		{DialogTerminated, ""},
	}
	for _, tt := range tests {
		encoded := EncodeDialogInfo("sip:4001@example.net", tt.state, tt.remote)
		gotState, gotRemote := ParseDialogInfo(encoded)
		if gotState != tt.state {
			t.Errorf("round trip state = %v, want %v (encoded: %s)", gotState, tt.state, encoded)
		}
		if gotRemote != tt.remote {
			t.Errorf("round trip remote = %q, want %q", gotRemote, tt.remote)
		}
	}
}
