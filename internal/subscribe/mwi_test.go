package subscribe

import "testing"

func TestParseMWIMessagesWaiting(t *testing.T) {
	body := []byte("Messages-Waiting: yes\r\nVoice-Message: 4/12\r\n")
	status := ParseMWI(body)
	if !status.MessagesWaiting {
		t.Error("expected MessagesWaiting true")
	}
	if status.NewMessages != 4 || status.OldMessages != 12 {
		t.Errorf("counts = %d/%d, want 4/12", status.NewMessages, status.OldMessages)
	}
}

func TestParseMWINoMessages(t *testing.T) {
	body := []byte("Messages-Waiting: no\r\nVoice-Message: 0/0\r\n")
	status := ParseMWI(body)
	if status.MessagesWaiting {
		t.Error("expected MessagesWaiting false")
	}
}

func TestParseMWIIgnoresUnrecognizedLines(t *testing.T) {
	body := []byte("Content-Type: text/plain\r\nMessages-Waiting: yes\r\n")
	status := ParseMWI(body)
	if !status.MessagesWaiting {
		t.Error("expected MessagesWaiting true")
	}
}

func TestParseMWIEmptyBody(t *testing.T) {
	status := ParseMWI(nil)
	if status.MessagesWaiting || status.NewMessages != 0 || status.OldMessages != 0 {
		t.Errorf("status = %+v, want zero value", status)
	}
}
