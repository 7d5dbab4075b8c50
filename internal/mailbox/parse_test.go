package mailbox

import "testing"

func TestStripQuotedAndSignature(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "strips on wrote quote",
			body: "Sure, call me at 555.\n\nOn Mon, Jan 5, 2026 at 1:00 PM Jane <jane@x.com> wrote:\n> original message",
			want: "Sure, call me at 555.",
		},
		{
			name: "strips signature delimiter",
			body: "Not interested, thanks.\n-- \nJohn Doe\nCEO",
			want: "Not interested, thanks.",
		},
		{
			name: "keeps plain reply untouched",
			body: "Yes I'm interested, let's talk.",
			want: "Yes I'm interested, let's talk.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := stripQuotedAndSignature(tt.body)
			if got != tt.want {
				t.Errorf("stripQuotedAndSignature() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDetectContactPreSignal(t *testing.T) {
	phone, addr := detectContactPreSignal("call me at +1 415-555-0100")
	if !phone {
		t.Error("expected phone pre-signal")
	}
	if addr {
		t.Error("expected no address pre-signal")
	}

	phone, addr = detectContactPreSignal("I live on Main Street, apt. 4")
	if phone {
		t.Error("expected no phone pre-signal")
	}
	if !addr {
		t.Error("expected address pre-signal")
	}

	phone, addr = detectContactPreSignal("sounds good, talk soon")
	if phone || addr {
		t.Error("expected no pre-signal on plain text")
	}
}

func TestIsReplyToOutreach(t *testing.T) {
	tests := []struct {
		name      string
		messageID string
		threadID  string
		subject   string
		want      bool
	}{
		{name: "distinct thread id", messageID: "m2", threadID: "m1", subject: "hello", want: true},
		{name: "re subject", messageID: "m1", threadID: "m1", subject: "Re: hello", want: true},
		{name: "fwd subject", messageID: "m1", threadID: "m1", subject: "Fwd: hello", want: true},
		{name: "fresh message", messageID: "m1", threadID: "m1", subject: "hello", want: false},
		{name: "empty thread id", messageID: "m1", threadID: "", subject: "hello", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsReplyToOutreach(tt.messageID, tt.threadID, tt.subject)
			if got != tt.want {
				t.Errorf("IsReplyToOutreach() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseRawRejectsEmptyBody(t *testing.T) {
	_, _, ok := parseRaw([]byte("Subject: hi\r\nFrom: a@b.com\r\n\r\n"))
	if ok {
		t.Error("expected parseRaw to reject a message with no text or html part")
	}
}

func TestParseRawExtractsPlainText(t *testing.T) {
	raw := "Subject: Re: intro\r\nFrom: a@b.com\r\nContent-Type: text/plain\r\n\r\nSure, interested.\r\n"
	subject, body, ok := parseRaw([]byte(raw))
	if !ok {
		t.Fatal("expected parseRaw to succeed on a plain text message")
	}
	if subject != "Re: intro" {
		t.Errorf("subject = %q, want %q", subject, "Re: intro")
	}
	if body != "Sure, interested." {
		t.Errorf("body = %q, want %q", body, "Sure, interested.")
	}
}
