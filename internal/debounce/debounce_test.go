package debounce

import "testing"

// B1: a body of exactly 9 non-whitespace characters is trivial-rejected;
// 10 characters is accepted.
func TestIsTrivialLengthBoundary(t *testing.T) {
	nine := "123456789"
	ten := "1234567890"

	if len(nine) != 9 || len(ten) != 10 {
		t.Fatalf("test fixture broken: len(nine)=%d len(ten)=%d", len(nine), len(ten))
	}
	if !IsTrivial(nine) {
		t.Errorf("expected a 9-character body to be trivial")
	}
	if IsTrivial(ten) {
		t.Errorf("expected a 10-character body to be accepted")
	}
}

func TestIsTrivialNoiseTokens(t *testing.T) {
	noise := []string{"hi", "Hello", "  hey  ", "Thanks", "thank you", "OK", "okay", "Yes", "No", "yep", "nope", "?", "thx", "ty"}
	for _, body := range noise {
		if !IsTrivial(body) {
			t.Errorf("expected %q to be treated as trivial noise", body)
		}
	}
}

func TestIsTrivialAcceptsRealContent(t *testing.T) {
	bodies := []string{
		"I'm interested — tell me more about the campaign and timelines.",
		"Sure, WhatsApp me at +1 415 555 0100.",
		"No thanks, not for me right now.",
	}
	for _, body := range bodies {
		if IsTrivial(body) {
			t.Errorf("expected %q to be accepted as non-trivial", body)
		}
	}
}

func TestIsTrivialWhitespaceOnlyIsTrivial(t *testing.T) {
	if !IsTrivial("             ") {
		t.Error("expected a whitespace-only body to be trivial")
	}
	if !IsTrivial("") {
		t.Error("expected an empty body to be trivial")
	}
}
