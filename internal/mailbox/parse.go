package mailbox

import (
	"bufio"
	"regexp"
	"strings"

	"github.com/jhillyerd/enmime"
)

// onWroteLine and the "-- " signature delimiter checked in
// stripQuotedAndSignature are the two heuristics the original source
// uses to find where a reply's own text ends and the quoted
// thread/signature begins.
// No third-party quote-stripping library appears anywhere in the
// retrieved pack, so this stays the same small heuristic rather than
// inventing a dependency; see DESIGN.md.
var onWroteLine = regexp.MustCompile(`(?i)^on .{0,120} wrote:\s*$`)

// stripQuotedAndSignature returns only the text a human actually typed:
// everything before the first "On ... wrote:" line, and everything
// before a standalone "-- " signature delimiter, whichever comes first.
func stripQuotedAndSignature(body string) string {
	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var kept []string
	for scanner.Scan() {
		line := scanner.Text()
		if onWroteLine.MatchString(strings.TrimSpace(line)) {
			break
		}
		if strings.TrimRight(line, " \t") == "--" {
			break
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

var phonePreSignal = regexp.MustCompile(`\+?\d[\d\s().-]{7,}\d`)
var addressPreSignal = regexp.MustCompile(`(?i)\b(street|st\.|avenue|ave\.|road|rd\.|block|apartment|apt\.|floor|zip\s*code|pin\s*code)\b`)

// parseRaw decodes a raw RFC822 blob into plain reply text, stripping
// HTML and quoted/signature content, and returns the Poller's cheap
// contact-info pre-signal. enmime is the pack's only grounded choice
// for RFC822/MIME parsing (retrieved alongside the IMAP library in
// other_examples/customeros-mailstack); its own go.mod pulls in
// html2text/chardet/imaging transitively for the HTML branch.
func parseRaw(raw []byte) (subject, body string, ok bool) {
	envelope, err := enmime.ReadEnvelope(strings.NewReader(string(raw)))
	if err != nil {
		return "", "", false
	}

	text := envelope.Text
	if strings.TrimSpace(text) == "" && strings.TrimSpace(envelope.HTML) != "" {
		text = envelope.HTML
	}
	if strings.TrimSpace(text) == "" {
		return "", "", false
	}

	return envelope.GetHeader("Subject"), stripQuotedAndSignature(text), true
}

// detectContactPreSignal is a cheap regex pass used only to populate
// Message.HasPhonePre/HasAddressPre as a hint; the Analyzer's verdict is
// authoritative and DecisionRouter never trusts this signal alone.
func detectContactPreSignal(body string) (hasPhone, hasAddress bool) {
	return phonePreSignal.MatchString(body), addressPreSignal.MatchString(body)
}

// IsReplyToOutreach keeps only messages that are part of an existing
// thread: a threading reference distinct from the message's own id, or
// a subject that already looks like a reply/forward.
func IsReplyToOutreach(messageID, threadID, subject string) bool {
	if threadID != "" && threadID != messageID {
		return true
	}
	lower := strings.ToLower(strings.TrimSpace(subject))
	return strings.HasPrefix(lower, "re:") || strings.HasPrefix(lower, "fwd:")
}
