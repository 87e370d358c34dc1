package interpret

import "regexp"

// cueTailLimit bounds how much tail the cue matchers look at.
const cueTailLimit = 9 * 1024

var (
	completionCuePattern = regexp.MustCompile(
		`(?i)(completed:|pending:|risks:|next:|final summary|handoff|task complete(d)?|done-when)`)

	// Structured question packet: all three markers present.
	questionMarkerPattern = regexp.MustCompile(`(?i)QUESTION:`)
	optionsMarkerPattern  = regexp.MustCompile(`(?i)OPTIONS:`)
	blockingMarkerPattern = regexp.MustCompile(`(?i)BLOCKING:`)

	// Explicit asks outside the packet format.
	explicitAskPattern = regexp.MustCompile(
		`(?i)(need(s)? (a )?(decision|input|approval)|choose one|which option)`)
)

// HasCompletionCue reports whether the preview line or recent tail signals
// that a worker considers its task finished.
func HasCompletionCue(tail []byte) bool {
	return completionCuePattern.Match(clipTail(tail))
}

// HasQuestionCue reports whether the tail contains a structured question
// packet or an explicit ask for a decision.
func HasQuestionCue(tail []byte) bool {
	t := clipTail(tail)
	if questionMarkerPattern.Match(t) && optionsMarkerPattern.Match(t) && blockingMarkerPattern.Match(t) {
		return true
	}
	return explicitAskPattern.Match(t)
}

func clipTail(tail []byte) []byte {
	if len(tail) > cueTailLimit {
		tail = tail[len(tail)-cueTailLimit:]
	}
	return Clean(tail)
}
