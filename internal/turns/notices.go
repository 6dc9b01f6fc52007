package turns

// NoticeKind is a category of user-visible notice. Each terminal failure
// state maps to exactly one category; channel adapters own the wording.
type NoticeKind string

const (
	// NoticeBusy tells the user their message was queued behind a running turn
	NoticeBusy NoticeKind = "busy"

	// NoticeTimeout reports a provider deadline or stream inactivity
	NoticeTimeout NoticeKind = "timeout"

	// NoticeError reports a generic provider or internal failure
	NoticeError NoticeKind = "error"

	// NoticeStuck reports a tool-call loop that hit its iteration cap
	NoticeStuck NoticeKind = "stuck"

	// NoticeDegraded reports that empty-response retries were exhausted
	NoticeDegraded NoticeKind = "degraded"
)

// noticeByOutcome is the static mapping from terminal loop outcomes to user
// notices. Outcomes absent from the table produce no notice: Completed
// renders real output, Stopped stays silent by design, and Empty is handled
// by the runner's retry policy before NoticeDegraded applies.
var noticeByOutcome = map[Outcome]NoticeKind{
	OutcomeTimedOut:      NoticeTimeout,
	OutcomeErrored:       NoticeError,
	OutcomeMaxIterations: NoticeStuck,
}

// NoticeFor returns the notice category for a terminal outcome, if any.
func NoticeFor(o Outcome) (NoticeKind, bool) {
	kind, ok := noticeByOutcome[o]
	return kind, ok
}
