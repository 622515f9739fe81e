package moderation

// Reasons reported in FilterResult.
const (
	ReasonKeyword = "blocked_keyword"
	ReasonSpam    = "spam_pattern"
)

// FilterResult is the verdict for one message. Term names the matched
// keyword for ReasonKeyword or the failed check for ReasonSpam.
type FilterResult struct {
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason,omitempty"`
	Term    string `json:"term,omitempty"`
}
