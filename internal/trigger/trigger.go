// Package trigger decides which inbound messages deserve a response and
// recognizes natural-language stop requests.
package trigger

import (
	"strings"
	"unicode"

	"github.com/haasonsaas/banter/pkg/models"
)

// State is the per-channel trigger state. AutoCount tracks consecutive
// unprompted messages since the bot last spoke; once it reaches the
// threshold the next message triggers a response on its own.
type State struct {
	AutoCount int
}

// NeutralState is the hypothetical state used when re-evaluating a message
// for a busy channel: the auto counter is treated as freshly reset, so only
// messages that trigger on their own content survive queueing.
func NeutralState() State {
	return State{}
}

// WordPolicy triggers on direct addresses, trigger words, and the auto
// counter.
type WordPolicy struct {
	words         []string
	botName       string
	autoThreshold int
}

// PolicyConfig configures a WordPolicy.
type PolicyConfig struct {
	// Words are substrings that trigger a response, matched
	// case-insensitively.
	Words []string

	// BotName triggers like a word and also marks direct addresses.
	BotName string

	// AutoThreshold is the number of unprompted messages after which the
	// next one triggers automatically. Zero disables the counter.
	AutoThreshold int
}

// NewWordPolicy creates a policy from config.
func NewWordPolicy(cfg PolicyConfig) *WordPolicy {
	words := make([]string, 0, len(cfg.Words)+1)
	for _, w := range cfg.Words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			words = append(words, w)
		}
	}
	if name := strings.ToLower(strings.TrimSpace(cfg.BotName)); name != "" {
		words = append(words, name)
	}
	return &WordPolicy{
		words:         words,
		botName:       cfg.BotName,
		autoThreshold: cfg.AutoThreshold,
	}
}

// WouldRespond reports whether the message triggers a response under the
// given state.
func (p *WordPolicy) WouldRespond(msg *models.Message, st State) bool {
	if msg == nil {
		return false
	}
	if msg.ReplyToBot {
		return true
	}
	if p.matches(msg.Content) {
		return true
	}
	if p.autoThreshold > 0 && st.AutoCount+1 >= p.autoThreshold {
		return true
	}
	return false
}

// WouldRespondNeutral evaluates the message under the neutral state. The
// scheduler uses this for messages queued behind a busy channel.
func (p *WordPolicy) WouldRespondNeutral(msg *models.Message) bool {
	return p.WouldRespond(msg, NeutralState())
}

func (p *WordPolicy) matches(content string) bool {
	lowered := strings.ToLower(content)
	for _, word := range p.words {
		if strings.Contains(lowered, word) {
			return true
		}
	}
	return false
}

// StopDetector recognizes stop phrases. Matching is exact on the normalized
// text so ordinary sentences that merely contain a phrase are not mistaken
// for interruptions.
type StopDetector struct {
	phrases []string
}

// defaultStopPhrases cover the common ways users cut the bot off.
var defaultStopPhrases = []string{
	"stop",
	"stop it",
	"please stop",
	"ok stop",
	"enough",
	"shut up",
	"cancel",
}

// NewStopDetector creates a detector. An empty phrase list uses the
// defaults.
func NewStopDetector(phrases []string) *StopDetector {
	if len(phrases) == 0 {
		phrases = defaultStopPhrases
	}
	normalized := make([]string, 0, len(phrases))
	for _, phrase := range phrases {
		if n := normalize(phrase); n != "" {
			normalized = append(normalized, n)
		}
	}
	return &StopDetector{phrases: normalized}
}

// IsStop reports whether the message is a stop request.
func (d *StopDetector) IsStop(msg *models.Message) bool {
	if msg == nil {
		return false
	}
	text := normalize(msg.Content)
	if text == "" {
		return false
	}
	for _, phrase := range d.phrases {
		if text == phrase {
			return true
		}
	}
	return false
}

// normalize lowercases, strips punctuation, and collapses whitespace.
func normalize(s string) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}
