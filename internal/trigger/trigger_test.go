package trigger

import (
	"testing"

	"github.com/haasonsaas/banter/pkg/models"
)

func msg(content string) *models.Message {
	return &models.Message{Content: content}
}

func TestWordPolicyTriggers(t *testing.T) {
	policy := NewWordPolicy(PolicyConfig{
		Words:         []string{"banter"},
		BotName:       "Milo",
		AutoThreshold: 3,
	})

	cases := []struct {
		name string
		msg  *models.Message
		st   State
		want bool
	}{
		{"trigger word", msg("hey banter, thoughts?"), State{}, true},
		{"bot name", msg("what do you think, milo?"), State{}, true},
		{"reply to bot", &models.Message{Content: "yes", ReplyToBot: true}, State{}, true},
		{"plain chatter", msg("we should get lunch"), State{}, false},
		{"auto counter below threshold", msg("lunch?"), State{AutoCount: 1}, false},
		{"auto counter at threshold", msg("lunch?"), State{AutoCount: 2}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := policy.WouldRespond(tc.msg, tc.st); got != tc.want {
				t.Errorf("WouldRespond = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestWordPolicyNeutralIgnoresCounter(t *testing.T) {
	policy := NewWordPolicy(PolicyConfig{Words: []string{"banter"}, AutoThreshold: 2})

	// Under live state the counter would trigger; the neutral check must
	// not, since a queued message cannot rely on a counter that will have
	// moved by the time it replays.
	m := msg("nothing special")
	if !policy.WouldRespond(m, State{AutoCount: 5}) {
		t.Fatal("live state should trigger via counter")
	}
	if policy.WouldRespondNeutral(m) {
		t.Error("neutral evaluation must reset the counter")
	}
}

func TestStopDetector(t *testing.T) {
	d := NewStopDetector(nil)

	cases := []struct {
		content string
		want    bool
	}{
		{"stop", true},
		{"Stop!", true},
		{"  PLEASE   STOP  ", true},
		{"ok stop", true},
		{"shut up.", true},
		{"stop by the office later", false},
		{"we should stop for gas", false},
		{"", false},
		{"unrelated message", false},
	}
	for _, tc := range cases {
		if got := d.IsStop(msg(tc.content)); got != tc.want {
			t.Errorf("IsStop(%q) = %v, want %v", tc.content, got, tc.want)
		}
	}
}

func TestStopDetectorCustomPhrases(t *testing.T) {
	d := NewStopDetector([]string{"hush now"})

	if !d.IsStop(msg("Hush, now!")) {
		t.Error("custom phrase should match after normalization")
	}
	if d.IsStop(msg("stop")) {
		t.Error("defaults must not apply when custom phrases are set")
	}
}
