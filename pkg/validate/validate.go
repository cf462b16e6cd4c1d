// Package validate holds the structural and referential rules shared by
// normal writes and migration. Every function is pure: no I/O, no logging.
//
// Detailed checks return human-readable reasons; an empty slice means valid.
// DataIntegrity only reports problems; callers decide whether to heal them.
package validate

import (
	"fmt"
	"slices"
	"strings"

	"github.com/orneryd/convostore/pkg/models"
)

// IsUsableTopic reports whether t satisfies the topic validity predicate:
// non-empty id and title, and at least one message or a last message time.
func IsUsableTopic(t *models.Topic) bool {
	if t == nil {
		return false
	}
	if strings.TrimSpace(t.ID) == "" || strings.TrimSpace(t.Title) == "" {
		return false
	}
	return len(t.Messages) > 0 || !t.LastMessageTime.IsZero()
}

// Assistant returns the structural problems with a.
func Assistant(a *models.Assistant) []string {
	if a == nil {
		return []string{"assistant is nil"}
	}
	var reasons []string
	if strings.TrimSpace(a.ID) == "" {
		reasons = append(reasons, "assistant id is empty")
	}
	if strings.TrimSpace(a.Name) == "" {
		reasons = append(reasons, "assistant name is empty")
	}
	seen := make(map[string]struct{}, len(a.TopicIDs))
	for i, id := range a.TopicIDs {
		if strings.TrimSpace(id) == "" {
			reasons = append(reasons, fmt.Sprintf("topicIds[%d] is empty", i))
			continue
		}
		if _, dup := seen[id]; dup {
			reasons = append(reasons, fmt.Sprintf("topicIds[%d] duplicates %q", i, id))
		}
		seen[id] = struct{}{}
	}
	return reasons
}

// Topic returns the structural problems with t, including those of each
// message. A topic without messages is structurally fine; usability is a
// separate question answered by IsUsableTopic.
func Topic(t *models.Topic) []string {
	if t == nil {
		return []string{"topic is nil"}
	}
	var reasons []string
	if strings.TrimSpace(t.ID) == "" {
		reasons = append(reasons, "topic id is empty")
	}
	if strings.TrimSpace(t.Title) == "" {
		reasons = append(reasons, "topic title is empty")
	}
	seen := make(map[string]struct{}, len(t.Messages))
	for i := range t.Messages {
		m := &t.Messages[i]
		for _, r := range Message(m) {
			reasons = append(reasons, fmt.Sprintf("messages[%d]: %s", i, r))
		}
		if m.ID == "" {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			reasons = append(reasons, fmt.Sprintf("messages[%d]: duplicate id %q", i, m.ID))
		}
		seen[m.ID] = struct{}{}
	}
	return reasons
}

// Message returns the structural problems with m.
func Message(m *models.Message) []string {
	if m == nil {
		return []string{"message is nil"}
	}
	var reasons []string
	if strings.TrimSpace(m.ID) == "" {
		reasons = append(reasons, "message id is empty")
	}
	if !m.Role.Valid() {
		reasons = append(reasons, fmt.Sprintf("unknown role %q", m.Role))
	}
	if m.Timestamp.IsZero() {
		reasons = append(reasons, "message timestamp is not set")
	}
	return reasons
}

// ValidAssistant reports whether a has no structural problems.
func ValidAssistant(a *models.Assistant) bool { return len(Assistant(a)) == 0 }

// ValidTopic reports whether t has no structural problems.
func ValidTopic(t *models.Topic) bool { return len(Topic(t)) == 0 }

// ValidMessage reports whether m has no structural problems.
func ValidMessage(m *models.Message) bool { return len(Message(m)) == 0 }

// IntegrityReport lists whole-dataset problems. None of them block reads.
type IntegrityReport struct {
	// DanglingAssistantRefs are topics whose AssistantID names no assistant.
	DanglingAssistantRefs []string
	// DanglingTopicRefs are "assistantID/topicID" pairs that resolve to no topic.
	DanglingTopicRefs []string
	// NonMonotonicTopics are topics whose message timestamps go backwards.
	NonMonotonicTopics []string
	// SharedTopics are topics listed by more than one assistant.
	SharedTopics []string
}

// OK reports whether the report is empty.
func (r IntegrityReport) OK() bool {
	return len(r.DanglingAssistantRefs) == 0 &&
		len(r.DanglingTopicRefs) == 0 &&
		len(r.NonMonotonicTopics) == 0 &&
		len(r.SharedTopics) == 0
}

// Reasons flattens the report into human-readable lines.
func (r IntegrityReport) Reasons() []string {
	var out []string
	for _, id := range r.DanglingAssistantRefs {
		out = append(out, fmt.Sprintf("topic %s references a missing assistant", id))
	}
	for _, ref := range r.DanglingTopicRefs {
		out = append(out, fmt.Sprintf("assistant link %s resolves to no topic", ref))
	}
	for _, id := range r.NonMonotonicTopics {
		out = append(out, fmt.Sprintf("topic %s has non-monotonic message timestamps", id))
	}
	for _, id := range r.SharedTopics {
		out = append(out, fmt.Sprintf("topic %s is listed by more than one assistant", id))
	}
	return out
}

// DataIntegrity checks cross-entity references over a full dataset.
func DataIntegrity(assistants []*models.Assistant, topics []*models.Topic) IntegrityReport {
	var report IntegrityReport

	assistantIDs := make(map[string]struct{}, len(assistants))
	for _, a := range assistants {
		if a != nil {
			assistantIDs[a.ID] = struct{}{}
		}
	}
	topicIDs := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		if t == nil {
			continue
		}
		topicIDs[t.ID] = struct{}{}

		if t.AssistantID != "" {
			if _, ok := assistantIDs[t.AssistantID]; !ok {
				report.DanglingAssistantRefs = append(report.DanglingAssistantRefs, t.ID)
			}
		}
		for i := 1; i < len(t.Messages); i++ {
			if t.Messages[i].Timestamp.Before(t.Messages[i-1].Timestamp) {
				report.NonMonotonicTopics = append(report.NonMonotonicTopics, t.ID)
				break
			}
		}
	}
	owners := make(map[string]int, len(topics))
	for _, a := range assistants {
		if a == nil {
			continue
		}
		seen := make(map[string]struct{}, len(a.TopicIDs))
		for _, id := range a.TopicIDs {
			if _, ok := topicIDs[id]; !ok {
				report.DanglingTopicRefs = append(report.DanglingTopicRefs, a.ID+"/"+id)
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			owners[id]++
			if owners[id] == 2 {
				report.SharedTopics = append(report.SharedTopics, id)
			}
		}
	}
	slices.Sort(report.SharedTopics)
	return report
}
