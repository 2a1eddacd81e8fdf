// Package thread groups messages into conversations.
//
// Grouping is a pure function of the input message set: reply-chain
// identifiers (In-Reply-To, then References) link messages into trees;
// messages without any reply linkage fall back to normalized-subject
// grouping, with participant overlap as a tie-breaker so unrelated
// messages that happen to share a subject stay apart. Identical input
// sets always yield identical grouping and ordering.
package thread

import (
	"sort"
	"strings"

	"github.com/nhle/mailterm/internal/model"
)

// Thread is a computed conversation: an ordered group of message
// stable ids with precomputed metadata. Threads are derived, never
// stored or hand-mutated; any change to the underlying messages
// triggers a rebuild.
type Thread struct {
	// ID is the stable id of the thread root (or a subject-derived key
	// for subject-grouped threads).
	ID string

	// MessageIDs are the members ordered by date ascending.
	MessageIDs []string

	UnreadCount    int
	TotalCount     int
	LatestDate     int64
	LatestID       string
	HasAttachments bool
	Subject        string
}

// HasUnread reports whether the thread contains any unread message.
func (t *Thread) HasUnread() bool {
	return t.UnreadCount > 0
}

// Build partitions messages into threads. Reply-chain linkage is
// authoritative; subject grouping applies only to messages with no
// reply-chain signal. Output order is deterministic: threads by latest
// date descending (thread id as tie-break), members by date ascending
// (stable id as tie-break).
func Build(msgs []model.Message) []Thread {
	if len(msgs) == 0 {
		return nil
	}

	byStableID := make(map[string]int, len(msgs))
	for i, m := range msgs {
		byStableID[m.StableID] = i
	}

	// Parent links: In-Reply-To first, then References newest-first.
	parent := make([]int, len(msgs))
	for i := range parent {
		parent[i] = -1
	}
	for i, m := range msgs {
		if p, ok := byStableID[m.InReplyTo]; ok && p != i {
			parent[i] = p
			continue
		}
		for j := len(m.References) - 1; j >= 0; j-- {
			if p, ok := byStableID[m.References[j]]; ok && p != i {
				parent[i] = p
				break
			}
		}
	}

	children := make([]int, len(msgs))
	for _, p := range parent {
		if p != -1 {
			children[p]++
		}
	}

	groups := make(map[string][]int)

	// Orphan roots (no parent, nothing points at them through the
	// chain) are candidates for subject-based grouping.
	var orphans []int
	for i := range msgs {
		r := findRoot(parent, i)
		if r == i && parent[i] == -1 && children[i] == 0 {
			orphans = append(orphans, i)
			continue
		}
		groups[msgs[r].StableID] = append(groups[msgs[r].StableID], i)
	}

	// Group orphans by normalized subject; merge a group only when its
	// members share a participant, otherwise each stays alone.
	bySubject := make(map[string][]int)
	for _, i := range orphans {
		key := NormalizeSubject(msgs[i].Subject)
		bySubject[key] = append(bySubject[key], i)
	}
	for key, members := range bySubject {
		if len(members) > 1 && key != "" {
			merged, rest := splitByParticipants(msgs, members)
			if len(merged) > 1 {
				groups["subj:"+key] = merged
				members = rest
			}
		}
		for _, i := range members {
			groups[msgs[i].StableID] = append(groups[msgs[i].StableID], i)
		}
	}

	threads := make([]Thread, 0, len(groups))
	for id, members := range groups {
		sort.Slice(members, func(a, b int) bool {
			ma, mb := msgs[members[a]], msgs[members[b]]
			if !ma.Date.Equal(mb.Date) {
				return ma.Date.Before(mb.Date)
			}
			return ma.StableID < mb.StableID
		})

		t := Thread{
			ID:         id,
			MessageIDs: make([]string, 0, len(members)),
			TotalCount: len(members),
		}
		for _, i := range members {
			m := msgs[i]
			t.MessageIDs = append(t.MessageIDs, m.StableID)
			if !m.Flags.Has(model.FlagSeen) {
				t.UnreadCount++
			}
			if m.HasAttachments {
				t.HasAttachments = true
			}
		}
		latest := msgs[members[len(members)-1]]
		t.LatestDate = latest.Date.Unix()
		t.LatestID = latest.StableID
		t.Subject = msgs[members[0]].Subject
		threads = append(threads, t)
	}

	sort.Slice(threads, func(a, b int) bool {
		if threads[a].LatestDate != threads[b].LatestDate {
			return threads[a].LatestDate > threads[b].LatestDate
		}
		return threads[a].ID < threads[b].ID
	})

	return threads
}

// findRoot follows parent links to the root with path compression.
// Reply headers come off the wire, so the links can form a cycle;
// climbing is bounded and a cycle is cut at the node where the bound
// trips, which then serves as the root.
func findRoot(parent []int, i int) int {
	root := i
	for steps := 0; parent[root] != -1; steps++ {
		if steps >= len(parent) {
			parent[root] = -1
			break
		}
		root = parent[root]
	}
	for parent[i] != -1 {
		next := parent[i]
		parent[i] = root
		i = next
	}
	return root
}

// splitByParticipants partitions same-subject orphans into the subset
// sharing at least one participant with another member (merged into a
// thread) and the rest (kept separate).
func splitByParticipants(msgs []model.Message, members []int) (merged, rest []int) {
	for _, i := range members {
		overlaps := false
		for _, j := range members {
			if i == j {
				continue
			}
			if participantsOverlap(msgs[i], msgs[j]) {
				overlaps = true
				break
			}
		}
		if overlaps {
			merged = append(merged, i)
		} else {
			rest = append(rest, i)
		}
	}
	return merged, rest
}

// participantsOverlap reports whether two messages share any sender or
// recipient address, compared case-insensitively.
func participantsOverlap(a, b model.Message) bool {
	seen := make(map[string]bool, len(a.To)+1)
	if a.From != "" {
		seen[strings.ToLower(a.From)] = true
	}
	for _, addr := range a.To {
		seen[strings.ToLower(addr)] = true
	}
	if b.From != "" && seen[strings.ToLower(b.From)] {
		return true
	}
	for _, addr := range b.To {
		if seen[strings.ToLower(addr)] {
			return true
		}
	}
	return false
}

// NormalizeSubject strips reply/forward prefixes, case-folds, and trims
// whitespace so replies group with their originals.
func NormalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		lower := strings.ToLower(s)
		switch {
		case strings.HasPrefix(lower, "re:"):
			s = strings.TrimSpace(s[3:])
		case strings.HasPrefix(lower, "fwd:"):
			s = strings.TrimSpace(s[4:])
		case strings.HasPrefix(lower, "fw:"):
			s = strings.TrimSpace(s[3:])
		case strings.HasPrefix(lower, "aw:"):
			// German "Antwort"
			s = strings.TrimSpace(s[3:])
		case strings.HasPrefix(lower, "sv:"):
			// Swedish "Svar"
			s = strings.TrimSpace(s[3:])
		case strings.HasPrefix(lower, "re["):
			// Re[2]: style counters
			end := strings.Index(s, "]:")
			if end < 0 {
				return strings.ToLower(s)
			}
			s = strings.TrimSpace(s[end+2:])
		default:
			return strings.ToLower(s)
		}
	}
}
