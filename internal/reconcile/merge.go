package reconcile

import (
	"github.com/user/resumechat/internal/types"
)

// MergeHistory reconciles the cached message list with a freshly fetched
// server history. Replies the client has seen are never lost to a server
// copy that has not caught up yet:
//
//  1. streaming leftovers in cached are dropped;
//  2. an empty fetch keeps cached;
//  3. if cached has an assistant reply and fetched has none, cached wins;
//  4. if fetched is a prefix of cached (by role and content), cached wins;
//  5. otherwise fetched wins, carrying hidden data over from cached
//     assistant messages with the same content.
func MergeHistory(cached, fetched []types.Message) []types.Message {
	cached = dropStreaming(cached)

	if len(fetched) == 0 {
		return cached
	}
	if types.HasAssistantReply(cached) && !types.HasAssistantReply(fetched) {
		return cached
	}
	if isPrefix(fetched, cached) {
		return cached
	}

	hidden := make(map[string]string)
	for _, m := range cached {
		if m.Role == types.RoleAssistant && m.HiddenData != "" {
			hidden[m.Content] = m.HiddenData
		}
	}

	out := make([]types.Message, 0, len(fetched))
	for _, m := range fetched {
		m.IsStreaming = false
		if m.Role == types.RoleAssistant && m.HiddenData == "" {
			m.HiddenData = hidden[m.Content]
		}
		out = append(out, m)
	}
	return out
}

func isPrefix(prefix, msgs []types.Message) bool {
	if len(prefix) > len(msgs) {
		return false
	}
	for i, m := range prefix {
		if m.Role != msgs[i].Role || m.Content != msgs[i].Content {
			return false
		}
	}
	return true
}
