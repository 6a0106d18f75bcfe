// Package state provides the local persistence behind the conversation
// client: message caches, the conversation index, jobs, tokens and reports.
package state

import "github.com/user/resumechat/internal/types"

// Compile-time interface compliance checks.
var _ types.MessageCache = (*FileCache)(nil)
var _ types.MessageCache = (*SQLiteCache)(nil)
var _ types.ConversationIndex = (*ConversationIndex)(nil)
var _ types.ReportStore = (*ReportStore)(nil)
