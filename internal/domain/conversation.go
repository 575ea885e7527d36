package domain

import "strings"

// Conversation ids are URNs: "urn:conv:group:<groupId>" or
// "urn:conv:direct:<peer>".
const (
	groupConversationPrefix  = "urn:conv:group:"
	directConversationPrefix = "urn:conv:direct:"
)

func GroupConversation(groupID string) string { return groupConversationPrefix + groupID }
func DirectConversation(peerID string) string { return directConversationPrefix + peerID }

// GroupID returns the group behind a group conversation URN.
func GroupID(conversationID string) (string, bool) {
	if !strings.HasPrefix(conversationID, groupConversationPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(conversationID, groupConversationPrefix)
	return id, id != ""
}

// ValidConversation reports whether id is a group or direct conversation URN
// with a non-empty suffix.
func ValidConversation(id string) bool {
	for _, p := range []string{groupConversationPrefix, directConversationPrefix} {
		if strings.HasPrefix(id, p) && len(id) > len(p) {
			return true
		}
	}
	return false
}
