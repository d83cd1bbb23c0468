package mesh

import "fmt"

// Channel name families. These strings are the wire contract between
// implementations and must stay bit-exact.

// publicChannel returns the broadcast channel for topic.
func publicChannel(topic string) string {
	return fmt.Sprintf("gs.pub.%s", topic)
}

// publicPattern is the subscribe pattern every client uses for broadcasts.
const publicPattern = "gs.pub.*"

// identityChannel returns the cast/request/response channel for identity
// and topic.
func identityChannel(identity, topic string) string {
	return fmt.Sprintf("gs.%s.%s", identity, topic)
}

// identityPattern returns the subscribe pattern a client uses for its own
// per-identity channel family.
func identityPattern(identity string) string {
	return fmt.Sprintf("gs.%s.*", identity)
}

// responseChannel returns the channel a responder publishes on when
// answering a request from identity.
func responseChannel(identity string) string {
	return identityChannel(identity, reservedResponseTopic)
}

// groupChannel returns the group-message channel for groupID and topic.
func groupChannel(groupID, topic string) string {
	return fmt.Sprintf("gs.grp.%s.%s", groupID, topic)
}

// groupPattern returns the subscribe pattern members of groupID use.
func groupPattern(groupID string) string {
	return fmt.Sprintf("gs.grp.%s.*", groupID)
}

// registryKey composes a namespace and key into the registry's flat
// logical key: "<optional-prefix><namespace>.<key>", or just
// "<optional-prefix><key>" when namespace is empty.
func registryKey(prefix, namespace, key string) string {
	if namespace == "" {
		return prefix + key
	}
	return fmt.Sprintf("%s%s.%s", prefix, namespace, key)
}

// identityMarkerKey is the KV key a client claims for its identity on
// startup, used only for the best-effort collision warning in New.
func identityMarkerKey(identity string) string {
	return fmt.Sprintf("gs.identity.%s", identity)
}
