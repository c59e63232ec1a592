package common

import (
	"fmt"
	"strings"
)

// ObjectKind identifies what a subscribed name refers to.
type ObjectKind int

const (
	KindChannel ObjectKind = iota // 0
	KindChannelGroup
	KindPresenceChannel
)

func (k ObjectKind) String() string {
	switch k {
	case KindChannel:
		return "channel"
	case KindChannelGroup:
		return "channel-group"
	case KindPresenceChannel:
		return "presence-channel"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// PresenceSuffix is appended to a channel name to get the channel carrying
// its presence events.
const PresenceSuffix = "-pnpres"

const cursorKeyFormat = "pollsub-cursor-%s"
const eventSubjFormat = "%s.ch.%s"
const presenceSubjFormat = "%s.pres.%s"

// PresenceChannelFor returns the presence channel name for a channel.
func PresenceChannelFor(channel string) string {
	if IsPresenceChannel(channel) {
		return channel
	}
	return channel + PresenceSuffix
}

// IsPresenceChannel reports whether name is a presence channel name.
func IsPresenceChannel(name string) bool {
	return strings.HasSuffix(name, PresenceSuffix)
}

// ChannelForPresence strips the presence suffix.
func ChannelForPresence(name string) string {
	return strings.TrimSuffix(name, PresenceSuffix)
}

func CursorCacheKeyFormat(clientID string) string {
	return fmt.Sprintf(cursorKeyFormat, clientID)
}

// EventSubjFormat maps a channel to the NATS subject its messages are
// forwarded to. Dots are not allowed inside a subject token.
func EventSubjFormat(prefix, channel string) string {
	return fmt.Sprintf(eventSubjFormat, prefix, subjToken(channel))
}

func PresenceSubjFormat(prefix, channel string) string {
	return fmt.Sprintf(presenceSubjFormat, prefix, subjToken(ChannelForPresence(channel)))
}

func subjToken(s string) string {
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}

const DefaultSubjectPrefix = "pollsub"

type (
	ChannelName string
	ClientID    string
)
