package transport

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ChannelRef is the parsed identity of a character channel. The channel
// id itself is the single source of truth for routing.
type ChannelRef struct {
	UserID      string
	CharacterID string
	Timestamp   int64 // milliseconds
}

// NewChannelID builds a character channel identifier:
// userId_characterId_timestampMillis.
func NewChannelID(userID, characterID string, at time.Time) string {
	return fmt.Sprintf("%s_%s_%d", userID, characterID, at.UnixMilli())
}

// ParseChannelID parses a channel identifier. A character channel has
// exactly three underscore-delimited fields with an integer timestamp;
// anything else is not a character channel and ok is false.
func ParseChannelID(channelID string) (ref ChannelRef, ok bool) {
	parts := strings.Split(channelID, "_")
	if len(parts) != 3 {
		return ChannelRef{}, false
	}
	ts, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return ChannelRef{}, false
	}
	if parts[0] == "" || parts[1] == "" {
		return ChannelRef{}, false
	}
	return ChannelRef{UserID: parts[0], CharacterID: parts[1], Timestamp: ts}, true
}
