package signaling

import (
	"bytes"
	"context"
	"strconv"
	"strings"
)

// ID is a numeric entity identifier (user, channel or guild). The gateway
// transmits IDs as JSON strings to avoid precision loss in JavaScript
// clients, so ID carries its own JSON conversion. The zero value means
// "no entity" and marshals as JSON null.
type ID uint64

// UnmarshalJSON decodes an ID from a JSON string, number or null.
func (id *ID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*id = 0
		return nil
	}
	s := strings.Trim(string(data), `"`)
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return err
	}
	*id = ID(v)
	return nil
}

// MarshalJSON encodes an ID as a JSON string, or null for the zero value.
func (id ID) MarshalJSON() ([]byte, error) {
	if id == 0 {
		return []byte("null"), nil
	}
	return []byte(`"` + strconv.FormatUint(uint64(id), 10) + `"`), nil
}

func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// SessionAssigned is the gateway notification carrying the local
// participant's voice state. During a handshake it completes the
// session-assignment condition; outside a handshake it is a live presence
// update (ChannelID zero means the participant was removed from voice).
type SessionAssigned struct {
	SessionID string `json:"session_id"`
	ChannelID ID     `json:"channel_id"`
}

// ServerAssigned is the gateway notification carrying the voice server
// assignment. Endpoint and Token may be absent while the platform is still
// provisioning a server; that is a wait state, not an error.
type ServerAssigned struct {
	Token     string `json:"token"`
	GuildID   ID     `json:"guild_id"`
	ChannelID ID     `json:"channel_id"`
	Endpoint  string `json:"endpoint"`
}

// ServerID returns the identity of the server the assignment refers to:
// the guild when present, otherwise the channel (direct calls have no
// guild).
func (e *ServerAssigned) ServerID() ID {
	if e.GuildID != 0 {
		return e.GuildID
	}
	return e.ChannelID
}

// StripEndpoint normalizes a voice endpoint to a bare host. The gateway
// occasionally includes a scheme prefix and always includes a port suffix;
// neither belongs in the host used to open the control connection.
func StripEndpoint(endpoint string) string {
	if i := strings.LastIndex(endpoint, ":"); i >= 0 {
		endpoint = endpoint[:i]
	}
	endpoint = strings.TrimPrefix(endpoint, "wss://")
	return endpoint
}

// Signaler is the outbound half of the gateway boundary: the single request
// the session issues to move the local participant between voice channels.
// A zero channel ID means leave voice entirely.
type Signaler interface {
	ChangeVoiceChannel(ctx context.Context, channelID ID) error
}
