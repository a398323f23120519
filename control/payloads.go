package control

import (
	"encoding/json"

	"github.com/voscord/voicelink/signaling"
)

// Control connection opcodes.
const (
	opIdentify           = 0
	opSelectProtocol     = 1
	opReady              = 2
	opHeartbeat          = 3
	opSessionDescription = 4
	opSpeaking           = 5
	opHeartbeatACK       = 6
	opResume             = 7
	opHello              = 8
	opResumed            = 9
)

// envelope is the frame every control message travels in.
type envelope struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
}

type identifyData struct {
	ServerID  signaling.ID `json:"server_id"`
	UserID    signaling.ID `json:"user_id"`
	SessionID string       `json:"session_id"`
	Token     string       `json:"token"`
}

type resumeData struct {
	ServerID  signaling.ID `json:"server_id"`
	SessionID string       `json:"session_id"`
	Token     string       `json:"token"`
}

type helloData struct {
	// HeartbeatInterval is in milliseconds and arrives with a fractional
	// part on some server versions.
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

type readyData struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  uint16   `json:"port"`
	Modes []string `json:"modes"`
}

type selectProtocolData struct {
	Protocol string             `json:"protocol"`
	Data     selectProtocolInfo `json:"data"`
}

type selectProtocolInfo struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
	Mode    string `json:"mode"`
}

type sessionDescriptionData struct {
	Mode      string `json:"mode"`
	SecretKey []byte `json:"secret_key"`
}

// UnmarshalJSON accepts the secret key as the JSON number array the server
// sends rather than base64.
func (d *sessionDescriptionData) UnmarshalJSON(data []byte) error {
	var raw struct {
		Mode      string `json:"mode"`
		SecretKey []int  `json:"secret_key"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d.Mode = raw.Mode
	d.SecretKey = make([]byte, len(raw.SecretKey))
	for i, v := range raw.SecretKey {
		d.SecretKey[i] = byte(v)
	}
	return nil
}

type speakingData struct {
	UserID   signaling.ID `json:"user_id,omitempty"`
	SSRC     uint32       `json:"ssrc"`
	Speaking int          `json:"speaking"`
	Delay    int          `json:"delay"`
}
