package domain

// MediaState is the set of local capture switches.
type MediaState struct {
	Video       bool `json:"video"`
	Audio       bool `json:"audio"`
	ScreenShare bool `json:"screenShare"`
}

// DefaultMediaState is what a fresh session starts with.
func DefaultMediaState() MediaState {
	return MediaState{Video: true, Audio: true}
}

type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
)
