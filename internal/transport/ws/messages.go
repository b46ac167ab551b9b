package ws

import "voxeledit.ai/internal/edit"

const Version = "1"

const (
	TypeSubscribe   = "SUBSCRIBE"
	TypeWelcome     = "WELCOME"
	TypeChunkUpdate = "CHUNK_UPDATE"
)

// SubscribeMsg opens or retargets a subscription. A zero ChunkRadius means
// every chunk of the world.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	WorldID         string `json:"world_id"`
	Center          [2]int `json:"center"`
	ChunkRadius     int    `json:"chunk_radius,omitempty"`
	MaxQueue        int    `json:"max_queue,omitempty"`
}

type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	WorldID         string `json:"world_id"`
}

type ChunkUpdateMsg struct {
	Type string `json:"type"`
	edit.ChunkSummary
}
