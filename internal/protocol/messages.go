package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type              string            `json:"type"`
	ProtocolVersion   string            `json:"protocol_version"`
	SupportedVersions []string          `json:"supported_versions,omitempty"`
	AgentName         string            `json:"agent_name"`
	Capabilities      HelloCapabilities `json:"capabilities"`
	Auth              *HelloAuth        `json:"auth,omitempty"`
	WorldPreference   string            `json:"world_preference,omitempty"`
}

type HelloCapabilities struct {
	DeltaVoxels bool `json:"delta_voxels,omitempty"`
	MaxQueue    int  `json:"max_queue,omitempty"`
}

type HelloAuth struct {
	Token string `json:"token,omitempty"`
}

// WELCOME (server -> client). The pilot only keeps what it needs to act.
type WelcomeMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	AgentID         string      `json:"agent_id"`
	ResumeToken     string      `json:"resume_token"`
	WorldParams     WorldParams `json:"world_params"`
	CurrentWorldID  string      `json:"current_world_id,omitempty"`
}

type WorldParams struct {
	TickRateHz int   `json:"tick_rate_hz"`
	ObsRadius  int   `json:"obs_radius"`
	DayTicks   int   `json:"day_ticks"`
	Seed       int64 `json:"seed"`
}
