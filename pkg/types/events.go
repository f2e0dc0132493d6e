package types

// Push event names the dashboard consumes.
const (
	EventServerConnected    = "server:connected"
	EventServerDisconnected = "server:disconnected"
	EventServerPaired       = "server:paired"
	EventTeamMessage        = "team:message"
	EventEntityChanged      = "entity:changed"
	EventPlayerDied         = "player:died"
	EventPlayerSpawned      = "player:spawned"
	EventPlayerOnline       = "player:online"
	EventPlayerOffline      = "player:offline"
	EventProxyStatus        = "proxy:status"
	EventProxyNodeChanged   = "proxy:node:changed"
)

// Request event names. Each resolves with `<name>:success` or `<name>:error`.
const (
	RequestServerConnect    = "server:connect"
	RequestServerDisconnect = "server:disconnect"
	RequestServerInfo       = "server:info"
	RequestMessageSend      = "message:send"
	RequestDeviceControl    = "device:control"
	RequestDeviceInfo       = "device:info"
	RequestTeamInfo         = "team:info"
	RequestMapInfo          = "map:info"
	RequestMapGet           = "map:get"
	RequestTimeGet          = "time:get"
)

type ServerRef struct {
	ServerID string `json:"serverId"`
}

type ServerPaired struct {
	Name string `json:"name"`
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

type TeamMessage struct {
	ServerID string `json:"serverId"`
	Name     string `json:"name"`
	Message  string `json:"message"`
	SteamID  string `json:"steamId"`
	Time     int64  `json:"time"`
}

type EntityChanged struct {
	ServerID string `json:"serverId"`
	EntityID string `json:"entityId"`
	Value    bool   `json:"value"`
}

type PlayerEvent struct {
	ServerID string    `json:"serverId"`
	Name     string    `json:"name"`
	Position *Position `json:"position,omitempty"`
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type ProxyStatus struct {
	IsRunning bool   `json:"isRunning"`
	Node      string `json:"node,omitempty"`
}

type ProxyNodeChanged struct {
	NodeName string `json:"nodeName"`
	NodeType string `json:"nodeType"`
}

// SendMessage is the payload of a message:send request. Bodies longer than
// the fragment limit are split by the chat engine before they reach here.
type SendMessage struct {
	ServerID string `json:"serverId"`
	Message  string `json:"message"`
}

type DeviceControl struct {
	ServerID string `json:"serverId"`
	EntityID string `json:"entityId"`
	Value    bool   `json:"value"`
}

type DeviceInfo struct {
	EntityID string `json:"entityId"`
	Value    bool   `json:"value"`
}

// TeamInfo is the team:info reply: the member roster plus recent chat.
type TeamInfo struct {
	Members  []TeamMember  `json:"members"`
	Messages []TeamMessage `json:"messages"`
}

type TeamMember struct {
	Name    string `json:"name"`
	SteamID string `json:"steamId"`
	Online  bool   `json:"online"`
}
