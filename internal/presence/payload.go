package presence

import "encoding/json"

// Outbound message type tags.
const (
	TypeUsers      = "users"
	TypeLeaveFloor = "leaveFloor"
)

// UserCountMessage is pushed to every member after joins, leaves and refreshes.
type UserCountMessage struct {
	UserCount int `json:"userCount"`
}

// UserInfo is the presence metadata of one connection. The display name is
// serialized as userName, the field the floor-plan client reads.
type UserInfo struct {
	DisplayName string `json:"userName"`
	Color       string `json:"color"`
}

// UsersMessage lists every other member of the recipient's floor.
type UsersMessage struct {
	Type       string              `json:"type"`
	Sender     string              `json:"sender"`
	OtherUsers map[string]UserInfo `json:"otherUsers"`
}

// RelayMessage forwards an opaque payload from one member to its peers.
type RelayMessage struct {
	Sender  string          `json:"sender"`
	Payload json.RawMessage `json:"payload"`
}

// LeaveFloorMessage confirms a floor switch to the connection that asked for it.
type LeaveFloorMessage struct {
	Type         string `json:"type"`
	OldFloorCode string `json:"oldFloorCode"`
}

// ErrorBody is the body of every 400 response and of error echoes.
type ErrorBody struct {
	Error string `json:"error"`
}
