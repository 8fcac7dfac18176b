package protocol

import "encoding/json"

// PushMsg type discriminators.
const (
	PushTypePush int32 = iota
	PushTypeRoom
	PushTypeBroadcast
)

// Operation codes carried in Proto.Op.
const (
	OpSendMsg int32 = 4
)

// ProtoVersion is the current broadcast frame version.
const ProtoVersion int32 = 1

// PushMsg is the record value on the partitioned log. The record key is the
// room id, which pins a room to one partition and thereby one consumer.
type PushMsg struct {
	Type      int32  `json:"type"`
	Operation int32  `json:"operation"`
	Room      string `json:"room"`
	Msg       string `json:"msg"`
	// Origin is the grpc address of the edge that already delivered the
	// message to its local subscribers, if any. Job skips it on fan-out.
	Origin string `json:"origin,omitempty"`
}

// Marshal encodes the record value.
func (m *PushMsg) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalPushMsg decodes a record value.
func UnmarshalPushMsg(data []byte) (*PushMsg, error) {
	var m PushMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
