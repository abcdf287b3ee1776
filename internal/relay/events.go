package relay

// 实时事件名。outbound 名称沿用现有客户端的拼写。
const (
	EventJoinRoom      = "join_room"
	EventRegisterUser  = "register_user"
	EventNewMessage    = "new_message"
	EventUpdateMessage = "update_message"
	EventDeleteMessage = "delete_message"

	EventMessageReceived = "message_recieved"
	EventUpdateReceived  = "update_recieved"
	EventDeleteReceived  = "delete_recieved"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Ack 是事件回执，字段按需出现。
type Ack struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id,omitempty"`
	Saved     bool   `json:"saved,omitempty"`
	Joined    string `json:"joined,omitempty"`
	Error     string `json:"error,omitempty"`
	Debug     string `json:"debug,omitempty"`
}

// Reply 把回执送回发起连接；客户端没有请求回执时为 nil。
type Reply func(Ack)

func (r Reply) send(a Ack) {
	if r != nil {
		r(a)
	}
}

func okAck(messageID string) Ack {
	return Ack{Status: StatusOK, MessageID: messageID, Saved: true}
}

func errorAck(msg string, err error) Ack {
	a := Ack{Status: StatusError, Error: msg}
	if err != nil {
		a.Debug = err.Error()
	}
	return a
}

// AlertRequest 是 /showAlert 的请求体。
type AlertRequest struct {
	UserName  string `json:"userName"`
	UserID    string `json:"userId" validate:"required"`
	GroupName string `json:"grpName"`
	GroupID   string `json:"grpId" validate:"required"`
}
