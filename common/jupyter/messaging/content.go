package messaging

const (
	MessageKernelStatusIdle     = "idle"
	MessageKernelStatusBusy     = "busy"
	MessageKernelStatusStarting = "starting"
	MessageKernelStatusDead     = "dead"
)

// ExecuteRequest is the content of an "execute_request" message.
type ExecuteRequest struct {
	Code            string                 `json:"code"`
	Silent          bool                   `json:"silent"`
	StoreHistory    bool                   `json:"store_history"`
	UserExpressions map[string]interface{} `json:"user_expressions"`
	AllowStdin      bool                   `json:"allow_stdin"`
	StopOnError     bool                   `json:"stop_on_error"`
}

type MessageKernelStatus struct {
	Status string `json:"execution_state"`
}

// MessageError is the content of an "error" message.
type MessageError struct {
	ErrName   string   `json:"ename"`
	ErrValue  string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

type MessageStream struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

type MessageExecuteResult struct {
	ExecutionCount int                    `json:"execution_count"`
	Data           map[string]interface{} `json:"data"`
	Metadata       map[string]interface{} `json:"metadata"`
}

type MessageExecuteReply struct {
	Status         string `json:"status"`
	ExecutionCount int    `json:"execution_count"`
}

type MessageShutdownRequest struct {
	Restart bool `json:"restart"`
}
