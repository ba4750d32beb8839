package server

import "strings"

// sendMessageRequest is the body of socket sends and HTTP message posts.
type sendMessageRequest struct {
	ReceiverID string `json:"receiverId,omitempty"`
	GroupID    string `json:"groupId,omitempty"`
	Text       string `json:"text"`
	Image      string `json:"image"`
}

type groupRequest struct {
	GroupID string `json:"groupId"`
}

type createGroupRequest struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

type memberRequest struct {
	UserID string `json:"userId"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
