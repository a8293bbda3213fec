package protocol

import "encoding/json"

// Command asks the server to run one operator command line.
type Command struct {
	Line string `json:"line"`
}

// Result is the outcome of a command. Detail carries the full server
// report, whose shape depends on the command.
type Result struct {
	Command string          `json:"command"`
	OK      bool            `json:"ok"`
	Message string          `json:"message,omitempty"`
	Images  []string        `json:"images,omitempty"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

// Error represents an error message in the protocol.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
