// Package connectors defines the connector interface used by the scheduler
// to execute task payloads.
package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrEmptyCommand is returned by ParseCommand for a payload with no command.
var ErrEmptyCommand = errors.New("empty command")

// ExecResult holds the result of a command execution.
type ExecResult struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exit_code"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
}

// Connector defines the interface for executing commands.
type Connector interface {
	// Name returns the connector identifier.
	Name() string

	// Execute runs a command and returns the result.
	Execute(ctx context.Context, cmd string, args []string) (*ExecResult, error)

	// IsAllowed checks if a command is allowed to execute.
	IsAllowed(cmd string, args []string) bool
}

// Command is the structured payload form: {"cmd":"go","args":["test","./..."]}.
type Command struct {
	Cmd  string   `json:"cmd"`
	Args []string `json:"args,omitempty"`
}

// ParseCommand turns a task payload into a command and its arguments.
// A payload starting with '{' is decoded as a Command; anything else is
// split on whitespace.
func ParseCommand(payload []byte) (string, []string, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return "", nil, ErrEmptyCommand
	}
	if !utf8.Valid(trimmed) {
		return "", nil, fmt.Errorf("parse command: payload is not valid UTF-8")
	}

	if trimmed[0] == '{' {
		var c Command
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&c); err != nil {
			return "", nil, fmt.Errorf("parse command: %w", err)
		}
		if strings.TrimSpace(c.Cmd) == "" {
			return "", nil, ErrEmptyCommand
		}
		return c.Cmd, c.Args, nil
	}

	fields := strings.Fields(string(trimmed))
	return fields[0], fields[1:], nil
}
