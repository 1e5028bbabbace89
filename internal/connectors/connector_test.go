package connectors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		cmd     string
		args    []string
	}{
		{"plain", "echo hello world", "echo", []string{"hello", "world"}},
		{"extra space", "  git   status \n", "git", []string{"status"}},
		{"no args", "echo", "echo", []string{}},
		{"structured", `{"cmd":"go","args":["test","./..."]}`, "go", []string{"test", "./..."}},
		{"structured no args", `{"cmd":"echo"}`, "echo", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, args, err := ParseCommand([]byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.cmd, cmd)
			assert.Equal(t, tt.args, args)
		})
	}
}

func TestParseCommandRejects(t *testing.T) {
	_, _, err := ParseCommand(nil)
	assert.ErrorIs(t, err, ErrEmptyCommand)

	_, _, err = ParseCommand([]byte("   "))
	assert.ErrorIs(t, err, ErrEmptyCommand)

	_, _, err = ParseCommand([]byte(`{"cmd":""}`))
	assert.ErrorIs(t, err, ErrEmptyCommand)

	_, _, err = ParseCommand([]byte(`{"cmd":"echo","shell":true}`))
	assert.Error(t, err)

	_, _, err = ParseCommand([]byte{0xff, 0xfe})
	assert.Error(t, err)
}
