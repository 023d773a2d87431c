package xfer

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsPause(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "user pause", err: ErrPausedByUser, want: true},
		{name: "system pause", err: ErrPausedBySystem, want: true},
		{name: "wrapped system pause", err: fmt.Errorf("%w: read tcp: reset", ErrPausedBySystem), want: true},
		{name: "cancel is not a pause", err: ErrCancelled, want: false},
		{name: "nil", err: nil, want: false},
		{name: "unrelated", err: errors.New("boom"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPause(tt.err))
		})
	}
}

func TestNetworkError(t *testing.T) {
	cause := errors.New("connection reset by peer")
	err := &NetworkError{Operation: "negotiate", Err: cause}

	assert.Equal(t, "network error during negotiate: connection reset by peer", err.Error())
	assert.ErrorIs(t, err, cause)

	withStatus := &NetworkError{Operation: "get", StatusCode: 502, Err: cause}
	assert.Contains(t, withStatus.Error(), "HTTP 502")
}

func TestProtocolError(t *testing.T) {
	err := &ProtocolError{Operation: "send content", StatusCode: 409, Reason: "unexpected status"}
	assert.Equal(t, "protocol error during send content (HTTP 409): unexpected status", err.Error())

	noStatus := &ProtocolError{Operation: "upload info", Reason: "malformed body"}
	assert.Equal(t, "protocol error during upload info: malformed body", noStatus.Error())
}

func TestAccessDeniedError(t *testing.T) {
	err := &AccessDeniedError{Locator: "media/holiday.jpg", Err: os.ErrPermission}

	assert.Equal(t, "not allowed to send media/holiday.jpg: permission denied", err.Error())
	require.ErrorIs(t, err, os.ErrPermission)

	var denied *AccessDeniedError
	wrapped := fmt.Errorf("upload failed: %w", err)
	require.ErrorAs(t, wrapped, &denied)
	assert.Equal(t, "media/holiday.jpg", denied.Locator)
}
