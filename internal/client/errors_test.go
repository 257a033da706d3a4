package client

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromStatus(t *testing.T) {
	tests := []struct {
		code      int
		permanent bool
	}{
		{0, false},
		{400, true},
		{401, true},
		{404, true},
		{408, false},
		{429, false},
		{500, false},
		{503, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.code), func(t *testing.T) {
			err := fmt.Errorf("wrapped: %w", FromStatus("jira", tt.code, "", errors.New("x")))
			assert.Equal(t, tt.permanent, IsPermanent(err))
		})
	}

	assert.False(t, IsPermanent(errors.New("plain")))
	assert.Equal(t, "slack status 404: channel_not_found", (&Error{Provider: "slack", StatusCode: 404, Reason: "channel_not_found"}).Error())
}
