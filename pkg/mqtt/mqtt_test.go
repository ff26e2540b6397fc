package mqtt

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serebryakov7/j1708-dem/common"
)

func TestExecuteCommand(t *testing.T) {
	c := NewClient(MQTTConfig{}, nil, func(cmd common.ServerCommand) (string, error) {
		if cmd.Type != common.CommandTypeClearDTCs {
			return "", errors.New("неизвестная команда")
		}
		return "очищено 2", nil
	})

	ack := c.execute(common.ServerCommand{ID: "42", Type: common.CommandTypeClearDTCs})
	assert.Equal(t, common.CommandAck{CommandID: "42", Success: true, Message: "очищено 2"}, ack)

	ack = c.execute(common.ServerCommand{Type: "reboot"})
	assert.False(t, ack.Success)
	assert.NotEmpty(t, ack.CommandID)
	assert.Equal(t, "неизвестная команда", ack.Message)
}

func TestExecuteWithoutHandler(t *testing.T) {
	c := NewClient(MQTTConfig{}, nil, nil)

	ack := c.execute(common.ServerCommand{ID: "1", Type: common.CommandTypeClearDTCs})
	assert.False(t, ack.Success)
}

func TestPublishWithoutConnection(t *testing.T) {
	c := NewClient(MQTTConfig{Topic: "vehicle/data"}, nil, nil)

	err := c.PublishStatusChange(common.DTCStatusChange{EventID: 3})
	require.Error(t, err)
}

func TestPumpStopsOnClosedChannel(t *testing.T) {
	c := NewClient(MQTTConfig{Topic: "vehicle/data"}, nil, nil)
	changes := make(chan common.DTCStatusChange, 1)
	changes <- common.DTCStatusChange{EventID: 1}
	close(changes)

	assert.NoError(t, c.PumpStatusChanges(context.Background(), changes))
}

func TestDefaults(t *testing.T) {
	c := NewClient(MQTTConfig{}, nil, nil)
	assert.Equal(t, uint(DefaultConnectRetries), c.config.ConnectRetries)
	assert.Equal(t, DefaultUpdateInterval, c.config.UpdateInterval)
	c.StopPublishing()
	c.StopPublishing()
}
