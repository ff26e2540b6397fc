package dem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serebryakov7/j1708-dem/common"
	"github.com/serebryakov7/j1708-dem/internal/status"
)

func ptr[T any](v T) *T { return &v }

func TestHandleCommand(t *testing.T) {
	tests := []struct {
		name    string
		cmd     common.ServerCommand
		wantErr bool
		cleared []uint16
		kept    []uint16
	}{
		{
			name:    "clear all",
			cmd:     common.ServerCommand{Type: common.CommandTypeClearDTCs},
			cleared: []uint16{2, 3},
		},
		{
			name:    "clear by event",
			cmd:     common.ServerCommand{Type: common.CommandTypeClearDTCs, Params: common.CommandParams{EventID: ptr(uint16(3))}},
			cleared: []uint16{3},
			kept:    []uint16{2},
		},
		{
			name:    "clear by spn",
			cmd:     common.ServerCommand{Type: common.CommandTypeClearDTCs, Params: common.CommandParams{SPN: ptr(110), FMI: ptr(0)}},
			cleared: []uint16{2},
			kept:    []uint16{3},
		},
		{
			name:    "unknown spn",
			cmd:     common.ServerCommand{Type: common.CommandTypeClearDTCs, Params: common.CommandParams{SPN: ptr(999), FMI: ptr(1)}},
			wantErr: true,
			kept:    []uint16{2, 3},
		},
		{
			name:    "unknown event",
			cmd:     common.ServerCommand{Type: common.CommandTypeClearDTCs, Params: common.CommandParams{EventID: ptr(uint16(4))}},
			wantErr: true,
			kept:    []uint16{2, 3},
		},
		{
			name:    "unknown command",
			cmd:     common.ServerCommand{Type: "reboot"},
			wantErr: true,
			kept:    []uint16{2, 3},
		},
		{
			name:    "disconnect without event",
			cmd:     common.ServerCommand{Type: common.CommandTypeDisconnect},
			wantErr: true,
			kept:    []uint16{2, 3},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newManager(t, Options{})
			m.ReportFailed(2)
			m.ReportFailed(3)

			msg, err := m.HandleCommand(tt.cmd)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.NotEmpty(t, msg)
			}
			for _, id := range tt.cleared {
				st, _ := m.DTCStatus(eventID(id))
				assert.False(t, st.Has(status.CDTC), "событие %d", id)
			}
			for _, id := range tt.kept {
				st, _ := m.DTCStatus(eventID(id))
				assert.True(t, st.Has(status.CDTC), "событие %d", id)
			}
		})
	}
}

func TestHandleDisconnectReconnect(t *testing.T) {
	m := newManager(t, Options{})
	cmd := common.ServerCommand{Type: common.CommandTypeDisconnect, Params: common.CommandParams{EventID: ptr(uint16(5))}}

	_, err := m.HandleCommand(cmd)
	require.NoError(t, err)
	_, err = m.HandleCommand(cmd)
	assert.Error(t, err)

	cmd.Type = common.CommandTypeReconnect
	_, err = m.HandleCommand(cmd)
	require.NoError(t, err)
}

func TestHandleReadSuppressIndicator(t *testing.T) {
	m := newManager(t, Options{})
	ev5 := common.CommandParams{EventID: ptr(uint16(5))}
	ev2 := common.CommandParams{EventID: ptr(uint16(2))}

	m.ReportFdc(5, 30)
	m.ReportFdc(5, 10)
	msg, err := m.HandleCommand(common.ServerCommand{Type: common.CommandTypeReadDTC, Params: ev5})
	require.NoError(t, err)
	assert.Contains(t, msg, "FDC 10 (макс. 30)")
	assert.Contains(t, msg, "запись false")

	_, err = m.HandleCommand(common.ServerCommand{Type: common.CommandTypeIndicator, Params: ev2})
	require.NoError(t, err)
	st, _ := m.DTCStatus(2)
	assert.True(t, st.Has(status.WIR))
	<-m.Notifications()

	off := common.CommandParams{EventID: ptr(uint16(2)), Enable: ptr(false)}
	_, err = m.HandleCommand(common.ServerCommand{Type: common.CommandTypeIndicator, Params: off})
	require.NoError(t, err)
	st, _ = m.DTCStatus(2)
	assert.False(t, st.Has(status.WIR))
	<-m.Notifications()

	_, err = m.HandleCommand(common.ServerCommand{Type: common.CommandTypeSuppress, Params: ev2})
	require.NoError(t, err)
	m.ReportFailed(2)
	assert.Empty(t, m.Notifications(), "подавленный DTC не уведомляет")

	_, err = m.HandleCommand(common.ServerCommand{Type: common.CommandTypeReadDTC})
	assert.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	m := newManager(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, time.Millisecond) }()

	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run не завершился")
	}
}
