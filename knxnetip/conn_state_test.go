package knxnetip

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-knx/logger"
)

func TestConnStateMgr(t *testing.T) {
	require := require.New(t)

	var changes []ConnState
	mgr := NewConnStateMgr(logger.GetLogger(), func(_ ConnState, newState ConnState) {
		changes = append(changes, newState)
	})
	require.True(mgr.State().IsNotConnected())

	require.ErrorIs(mgr.ToConnected(), ErrInvalidTransition)
	require.NoError(mgr.ToConnecting())
	require.ErrorIs(mgr.ToConnecting(), ErrInvalidTransition)
	require.NoError(mgr.ToConnected())
	require.True(mgr.State().IsConnected())

	require.True(mgr.ToNotConnected())
	require.False(mgr.ToNotConnected())

	require.Equal([]ConnState{ConnectingState, ConnectedState, NotConnectedState}, changes)
	require.Equal("connecting", ConnectingState.String())
}

func TestConnStateMgr_WaitState(t *testing.T) {
	require := require.New(t)

	mgr := NewConnStateMgr(nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = mgr.ToConnecting()
		_ = mgr.ToConnected()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(mgr.WaitState(ctx, ConnectedState))

	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.ErrorIs(mgr.WaitState(ctx, ConnectingState), context.DeadlineExceeded)
}

func TestTaskManager(t *testing.T) {
	require := require.New(t)

	mgr := NewTaskManager(context.Background(), logger.GetLogger())

	ticks := make(chan struct{}, 10)
	require.NoError(mgr.StartInterval("ticker", func() bool {
		ticks <- struct{}{}
		return true
	}, 5*time.Millisecond))
	require.Error(mgr.StartInterval("bad", func() bool { return true }, 0))

	received := make(chan int, 1)
	count := 0
	require.NoError(mgr.StartReceiver("receiver", func(buf []byte) bool {
		if len(buf) != MaxFrameSize {
			return false
		}
		count++
		if count == 3 {
			received <- count
			return false
		}
		return true
	}, nil))

	require.Equal(3, <-received)
	<-ticks

	mgr.Stop()
	mgr.Wait()
	require.Equal(0, mgr.TaskCount())

	// the manager can be reused after Wait
	done := make(chan struct{})
	require.NoError(mgr.StartReceiver("once", func([]byte) bool {
		close(done)
		return false
	}, nil))
	<-done
	mgr.Stop()
	mgr.Wait()
}
