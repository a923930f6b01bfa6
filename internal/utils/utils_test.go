package utils

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryDelayIsLinear(t *testing.T) {
	unit := 10 * time.Second
	assert.Equal(t, 10*time.Second, RetryDelay(1, unit))
	assert.Equal(t, 20*time.Second, RetryDelay(2, unit))
	assert.Equal(t, 50*time.Second, RetryDelay(5, unit))
	assert.Equal(t, 10*time.Second, RetryDelay(0, unit))
}

func TestDialCheckerOnline(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	c := NewDialChecker(ln.Addr().String(), time.Second, time.Minute)
	assert.True(t, c.Online(context.Background()))
}

func TestDialCheckerCachesResult(t *testing.T) {
	calls := 0
	c := NewDialChecker("unused:1", time.Second, time.Minute)
	c.dial = func(context.Context, string, string) (net.Conn, error) {
		calls++
		return nil, errors.New("connection refused")
	}

	assert.False(t, c.Online(context.Background()))
	assert.False(t, c.Online(context.Background()))
	assert.Equal(t, 1, calls)
}

func TestAlwaysOnline(t *testing.T) {
	assert.True(t, AlwaysOnline{}.Online(context.Background()))
}
