package chatsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestViewport(t *testing.T) {
	v := Viewport{ScrollTop: 99, ClientHeight: 500, ScrollHeight: 2000}
	assert.True(t, v.NearTop())
	assert.False(t, v.NearBottom())

	v.ScrollTop = 100
	assert.False(t, v.NearTop(), "threshold is exclusive")

	v.ScrollTop = 1450
	assert.True(t, v.NearBottom())

	assert.Equal(t, 1030.0, Viewport{ScrollTop: 30}.PreserveOffset(1000, 2000))
	assert.Equal(t, 30.0, Viewport{ScrollTop: 30}.PreserveOffset(1000, 1000))
}
