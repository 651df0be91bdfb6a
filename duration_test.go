package ioevent_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Math2/io-event"
)

func TestDurationForever(t *testing.T) {
	d := ioevent.Forever()
	assert.True(t, d.Blocking())
	assert.Nil(t, d.Timespec())
	assert.Equal(t, -1, d.Milliseconds())
}

func TestDurationNonBlocking(t *testing.T) {
	d := ioevent.NonBlocking()
	assert.False(t, d.Blocking())
	assert.NotNil(t, d.Timespec())
	assert.Equal(t, 0, d.Milliseconds())
}

func TestDurationAfter(t *testing.T) {
	d := ioevent.After(250 * time.Millisecond)
	assert.False(t, d.Blocking())
	assert.Equal(t, 250, d.Milliseconds())
	assert.NotNil(t, d.Timespec())
}
