package ioevent_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Math2/io-event"
)

func TestEventString(t *testing.T) {
	assert.Equal(t, "none", ioevent.Event(0).String())
	assert.Equal(t, "Readable", ioevent.Readable.String())
	assert.Equal(t, "Readable|Writable", (ioevent.Readable | ioevent.Writable).String())
	assert.Equal(t, "Readable|Writable|Priority|Exit",
		(ioevent.Readable | ioevent.Writable | ioevent.Priority | ioevent.Exit).String())
}
