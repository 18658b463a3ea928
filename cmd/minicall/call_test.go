package main

import (
	"testing"

	"mini-call/message"

	"github.com/stretchr/testify/assert"
)

func TestFormatUpdate(t *testing.T) {
	assert.Equal(t, "[0] pending", formatUpdate(message.StatusUpdate{CallIndex: 0, Phase: message.PhasePending}))

	assert.Equal(t, "[2] pending rank 1/4 eta 1.50s", formatUpdate(message.StatusUpdate{
		CallIndex: 2,
		Phase:     message.PhasePending,
		QueueSize: message.Ptr(4),
		Rank:      message.Ptr(1),
		ETA:       message.Ptr(1.5),
	}))

	assert.Equal(t, "[1] pending 3/10 steps", formatUpdate(message.StatusUpdate{
		CallIndex:    1,
		Phase:        message.PhasePending,
		ProgressData: []message.ProgressUnit{{Index: message.Ptr(3), Length: message.Ptr(10), Unit: "steps"}},
	}))

	assert.Equal(t, "[1] error: Connection errored out.", formatUpdate(message.StatusUpdate{
		CallIndex:    1,
		Phase:        message.PhaseError,
		ErrorMessage: message.Ptr("Connection errored out."),
	}))
}
