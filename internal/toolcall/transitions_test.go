package toolcall

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"pending to executing", StatusPending, StatusExecuting, true},
		{"pending to modified", StatusPending, StatusModified, true},
		{"pending to cancelled", StatusPending, StatusCancelled, true},
		{"modified to modified", StatusModified, StatusModified, true},
		{"modified to executing", StatusModified, StatusExecuting, true},
		{"executing to prepared", StatusExecuting, StatusPrepared, true},
		{"executing to cancelled", StatusExecuting, StatusCancelled, true},
		{"executing to failed", StatusExecuting, StatusFailed, true},
		{"prepared to completed", StatusPrepared, StatusCompleted, true},
		{"prepared to failed", StatusPrepared, StatusFailed, true},
		{"prepared to cancelled", StatusPrepared, StatusCancelled, true},

		{"pending to prepared skips gate 1", StatusPending, StatusPrepared, false},
		{"pending to completed skips everything", StatusPending, StatusCompleted, false},
		{"executing to completed skips gate 2", StatusExecuting, StatusCompleted, false},
		{"completed is terminal", StatusCompleted, StatusCancelled, false},
		{"failed is terminal", StatusFailed, StatusExecuting, false},
		{"cancelled is terminal", StatusCancelled, StatusExecuting, false},
		{"no backwards transition", StatusPrepared, StatusExecuting, false},
		{"unknown status", Status("BOGUS"), StatusExecuting, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestValidPath(t *testing.T) {
	tests := []struct {
		name string
		path []Status
		want bool
	}{
		{"happy path", []Status{StatusPending, StatusExecuting, StatusPrepared, StatusCompleted}, true},
		{"cancel at gate 1", []Status{StatusPending, StatusExecuting, StatusCancelled}, true},
		{"cancel at gate 2", []Status{StatusPending, StatusExecuting, StatusPrepared, StatusCancelled}, true},
		{"modify then confirm", []Status{StatusPending, StatusModified, StatusModified, StatusExecuting, StatusPrepared, StatusCompleted}, true},
		{"executor failure", []Status{StatusPending, StatusExecuting, StatusPrepared, StatusFailed}, true},
		{"note row under prepared", []Status{StatusPending, StatusExecuting, StatusPrepared, StatusPrepared, StatusCompleted}, true},
		{"note row under terminal", []Status{StatusPending, StatusExecuting, StatusCancelled, StatusCancelled}, true},

		{"must start at pending", []Status{StatusExecuting, StatusPrepared}, false},
		{"skips a gate", []Status{StatusPending, StatusPrepared}, false},
		{"continues past terminal", []Status{StatusPending, StatusCancelled, StatusExecuting}, false},
		{"empty path", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidPath(tt.path))
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
	}
	for _, s := range NonTerminalStatuses() {
		assert.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}

func TestParamsClone(t *testing.T) {
	p := Params{"to": "ana@example.com", "count": 3}
	clone := p.Clone()

	clone["to"] = "other@example.com"
	assert.Equal(t, "ana@example.com", p["to"])

	assert.Nil(t, Params(nil).Clone())
}
