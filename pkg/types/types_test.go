package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHistoryCurrent(t *testing.T) {
	tests := []struct {
		name    string
		history History
		want    StateKind
	}{
		{"empty history is passive", nil, Passive},
		{"single entry", History{{State: Active}}, Active},
		{"most recent wins", History{{State: Active}, {State: StillBuilding}}, StillBuilding},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.history.Current())
		})
	}
}

func TestHistoryKillable(t *testing.T) {
	tests := []struct {
		name    string
		history History
		want    bool
	}{
		{"passive is killable", nil, true},
		{"active is killable", History{{State: Active}}, true},
		{"ran successfully is not killable", History{{State: RanSuccessfully}}, false},
		{"killed is not killable", History{{State: Killed}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.history.Killable())
		})
	}
}

func TestHistoryActivatedByUser(t *testing.T) {
	tests := []struct {
		name    string
		history History
		want    bool
	}{
		{"never activated", nil, false},
		{"activated by user", History{{State: Active, Reason: "activate_request"}}, true},
		{"activated by dependency", History{{State: Active, Reason: "dependency_satisfied"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.history.ActivatedByUser())
		})
	}
}

func TestStateKindGroupings(t *testing.T) {
	assert.True(t, RanSuccessfully.Terminal())
	assert.False(t, RanSuccessfully.Failed())
	assert.True(t, FailedFromRunning.Terminal())
	assert.True(t, FailedFromRunning.Failed())
	assert.True(t, StillBuilding.InProgress())
	assert.False(t, StillBuilding.Terminal())
	assert.False(t, Passive.InProgress())
	assert.False(t, Passive.Terminal())
}

func TestConditionEmptyIsTrue(t *testing.T) {
	var c Condition
	assert.True(t, c.Empty())

	c = Condition{Kind: ConditionVolumeExists, HostName: "localhost", Path: "/data"}
	assert.False(t, c.Empty())
}
