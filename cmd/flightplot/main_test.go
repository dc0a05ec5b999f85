package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/banshee-data/missionctl/internal/recorder"
)

func TestJoinCounts(t *testing.T) {
	assert.Equal(t, "", joinCounts(nil))
	assert.Equal(t, "fail=1 morph=3 recover=1", joinCounts(map[string]int{"morph": 3, "recover": 1, "fail": 1}))
}

func TestFilterActions(t *testing.T) {
	actions := []recorder.ActuatorEvent{{AcID: 1, Kind: "fail"}, {AcID: 2, Kind: "morph"}, {AcID: 1, Kind: "recover"}}
	got := filterActions(actions, 1)
	assert.Len(t, got, 2)
	assert.Equal(t, "recover", got[1].Kind)
	assert.Len(t, actions, 3, "input untouched")
}
