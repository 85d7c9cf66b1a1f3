/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package finops

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateReportAggregates(t *testing.T) {
	e, mock := newTestEngine(t, Config{})
	start := mock.Now()

	r1 := record("a1", 1.0)
	r1.Tags = map[string]string{"team": "core", "env": "prod"}
	_, err := e.RecordConsumption(r1)
	require.NoError(t, err)

	mock.Add(time.Minute)
	r2 := record("a2", 2.0)
	r2.Model = "gpt-4o"
	r2.Tags = map[string]string{"env": "prod", "team": "core"} // same set, different order
	_, err = e.RecordConsumption(r2)
	require.NoError(t, err)

	mock.Add(time.Minute)
	r3 := record("a1", 4.0)
	_, err = e.RecordConsumption(r3)
	require.NoError(t, err)

	end := mock.Now()
	_, err = e.CreateBudget(BudgetSpec{Name: "org", Level: LevelOrganization, Limit: 100})
	require.NoError(t, err)

	// A record after the window must not count.
	mock.Add(time.Hour)
	_, err = e.RecordConsumption(record("a9", 100))
	require.NoError(t, err)

	rep := e.GenerateReport(start, end)

	assert.Equal(t, 3, rep.Records)
	assert.Equal(t, 7.0, rep.TotalCost)
	assert.Equal(t, int64(3*1500), rep.TotalTokens)

	assert.Equal(t, 5.0, rep.ByAgent["a1"].Cost)
	assert.Equal(t, 2, rep.ByAgent["a1"].Records)
	assert.Equal(t, 2.0, rep.ByAgent["a2"].Cost)

	assert.Equal(t, 5.0, rep.ByModel["claude-sonnet-4"].Cost)
	assert.Equal(t, 2.0, rep.ByModel["gpt-4o"].Cost)

	// Tag tuples are canonicalized by sorted key.
	tagged, ok := rep.ByTags["env=prod,team=core"]
	require.True(t, ok, "tag buckets: %v", rep.ByTags)
	assert.Equal(t, 3.0, tagged.Cost)
	assert.Equal(t, 2, tagged.Records)
	untagged := rep.ByTags[""]
	assert.Equal(t, 4.0, untagged.Cost)

	require.Len(t, rep.Budgets, 1)
	assert.Equal(t, "org", rep.Budgets[0].Name)
	assert.True(t, rep.GeneratedAt.Equal(mock.Now()))
}

func TestGenerateReportWindowedRecommendations(t *testing.T) {
	e, mock := newTestEngine(t, Config{})

	// Rule-1-worthy traffic, all before the report window.
	for i := 0; i < 5; i++ {
		_, err := e.RecordConsumption(opusRecord("a1", 50, 0.5))
		require.NoError(t, err)
	}
	mock.Add(time.Hour)
	start := mock.Now()
	mock.Add(time.Hour)

	rep := e.GenerateReport(start, mock.Now())
	assert.Empty(t, rep.Recommendations, "recommendations derive from windowed records only")
	assert.Zero(t, rep.Records)

	full := e.GenerateReport(start.Add(-3*time.Hour), mock.Now())
	assert.Len(t, full.Recommendations, 1)
}

func TestTagTuple(t *testing.T) {
	cases := []struct {
		name string
		tags map[string]string
		want string
	}{
		{"nil", nil, ""},
		{"empty", map[string]string{}, ""},
		{"single", map[string]string{"a": "1"}, "a=1"},
		{"sorted", map[string]string{"b": "2", "a": "1", "c": "3"}, "a=1,b=2,c=3"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tagTuple(tc.tags))
		})
	}
}
