package learning

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff_RetriesUntilSuccess(t *testing.T) {
	b := Backoff{Attempts: 3, BaseDelay: time.Millisecond}
	calls := 0
	n, err := b.Retry(context.Background(), nil, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("boom")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestBackoff_Exhausted(t *testing.T) {
	b := Backoff{Attempts: 3, BaseDelay: time.Millisecond}
	sentinel := errors.New("still broken")
	n, err := b.Retry(context.Background(), nil, func(context.Context) error { return sentinel })
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 3, n)
}

func TestBackoff_NonRetryableStopsEarly(t *testing.T) {
	b := Backoff{Attempts: 5, BaseDelay: time.Millisecond}
	n, err := b.Retry(context.Background(), func(error) bool { return false }, func(context.Context) error {
		return errors.New("fatal")
	})
	require.Error(t, err)
	assert.Equal(t, 1, n)
}

func TestBackoff_DelayCapped(t *testing.T) {
	b := Backoff{BaseDelay: time.Second, MaxDelay: 3 * time.Second}
	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, 2*time.Second, b.Delay(1))
	assert.Equal(t, 3*time.Second, b.Delay(5))
}

func TestTriple_EqualIsExact(t *testing.T) {
	a := Triple{Subject: "Acme", Predicate: "acquired", Object: "Widgets Inc"}
	assert.True(t, a.Equal(Triple{Subject: "Acme", Predicate: "acquired", Object: "Widgets Inc"}))
	assert.False(t, a.Equal(Triple{Subject: "acme", Predicate: "ACQUIRED", Object: "widgets inc"}))
	assert.False(t, a.Equal(Triple{Subject: "Acme", Predicate: "sold", Object: "Widgets Inc"}))
	assert.True(t, a.Equal(Triple{Subject: " Acme", Predicate: "acquired ", Object: "Widgets Inc"}.Trimmed()))
}

func TestFormatPlan(t *testing.T) {
	assert.Equal(t, "book hotel (done); book flights (pending)", FormatPlan([]PlanStep{
		{Step: "book hotel", Status: PlanDone},
		{Step: "book flights", Status: PlanPending},
	}))
	assert.Equal(t, "", FormatPlan(nil))
}

func TestMergeTopics_UnionKeepsOrder(t *testing.T) {
	got := MergeTopics([]string{"food", "Travel"}, []string{"travel", "music", ""})
	assert.Equal(t, []string{"food", "Travel", "music"}, got)
}

func TestRecord_CloneIsDeep(t *testing.T) {
	r := Record{Fields: map[string]string{"name": "Ann"}, Topics: []string{"x"}, Triple: &Triple{Subject: "a"}}
	c := r.Clone()
	c.Fields["name"] = "Bob"
	c.Topics[0] = "y"
	c.Triple.Subject = "b"
	assert.Equal(t, "Ann", r.Fields["name"])
	assert.Equal(t, "x", r.Topics[0])
	assert.Equal(t, "a", r.Triple.Subject)
}

func TestParseMode(t *testing.T) {
	m, ok := ParseMode(" AGENTIC ")
	assert.True(t, ok)
	assert.Equal(t, ModeAgentic, m)
	_, ok = ParseMode("sometimes")
	assert.False(t, ok)
}

func TestKindRules(t *testing.T) {
	assert.True(t, KindProfile.SingleRecord())
	assert.True(t, KindSession.SingleRecord())
	assert.False(t, KindMemory.SingleRecord())
	assert.True(t, KindFact.DedupEligible())
	assert.False(t, KindEvent.DedupEligible())
	assert.False(t, KindRelationship.DedupEligible())
}
