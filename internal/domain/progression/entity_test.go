package progression

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestXPToNextLevel(t *testing.T) {
	assert.Equal(t, 500, XPToNextLevel(1))
	assert.Equal(t, 1000, XPToNextLevel(2))
	assert.Equal(t, 5000, XPToNextLevel(10))
}

func TestNewStats(t *testing.T) {
	assert.Equal(t, Stats{XP: 0, TotalXPNeeded: 500, Level: 1}, NewStats())
}

func TestStats_AddXP(t *testing.T) {
	tests := []struct {
		name      string
		start     Stats
		amount    int
		want      Stats
		leveledUp bool
	}{
		{
			name:   "below threshold",
			start:  Stats{XP: 0, TotalXPNeeded: 500, Level: 1},
			amount: 50,
			want:   Stats{XP: 50, TotalXPNeeded: 500, Level: 1},
		},
		{
			name:      "exactly reaches threshold",
			start:     Stats{XP: 450, TotalXPNeeded: 500, Level: 1},
			amount:    50,
			want:      Stats{XP: 0, TotalXPNeeded: 1000, Level: 2},
			leveledUp: true,
		},
		{
			name:      "overshoot below the next threshold carries over",
			start:     Stats{XP: 450, TotalXPNeeded: 500, Level: 1},
			amount:    60,
			want:      Stats{XP: 10, TotalXPNeeded: 1000, Level: 2},
			leveledUp: true,
		},
		{
			// Only one level is granted per call; the excess carries over.
			name:      "crosses two thresholds",
			start:     Stats{XP: 0, TotalXPNeeded: 500, Level: 1},
			amount:    1200,
			want:      Stats{XP: 700, TotalXPNeeded: 1000, Level: 2},
			leveledUp: true,
		},
		{
			name:      "excess above the next threshold is kept for the next call",
			start:     Stats{XP: 0, TotalXPNeeded: 500, Level: 1},
			amount:    2000,
			want:      Stats{XP: 1500, TotalXPNeeded: 1000, Level: 2},
			leveledUp: true,
		},
		{
			name:   "zero reward",
			start:  Stats{XP: 10, TotalXPNeeded: 1500, Level: 3},
			amount: 0,
			want:   Stats{XP: 10, TotalXPNeeded: 1500, Level: 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tt.start
			leveled := s.AddXP(tt.amount)
			assert.Equal(t, tt.want, s)
			assert.Equal(t, tt.leveledUp, leveled)
		})
	}
}

func TestClassifyProof(t *testing.T) {
	assert.Equal(t, ProofNone, ClassifyProof(""))
	assert.Equal(t, ProofNote, ClassifyProof("finished chapter 3"))
	assert.True(t, ProofContribution.IsValid())
	assert.False(t, ProofType("selfie").IsValid())
}

func TestNewCheckin_NormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*60*60)
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, loc)

	c := NewCheckin("42", at, "notes")

	assert.Equal(t, time.UTC, c.Date.Location())
	assert.True(t, at.Equal(c.Date))
	assert.Equal(t, ProofNote, c.ProofType)
}

func TestContributionDay_IsNewerThan(t *testing.T) {
	cached := &ContributionDay{Date: "2025-03-01", Count: 3}

	assert.True(t, ContributionDay{Date: "2025-03-01", Count: 1}.IsNewerThan(nil))
	assert.True(t, ContributionDay{Date: "2025-03-02", Count: 1}.IsNewerThan(cached))
	assert.True(t, ContributionDay{Date: "2025-03-01", Count: 4}.IsNewerThan(cached))
	assert.False(t, ContributionDay{Date: "2025-03-01", Count: 3}.IsNewerThan(cached))
	assert.False(t, ContributionDay{Date: "2025-03-01", Count: 2}.IsNewerThan(cached))
}

func TestUser_RemainingCooldown(t *testing.T) {
	base := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	cooldown := 20 * time.Hour
	last := NewCheckin("42", base, "")
	u := User{ID: "42", LastCheckin: &last}

	assert.Zero(t, NewUser("42").RemainingCooldown(base, cooldown))

	for _, elapsed := range []time.Duration{0, time.Second, 5 * time.Hour, cooldown - time.Nanosecond} {
		assert.Equal(t, cooldown-elapsed, u.RemainingCooldown(base.Add(elapsed), cooldown), "elapsed=%s", elapsed)
	}

	assert.Zero(t, u.RemainingCooldown(base.Add(cooldown), cooldown))
	assert.Zero(t, u.RemainingCooldown(base.Add(48*time.Hour), cooldown))
}

func TestUser_ClaimsContribution(t *testing.T) {
	name := "octocat"
	u := User{ID: "1", GithubName: &name}

	assert.True(t, u.ClaimsContribution("octocat"))
	assert.False(t, u.ClaimsContribution("octo"))
	assert.False(t, NewUser("2").ClaimsContribution("octocat"))
}
