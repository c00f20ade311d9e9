package scan

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPageSelectedPrecedence(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		discovery bool
		manualSel bool
		manualDes bool
		want      bool
	}{
		{"unselected everywhere", false, false, false, false},
		{"discovery only", true, false, false, true},
		{"manual select only", false, true, false, true},
		{"manual deselect only", false, false, true, false},
		{"manual select overrides deselect", false, true, true, true},
		{"manual select overrides discovery", true, true, false, true},
		{"manual deselect overrides discovery", true, false, true, false},
		{"all flags set", true, true, true, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := Page{
				SelectedByDiscovery: tc.discovery,
				ManuallySelected:    tc.manualSel,
				ManuallyDeselected:  tc.manualDes,
			}
			require.Equal(t, tc.want, p.Selected())
		})
	}
}

func TestCanTransitionForwardPath(t *testing.T) {
	t.Parallel()

	path := []JobStatus{
		StatusQueued, StatusDiscovering, StatusSelecting,
		StatusScraping, StatusAnalyzing, StatusAggregating, StatusCompleted,
	}
	for i := 0; i < len(path)-1; i++ {
		require.True(t, CanTransition(path[i], path[i+1]),
			"%s -> %s should be legal", path[i], path[i+1])
	}
}

func TestCanTransitionRejectsSkipsAndBackwards(t *testing.T) {
	t.Parallel()

	require.False(t, CanTransition(StatusQueued, StatusSelecting))
	require.False(t, CanTransition(StatusScraping, StatusDiscovering))
	require.False(t, CanTransition(StatusQueued, StatusCompleted))
	require.False(t, CanTransition(StatusAnalyzing, StatusAnalyzing))
}

func TestCanTransitionTerminalStatesAreSinks(t *testing.T) {
	t.Parallel()

	all := []JobStatus{
		StatusQueued, StatusDiscovering, StatusSelecting, StatusScraping,
		StatusAnalyzing, StatusAggregating, StatusCompleted, StatusFailed,
		StatusCancelled,
	}
	for _, from := range []JobStatus{StatusCompleted, StatusFailed, StatusCancelled} {
		for _, to := range all {
			require.False(t, CanTransition(from, to),
				"%s must not transition to %s", from, to)
		}
	}
}

func TestCanTransitionFailureAndCancelFromAnyActiveState(t *testing.T) {
	t.Parallel()

	active := []JobStatus{
		StatusQueued, StatusDiscovering, StatusSelecting,
		StatusScraping, StatusAnalyzing, StatusAggregating,
	}
	for _, from := range active {
		require.True(t, CanTransition(from, StatusFailed))
		require.True(t, CanTransition(from, StatusCancelled))
	}
}

func TestTerminal(t *testing.T) {
	t.Parallel()

	require.True(t, StatusCompleted.Terminal())
	require.True(t, StatusFailed.Terminal())
	require.True(t, StatusCancelled.Terminal())
	require.False(t, StatusQueued.Terminal())
	require.False(t, StatusAggregating.Terminal())
}

func TestValidateOwner(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		userID  string
		device  string
		wantErr bool
	}{
		{"user only", "user-1", "", false},
		{"device only", "", "dev-hash", false},
		{"both set", "user-1", "dev-hash", true},
		{"neither set", "", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			j := Job{UserID: tc.userID, DeviceID: tc.device}
			err := j.ValidateOwner()
			if tc.wantErr {
				require.ErrorIs(t, err, ErrOwnerExclusivity)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestAccessibilityIssueCount(t *testing.T) {
	t.Parallel()

	a := AccessibilitySignal{
		ImagesMissingAlt:   []string{"/a.png", "/b.png"},
		InputsMissingLabel: []string{"#email"},
		EmptyHeadings:      []string{"h2", "h2", "h3"},
	}
	require.Equal(t, 6, a.IssueCount())
}
