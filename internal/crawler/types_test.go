package crawler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTargetRefKeyIsOrderIndependent(t *testing.T) {
	t.Parallel()

	a := TargetRef{CatalogID: "312", FilterParams: map[string]any{
		"brandIdList":    []string{"77"},
		"encapValueList": []string{"0402"},
	}}
	b := TargetRef{CatalogID: "312", FilterParams: map[string]any{
		"encapValueList": []string{"0402"},
		"brandIdList":    []string{"77"},
	}}

	require.Equal(t, a.Key(), b.Key())
	require.Equal(t, `catalog:312|brandIdList=["77"]|encapValueList=["0402"]`, a.Key())
	require.NotEqual(t, a.Key(), TargetRef{CatalogID: "312"}.Key())
	require.Equal(t, "catalog:312", TargetRef{CatalogID: "312", Level: LevelLeaf}.Key())
}

func TestSplitUnitToTarget(t *testing.T) {
	t.Parallel()

	parent := TargetRef{CatalogID: "9", Level: LevelMid}
	unit := SplitUnit{
		DimensionName:  "Brand",
		FilterID:       "42",
		FilterValue:    "Acme",
		EstimatedCount: 1200,
		Parent:         parent,
		FilterParams:   map[string]any{"brandIdList": []string{"42"}},
	}

	child := unit.ToTarget("parent-task")
	require.Equal(t, 1, child.SplitLevel)
	require.True(t, child.IsSubTask())
	require.False(t, parent.IsSubTask())
	require.Equal(t, "parent-task", child.ParentTaskID)
	require.Equal(t, LevelMid, child.Level)
	require.Equal(t, "catalog 9 [Brand=Acme]", child.Label())
}

func TestProgressPercent(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0, Progress{CurrentPage: 1}.Percent())
	require.Equal(t, 20, Progress{CurrentPage: 1, TotalPages: 5}.Percent())
	require.Equal(t, 100, Progress{CurrentPage: 7, TotalPages: 5}.Percent())
}

func TestPriorityClamp(t *testing.T) {
	t.Parallel()

	require.Equal(t, PriorityAuto, Priority(0).Clamp())
	require.Equal(t, MaxPriority, Priority(500).Clamp())
	require.Equal(t, PriorityManual, PriorityManual.Clamp())
}

func TestTimerSleeperHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := TimerSleeper{}.Sleep(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), time.Second)
}

func TestStatusErrorExposesCode(t *testing.T) {
	t.Parallel()

	var err error = &StatusError{Endpoint: "query/list", Code: 429}
	var coded interface{ HTTPStatus() int }
	require.True(t, errors.As(err, &coded))
	require.Equal(t, 429, coded.HTTPStatus())
	require.Contains(t, err.Error(), "Too Many Requests")
}
