package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindTablesForEviction_ReturnsOldestFirst(t *testing.T) {
	tr := New()
	tables := []string{"t1", "t2", "t3", "t4", "t5"}
	for _, name := range tables {
		tr.TrackTableAccess(name)
		time.Sleep(time.Millisecond)
	}

	victims := tr.FindTablesForEviction(len(tables), 2)
	require.Len(t, victims, 3)
	assert.Equal(t, []string{"t1", "t2", "t3"}, victims)
	assert.Equal(t, 2, tr.Size())
}

func TestFindTablesForEviction_NoneWhenAtOrBelowLimit(t *testing.T) {
	tr := New()
	tr.TrackTableAccess("t1")
	tr.TrackTableAccess("t2")

	assert.Nil(t, tr.FindTablesForEviction(2, 2))
	assert.Nil(t, tr.FindTablesForEviction(1, 2))
	assert.Equal(t, 2, tr.Size())
}

func TestTrackTableAccess_RefreshesRecency(t *testing.T) {
	tr := New()
	tr.TrackTableAccess("old")
	time.Sleep(time.Millisecond)
	tr.TrackTableAccess("new")
	time.Sleep(time.Millisecond)
	tr.TrackTableAccess("old") // touched again, now more recent than "new"

	victims := tr.FindTablesForEviction(2, 1)
	require.Len(t, victims, 1)
	assert.Equal(t, "new", victims[0])
}

func TestRemove(t *testing.T) {
	tr := New()
	tr.TrackTableAccess("t1")
	tr.Remove("t1")
	assert.Equal(t, 0, tr.Size())
}

func TestFindExpiredItems(t *testing.T) {
	records := []ExpirableRecord{
		{Key: "expired", Expiration: 500},
		{Key: "alive", Expiration: 0},
		{Key: "future", Expiration: 5000},
	}
	expired := FindExpiredItems(records, 1000)
	assert.Equal(t, []string{"expired"}, expired)
}
