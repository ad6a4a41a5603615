package job

import (
	"testing"

	"github.com/parasitepool/para/internal/coinbase"
	"github.com/parasitepool/para/internal/merkle"
	"github.com/parasitepool/para/internal/template"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAllocatesMonotonicIDs(t *testing.T) {
	r := NewRegistry(8)

	j1 := r.Publish(template.Template{}, coinbase.Built{}, merkle.Ladder{}, 1, 1, 1, true, 1)
	j2 := r.Publish(template.Template{}, coinbase.Built{}, merkle.Ladder{}, 1, 1, 1, true, 2)

	assert.Less(t, j1.ID, j2.ID)
	assert.Same(t, j2, r.Current())
}

func TestLookupEvictedJobIsInvalid(t *testing.T) {
	r := NewRegistry(2)

	j1 := r.Publish(template.Template{}, coinbase.Built{}, merkle.Ladder{}, 1, 1, 1, true, 1)
	r.Publish(template.Template{}, coinbase.Built{}, merkle.Ladder{}, 1, 1, 1, true, 2)
	r.Publish(template.Template{}, coinbase.Built{}, merkle.Ladder{}, 1, 1, 1, true, 3)

	_, class := r.Lookup(j1.ID)
	assert.Equal(t, InvalidJob, class)
}

func TestLookupSupersededByCleanJobsIsStale(t *testing.T) {
	r := NewRegistry(8)

	j1 := r.Publish(template.Template{}, coinbase.Built{}, merkle.Ladder{}, 1, 1, 1, false, 1)
	r.Publish(template.Template{}, coinbase.Built{}, merkle.Ladder{}, 1, 1, 1, true, 2)

	job, class := r.Lookup(j1.ID)
	require.NotNil(t, job)
	assert.Equal(t, Stale, class)
}

func TestLookupCurrentJobIsFound(t *testing.T) {
	r := NewRegistry(8)
	j1 := r.Publish(template.Template{}, coinbase.Built{}, merkle.Ladder{}, 1, 1, 1, true, 1)

	job, class := r.Lookup(j1.ID)
	require.NotNil(t, job)
	assert.Equal(t, Found, class)
}

func TestExtraNonce1AllocatorReusesReleasedValues(t *testing.T) {
	a := NewExtraNonce1Allocator()

	first, err := a.Allocate()
	require.NoError(t, err)
	a.Release(first)

	second, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, a.Leased())
}

func TestExtraNonce1AllocatorUniqueWithoutRelease(t *testing.T) {
	a := NewExtraNonce1Allocator()

	first, err := a.Allocate()
	require.NoError(t, err)
	second, err := a.Allocate()
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, a.Leased())
}
