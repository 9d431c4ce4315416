package errors

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReporter struct {
	mu   sync.Mutex
	errs []*EnhancedError
}

func (r *recordingReporter) ReportError(ee *EnhancedError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, ee)
}

func TestBuilder_Metadata(t *testing.T) {
	ee := Newf("precache of %s failed", "/offline.html").
		Component("offline").
		Category(CategoryPrecache).
		Context("version", "dinoproject-v2").
		Build()

	assert.Equal(t, "precache of /offline.html failed", ee.Error())
	assert.Equal(t, "offline", ee.GetComponent())
	assert.Equal(t, CategoryPrecache, ee.GetCategory())
	assert.Equal(t, "dinoproject-v2", ee.GetContext()["version"])
	assert.False(t, ee.Timestamp.IsZero())
}

func TestBuilder_WrapsCause(t *testing.T) {
	ee := New(context.DeadlineExceeded).Component("fetch").Category(CategoryNetwork).Build()

	require.ErrorIs(t, ee, context.DeadlineExceeded)
	assert.Equal(t, CategoryNetwork, CategoryOf(Join(NewStd("other"), ee)))
	assert.Equal(t, CategoryGeneric, CategoryOf(NewStd("plain")))
}

func TestBuilder_DefaultComponent(t *testing.T) {
	ee := Newf("no component").Build()
	assert.Equal(t, "unknown", ee.GetComponent())
}

func TestGetContext_ReturnsCopy(t *testing.T) {
	ee := Newf("x").Context("k", "v").Build()
	ctx := ee.GetContext()
	ctx["k"] = "changed"
	assert.Equal(t, "v", ee.GetContext()["k"])
}

// Not parallel: swaps the package-level reporter.
func TestReporter_SkipsValidation(t *testing.T) {
	rec := &recordingReporter{}
	SetReporter(rec)
	t.Cleanup(func() { SetReporter(nil) })

	Newf("bad input").Category(CategoryValidation).Build()
	Newf("missing").Category(CategoryNotFound).Build()
	Newf("db down").Category(CategoryStorage).Build()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.errs, 1)
	assert.Equal(t, "db down", rec.errs[0].Error())
}

func TestInitSentry_EmptyDSN(t *testing.T) {
	r, err := InitSentry("", "test", "test")
	require.NoError(t, err)
	assert.Nil(t, r)
	assert.True(t, r.Flush(0))
}
