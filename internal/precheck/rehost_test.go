package precheck

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rathodworks/whatsflow/internal/fault"
	"github.com/rathodworks/whatsflow/internal/models"
	"github.com/rathodworks/whatsflow/internal/trace"
	"github.com/rathodworks/whatsflow/pkg/whatsapp"
	"github.com/rathodworks/whatsflow/test/testutil"
)

// fakeFetcher scripts FetchMedia responses
type fakeFetcher struct {
	calls int
	info  *whatsapp.MediaInfo
	err   error
}

func (f *fakeFetcher) FetchMedia(_ context.Context, _ *whatsapp.Account, _ string, _ bool) (*whatsapp.MediaInfo, error) {
	f.calls++
	return f.info, f.err
}

func TestRehost_RefreshesAndPersists(t *testing.T) {
	db := testutil.SetupTestDB(t)
	sink := trace.NewSink(db, testutil.NopLogger(), false)
	fetcher := &fakeFetcher{info: &whatsapp.MediaInfo{URL: "https://fresh.example.com/m/1"}}
	r := NewRehoster(fetcher, db, sink, testutil.NopLogger())

	tmpl := &models.Template{
		Name:              "promo",
		Language:          "en",
		HeaderType:        models.HeaderTypeImage,
		HeaderContent:     "https://stale.example.com/m/1",
		HeaderMediaHandle: "media-1",
	}
	require.NoError(t, db.Create(tmpl).Error)

	url, err := r.Rehost(context.Background(), &whatsapp.Account{}, tmpl, nil, "tr-1")
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.calls)
	assert.Equal(t, "https://fresh.example.com/m/1", url)

	// The passed-in template is read-only; callers apply the URL themselves.
	assert.Equal(t, "https://stale.example.com/m/1", tmpl.HeaderContent)
	assert.Nil(t, tmpl.HeaderMediaRefreshedAt)

	var got models.Template
	require.NoError(t, db.First(&got, "id = ?", tmpl.ID).Error)
	assert.Equal(t, "https://fresh.example.com/m/1", got.HeaderContent)
	assert.NotNil(t, got.HeaderMediaRefreshedAt)

	var phases []string
	require.NoError(t, db.Model(&models.TraceEvent{}).Order("created_at asc").Pluck("phase", &phases).Error)
	assert.Contains(t, phases, "template_media_rehost_start")
	assert.Contains(t, phases, "template_media_rehost_ok")
}

func TestRehost_NoMediaHeader(t *testing.T) {
	db := testutil.SetupTestDB(t)
	sink := trace.NewSink(db, testutil.NopLogger(), false)
	fetcher := &fakeFetcher{}
	r := NewRehoster(fetcher, db, sink, testutil.NopLogger())

	tmpl := &models.Template{Name: "plain", Language: "en", BodyContent: "Hello"}
	require.NoError(t, db.Create(tmpl).Error)

	_, err := r.Rehost(context.Background(), &whatsapp.Account{}, tmpl, nil, "tr-1")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindPolicyRejected))
	assert.Zero(t, fetcher.calls, "no provider call without a media handle")

	var phases []string
	require.NoError(t, db.Model(&models.TraceEvent{}).Pluck("phase", &phases).Error)
	assert.Contains(t, phases, "template_media_rehost_skip")
}

func TestRehost_FetchFailurePassesThrough(t *testing.T) {
	db := testutil.SetupTestDB(t)
	sink := trace.NewSink(db, testutil.NopLogger(), false)
	fetcher := &fakeFetcher{err: fault.New(fault.KindMediaExpired, "handle is gone")}
	r := NewRehoster(fetcher, db, sink, testutil.NopLogger())

	tmpl := &models.Template{
		Name:              "promo",
		Language:          "en",
		HeaderType:        models.HeaderTypeImage,
		HeaderMediaHandle: "media-1",
	}
	require.NoError(t, db.Create(tmpl).Error)

	_, err := r.Rehost(context.Background(), &whatsapp.Account{}, tmpl, nil, "tr-1")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindMediaExpired))

	var phases []string
	require.NoError(t, db.Model(&models.TraceEvent{}).Pluck("phase", &phases).Error)
	assert.Contains(t, phases, "template_media_rehost_fail")
}

func TestPrepare_SkipsFreshMedia(t *testing.T) {
	db := testutil.SetupTestDB(t)
	sink := trace.NewSink(db, testutil.NopLogger(), false)
	fetcher := &fakeFetcher{info: &whatsapp.MediaInfo{URL: "https://fresh.example.com/m/1"}}
	r := NewRehoster(fetcher, db, sink, testutil.NopLogger())

	recent := time.Now().Add(-time.Minute)
	tmpl := &models.Template{
		Name:                   "promo",
		Language:               "en",
		HeaderType:             models.HeaderTypeImage,
		HeaderMediaHandle:      "media-1",
		HeaderMediaRefreshedAt: &recent,
	}
	require.NoError(t, db.Create(tmpl).Error)

	r.Prepare(context.Background(), &whatsapp.Account{}, tmpl, nil, "tr-1", time.Hour)
	assert.Zero(t, fetcher.calls, "recently refreshed media is left alone")

	stale := time.Now().Add(-2 * time.Hour)
	tmpl.HeaderMediaRefreshedAt = &stale
	r.Prepare(context.Background(), &whatsapp.Account{}, tmpl, nil, "tr-1", time.Hour)
	assert.Equal(t, 1, fetcher.calls)
	assert.Equal(t, "https://fresh.example.com/m/1", tmpl.HeaderContent)
}
