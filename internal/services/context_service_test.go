package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/yoockh/coachloop/internal/models"
	"github.com/yoockh/coachloop/internal/utils"
)

type fakeChildren struct {
	children map[string]*models.Child
	calls    int
}

func (f *fakeChildren) GetByID(_ context.Context, id string) (*models.Child, error) {
	f.calls++
	c, ok := f.children[id]
	if !ok {
		return nil, utils.ErrNotFound
	}
	return c, nil
}

type recentSessions struct {
	*fakeSessions
	recent []models.Session
}

func (r recentSessions) RecentCompleted(context.Context, string, int) ([]models.Session, error) {
	return r.recent, nil
}

type memCache struct{ data map[string][]byte }

func (m *memCache) GetJSON(_ context.Context, key string, dst any) (bool, error) {
	b, ok := m.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, dst)
}

func (m *memCache) SetJSON(_ context.Context, key string, val any, _ time.Duration) error {
	b, err := json.Marshal(val)
	m.data[key] = b
	return err
}

func (m *memCache) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func TestContextService_LoadAndCache(t *testing.T) {
	birth := time.Date(2015, 1, 10, 0, 0, 0, 0, time.UTC)
	children := &fakeChildren{children: map[string]*models.Child{
		testChildID: {ID: testChildID, FullName: "Sam Lee", BirthDate: &birth, Goals: []string{"reading fluency"}},
	}}
	summary, _ := json.Marshal(models.AnalysisResult{SessionSummary: "Practised phonics."})
	sessions := recentSessions{
		fakeSessions: newFakeSessions(),
		recent: []models.Session{
			{ID: "a", Analysis: datatypes.JSON(summary)},
			{ID: "b"},
		},
	}
	mc := &memCache{data: map[string][]byte{}}
	svc := NewContextService(children, sessions, mc, 5, time.Minute)
	svc.(*contextService).now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }

	ac, err := svc.Load(context.Background(), testChildID)
	require.NoError(t, err)
	assert.Equal(t, "Sam Lee", ac.ChildName)
	assert.Equal(t, 11, ac.ChildAge)
	assert.Equal(t, []string{"reading fluency"}, ac.Goals)
	assert.Equal(t, []string{"Practised phonics."}, ac.RecentSummaries)

	_, err = svc.Load(context.Background(), testChildID)
	require.NoError(t, err)
	assert.Equal(t, 1, children.calls)

	require.NoError(t, svc.Invalidate(context.Background(), testChildID))
	_, err = svc.Load(context.Background(), testChildID)
	require.NoError(t, err)
	assert.Equal(t, 2, children.calls)
}

func TestContextService_NoChild(t *testing.T) {
	svc := NewContextService(&fakeChildren{children: map[string]*models.Child{}}, newFakeSessions(), nil, 0, 0)

	ac, err := svc.Load(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, ac.ChildName)

	_, err = svc.Load(context.Background(), "missing")
	assert.True(t, utils.IsCode(err, utils.CodeNotFound))
}
