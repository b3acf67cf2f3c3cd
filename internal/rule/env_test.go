package rule

import (
	"context"
	"sync"
	"time"

	"github.com/ottohome/ottoengine/internal/enginelog"
	"github.com/ottohome/ottoengine/internal/model"
)

// fakeEnv is an in-memory Env for condition and runner tests.
type fakeEnv struct {
	states  map[string]*model.EntityState
	now     time.Time
	callErr error
	elog    *enginelog.Log

	mu    sync.Mutex
	calls []model.ServiceCall
}

func newFakeEnv() *fakeEnv {
	return &fakeEnv{
		states: make(map[string]*model.EntityState),
		now:    time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
		elog:   enginelog.New(nil),
	}
}

func (f *fakeEnv) setState(entityID, state string, attrs map[string]any) {
	f.states[entityID] = model.NewEntityState(entityID, state, attrs, f.now)
}

func (f *fakeEnv) EntityState(entityID string) *model.EntityState {
	return f.states[entityID]
}

func (f *fakeEnv) Now() time.Time { return f.now }

func (f *fakeEnv) CallService(ctx context.Context, call model.ServiceCall) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callErr != nil {
		return f.callErr
	}
	f.calls = append(f.calls, call)
	return nil
}

func (f *fakeEnv) EngineLog() *enginelog.Log { return f.elog }

func (f *fakeEnv) serviceCalls() []model.ServiceCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.ServiceCall, len(f.calls))
	copy(out, f.calls)
	return out
}
