package server

import (
	"context"
	"net/http"
	"time"

	"github.com/raterudder/solarsync/pkg/types"
	"github.com/stretchr/testify/mock"
)

type mockOrchestrator struct {
	mock.Mock
}

func (m *mockOrchestrator) Connect(ctx context.Context, tenantID string, req types.ConnectRequest) (types.ConnectResult, error) {
	args := m.Called(ctx, tenantID, req)
	return args.Get(0).(types.ConnectResult), args.Error(1)
}

func (m *mockOrchestrator) Sync(ctx context.Context, tenantID string, req types.SyncRequest) (types.SyncResult, error) {
	args := m.Called(ctx, tenantID, req)
	return args.Get(0).(types.SyncResult), args.Error(1)
}

func (m *mockOrchestrator) SyncAll(ctx context.Context) (types.BatchResult, error) {
	args := m.Called(ctx)
	return args.Get(0).(types.BatchResult), args.Error(1)
}

func (m *mockOrchestrator) Location() *time.Location {
	args := m.Called()
	return args.Get(0).(*time.Location)
}

// withTenant returns r as if it passed the auth middleware.
func withTenant(r *http.Request, tenantID string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), tenantContextKey, tenantID))
}
