package lifecycle

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/shrimpsizemoose/markgate/internal/models"
)

type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) FetchDraft(ctx context.Context, key models.SheetKey) (*models.Draft, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Draft), args.Error(1)
}

func (m *MockBackend) SaveDraft(ctx context.Context, key models.SheetKey, payload models.DraftPayload) error {
	args := m.Called(ctx, key, payload)
	return args.Error(0)
}

func (m *MockBackend) FetchPublished(ctx context.Context, key models.SheetKey) (*models.PublishedMarks, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PublishedMarks), args.Error(1)
}

func (m *MockBackend) Publish(ctx context.Context, key models.SheetKey, sheet models.Sheet, tc models.TeachingContext) error {
	args := m.Called(ctx, key, sheet, tc)
	return args.Error(0)
}

func (m *MockBackend) FetchMarkTableLock(ctx context.Context, key models.SheetKey, tc models.TeachingContext) (*models.MarkTableLock, error) {
	args := m.Called(ctx, key, tc)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.MarkTableLock), args.Error(1)
}

func (m *MockBackend) ConfirmMarkManagerLock(ctx context.Context, key models.SheetKey, tc models.TeachingContext) error {
	args := m.Called(ctx, key, tc)
	return args.Error(0)
}

func (m *MockBackend) FetchEditWindow(ctx context.Context, key models.SheetKey, scope models.Scope, tc models.TeachingContext) (*models.EditWindow, error) {
	args := m.Called(ctx, key, scope, tc)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.EditWindow), args.Error(1)
}

func (m *MockBackend) CreateEditRequest(ctx context.Context, in models.EditRequestInput) (*models.EditRequest, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.EditRequest), args.Error(1)
}

func (m *MockBackend) FetchMyLatestEditRequest(ctx context.Context, key models.SheetKey, scope models.Scope, tc models.TeachingContext) (*models.EditRequest, error) {
	args := m.Called(ctx, key, scope, tc)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.EditRequest), args.Error(1)
}

func (m *MockBackend) FetchPublishWindow(ctx context.Context, key models.SheetKey, tc models.TeachingContext) (*models.PublishWindow, error) {
	args := m.Called(ctx, key, tc)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PublishWindow), args.Error(1)
}

func (m *MockBackend) CreatePublishRequest(ctx context.Context, in models.PublishRequestInput) error {
	args := m.Called(ctx, in)
	return args.Error(0)
}
