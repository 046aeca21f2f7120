// Package lifecycle decides, at any moment, whether a mark sheet may be edited or
// published, and drives the confirm, request and publish transitions against a Backend.
package lifecycle

import (
	"context"

	"github.com/shrimpsizemoose/markgate/internal/models"
)

// Backend is the server side of a sheet. Every call may fail; callers degrade to
// the most restrictive interpretation instead of propagating the failure.
type Backend interface {
	FetchDraft(ctx context.Context, key models.SheetKey) (*models.Draft, error)
	SaveDraft(ctx context.Context, key models.SheetKey, payload models.DraftPayload) error

	FetchPublished(ctx context.Context, key models.SheetKey) (*models.PublishedMarks, error)
	Publish(ctx context.Context, key models.SheetKey, sheet models.Sheet, tc models.TeachingContext) error

	FetchMarkTableLock(ctx context.Context, key models.SheetKey, tc models.TeachingContext) (*models.MarkTableLock, error)
	ConfirmMarkManagerLock(ctx context.Context, key models.SheetKey, tc models.TeachingContext) error

	FetchEditWindow(ctx context.Context, key models.SheetKey, scope models.Scope, tc models.TeachingContext) (*models.EditWindow, error)
	CreateEditRequest(ctx context.Context, in models.EditRequestInput) (*models.EditRequest, error)
	FetchMyLatestEditRequest(ctx context.Context, key models.SheetKey, scope models.Scope, tc models.TeachingContext) (*models.EditRequest, error)

	FetchPublishWindow(ctx context.Context, key models.SheetKey, tc models.TeachingContext) (*models.PublishWindow, error)
	CreatePublishRequest(ctx context.Context, in models.PublishRequestInput) error
}
