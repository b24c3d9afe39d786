// Package metadatastore provides the metadata store adapter (C5): CRUD over
// Document, Task and TaskStep records with soft delete, following the
// persistence/databases chat-store pattern (Init/Create/Get/List methods
// over a pluggable backend).
package metadatastore

import (
	"context"
	"errors"
	"time"

	"ingestgraph/internal/domain"
)

// ErrNotFound is returned when a lookup finds no record.
var ErrNotFound = errors.New("metadatastore: not found")

// DocumentFilter narrows Document listings.
type DocumentFilter struct {
	Status         domain.DocumentStatus
	IncludeDeleted bool
	Limit          int
}

// Store is the metadata persistence contract for documents, tasks and task
// steps. SoftDeleteDocument sets DeletedAt and Status without removing the
// row, so ingestion history remains auditable.
type Store interface {
	Init(ctx context.Context) error

	CreateDocument(ctx context.Context, d domain.Document) (domain.Document, error)
	GetDocument(ctx context.Context, id string) (domain.Document, error)
	UpdateDocument(ctx context.Context, d domain.Document) error
	SoftDeleteDocument(ctx context.Context, id string) error
	ListDocuments(ctx context.Context, filter DocumentFilter) ([]domain.Document, error)

	CreateTask(ctx context.Context, t domain.Task) (domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	UpdateTask(ctx context.Context, t domain.Task) error
	ListTasks(ctx context.Context, status domain.TaskStatus, limit int) ([]domain.Task, error)

	CreateStep(ctx context.Context, s domain.TaskStep) (domain.TaskStep, error)
	UpdateStep(ctx context.Context, s domain.TaskStep) error
	ListSteps(ctx context.Context, taskID string) ([]domain.TaskStep, error)
}

func now() time.Time { return time.Now().UTC() }
