package services

import (
	"context"
	"encoding/json"
	"io"

	"github.com/coursesync/server/internal/models"
)

// CourseAPI is the part of the LMS API the composer and lister read.
// Implemented by *api.Client.
type CourseAPI interface {
	ListCourses(ctx context.Context) ([]models.APICourse, error)
	ListTabs(ctx context.Context, courseID string) ([]models.APITab, error)
	GetRootFolder(ctx context.Context, courseID string) (*models.APIFolder, error)
	ListFolderItems(ctx context.Context, folderID string) ([]models.FolderItem, error)
}

// ContentAPI is the part of the LMS API the downloader reads.
// Implemented by *api.Client.
type ContentAPI interface {
	GetTabContent(ctx context.Context, courseID string, tab models.TabName) (json.RawMessage, error)
	OpenFile(ctx context.Context, rawURL string) (io.ReadCloser, error)
}
