package api

import (
	"context"
	"encoding/json"
	"net/url"

	"github.com/coursesync/server/internal/models"
)

type tabEndpoint struct {
	path   string
	query  url.Values
	single bool
}

func tabEndpoints(courseID string) map[models.TabName]tabEndpoint {
	course := "/api/v1/courses/" + url.PathEscape(courseID)
	return map[models.TabName]tabEndpoint{
		models.TabAssignments:    {path: course + "/assignments"},
		models.TabDiscussions:    {path: course + "/discussion_topics"},
		models.TabAnnouncements:  {path: course + "/discussion_topics", query: url.Values{"only_announcements": {"true"}}},
		models.TabPages:          {path: course + "/pages"},
		models.TabSyllabus:       {path: course, query: url.Values{"include[]": {"syllabus_body"}}, single: true},
		models.TabQuizzes:        {path: course + "/quizzes"},
		models.TabModules:        {path: course + "/modules", query: url.Values{"include[]": {"items"}}},
		models.TabGrades:         {path: course + "/assignment_groups", query: url.Values{"include[]": {"assignments", "submission"}}},
		models.TabPeople:         {path: course + "/users"},
		models.TabConferences:    {path: course + "/conferences", single: true},
		models.TabCollaborations: {path: course + "/collaborations"},
	}
}

// HasTabContent reports whether the tab has a content endpoint to cache
func HasTabContent(tab models.TabName) bool {
	_, ok := tabEndpoints("")[tab]
	return ok
}

// GetTabContent fetches the raw JSON behind a tab. List endpoints are
// followed across pages and merged into one array. Tabs without a content
// endpoint, such as Files, return nil.
func (c *Client) GetTabContent(ctx context.Context, courseID string, tab models.TabName) (json.RawMessage, error) {
	ep, ok := tabEndpoints(courseID)[tab]
	if !ok {
		return nil, nil
	}

	if ep.single {
		obj, err := getObject[json.RawMessage](ctx, c, ep.path, ep.query)
		if err != nil {
			return nil, err
		}
		return *obj, nil
	}

	items, err := getPaged[json.RawMessage](ctx, c, ep.path, ep.query)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []json.RawMessage{}
	}
	return json.Marshal(items)
}
