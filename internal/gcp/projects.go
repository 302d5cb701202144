// Package gcp lists the projects a service account key can access.
package gcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"google.golang.org/api/cloudresourcemanager/v1"
	"google.golang.org/api/option"
)

type ProjectLister struct {
	opts []option.ClientOption
}

// NewProjectLister returns a lister. opts are appended to the credentials
// option of every call, e.g. option.WithEndpoint.
func NewProjectLister(opts ...option.ClientOption) *ProjectLister {
	return &ProjectLister{opts: opts}
}

// ListAccessibleProjects returns the ids of the active projects visible to
// the service account key in content, sorted.
func (l *ProjectLister) ListAccessibleProjects(ctx context.Context, content []byte) ([]string, error) {
	var key struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(content, &key); err != nil {
		return nil, fmt.Errorf("parsing key file: %w", err)
	}
	if key.Type == "" {
		return nil, errors.New("key file has no type")
	}

	opts := append([]option.ClientOption{option.WithCredentialsJSON(content)}, l.opts...)
	svc, err := cloudresourcemanager.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating resource manager client: %w", err)
	}

	var ids []string
	err = svc.Projects.List().
		Filter("lifecycleState:ACTIVE").
		Pages(ctx, func(resp *cloudresourcemanager.ListProjectsResponse) error {
			for _, p := range resp.Projects {
				ids = append(ids, p.ProjectId)
			}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	slices.Sort(ids)
	return ids, nil
}
