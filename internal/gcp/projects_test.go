package gcp_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/rohioffl/cloudscan/internal/gcp"
)

const key = `{"type":"service_account","project_id":"demo","client_email":"scanner@demo.iam.gserviceaccount.com"}`

func TestListAccessibleProjects(t *testing.T) {
	pages := map[string]any{
		"": map[string]any{
			"projects":      []map[string]string{{"projectId": "zeta"}, {"projectId": "alpha"}},
			"nextPageToken": "p2",
		},
		"p2": map[string]any{
			"projects": []map[string]string{{"projectId": "mid"}},
		},
	}
	var filters []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/v1/projects"), r.URL.Path)
		filters = append(filters, r.URL.Query().Get("filter"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(pages[r.URL.Query().Get("pageToken")])
	}))
	t.Cleanup(srv.Close)

	lister := gcp.NewProjectLister(option.WithEndpoint(srv.URL+"/"), option.WithHTTPClient(srv.Client()))
	ids, err := lister.ListAccessibleProjects(t.Context(), []byte(key))
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "mid", "zeta"}, ids)
	require.Equal(t, []string{"lifecycleState:ACTIVE", "lifecycleState:ACTIVE"}, filters)
}

func TestListAccessibleProjects_Fail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":403,"message":"permission denied"}}`))
	}))
	t.Cleanup(srv.Close)
	lister := gcp.NewProjectLister(option.WithEndpoint(srv.URL+"/"), option.WithHTTPClient(srv.Client()))

	_, err := lister.ListAccessibleProjects(t.Context(), []byte(key))
	require.ErrorContains(t, err, "permission denied")

	_, err = lister.ListAccessibleProjects(t.Context(), []byte("not json"))
	require.ErrorContains(t, err, "parsing key file")

	_, err = lister.ListAccessibleProjects(t.Context(), []byte(`{}`))
	require.Error(t, err)
}
