// internal/github/commits_test.go
package github

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListCommits(t *testing.T) {
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	t.Run("pages through all commits and annotates the repository", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/repos/acme/tool/commits", func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "alice", r.URL.Query().Get("author"))
			assert.NotEmpty(t, r.URL.Query().Get("since"))
			assert.NotEmpty(t, r.URL.Query().Get("until"))

			if r.URL.Query().Get("page") == "" {
				w.Header().Set("Link", fmt.Sprintf(`<http://%s/repos/acme/tool/commits?page=2>; rel="next"`, r.Host))
				fmt.Fprintln(w, `[{
					"sha": "aaa111",
					"html_url": "https://github.com/acme/tool/commit/aaa111",
					"author": {"login": "alice"},
					"commit": {"message": "first", "author": {"name": "Alice A", "email": "alice@example.com", "date": "2024-01-02T03:04:05Z"}}
				}]`)
				return
			}
			fmt.Fprintln(w, `[{
				"sha": "bbb222",
				"commit": {"message": "second", "author": {"name": "Alice A", "email": "alice@example.com", "date": "2024-01-05T00:00:00Z"}}
			}]`)
		})

		client, _ := setupTestClient(t, mux)

		commits, err := client.ListCommits(context.Background(), "acme", "tool", since, until, "alice")

		require.NoError(t, err)
		require.Len(t, commits, 2)
		assert.Equal(t, "aaa111", commits[0].SHA)
		assert.Equal(t, "alice", commits[0].AuthorLogin)
		assert.Equal(t, "Alice A", commits[0].AuthorName)
		assert.Equal(t, "acme/tool", commits[0].RepoFullName)
		assert.Equal(t, "acme/tool", commits[1].RepoFullName)
		assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), commits[0].CommitDate)
	})

	t.Run("errors propagate raw to the caller", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/repos/acme/tool/commits", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
			fmt.Fprintln(w, `{"message": "Git Repository is empty."}`)
		})

		client, _ := setupTestClient(t, mux)

		_, err := client.ListCommits(context.Background(), "acme", "tool", since, until, "")
		require.Error(t, err)
	})
}
