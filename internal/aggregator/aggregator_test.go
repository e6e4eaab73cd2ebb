// internal/aggregator/aggregator_test.go
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github-activity-aggregator/internal/config"
	"github-activity-aggregator/internal/github"
	"github-activity-aggregator/internal/model"
)

var (
	testSince = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	testUntil = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// newTestClient builds a real client pointed at a fake GitHub server.
func newTestClient(t *testing.T, handler http.Handler) (*github.Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	provider := github.NewProvider(&config.Config{GithubAPIBaseURL: server.URL}, testLogger())
	return provider.UserClient("test-token"), server
}

func commitJSON(sha, authorName string) string {
	return fmt.Sprintf(`{
		"sha": %q,
		"commit": {"message": "work", "author": {"name": %q, "email": "dev@example.com", "date": "2024-01-10T12:00:00Z"}}
	}`, sha, authorName)
}

// authorRecorder serves commits keyed by the author query parameter and
// records the sequence of author filters it saw.
type authorRecorder struct {
	mu        sync.Mutex
	seen      []string
	responses map[string][]string // author filter -> commit JSON objects
}

func (a *authorRecorder) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		author := r.URL.Query().Get("author")
		a.mu.Lock()
		a.seen = append(a.seen, author)
		commits := a.responses[author]
		a.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, "[")
		for i, c := range commits {
			if i > 0 {
				fmt.Fprint(w, ",")
			}
			fmt.Fprint(w, c)
		}
		fmt.Fprint(w, "]")
	})
}

func (a *authorRecorder) authorsSeen() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.seen...)
}

func singleRepoGroups(client *github.Client, owner, name string) map[string]Group {
	return map[string]Group{
		UserGroupKey: {
			Client: client,
			Repos:  []model.Repository{{FullName: owner + "/" + name, Owner: owner, Name: name}},
		},
	}
}

func TestFetchForRepositories_EmptyMapping(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no network call expected, got %s %s", r.Method, r.URL)
	})
	client, _ := newTestClient(t, handler)

	agg := New(testLogger(), 5)

	commits := agg.FetchForRepositories(context.Background(), nil, testSince, testUntil, "alice")
	assert.Empty(t, commits)

	commits = agg.FetchForRepositories(context.Background(), map[string]Group{
		UserGroupKey: {Client: client, Repos: nil},
	}, testSince, testUntil, "alice")
	assert.Empty(t, commits)
}

func TestFetchForRepositories_SuppliedAuthorMatches(t *testing.T) {
	recorder := &authorRecorder{responses: map[string][]string{
		"alice": {commitJSON("aaa", "Alice")},
	}}
	client, _ := newTestClient(t, recorder.handler())

	agg := New(testLogger(), 5)
	commits := agg.FetchForRepositories(context.Background(), singleRepoGroups(client, "org", "repo1"), testSince, testUntil, "alice")

	require.Len(t, commits, 1)
	assert.Equal(t, "aaa", commits[0].SHA)
	assert.Equal(t, []string{"alice"}, recorder.authorsSeen(), "a successful first pass must not trigger fallbacks")
}

func TestFetchForRepositories_OwnerFallback(t *testing.T) {
	recorder := &authorRecorder{responses: map[string][]string{
		"org": {commitJSON("bbb", "Org Bot")},
	}}
	client, _ := newTestClient(t, recorder.handler())

	agg := New(testLogger(), 5)
	commits := agg.FetchForRepositories(context.Background(), singleRepoGroups(client, "org", "repo1"), testSince, testUntil, "bob")

	require.Len(t, commits, 1)
	assert.Equal(t, "bbb", commits[0].SHA)
	assert.Equal(t, []string{"bob", "org"}, recorder.authorsSeen(), "pass 2 uses the first repository's owner and stops on success")
}

func TestFetchForRepositories_UnfilteredFallback(t *testing.T) {
	// Two commits by alice, requested author bob, repo owner org matches
	// nothing either: only the unfiltered third pass finds them.
	recorder := &authorRecorder{responses: map[string][]string{
		"": {commitJSON("c1", "Alice"), commitJSON("c2", "Alice")},
	}}
	client, _ := newTestClient(t, recorder.handler())

	agg := New(testLogger(), 5)
	commits := agg.FetchForRepositories(context.Background(), singleRepoGroups(client, "org", "repo1"), testSince, testUntil, "bob")

	require.Len(t, commits, 2)
	assert.Equal(t, []string{"bob", "org", ""}, recorder.authorsSeen())
}

func TestFetchForRepositories_NoAuthorIsSinglePass(t *testing.T) {
	recorder := &authorRecorder{responses: map[string][]string{}}
	client, _ := newTestClient(t, recorder.handler())

	agg := New(testLogger(), 5)
	commits := agg.FetchForRepositories(context.Background(), singleRepoGroups(client, "org", "repo1"), testSince, testUntil, "")

	assert.Empty(t, commits)
	assert.Equal(t, []string{""}, recorder.authorsSeen(), "without an author there is nothing to relax")
}

func TestFetchForRepository_SwallowsFailure(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintln(w, `{"message": "boom"}`)
	})
	client, _ := newTestClient(t, handler)

	agg := New(testLogger(), 5)
	commits := agg.FetchForRepository(context.Background(), client, "acme", "broken", testSince, testUntil, "")

	assert.Empty(t, commits, "per-repository failures degrade to an empty result")
}

func TestFetchForRepositories_PartialFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/broken/commits", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintln(w, `{"message": "Not Found"}`)
	})
	mux.HandleFunc("/repos/acme/good/commits", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "[%s]", commitJSON("good1", "Alice"))
	})
	client, _ := newTestClient(t, mux)

	agg := New(testLogger(), 5)
	groups := map[string]Group{
		UserGroupKey: {
			Client: client,
			Repos: []model.Repository{
				{FullName: "acme/broken", Owner: "acme", Name: "broken"},
				{FullName: "acme/good", Owner: "acme", Name: "good"},
			},
		},
	}

	commits := agg.FetchForRepositories(context.Background(), groups, testSince, testUntil, "")

	require.Len(t, commits, 1)
	assert.Equal(t, "good1", commits[0].SHA)
	assert.Equal(t, "acme/good", commits[0].RepoFullName)
}

func TestFetchForRepositories_BatchBound(t *testing.T) {
	var inFlight, peak int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if current <= old || atomic.CompareAndSwapInt32(&peak, old, current) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		fmt.Fprintln(w, `[]`)
	})
	client, _ := newTestClient(t, handler)

	repos := make([]model.Repository, 0, 5)
	for i := 0; i < 5; i++ {
		repos = append(repos, model.Repository{
			FullName: fmt.Sprintf("acme/r%d", i),
			Owner:    "acme",
			Name:     fmt.Sprintf("r%d", i),
		})
	}

	agg := New(testLogger(), 2)
	agg.FetchForRepositories(context.Background(), map[string]Group{
		UserGroupKey: {Client: client, Repos: repos},
	}, testSince, testUntil, "")

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2), "batch members beyond the batch size must not run concurrently")
}

func TestBuildPasses(t *testing.T) {
	t.Run("no requested author", func(t *testing.T) {
		passes := buildPasses("", "org")
		require.Len(t, passes, 1)
		assert.Equal(t, "unfiltered", passes[0].name)
		assert.Empty(t, passes[0].author)
	})

	t.Run("full ladder", func(t *testing.T) {
		passes := buildPasses("bob", "org")
		require.Len(t, passes, 3)
		assert.Equal(t, "bob", passes[0].author)
		assert.Equal(t, "org", passes[1].author)
		assert.Empty(t, passes[2].author)
	})

	t.Run("owner pass skipped when it equals the requested author", func(t *testing.T) {
		passes := buildPasses("org", "org")
		require.Len(t, passes, 2)
		assert.Equal(t, "org", passes[0].author)
		assert.Empty(t, passes[1].author)
	})

	t.Run("owner pass skipped without a fallback owner", func(t *testing.T) {
		passes := buildPasses("bob", "")
		require.Len(t, passes, 2)
	})
}

func TestPartitionByInstallation(t *testing.T) {
	repos := []model.Repository{
		{FullName: "acme/tool", Owner: "acme"},
		{FullName: "alice/site", Owner: "alice"},
		{FullName: "acme/lib", Owner: "acme"},
		{FullName: "other/thing", Owner: "other"},
	}

	groups := PartitionByInstallation(repos, map[string]int64{"acme": 77})

	require.Len(t, groups, 2)
	assert.Len(t, groups[InstallationGroupKey(77)], 2)
	assert.Len(t, groups[UserGroupKey], 2)
	assert.Equal(t, "alice/site", groups[UserGroupKey][0].FullName)

	t.Run("no installations puts everything under the user key", func(t *testing.T) {
		groups := PartitionByInstallation(repos, nil)
		require.Len(t, groups, 1)
		assert.Len(t, groups[UserGroupKey], 4)
	})
}
