// internal/api/handler.go
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github-activity-aggregator/internal/aggregator"
	"github-activity-aggregator/internal/config"
	custom_errors "github-activity-aggregator/internal/errors"
	ghclient "github-activity-aggregator/internal/github"
	"github-activity-aggregator/internal/model"
)

// dateLayout is the wire format for since/until query parameters. since is
// the day's midnight UTC; until covers through the end of its day.
const dateLayout = "2006-01-02"

// Handler is the container for API dependencies.
type Handler struct {
	provider   *ghclient.Provider
	aggregator *aggregator.Aggregator
	cfg        *config.Config
	logger     *slog.Logger
}

// NewRouter creates and configures a new chi router with all API routes.
func NewRouter(provider *ghclient.Provider, agg *aggregator.Aggregator, cfg *config.Config, logger *slog.Logger) http.Handler {
	h := &Handler{
		provider:   provider,
		aggregator: agg,
		cfg:        cfg,
		logger:     logger,
	}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))

	// API Routes
	r.Get("/health", h.healthCheck)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/installations", h.listInstallations)
		r.Get("/repositories", h.listRepositories)
		r.Get("/commits", h.fetchCommits)
	})

	return r
}

// healthCheck is a simple health endpoint.
func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// listInstallations returns the installations of this App visible to the
// caller's token.
// GET /v1/installations
func (h *Handler) listInstallations(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		respondWithError(w, r, http.StatusUnauthorized, "A user access token is required")
		return
	}

	installations, err := h.provider.ResolveInstallations(r.Context(), token)
	if err != nil {
		h.respondClassified(w, r, err)
		return
	}
	if installations == nil {
		installations = []model.Installation{}
	}
	respondWithJSON(w, http.StatusOK, installations)
}

// listRepositories returns every repository visible to the credential. An
// installation_id query parameter selects the installation path; otherwise
// the bearer token is used.
// GET /v1/repositories?installation_id=N
func (h *Handler) listRepositories(w http.ResponseWriter, r *http.Request) {
	cred, ok := h.credentialFromRequest(w, r)
	if !ok {
		return
	}

	repos, err := h.provider.ListAllRepositories(r.Context(), cred)
	if err != nil {
		h.respondClassified(w, r, err)
		return
	}
	if repos == nil {
		repos = []model.Repository{}
	}
	respondWithJSON(w, http.StatusOK, repos)
}

// fetchCommits aggregates commits across every visible repository within the
// date window, partitioned by owning organization's installation.
// GET /v1/commits?since=YYYY-MM-DD&until=YYYY-MM-DD&author=login
func (h *Handler) fetchCommits(w http.ResponseWriter, r *http.Request) {
	since, ok := parseDateParam(w, r, "since")
	if !ok {
		return
	}
	until, ok := parseDateParam(w, r, "until")
	if !ok {
		return
	}
	// The window includes the whole until day: the upper bound is the
	// following midnight UTC.
	until = until.Add(24 * time.Hour)
	author := r.URL.Query().Get("author")

	cred, ok := h.credentialFromRequest(w, r)
	if !ok {
		return
	}

	groups, err := h.buildGroups(r, cred)
	if err != nil {
		h.respondClassified(w, r, err)
		return
	}

	commits := h.aggregator.FetchForRepositories(r.Context(), groups, since, until, author)
	respondWithJSON(w, http.StatusOK, commits)
}

// buildGroups discovers repositories for the credential and partitions them
// into per-credential fetch groups. With a pure installation credential
// there is a single group; with a user token, repositories owned by an
// account that has an installation of this App are fetched through it, the
// rest through the user token.
func (h *Handler) buildGroups(r *http.Request, cred ghclient.Credential) (map[string]aggregator.Group, error) {
	ctx := r.Context()

	if cred.InstallationID != 0 {
		client, err := h.provider.InstallationClient(ctx, cred.InstallationID)
		if err != nil {
			return nil, err
		}
		repos, err := client.ListForInstallation(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]aggregator.Group{
			aggregator.InstallationGroupKey(cred.InstallationID): {Client: client, Repos: repos},
		}, nil
	}

	userClient := h.provider.UserClient(cred.UserToken)
	userClient.CheckRateLimit(ctx, "commit aggregation")

	repos, err := userClient.ListForUser(ctx, h.cfg.ValidateScopes)
	if err != nil {
		return nil, err
	}

	installations, err := h.provider.ResolveInstallations(ctx, cred.UserToken)
	if err != nil {
		// Discovery already succeeded; a failed installation lookup only
		// costs the installation fetch path, so degrade to the user token.
		h.logger.Warn("Resolving installations failed, fetching everything with the user token", "error", err)
		installations = nil
	}
	installationByOwner := make(map[string]int64, len(installations))
	for _, inst := range installations {
		if inst.AccountLogin != "" {
			installationByOwner[inst.AccountLogin] = inst.ID
		}
	}

	// Fallback partitions and the user partition both land in userRepos;
	// the user group is assembled once after the loop so map iteration
	// order cannot overwrite repositories collected earlier.
	groups := make(map[string]aggregator.Group)
	var userRepos []model.Repository
	for key, partition := range aggregator.PartitionByInstallation(repos, installationByOwner) {
		if key == aggregator.UserGroupKey {
			userRepos = append(userRepos, partition...)
			continue
		}
		id := installationIDFromKey(installationByOwner, partition)
		client, err := h.provider.InstallationClient(ctx, id)
		if err != nil {
			h.logger.Warn("Installation client unavailable, falling back to the user token",
				"installation_id", id, "error", err)
			userRepos = append(userRepos, partition...)
			continue
		}
		groups[key] = aggregator.Group{Client: client, Repos: partition}
	}
	if len(userRepos) > 0 {
		groups[aggregator.UserGroupKey] = aggregator.Group{Client: userClient, Repos: userRepos}
	}
	return groups, nil
}

func installationIDFromKey(installationByOwner map[string]int64, partition []model.Repository) int64 {
	if len(partition) == 0 {
		return 0
	}
	return installationByOwner[partition[0].Owner]
}

// credentialFromRequest extracts the credential. Exactly one path is chosen:
// the installation_id query parameter wins over the bearer token.
func (h *Handler) credentialFromRequest(w http.ResponseWriter, r *http.Request) (ghclient.Credential, bool) {
	if raw := r.URL.Query().Get("installation_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			respondWithError(w, r, http.StatusBadRequest, "Invalid 'installation_id' parameter")
			return ghclient.Credential{}, false
		}
		return ghclient.Credential{InstallationID: id}, true
	}

	token := bearerToken(r)
	if token == "" {
		respondWithError(w, r, http.StatusUnauthorized, "A user access token or installation_id is required")
		return ghclient.Credential{}, false
	}
	return ghclient.Credential{UserToken: token}, true
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return r.Header.Get("X-GitHub-Token")
}

func parseDateParam(w http.ResponseWriter, r *http.Request, name string) (time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		respondWithError(w, r, http.StatusBadRequest, "Missing required '"+name+"' parameter (YYYY-MM-DD)")
		return time.Time{}, false
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		respondWithError(w, r, http.StatusBadRequest, "Invalid '"+name+"' parameter, expected YYYY-MM-DD")
		return time.Time{}, false
	}
	return t, true
}

// respondClassified maps the error taxonomy onto HTTP statuses. Auth asks
// the user to re-authenticate, RateLimit carries a Retry-After, Config is an
// operator problem, everything else is a generic failure with the request
// correlation id.
func (h *Handler) respondClassified(w http.ResponseWriter, r *http.Request, err error) {
	var classified *custom_errors.ClassifiedError
	if !errors.As(err, &classified) {
		h.logger.Error("Unclassified error reached the API boundary", "error", err)
		respondWithError(w, r, http.StatusInternalServerError, "Internal server error")
		return
	}

	switch classified.Kind {
	case custom_errors.KindAuth:
		respondWithError(w, r, http.StatusUnauthorized, "GitHub rejected the credential, please re-authenticate")
	case custom_errors.KindNotFound:
		respondWithError(w, r, http.StatusNotFound, "Resource not found")
	case custom_errors.KindRateLimit:
		if !classified.ResetAt.IsZero() {
			seconds := int64(time.Until(classified.ResetAt).Seconds())
			if seconds < 0 {
				seconds = 0
			}
			w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
		}
		respondWithError(w, r, http.StatusTooManyRequests, "GitHub API rate limit exceeded, retry later")
	case custom_errors.KindConfig:
		h.logger.Error("Configuration error", "error", classified)
		respondWithError(w, r, http.StatusInternalServerError, "Service is not configured for this operation")
	case custom_errors.KindAPI:
		respondWithError(w, r, http.StatusBadGateway, "GitHub API request failed")
	default:
		respondWithError(w, r, http.StatusInternalServerError, "Internal server error")
	}
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondWithError(w http.ResponseWriter, r *http.Request, code int, message string) {
	respondWithJSON(w, code, map[string]string{
		"error":      message,
		"request_id": middleware.GetReqID(r.Context()),
	})
}
