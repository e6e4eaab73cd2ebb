// internal/model/models.go
package model

import "time"

// Repository represents the metadata of a GitHub repository as seen by
// discovery. FullName ("owner/name") is the unique key within one
// discovery result.
type Repository struct {
	ID          int64     `json:"id"`
	FullName    string    `json:"full_name"`
	Owner       string    `json:"owner"`
	Name        string    `json:"name"`
	Private     bool      `json:"private"`
	HTMLURL     string    `json:"html_url"`
	Description *string   `json:"description,omitempty"`
	Language    *string   `json:"language,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Commit is an immutable snapshot of one commit in one repository. SHA is
// unique within RepoFullName only.
type Commit struct {
	SHA          string    `json:"sha"`
	AuthorName   string    `json:"author_name,omitempty"`
	AuthorLogin  string    `json:"author_login,omitempty"`
	AuthorEmail  string    `json:"author_email,omitempty"`
	Message      string    `json:"message"`
	HTMLURL      string    `json:"html_url"`
	CommitDate   time.Time `json:"commit_date"`
	RepoFullName string    `json:"repository_full_name"`
}

// Installation is a granted binding between this GitHub App and an account
// (user or organization).
type Installation struct {
	ID            int64  `json:"id"`
	AccountLogin  string `json:"account_login,omitempty"`
	AccountType   string `json:"account_type,omitempty"`
	AppID         int64  `json:"app_id"`
	RepoSelection string `json:"repository_selection,omitempty"`
}

// RateLimitStatus is an advisory snapshot of the core API quota.
type RateLimitStatus struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}
