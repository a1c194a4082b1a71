package crawler

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"

	"github.com/cookfed/cookfed/internal/cooklang"
	cferrors "github.com/cookfed/cookfed/internal/errors"
	"github.com/cookfed/cookfed/internal/recipe"
	"github.com/cookfed/cookfed/internal/store"
)

// recipeSuffix selects recipe files in a repository tree.
const recipeSuffix = ".cook"

// imageSuffixes are tried, in order, when looking for a sibling image
// next to a recipe file.
var imageSuffixes = []string{".jpg", ".jpeg", ".png", ".webp", ".gif"}

// TreeEntry is one file in a repository tree listing.
type TreeEntry struct {
	Path    string
	BlobSHA string
	IsBlob  bool
}

// RepoClient is the repository hosting interface: branch resolution,
// tree listing, and raw content fetch. Tests substitute a call-counting
// implementation.
type RepoClient interface {
	DefaultBranch(ctx context.Context, owner, name string) (string, error)
	BranchHead(ctx context.Context, owner, name, branch string) (string, error)
	ListTree(ctx context.Context, owner, name, commitSHA string) ([]TreeEntry, error)
	RawContentURL(owner, name, branch, filePath string) string
	RawContent(ctx context.Context, rawURL string) (string, error)
}

// RepositorySource adapts a code repository of recipe files into
// candidate records. Two short-circuits keep re-crawls cheap: an
// unchanged branch head skips the whole cycle, and an unchanged blob
// identifier skips a single file's content fetch.
type RepositorySource struct {
	client RepoClient
	prior  Prior
}

// NewRepositorySource builds the repository adapter.
func NewRepositorySource(client RepoClient, prior Prior) *RepositorySource {
	return &RepositorySource{client: client, prior: prior}
}

// ParseRepositoryURL splits a repository feed URL into owner and name.
func ParseRepositoryURL(rawURL string) (owner, name string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", cferrors.Wrap(cferrors.CategoryConfig, "invalid repository url", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", cferrors.New(cferrors.CategoryConfig,
			fmt.Sprintf("repository url %q must contain owner/name", rawURL))
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
}

// Discover walks the repository tree at the tracked branch head and
// produces one candidate per new or changed recipe file.
func (s *RepositorySource) Discover(ctx context.Context, feed *recipe.Feed) (*Discovery, error) {
	owner, name, err := ParseRepositoryURL(feed.URL)
	if err != nil {
		return nil, err
	}

	repoFeed, err := s.prior.GetRepoFeedByFeedID(ctx, feed.ID)
	if err != nil && !stderrors.Is(err, store.ErrNotFound) {
		return nil, cferrors.Wrap(cferrors.CategoryStorage, "look up repository feed", err)
	}

	branch := ""
	if repoFeed != nil {
		branch = repoFeed.Branch
	}
	if branch == "" {
		branch, err = s.client.DefaultBranch(ctx, owner, name)
		if err != nil {
			return nil, err
		}
	}

	head, err := s.client.BranchHead(ctx, owner, name, branch)
	if err != nil {
		return nil, err
	}

	// An unchanged branch head means no file changed; skip the tree walk
	// entirely.
	if repoFeed != nil && repoFeed.LastCommitSHA == head {
		slog.Debug("repository_unchanged",
			slog.String("feed_url", feed.URL),
			slog.String("commit_sha", head))
		return &Discovery{Unchanged: true, CommitSHA: head, Branch: branch}, nil
	}

	tree, err := s.client.ListTree(ctx, owner, name, head)
	if err != nil {
		return nil, err
	}

	disc := &Discovery{
		FeedTitle: owner + "/" + name,
		CommitSHA: head,
		Branch:    branch,
	}

	for _, entry := range tree {
		if !entry.IsBlob || !strings.HasSuffix(entry.Path, recipeSuffix) {
			continue
		}
		cand, skipped, err := s.processFile(ctx, repoFeed, owner, name, branch, entry, tree)
		if err != nil {
			slog.Warn("repository_file_skipped",
				slog.String("feed_url", feed.URL),
				slog.String("file_path", entry.Path),
				slog.String("error", err.Error()))
			continue
		}
		if skipped {
			disc.Skipped++
			continue
		}
		disc.Candidates = append(disc.Candidates, *cand)
	}
	return disc, nil
}

func (s *RepositorySource) processFile(ctx context.Context, repoFeed *recipe.RepoFeed, owner, name, branch string, entry TreeEntry, tree []TreeEntry) (*recipe.Candidate, bool, error) {
	if repoFeed != nil {
		link, err := s.prior.GetRepoLink(ctx, repoFeed.ID, entry.Path)
		if err != nil && !stderrors.Is(err, store.ErrNotFound) {
			return nil, false, cferrors.Wrap(cferrors.CategoryStorage, "look up repository link", err)
		}
		if link != nil && link.BlobSHA == entry.BlobSHA {
			return nil, true, nil
		}
	}

	rawURL := s.client.RawContentURL(owner, name, branch, entry.Path)
	content, err := s.client.RawContent(ctx, rawURL)
	if err != nil {
		return nil, false, err
	}

	title := strings.TrimSuffix(path.Base(entry.Path), recipeSuffix)
	htmlURL := fmt.Sprintf("https://github.com/%s/%s/blob/%s/%s", owner, name, branch, entry.Path)

	cand := &recipe.Candidate{
		ExternalID: entry.Path,
		Title:      title,
		SourceURL:  htmlURL,
		ContentURL: rawURL,
		Content:    &content,
		FilePath:   entry.Path,
		BlobSHA:    entry.BlobSHA,
	}

	applyContentMetadata(cand, content)

	// Sibling image wins over content metadata; raw content URLs resolve
	// the same way enclosure-relative images do.
	if img := findSiblingImage(entry.Path, tree); img != "" {
		cand.ImageURL = s.client.RawContentURL(owner, name, branch, img)
	} else if cand.ImageURL != "" {
		cand.ImageURL = resolveImageURL(cand.ImageURL, rawURL)
	}

	// Summary from the recipe text's first paragraph of plain step text.
	if cand.Summary == "" && cand.Content != nil {
		cand.Summary = firstStepText(*cand.Content)
	}
	return cand, false, nil
}

// findSiblingImage looks for an image file sharing the recipe's base name.
func findSiblingImage(recipePath string, tree []TreeEntry) string {
	base := strings.TrimSuffix(recipePath, recipeSuffix)
	for _, suffix := range imageSuffixes {
		want := base + suffix
		for _, entry := range tree {
			if entry.IsBlob && entry.Path == want {
				return want
			}
		}
	}
	return ""
}

func firstStepText(content string) string {
	parsed, err := cooklang.Parse(content)
	if err != nil {
		return ""
	}
	for _, section := range parsed.Sections {
		for _, step := range section.Steps {
			var b strings.Builder
			for _, item := range step.Items {
				b.WriteString(item.Value)
			}
			if text := strings.TrimSpace(b.String()); text != "" {
				return text
			}
		}
	}
	return ""
}

// GitHubClient implements RepoClient against the GitHub REST API. Pass a
// fetcher carrying an Authorization header to raise the API quota. Raw
// content comes from raw.githubusercontent.com, which does not count
// against the API quota.
type GitHubClient struct {
	fetcher *Fetcher
	apiBase string
}

// NewGitHubClient builds a GitHub API client. apiBase overrides the API
// endpoint for tests; empty means the public API.
func NewGitHubClient(fetcher *Fetcher, apiBase string) *GitHubClient {
	if apiBase == "" {
		apiBase = "https://api.github.com"
	}
	return &GitHubClient{fetcher: fetcher, apiBase: apiBase}
}

func (c *GitHubClient) getJSON(ctx context.Context, apiPath string, out any) error {
	result, err := c.fetcher.Fetch(ctx, c.apiBase+apiPath)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(result.Body), out); err != nil {
		return cferrors.Wrap(cferrors.CategoryParse, "decode api response", err)
	}
	return nil
}

// DefaultBranch returns the repository's default branch name.
func (c *GitHubClient) DefaultBranch(ctx context.Context, owner, name string) (string, error) {
	var repo struct {
		DefaultBranch string `json:"default_branch"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("/repos/%s/%s", owner, name), &repo); err != nil {
		return "", err
	}
	if repo.DefaultBranch == "" {
		return "", cferrors.New(cferrors.CategoryParse, "repository response has no default branch")
	}
	return repo.DefaultBranch, nil
}

// BranchHead returns the commit SHA at the tip of branch.
func (c *GitHubClient) BranchHead(ctx context.Context, owner, name, branch string) (string, error) {
	var ref struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	apiPath := fmt.Sprintf("/repos/%s/%s/git/refs/heads/%s", owner, name, branch)
	if err := c.getJSON(ctx, apiPath, &ref); err != nil {
		return "", err
	}
	if ref.Object.SHA == "" {
		return "", cferrors.New(cferrors.CategoryParse, "branch reference has no commit")
	}
	return ref.Object.SHA, nil
}

// ListTree returns the recursive file listing at a commit.
func (c *GitHubClient) ListTree(ctx context.Context, owner, name, commitSHA string) ([]TreeEntry, error) {
	var commit struct {
		Commit struct {
			Tree struct {
				SHA string `json:"sha"`
			} `json:"tree"`
		} `json:"commit"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("/repos/%s/%s/commits/%s", owner, name, commitSHA), &commit); err != nil {
		return nil, err
	}

	var tree struct {
		Tree []struct {
			Path string `json:"path"`
			Type string `json:"type"`
			SHA  string `json:"sha"`
		} `json:"tree"`
		Truncated bool `json:"truncated"`
	}
	apiPath := fmt.Sprintf("/repos/%s/%s/git/trees/%s?recursive=1", owner, name, commit.Commit.Tree.SHA)
	if err := c.getJSON(ctx, apiPath, &tree); err != nil {
		return nil, err
	}
	if tree.Truncated {
		slog.Warn("repository_tree_truncated",
			slog.String("owner", owner),
			slog.String("repo", name),
			slog.String("commit_sha", commitSHA))
	}

	entries := make([]TreeEntry, 0, len(tree.Tree))
	for _, e := range tree.Tree {
		entries = append(entries, TreeEntry{Path: e.Path, BlobSHA: e.SHA, IsBlob: e.Type == "blob"})
	}
	return entries, nil
}

// RawContentURL builds the raw download URL for a file.
func (c *GitHubClient) RawContentURL(owner, name, branch, filePath string) string {
	return fmt.Sprintf("https://raw.githubusercontent.com/%s/%s/%s/%s", owner, name, branch, filePath)
}

// RawContent downloads a file body.
func (c *GitHubClient) RawContent(ctx context.Context, rawURL string) (string, error) {
	result, err := c.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return "", err
	}
	return result.Body, nil
}
