package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/mattjoyce/switchyard/internal/trigger"
)

// errIgnored marks deliveries that are valid but produce no trigger.
var errIgnored = errors.New("ignored")

type ghUser struct {
	Login string `json:"login"`
	Name  string `json:"name"`
}

type ghRepo struct {
	FullName string `json:"full_name"`
	HTMLURL  string `json:"html_url"`
}

type ghRef struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

type ghIssue struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	State   string `json:"state"`
	HTMLURL string `json:"html_url"`
	User    ghUser `json:"user"`
	Labels  []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

type ghPullRequest struct {
	Number       int    `json:"number"`
	Title        string `json:"title"`
	Body         string `json:"body"`
	State        string `json:"state"`
	HTMLURL      string `json:"html_url"`
	Draft        bool   `json:"draft"`
	Mergeable    *bool  `json:"mergeable"`
	ChangedFiles int    `json:"changed_files"`
	Additions    int    `json:"additions"`
	Deletions    int    `json:"deletions"`
	User         ghUser `json:"user"`
	Head         ghRef  `json:"head"`
	Base         ghRef  `json:"base"`
}

type ghEvent struct {
	Action      string         `json:"action"`
	Repository  ghRepo         `json:"repository"`
	Issue       *ghIssue       `json:"issue"`
	PullRequest *ghPullRequest `json:"pull_request"`

	// push
	Ref        string           `json:"ref"`
	After      string           `json:"after"`
	Compare    string           `json:"compare"`
	Forced     bool             `json:"forced"`
	Pusher     ghUser           `json:"pusher"`
	Commits    []map[string]any `json:"commits"`
	HeadCommit map[string]any   `json:"head_commit"`

	Review *struct {
		State   string `json:"state"`
		Body    string `json:"body"`
		HTMLURL string `json:"html_url"`
		User    ghUser `json:"user"`
	} `json:"review"`

	Comment *struct {
		Body     string `json:"body"`
		CommitID string `json:"commit_id"`
		HTMLURL  string `json:"html_url"`
		User     ghUser `json:"user"`
	} `json:"comment"`

	WorkflowRun *struct {
		ID         int64  `json:"id"`
		Name       string `json:"name"`
		Conclusion string `json:"conclusion"`
		HeadBranch string `json:"head_branch"`
		HeadSHA    string `json:"head_sha"`
		HTMLURL    string `json:"html_url"`
		RunNumber  int    `json:"run_number"`
		RunAttempt int    `json:"run_attempt"`
		Actor      ghUser `json:"actor"`
	} `json:"workflow_run"`
}

var (
	issueActions = []string{"opened", "edited", "reopened", "closed"}
	prActions    = []string{"opened", "edited", "reopened", "closed", "ready_for_review"}
)

// githubTrigger maps a GitHub delivery to a trigger. Deliveries that carry
// nothing to route return errIgnored wrapped with the reason.
func githubTrigger(event string, body []byte) (trigger.Context, error) {
	var ev ghEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return trigger.Context{}, fmt.Errorf("decode %s payload: %w", event, err)
	}

	switch event {
	case "issues":
		return issueTrigger(ev)
	case "pull_request":
		return pullRequestTrigger(ev)
	case "push":
		return pushTrigger(ev)
	case "pull_request_review":
		return reviewTrigger(ev)
	case "commit_comment":
		return commitCommentTrigger(ev)
	case "workflow_run":
		return workflowRunTrigger(ev)
	default:
		return trigger.Context{}, fmt.Errorf("%w: unsupported event %q", errIgnored, event)
	}
}

func ignoredAction(event, action string) error {
	return fmt.Errorf("%w: %s action %q", errIgnored, event, action)
}

func issueTrigger(ev ghEvent) (trigger.Context, error) {
	if ev.Issue == nil {
		return trigger.Context{}, errors.New("issues payload missing issue")
	}
	if !slices.Contains(issueActions, ev.Action) {
		return trigger.Context{}, ignoredAction("issues", ev.Action)
	}
	is := ev.Issue
	labels := make([]string, 0, len(is.Labels))
	for _, l := range is.Labels {
		labels = append(labels, l.Name)
	}

	t := trigger.New(trigger.KindIssue, "github_issue_"+ev.Action)
	t.Content = fmt.Sprintf("Issue #%d: %s\n\n%s", is.Number, is.Title, is.Body)
	t.Repository = ev.Repository.FullName
	t.IssueNumber = is.Number
	t.UserID = is.User.Login
	return t.WithMetadata(map[string]any{
		"action":         ev.Action,
		"issue_url":      is.HTMLURL,
		"repository_url": ev.Repository.HTMLURL,
		"labels":         labels,
		"state":          is.State,
	}), nil
}

func pullRequestTrigger(ev ghEvent) (trigger.Context, error) {
	if ev.PullRequest == nil {
		return trigger.Context{}, errors.New("pull_request payload missing pull_request")
	}
	if !slices.Contains(prActions, ev.Action) {
		return trigger.Context{}, ignoredAction("pull_request", ev.Action)
	}
	pr := ev.PullRequest

	t := trigger.New(trigger.KindPullRequest, "github_pr_"+ev.Action)
	t.Content = fmt.Sprintf("PR #%d: %s\n\n%s", pr.Number, pr.Title, pr.Body)
	t.Repository = ev.Repository.FullName
	t.Branch = pr.Head.Ref
	t.CommitSHA = pr.Head.SHA
	t.PRNumber = pr.Number
	t.UserID = pr.User.Login
	return t.WithMetadata(map[string]any{
		"action":         ev.Action,
		"pr_url":         pr.HTMLURL,
		"repository_url": ev.Repository.HTMLURL,
		"base_branch":    pr.Base.Ref,
		"head_branch":    pr.Head.Ref,
		"state":          pr.State,
		"draft":          pr.Draft,
		"mergeable":      pr.Mergeable,
		"changed_files":  pr.ChangedFiles,
		"additions":      pr.Additions,
		"deletions":      pr.Deletions,
	}), nil
}

func pushTrigger(ev ghEvent) (trigger.Context, error) {
	if len(ev.Commits) == 0 {
		return trigger.Context{}, fmt.Errorf("%w: push without commits", errIgnored)
	}
	branch := strings.TrimPrefix(ev.Ref, "refs/heads/")

	var b strings.Builder
	fmt.Fprintf(&b, "Push to %s\n\nCommits:", branch)
	for _, c := range ev.Commits {
		msg, _ := c["message"].(string)
		b.WriteString("\n- " + msg)
	}

	t := trigger.New(trigger.KindPush, "github_push")
	t.Content = b.String()
	t.Repository = ev.Repository.FullName
	t.Branch = branch
	t.CommitSHA = ev.After
	t.UserID = ev.Pusher.Name
	return t.WithMetadata(map[string]any{
		"repository_url": ev.Repository.HTMLURL,
		"compare_url":    ev.Compare,
		"commits_count":  len(ev.Commits),
		"forced":         ev.Forced,
		"commits":        ev.Commits,
		"head_commit":    ev.HeadCommit,
	}), nil
}

func reviewTrigger(ev ghEvent) (trigger.Context, error) {
	if ev.Action != "submitted" {
		return trigger.Context{}, ignoredAction("pull_request_review", ev.Action)
	}
	if ev.Review == nil || ev.PullRequest == nil {
		return trigger.Context{}, errors.New("pull_request_review payload missing review or pull_request")
	}
	rv, pr := ev.Review, ev.PullRequest

	t := trigger.New(trigger.KindPullRequest, "github_pr_review_"+rv.State)
	t.Content = fmt.Sprintf("PR Review #%d: %s", pr.Number, rv.Body)
	t.Repository = ev.Repository.FullName
	t.Branch = pr.Head.Ref
	t.PRNumber = pr.Number
	t.UserID = rv.User.Login
	return t.WithMetadata(map[string]any{
		"action":         ev.Action,
		"review_state":   rv.State,
		"review_url":     rv.HTMLURL,
		"pr_url":         pr.HTMLURL,
		"repository_url": ev.Repository.HTMLURL,
	}), nil
}

func commitCommentTrigger(ev ghEvent) (trigger.Context, error) {
	if ev.Action != "created" {
		return trigger.Context{}, ignoredAction("commit_comment", ev.Action)
	}
	if ev.Comment == nil {
		return trigger.Context{}, errors.New("commit_comment payload missing comment")
	}
	c := ev.Comment

	t := trigger.New(trigger.KindCommit, "github_commit_comment")
	t.Content = "Commit Comment: " + c.Body
	t.Repository = ev.Repository.FullName
	t.CommitSHA = c.CommitID
	t.UserID = c.User.Login
	return t.WithMetadata(map[string]any{
		"action":         ev.Action,
		"comment_url":    c.HTMLURL,
		"repository_url": ev.Repository.HTMLURL,
	}), nil
}

func workflowRunTrigger(ev ghEvent) (trigger.Context, error) {
	if ev.Action != "completed" {
		return trigger.Context{}, ignoredAction("workflow_run", ev.Action)
	}
	if ev.WorkflowRun == nil {
		return trigger.Context{}, errors.New("workflow_run payload missing workflow_run")
	}
	wr := ev.WorkflowRun
	conclusion := wr.Conclusion
	if conclusion == "" {
		conclusion = "unknown"
	}

	// Workflow runs are almost always push-driven.
	t := trigger.New(trigger.KindPush, "github_workflow_"+conclusion)
	t.Content = fmt.Sprintf("Workflow '%s' %s", wr.Name, conclusion)
	t.Repository = ev.Repository.FullName
	t.Branch = wr.HeadBranch
	t.CommitSHA = wr.HeadSHA
	t.UserID = wr.Actor.Login
	return t.WithMetadata(map[string]any{
		"action":         ev.Action,
		"workflow_name":  wr.Name,
		"workflow_id":    wr.ID,
		"conclusion":     wr.Conclusion,
		"workflow_url":   wr.HTMLURL,
		"repository_url": ev.Repository.HTMLURL,
		"run_number":     wr.RunNumber,
		"run_attempt":    wr.RunAttempt,
	}), nil
}
