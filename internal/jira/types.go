package jira

import "time"

// Issue is the normalized view of a remote issue handed to the sync engine.
// Timestamps are parsed; everything else keeps Jira's naming at arm's length.
type Issue struct {
	ID             string
	Key            string
	Summary        string
	Description    string
	Status         string
	StatusCategory string
	Priority       string
	IssueType      string
	Assignee       string
	ParentID       string
	Created        time.Time
	Updated        time.Time
}

// Project is a remote Jira project.
type Project struct {
	ID   string
	Key  string
	Name string
}

// Status is one entry of a project's status catalog.
type Status struct {
	ID       string
	Name     string
	Category string
}

// IssueType is one entry of the issue type catalog.
type IssueType struct {
	ID      string
	Name    string
	Subtask bool
}

// Priority is one entry of the priority catalog.
type Priority struct {
	ID   string
	Name string
}

// IssueFields carries the writable fields for create/update calls. Empty
// fields are omitted from the request.
type IssueFields struct {
	Summary     string
	Description string
	IssueType   string
	Priority    string
	Status      string
}

// --- wire types (REST API v2) ---

const jiraTimeLayout = "2006-01-02T15:04:05.000-0700"

type wireUser struct {
	AccountID    string `json:"accountId"`
	EmailAddress string `json:"emailAddress"`
	DisplayName  string `json:"displayName"`
}

type wireStatusCategory struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

type wireStatus struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	StatusCategory wireStatusCategory `json:"statusCategory"`
}

type wireIssueType struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subtask bool   `json:"subtask"`
}

type wirePriority struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type wireProject struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Name string `json:"name"`
}

type wireIssueFields struct {
	Summary     string         `json:"summary"`
	Description string         `json:"description"`
	Status      *wireStatus    `json:"status"`
	Priority    *wirePriority  `json:"priority"`
	IssueType   *wireIssueType `json:"issuetype"`
	Assignee    *wireUser      `json:"assignee"`
	Parent      *wireIssueRef  `json:"parent"`
	Created     string         `json:"created"`
	Updated     string         `json:"updated"`
}

type wireIssueRef struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

type wireIssue struct {
	ID     string          `json:"id"`
	Key    string          `json:"key"`
	Fields wireIssueFields `json:"fields"`
}

type wireSearchResponse struct {
	StartAt    int         `json:"startAt"`
	MaxResults int         `json:"maxResults"`
	Total      int         `json:"total"`
	Issues     []wireIssue `json:"issues"`
}

type wireProjectStatuses struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Statuses []wireStatus `json:"statuses"`
}

type wireTransition struct {
	ID string     `json:"id"`
	To wireStatus `json:"to"`
}

type wireTransitionsResponse struct {
	Transitions []wireTransition `json:"transitions"`
}

func (w wireIssue) normalize() Issue {
	issue := Issue{
		ID:          w.ID,
		Key:         w.Key,
		Summary:     w.Fields.Summary,
		Description: w.Fields.Description,
	}
	if w.Fields.Status != nil {
		issue.Status = w.Fields.Status.Name
		issue.StatusCategory = w.Fields.Status.StatusCategory.Key
	}
	if w.Fields.Priority != nil {
		issue.Priority = w.Fields.Priority.Name
	}
	if w.Fields.IssueType != nil {
		issue.IssueType = w.Fields.IssueType.Name
	}
	if w.Fields.Assignee != nil {
		issue.Assignee = w.Fields.Assignee.EmailAddress
		if issue.Assignee == "" {
			issue.Assignee = w.Fields.Assignee.AccountID
		}
	}
	if w.Fields.Parent != nil {
		issue.ParentID = w.Fields.Parent.ID
	}
	if t, err := time.Parse(jiraTimeLayout, w.Fields.Created); err == nil {
		issue.Created = t
	}
	if t, err := time.Parse(jiraTimeLayout, w.Fields.Updated); err == nil {
		issue.Updated = t
	}
	return issue
}
