// Package webhook contains the wire types of the Bitbucket push notifications.
package webhook

// PushPayload is the body of a Bitbucket Webhooks/2.0 "repo:push" event.
type PushPayload struct {
	Actor      *Actor      `json:"actor"`
	Repository *Repository `json:"repository"`
	Push       *Push       `json:"push"`
}

// Actor is the account that performed the push.
type Actor struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Nickname    string `json:"nickname"`
}

// Repository describes the pushed repository in the webhook shape.
type Repository struct {
	Name     string  `json:"name"`
	FullName string  `json:"full_name"`
	SCM      *string `json:"scm"`
	Links    *Links  `json:"links"`
}

// Links holds the hypermedia links of a repository.
type Links struct {
	HTML *Link `json:"html"`
}

// Link is a single hypermedia link.
type Link struct {
	Href string `json:"href"`
}

// Push lists the ref changes carried by a push.
type Push struct {
	Changes []Change `json:"changes"`
}

// Change is one ref update. New is nil when the ref was deleted.
type Change struct {
	New *RefState `json:"new"`
	Old *RefState `json:"old"`
}

// RefState is the state of a branch or tag before or after the push.
type RefState struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// BranchName returns the name of the first change's new ref, if any.
func (p Push) BranchName() (string, bool) {
	if len(p.Changes) == 0 || p.Changes[0].New == nil || p.Changes[0].New.Name == "" {
		return "", false
	}
	return p.Changes[0].New.Name, true
}

// PostServicePayload is the body sent by the legacy Bitbucket POST service.
type PostServicePayload struct {
	CanonURL   *string                `json:"canon_url"`
	User       *string                `json:"user"`
	Repository *PostServiceRepository `json:"repository"`
	Commits    []PostServiceCommit    `json:"commits"`
}

// PostServiceRepository describes the pushed repository in the legacy shape.
type PostServiceRepository struct {
	AbsoluteURL *string `json:"absolute_url"`
	SCM         *string `json:"scm"`
	Name        string  `json:"name"`
	Owner       string  `json:"owner"`
	Slug        string  `json:"slug"`
}

// PostServiceCommit is a commit entry of the legacy shape.
type PostServiceCommit struct {
	Author  string `json:"author"`
	Branch  string `json:"branch"`
	Message string `json:"message"`
	Node    string `json:"node"`
	RawNode string `json:"raw_node"`
}
