// Package core holds the domain types shared by the dispatch pipeline.
package core

// ParameterTypeString is the only parameter type created by dispatch.
const ParameterTypeString = "string"

// Job is a Jenkins job that tracks one or more Bitbucket remotes.
type Job struct {
	Name     string
	Remotes  []string
	SCM      string
	Branches []string
}

// ParameterDefinition is a build parameter of a job with its default value.
type ParameterDefinition struct {
	Name         string `db:"name" json:"name"`
	Type         string `db:"type" json:"type"`
	DefaultValue string `db:"default_value" json:"default"`
	Description  string `db:"description" json:"description,omitempty"`
}

// Revision records the commit a remote ref pointed at when it was last polled.
type Revision struct {
	Remote string `db:"remote"`
	Ref    string `db:"ref"`
	Hash   string `db:"hash"`
}

// Schedule is the outcome of asking the build server for a build.
type Schedule struct {
	// Accepted is false when the job already had a pending build.
	Accepted bool
	// Number is the expected build number, zero when unknown.
	Number int
}

// Cause explains why a build was started.
type Cause struct {
	Actor string
	// Excerpt is the poll log entry that found the change, nil when it could
	// not be read.
	Excerpt *string
}

// ShortDescription is the one-line cause shown by the build server.
func (c Cause) ShortDescription() string {
	return "Started by Bitbucket push by " + c.Actor
}

// Text is the short description followed by the poll log excerpt, if any.
func (c Cause) Text() string {
	if c.Excerpt == nil || *c.Excerpt == "" {
		return c.ShortDescription()
	}
	return c.ShortDescription() + "\n\n" + *c.Excerpt
}
