// Package bitbucket turns Bitbucket push notifications into PushEvent values.
package bitbucket

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"bitbucket_jenkins_integ/pkg/webhook"
)

const (
	// WebhookUserAgent identifies the Bitbucket Webhooks/2.0 sender.
	WebhookUserAgent = "Bitbucket-Webhooks/2.0"
	// EventRepoPush is the only webhook event key that produces a PushEvent.
	EventRepoPush = "repo:push"

	headerUserAgent = "User-Agent"
	headerEventKey  = "X-Event-Key"

	defaultSCM = "git"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrMalformedPayload is matched by every MalformedPayloadError.
var ErrMalformedPayload = errors.New("malformed bitbucket payload")

// MalformedPayloadError reports a payload that lacks a field required by its shape.
type MalformedPayloadError struct {
	Shape Shape
	Field string
	Err   error
}

func (e *MalformedPayloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed %s payload: %v", e.Shape, e.Err)
	}
	return fmt.Sprintf("malformed %s payload: missing %s", e.Shape, e.Field)
}

// Is lets errors.Is match ErrMalformedPayload.
func (e *MalformedPayloadError) Is(target error) bool {
	return target == ErrMalformedPayload
}

func (e *MalformedPayloadError) Unwrap() error {
	return e.Err
}

// Shape selects which wire format a request carries.
type Shape int

const (
	// ShapeLegacyPost is the old POST service payload.
	ShapeLegacyPost Shape = iota
	// ShapeWebhook is the Webhooks/2.0 payload.
	ShapeWebhook
)

func (s Shape) String() string {
	switch s {
	case ShapeWebhook:
		return "webhook"
	default:
		return "post-service"
	}
}

// Headers carries the request headers the normalizer looks at.
type Headers struct {
	UserAgent string
	EventKey  string
}

// HeadersFrom reads the relevant headers. Some transports lower-case header
// names without canonicalising them, so the lower-cased key is tried too.
func HeadersFrom(h http.Header) Headers {
	return Headers{
		UserAgent: lookupHeader(h, headerUserAgent),
		EventKey:  lookupHeader(h, headerEventKey),
	}
}

func lookupHeader(h http.Header, name string) string {
	if v := h.Get(name); v != "" {
		return v
	}
	if v, ok := h[strings.ToLower(name)]; ok && len(v) > 0 {
		return v[0]
	}
	return ""
}

// DetectShape resolves the payload shape from headers. Anything that is not
// the Webhooks/2.0 user agent is treated as the legacy POST service.
func DetectShape(h Headers) Shape {
	if h.UserAgent == WebhookUserAgent {
		return ShapeWebhook
	}
	return ShapeLegacyPost
}

// PushEvent is the normalized notification handed to job matching.
type PushEvent struct {
	Actor   string
	RepoURL string
	SCM     string
	Branch  *string
}

// BranchName returns the pushed branch, if the payload carried one.
func (e PushEvent) BranchName() (string, bool) {
	if e.Branch == nil {
		return "", false
	}
	return *e.Branch, true
}

// Normalize parses body according to the shape selected by h. ok is false
// when the request is a webhook event other than repo:push; such requests
// are dropped without error.
func Normalize(body []byte, h Headers) (PushEvent, bool, error) {
	switch DetectShape(h) {
	case ShapeWebhook:
		if h.EventKey != EventRepoPush {
			return PushEvent{}, false, nil
		}
		ev, err := normalizeWebhook(body)
		if err != nil {
			return PushEvent{}, false, err
		}
		return ev, true, nil
	default:
		ev, err := normalizePostService(body)
		if err != nil {
			return PushEvent{}, false, err
		}
		return ev, true, nil
	}
}

func normalizeWebhook(body []byte) (PushEvent, error) {
	var p webhook.PushPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return PushEvent{}, &MalformedPayloadError{Shape: ShapeWebhook, Err: err}
	}
	if p.Actor == nil || p.Actor.Username == "" {
		return PushEvent{}, missing(ShapeWebhook, "actor.username")
	}
	if p.Repository == nil {
		return PushEvent{}, missing(ShapeWebhook, "repository")
	}
	if p.Repository.Links == nil || p.Repository.Links.HTML == nil || p.Repository.Links.HTML.Href == "" {
		return PushEvent{}, missing(ShapeWebhook, "repository.links.html.href")
	}

	ev := PushEvent{
		Actor:   p.Actor.Username,
		RepoURL: p.Repository.Links.HTML.Href,
		SCM:     defaultSCM,
	}
	if p.Repository.SCM != nil && *p.Repository.SCM != "" {
		ev.SCM = *p.Repository.SCM
	}
	if p.Push != nil {
		if name, ok := p.Push.BranchName(); ok {
			ev.Branch = &name
		}
	}
	return ev, nil
}

func normalizePostService(body []byte) (PushEvent, error) {
	var p webhook.PostServicePayload
	if err := json.Unmarshal(body, &p); err != nil {
		return PushEvent{}, &MalformedPayloadError{Shape: ShapeLegacyPost, Err: err}
	}
	switch {
	case p.User == nil || *p.User == "":
		return PushEvent{}, missing(ShapeLegacyPost, "user")
	case p.CanonURL == nil:
		return PushEvent{}, missing(ShapeLegacyPost, "canon_url")
	case p.Repository == nil:
		return PushEvent{}, missing(ShapeLegacyPost, "repository")
	case p.Repository.AbsoluteURL == nil:
		return PushEvent{}, missing(ShapeLegacyPost, "repository.absolute_url")
	case p.Repository.SCM == nil || *p.Repository.SCM == "":
		return PushEvent{}, missing(ShapeLegacyPost, "repository.scm")
	}

	return PushEvent{
		Actor:   *p.User,
		RepoURL: *p.CanonURL + *p.Repository.AbsoluteURL,
		SCM:     *p.Repository.SCM,
	}, nil
}

func missing(shape Shape, field string) error {
	return &MalformedPayloadError{Shape: shape, Field: field}
}

// DecodeBody extracts the JSON document from a request body. Form-encoded
// bodies are URL-decoded and the "payload=" prefix is removed.
func DecodeBody(body []byte, contentType string) ([]byte, error) {
	text := string(body)
	if strings.HasPrefix(contentType, "application/x-www-form-urlencoded") {
		decoded, err := url.QueryUnescape(text)
		if err != nil {
			return nil, &MalformedPayloadError{Err: fmt.Errorf("decode form body: %w", err)}
		}
		text = decoded
	}
	text = strings.TrimPrefix(text, "payload=")
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &MalformedPayloadError{Field: "body"}
	}
	return []byte(text), nil
}
