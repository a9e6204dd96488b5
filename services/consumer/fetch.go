package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"syncd/pkg/artifact"
	"syncd/pkg/credential"
	"syncd/pkg/signing"
	"syncd/pkg/telemetry"
)

const (
	// FetchTimeout bounds one request to the publisher or its blob store.
	FetchTimeout   = 15 * time.Second
	maxArtifactLen = 16 << 20
)

// CredentialSource yields the credential paired with the publisher. *credential.Store
// satisfies it.
type CredentialSource interface {
	Current(ctx context.Context) (credential.Credential, error)
}

// Update is one entry of the publisher's updates feed.
type Update struct {
	GlobalTemplateID uuid.UUID `json:"global_template_id"`
	Version          string    `json:"version"`
	Checksum         string    `json:"checksum"`
	PublishedAt      time.Time `json:"published_at"`
}

// Fetcher downloads artifacts and feed entries from the publisher. Requests to the
// publisher's own origin are signed; other origins (presigned blob links) are not.
type Fetcher struct {
	client *http.Client
	creds  CredentialSource
	now    func() time.Time
}

// NewFetcher returns a fetcher. A nil client gets FetchTimeout.
func NewFetcher(client *http.Client, creds CredentialSource) (*Fetcher, error) {
	if creds == nil {
		return nil, errors.New("credential source is required")
	}
	if client == nil {
		client = telemetry.NewHTTPClient(FetchTimeout)
	}
	return &Fetcher{client: client, creds: creds, now: time.Now}, nil
}

// Fetch downloads and decodes the artifact at rawURL. The result is not validated;
// Engine.Apply does that.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (artifact.Artifact, error) {
	target, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return artifact.Artifact{}, fmt.Errorf("%w: artifact_url must be an absolute http(s) URL", ErrBadRequest)
	}

	data, err := f.get(ctx, target)
	if err != nil {
		return artifact.Artifact{}, err
	}
	fetchesTotal.WithLabelValues("artifact").Inc()
	return artifact.DecodeBlob(data)
}

// Artifact downloads id at version (latest when empty) from the paired publisher.
func (f *Fetcher) Artifact(ctx context.Context, id uuid.UUID, version string) (artifact.Artifact, error) {
	base, err := f.publisherURL(ctx)
	if err != nil {
		return artifact.Artifact{}, err
	}
	target := base.JoinPath("templates", id.String())
	if version = strings.TrimSpace(version); version != "" {
		target.RawQuery = url.Values{"version": {version}}.Encode()
	}
	data, err := f.get(ctx, target)
	if err != nil {
		return artifact.Artifact{}, err
	}
	fetchesTotal.WithLabelValues("artifact").Inc()
	return artifact.DecodeBlob(data)
}

// Updates reads the publisher's feed of templates published after since.
func (f *Fetcher) Updates(ctx context.Context, since time.Time) ([]Update, error) {
	base, err := f.publisherURL(ctx)
	if err != nil {
		return nil, err
	}
	target := base.JoinPath("updates")
	if !since.IsZero() {
		target.RawQuery = url.Values{"since": {since.UTC().Format(time.RFC3339Nano)}}.Encode()
	}
	data, err := f.get(ctx, target)
	if err != nil {
		return nil, err
	}
	fetchesTotal.WithLabelValues("updates").Inc()

	var body struct {
		Updates []Update `json:"updates"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("%w: decode updates: %v", ErrFetchFailed, err)
	}
	return body.Updates, nil
}

func (f *Fetcher) publisherURL(ctx context.Context) (*url.URL, error) {
	cred, err := f.creds.Current(ctx)
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			return nil, fmt.Errorf("%w: consumer is not registered with a publisher", ErrBadRequest)
		}
		return nil, err
	}
	base, err := url.Parse(cred.PeerURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("%w: stored publisher url %q is invalid", ErrBadRequest, cred.PeerURL)
	}
	return base, nil
}

func (f *Fetcher) get(ctx context.Context, target *url.URL) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	req.Header.Set("Accept", "application/json, "+artifact.BlobContentType)

	cred, err := f.creds.Current(ctx)
	switch {
	case err == nil:
		if sameOrigin(cred.PeerURL, target) {
			signing.SignRequest(req, nil, cred.Token, cred.Secret, f.now())
		}
	case errors.Is(err, credential.ErrNotFound):
	default:
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		fetchesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactLen+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrFetchFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		fetchesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %s returned status %d", ErrFetchFailed, target.Redacted(), resp.StatusCode)
	}
	if len(data) > maxArtifactLen {
		return nil, fmt.Errorf("%w: response exceeds %d bytes", ErrFetchFailed, maxArtifactLen)
	}
	return data, nil
}

func sameOrigin(peer string, target *url.URL) bool {
	base, err := url.Parse(peer)
	if err != nil {
		return false
	}
	return strings.EqualFold(base.Scheme, target.Scheme) && strings.EqualFold(base.Host, target.Host)
}
