package resolver

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/mitchellh/go-homedir"

	"github.com/cli-tools/pgtap/internal/domain"
)

const (
	// DefaultMavenURL is Maven Central, where the binary jars are published.
	DefaultMavenURL = "https://repo1.maven.org/maven2"
	groupPath       = "io/zonky/test/postgres"
	artifactPrefix  = "embedded-postgres-binaries-"
)

var errNotFound = errors.New("not found")

// MavenResolver fetches distribution jars laid out as a Maven repository,
// either over HTTP or from a local repository directory such as ~/.m2.
type MavenResolver struct {
	name      string
	baseURL   string
	localRoot string
	client    *retryablehttp.Client
	logger    domain.Logger
}

// NewMavenResolver creates a resolver for a remote repository. A nil client
// gets a pooled client retrying transient failures three times.
func NewMavenResolver(baseURL string, client *retryablehttp.Client, logger domain.Logger) *MavenResolver {
	if baseURL == "" {
		baseURL = DefaultMavenURL
	}
	if client == nil {
		client = NewHTTPClient(logger)
	}
	return &MavenResolver{
		name:    "maven " + baseURL,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
		logger:  logger,
	}
}

// NewLocalMavenResolver reads from a local Maven repository. An empty root
// means ~/.m2/repository.
func NewLocalMavenResolver(root string, logger domain.Logger) (*MavenResolver, error) {
	if root == "" {
		root = "~/.m2/repository"
	}
	expanded, err := homedir.Expand(root)
	if err != nil {
		return nil, fmt.Errorf("expand maven repository: %w", err)
	}
	return &MavenResolver{
		name:      "maven-local " + expanded,
		localRoot: expanded,
		logger:    logger,
	}, nil
}

// NewHTTPClient returns the retrying HTTP client used for downloads.
func NewHTTPClient(logger domain.Logger) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.HTTPClient = cleanhttp.DefaultPooledClient()
	c.RetryMax = 3
	c.RetryWaitMax = 5 * time.Second
	if logger != nil {
		c.Logger = retryablehttp.LeveledLogger(logger)
	} else {
		c.Logger = nil
	}
	return c
}

// Name identifies the resolver in logs and errors.
func (r *MavenResolver) Name() string { return r.name }

func artifactID(p domain.Platform) string {
	return artifactPrefix + p.String()
}

func jarPath(p domain.Platform, v string) string {
	id := artifactID(p)
	return path.Join(groupPath, id, v, fmt.Sprintf("%s-%s.jar", id, v))
}

// Resolve returns the distribution jar and the checksum published next to it.
func (r *MavenResolver) Resolve(ctx context.Context, p domain.Platform, v string) (*domain.Artifact, error) {
	rel := jarPath(p, v)

	sum, err := r.readChecksum(ctx, rel+".sha256")
	if err != nil && !errors.Is(err, errNotFound) {
		return nil, domain.E(domain.KindResolution, r.name, err)
	}
	if sum == "" {
		r.logger.Warn("no checksum published for artifact", "artifact", rel)
	}

	body, src, err := r.open(ctx, rel)
	if err != nil {
		if errors.Is(err, errNotFound) {
			return nil, domain.Errorf(domain.KindResolution, r.name, "postgres %s for %s not found at %s", v, p, src)
		}
		return nil, domain.E(domain.KindResolution, r.name, err)
	}
	return &domain.Artifact{
		Platform: p,
		Version:  v,
		Format:   domain.FormatJar,
		Source:   src,
		SHA256:   sum,
		Body:     body,
	}, nil
}

type mavenMetadata struct {
	Versioning struct {
		Latest   string   `xml:"latest"`
		Release  string   `xml:"release"`
		Versions []string `xml:"versions>version"`
	} `xml:"versioning"`
}

// ResolveVersion expands a version request using maven-metadata.xml.
func (r *MavenResolver) ResolveVersion(ctx context.Context, p domain.Platform, requested string) (string, error) {
	if err := ValidateRequest(requested); err != nil {
		return "", domain.E(domain.KindResolution, r.name, err)
	}
	if IsExact(requested) {
		return strings.TrimSpace(requested), nil
	}

	rel := path.Join(groupPath, artifactID(p), "maven-metadata.xml")
	if r.localRoot != "" {
		// Local repositories keep per-remote metadata files next to the artifacts.
		rel = path.Join(groupPath, artifactID(p), "maven-metadata-central.xml")
	}
	body, src, err := r.open(ctx, rel)
	if err != nil {
		return "", domain.Errorf(domain.KindResolution, r.name, "read release list %s: %w", src, err)
	}
	defer body.Close()

	var meta mavenMetadata
	if err := xml.NewDecoder(body).Decode(&meta); err != nil {
		return "", domain.Errorf(domain.KindResolution, r.name, "invalid release list %s: %w", src, err)
	}
	v, err := SelectVersion(requested, meta.Versioning.Versions)
	if err != nil {
		return "", domain.E(domain.KindResolution, r.name, err)
	}
	return v, nil
}

func (r *MavenResolver) readChecksum(ctx context.Context, rel string) (string, error) {
	body, _, err := r.open(ctx, rel)
	if err != nil {
		return "", err
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, 1024))
	if err != nil {
		return "", fmt.Errorf("read checksum: %w", err)
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToLower(fields[0]), nil
}

// open returns the body at rel and the location it was read from.
// Missing artifacts yield errNotFound.
func (r *MavenResolver) open(ctx context.Context, rel string) (io.ReadCloser, string, error) {
	if r.localRoot != "" {
		p := filepath.Join(r.localRoot, filepath.FromSlash(rel))
		f, err := os.Open(p)
		if errors.Is(err, os.ErrNotExist) {
			return nil, p, errNotFound
		}
		if err != nil {
			return nil, p, err
		}
		return f, p, nil
	}

	url := r.baseURL + "/" + rel
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, url, fmt.Errorf("invalid URL %q: %w", url, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, url, fmt.Errorf("GET %s: %w", url, err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, url, nil
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, url, errNotFound
	default:
		resp.Body.Close()
		return nil, url, fmt.Errorf("GET %s: unsuccessful request: %s", url, resp.Status)
	}
}
