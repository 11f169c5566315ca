// Package session authenticates against the Earth Engine REST API.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/forest-guardian/aces-landcover/internal/logger"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultBaseURL    = "https://earthengine.googleapis.com"
	HighVolumeBaseURL = "https://earthengine-highvolume.googleapis.com"
)

var Scopes = []string{
	"https://www.googleapis.com/auth/earthengine",
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/devstorage.full_control",
}

type Options struct {
	// KeyFile is a service account JSON key. Application default credentials
	// are used when empty.
	KeyFile       string
	UseHighVolume bool
	Project       string
	// BaseURL overrides the endpoint picked from UseHighVolume.
	BaseURL string
	// HTTPClient is used as is, without loading any credentials.
	HTTPClient *http.Client
}

// Session is an authenticated client bound to one cloud project.
type Session struct {
	HTTPClient  *http.Client
	BaseURL     string
	Project     string
	ClientEmail string
}

type serviceAccountKey struct {
	Type        string `json:"type"`
	ClientEmail string `json:"client_email"`
	ProjectID   string `json:"project_id"`
}

type credentials struct {
	creds       *google.Credentials
	clientEmail string
}

// Workers of the patch export open their own session; concurrent loads of
// the same key share one read.
var loads singleflight.Group

func Open(ctx context.Context, opts Options) (*Session, error) {
	s := &Session{
		HTTPClient: opts.HTTPClient,
		BaseURL:    strings.TrimRight(opts.BaseURL, "/"),
		Project:    opts.Project,
	}
	if s.BaseURL == "" {
		s.BaseURL = DefaultBaseURL
		if opts.UseHighVolume {
			s.BaseURL = HighVolumeBaseURL
		}
	}

	if s.HTTPClient == nil {
		key := opts.KeyFile
		if key == "" {
			key = "application-default"
		}
		v, err, shared := loads.Do(key, func() (interface{}, error) {
			return loadCredentials(context.WithoutCancel(ctx), opts.KeyFile)
		})
		if err != nil {
			return nil, err
		}
		if shared {
			logger.Debugf("Reused credentials loaded by another worker for %s", key)
		}
		c := v.(*credentials)
		s.HTTPClient = oauth2.NewClient(context.WithoutCancel(ctx), c.creds.TokenSource)
		s.ClientEmail = c.clientEmail
		if s.Project == "" {
			s.Project = c.creds.ProjectID
		}
	}

	if s.Project == "" {
		return nil, fmt.Errorf("no cloud project configured and none found in the credentials")
	}
	logger.Debugf("Opened session for project %s at %s", s.Project, s.BaseURL)
	return s, nil
}

func loadCredentials(ctx context.Context, keyFile string) (*credentials, error) {
	if keyFile == "" {
		creds, err := google.FindDefaultCredentials(ctx, Scopes...)
		if err != nil {
			return nil, fmt.Errorf("failed to find default credentials: %w", err)
		}
		return &credentials{creds: creds}, nil
	}

	data, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read service account key: %w", err)
	}
	var key serviceAccountKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("failed to parse service account key %s: %w", keyFile, err)
	}
	if key.ClientEmail == "" {
		return nil, fmt.Errorf("service account key %s has no client_email", keyFile)
	}
	creds, err := google.CredentialsFromJSON(ctx, data, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("failed to load service account key: %w", err)
	}
	return &credentials{creds: creds, clientEmail: key.ClientEmail}, nil
}

// URL joins path segments onto the API root, e.g. URL("v1", "projects", p, "value:compute").
func (s *Session) URL(parts ...string) string {
	return s.BaseURL + "/" + strings.Join(parts, "/")
}

// ProjectPath is the "projects/<id>" resource name used by most API calls.
func (s *Session) ProjectPath() string {
	return "projects/" + s.Project
}
