// Package auth provides OAuth 2.0 token sources for talking to Google Cloud
// services.
package auth

import (
	"context"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"go.skia.org/swarming/go/skerr"
)

const (
	SCOPE_USERINFO_EMAIL = "https://www.googleapis.com/auth/userinfo.email"
	SCOPE_DATASTORE      = "https://www.googleapis.com/auth/datastore"
	SCOPE_PUBSUB         = "https://www.googleapis.com/auth/pubsub"
	SCOPE_FULL_CONTROL   = "https://www.googleapis.com/auth/devstorage.full_control"
)

// NewDefaultTokenSource creates a new OAuth 2.0 token source for the given
// scopes. If local is true then Application Default Credentials are used,
// otherwise the service account attached to the GCE instance is used.
func NewDefaultTokenSource(local bool, scopes ...string) (oauth2.TokenSource, error) {
	if local {
		ts, err := google.DefaultTokenSource(context.Background(), scopes...)
		if err != nil {
			return nil, skerr.Wrapf(err, "no local credentials found; run 'gcloud auth application-default login'")
		}
		return ts, nil
	}
	return google.ComputeTokenSource("", scopes...), nil
}
