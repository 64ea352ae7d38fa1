// Package remote synchronizes virtual files with Dataverse records: it fetches
// records into the filesystem, saves local writes back, and reconciles etags.
package remote

import (
	"context"
	"errors"

	"github.com/portalsfs/portalsfs/pkg/auth"
	"github.com/portalsfs/portalsfs/pkg/editor"
	"github.com/portalsfs/portalsfs/pkg/metadata"
	"github.com/portalsfs/portalsfs/pkg/protocol"
	"github.com/portalsfs/portalsfs/pkg/schema"
	"github.com/portalsfs/portalsfs/pkg/telemetry"
)

var (
	// ErrRemoteFetchFailed is returned when a listing request fails.
	ErrRemoteFetchFailed = errors.New("remote fetch failed")
	// ErrRemoteSaveFailed is returned when an update request fails.
	ErrRemoteSaveFailed = errors.New("remote save failed")
	// ErrAttributePathMissing is returned when a tracked file no longer maps
	// to a schema attribute.
	ErrAttributePathMissing = errors.New("attribute path missing")
	// ErrNoAccessToken is returned when the auth provider yields no token.
	ErrNoAccessToken = errors.New("no access token")
	// ErrUnknownEntityType is returned for entity types absent from the schema.
	ErrUnknownEntityType = errors.New("unknown entity type")
)

// User-facing messages.
const (
	msgSchemaDrift  = "This file can no longer be saved because the attribute it maps to was renamed or removed. Contact your administrator."
	msgUnauthorized = "You are not authorized to save this file. Check your permissions and sign in again."
	msgBackend      = "There was a problem on the back end. Try again."
	msgNoToken      = "Authentication failed. Sign in and try again."
)

// Requester executes remote requests. *concurrency.Handler satisfies it.
type Requester interface {
	HandleRequest(ctx context.Context, req protocol.Request) (*protocol.Response, error)
}

// Deps is the shared state every provider works against.
type Deps struct {
	OrgURL    string
	Schema    *schema.Table
	Entities  *metadata.EntityDataMap
	Files     *metadata.FileDataMap
	Requests  Requester
	Auth      auth.Provider
	Telemetry telemetry.Sink
	Editor    editor.Surface
}

func (d *Deps) defaults() {
	if d.Telemetry == nil {
		d.Telemetry = telemetry.Nop{}
	}
	if d.Editor == nil {
		d.Editor = editor.Log{}
	}
}

// token authenticates and reports a missing token as ErrNoAccessToken.
func (d *Deps) token(ctx context.Context, entityType string) (string, error) {
	tok, err := d.Auth.Authenticate(ctx, d.OrgURL)
	if err == nil && tok == "" {
		err = ErrNoAccessToken
	}
	if err != nil {
		d.Telemetry.Failure(telemetry.Event{
			Name:       telemetry.EventNoAccessToken,
			EntityType: entityType,
			Error:      err.Error(),
		})
		return "", err
	}
	return tok, nil
}
