// Package session wires the filesystem, the remote providers and their
// shared state into one object with a single lifetime.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/portalsfs/portalsfs/internal/config"
	"github.com/portalsfs/portalsfs/internal/logging"
	"github.com/portalsfs/portalsfs/internal/metrics"
	"github.com/portalsfs/portalsfs/pkg/auth"
	"github.com/portalsfs/portalsfs/pkg/concurrency"
	"github.com/portalsfs/portalsfs/pkg/editor"
	"github.com/portalsfs/portalsfs/pkg/metadata"
	"github.com/portalsfs/portalsfs/pkg/portalfs"
	"github.com/portalsfs/portalsfs/pkg/remote"
	"github.com/portalsfs/portalsfs/pkg/retry"
	"github.com/portalsfs/portalsfs/pkg/schema"
	"github.com/portalsfs/portalsfs/pkg/telemetry"
)

// AllEntities selects every entity type of the schema for population.
const AllEntities = config.AllEntities

// Options overrides collaborators that are otherwise built from config.
type Options struct {
	Auth      auth.Provider
	Telemetry telemetry.Sink
	Editor    editor.Surface
	Client    concurrency.Doer
}

// Session is the state of one mounted site.
type Session struct {
	cfg *config.Config

	Schema    *schema.Table
	Entities  *metadata.EntityDataMap
	Files     *metadata.FileDataMap
	Requests  *concurrency.Handler
	Auth      auth.Provider
	Telemetry telemetry.Sink
	Editor    editor.Surface

	Fetch *remote.FetchProvider
	Save  *remote.SaveProvider
	Etag  *remote.EtagHandler
	FS    *portalfs.FS
}

// New builds a session from configuration.
func New(cfg *config.Config, opts Options) (*Session, error) {
	table, err := loadSchema(cfg)
	if err != nil {
		return nil, err
	}

	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.NewLogger()
	}
	if opts.Editor == nil {
		opts.Editor = editor.Log{}
	}
	if opts.Auth == nil {
		opts.Auth = providerFor(cfg)
	}

	rc := retry.DefaultConfig()
	if cfg.RetryMaxAttempts > 0 {
		rc.MaxAttempts = cfg.RetryMaxAttempts
	}
	if cfg.RetryInitialDelay > 0 {
		rc.InitialWait = cfg.RetryInitialDelay
	}
	if cfg.RetryMaxDelay > 0 {
		rc.MaxWait = cfg.RetryMaxDelay
	}

	s := &Session{
		cfg:       cfg,
		Schema:    table,
		Entities:  metadata.NewEntityDataMap(),
		Files:     metadata.NewFileDataMap(),
		Auth:      opts.Auth,
		Telemetry: opts.Telemetry,
		Editor:    opts.Editor,
	}
	s.Requests = concurrency.New(concurrency.Config{
		MaxConcurrentRequests: cfg.MaxConcurrentRequests,
		MaxQueuedRequests:     cfg.MaxQueuedRequests,
		Retry:                 rc,
		Timeout:               cfg.RequestTimeout,
		Client:                opts.Client,
		Telemetry:             opts.Telemetry,
	})

	deps := remote.Deps{
		OrgURL:    cfg.OrgURL,
		Schema:    table,
		Entities:  s.Entities,
		Files:     s.Files,
		Requests:  s.Requests,
		Auth:      s.Auth,
		Telemetry: s.Telemetry,
		Editor:    s.Editor,
	}
	s.Fetch = remote.NewFetchProvider(deps)
	s.Save = remote.NewSaveProvider(deps)
	s.Etag = remote.NewEtagHandler(deps)

	s.FS = portalfs.New(portalfs.Options{
		ContentRoot: cfg.ContentRoot,
		Schema:      table,
		Files:       s.Files,
		Populator:   populator{s},
		Saver:       saver{s.Save},
		Editor:      s.Editor,
	})
	return s, nil
}

func loadSchema(cfg *config.Config) (*schema.Table, error) {
	if cfg.SchemaFile != "" {
		return schema.LoadFile(cfg.SchemaFile, cfg.SchemaVersion)
	}
	return schema.Load(cfg.SchemaVersion)
}

func providerFor(cfg *config.Config) auth.Provider {
	if cfg.Token != "" {
		return &auth.StaticToken{Token: cfg.Token, Margin: time.Minute}
	}
	return &auth.ClientCredentials{
		TenantID:     cfg.TenantID,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
	}
}

// Populate authenticates and fetches the configured entities into the
// filesystem. A missing token is reported as portalfs.ErrNoPermissions.
func (s *Session) Populate(ctx context.Context) error {
	start := time.Now()
	ctx = logging.WithFields(ctx,
		logging.String("org", s.cfg.OrgURL),
		logging.String("website", s.cfg.WebsiteID))

	tok, err := s.Auth.Authenticate(ctx, s.cfg.OrgURL)
	if err != nil || tok == "" {
		msg := "empty access token"
		if err != nil {
			msg = err.Error()
		}
		s.Telemetry.Failure(telemetry.Event{Name: telemetry.EventNoAccessToken, Error: msg})
		s.Telemetry.Failure(telemetry.Event{Name: telemetry.EventPopulationFailed, Error: msg})
		s.Editor.ShowError("Authentication failed. Sign in and try again.", false)
		return fmt.Errorf("populate: %w", portalfs.ErrNoPermissions)
	}

	languages, websiteLanguages := s.loadLanguages(ctx, tok)

	if err := s.FS.MkdirAll(s.FS.ContentRoot()); err != nil {
		return err
	}

	var errs []error
	for _, et := range s.entityTypes() {
		req := remote.FetchRequest{
			AccessToken:        tok,
			EntityType:         et,
			WebsiteID:          s.cfg.WebsiteID,
			LanguageMap:        languages,
			WebsiteLanguageMap: websiteLanguages,
			Root:               s.cfg.ContentRoot,
			Target:             s.FS,
		}
		if et == s.cfg.EntityType {
			req.EntityID = s.cfg.EntityID
		}
		if err := s.Fetch.Fetch(ctx, req); err != nil {
			logging.WithContext(ctx).Error("fetch failed", logging.Entity(et), logging.Err(err))
			s.Telemetry.Failure(telemetry.Event{
				Name:       telemetry.EventPopulationFailed,
				EntityType: et,
				Error:      err.Error(),
			})
			errs = append(errs, err)
		}
	}

	metrics.RecordPopulation(time.Since(start))
	logging.Info("population finished",
		logging.Int("files", s.Files.Len()),
		logging.Int("entities", s.Entities.Len()),
		logging.Duration("duration", time.Since(start)))
	return errors.Join(errs...)
}

func (s *Session) entityTypes() []string {
	if s.cfg.EntityType != "" && s.cfg.EntityType != AllEntities {
		return []string{s.cfg.EntityType}
	}
	var out []string
	for _, et := range s.Schema.Entities() {
		out = append(out, et.Name)
	}
	return out
}

// Refresh reconciles one tracked file with its remote record.
func (s *Session) Refresh(ctx context.Context, p string) remote.RefreshStatus {
	return s.Etag.Refresh(ctx, p)
}

// RefreshAll reconciles every tracked file and returns the number of files
// whose record changed.
func (s *Session) RefreshAll(ctx context.Context) int {
	changed := 0
	for _, p := range s.Files.Paths() {
		if ctx.Err() != nil {
			break
		}
		if s.Etag.Refresh(ctx, p) == remote.RefreshUpdated {
			changed++
		}
	}
	return changed
}

// Close releases the session.
func (s *Session) Close() {
	s.FS.Close()
}

type populator struct {
	s *Session
}

func (p populator) Populate(ctx context.Context) error {
	return p.s.Populate(ctx)
}

// saver maps a missing token onto the filesystem permissions error.
type saver struct {
	save *remote.SaveProvider
}

func (s saver) Save(ctx context.Context, p string, content []byte) error {
	err := s.save.Save(ctx, p, content)
	if errors.Is(err, remote.ErrNoAccessToken) {
		return fmt.Errorf("%w: %w", portalfs.ErrNoPermissions, err)
	}
	return err
}
