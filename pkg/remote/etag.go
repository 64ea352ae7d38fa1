package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/portalsfs/portalsfs/internal/logging"
	"github.com/portalsfs/portalsfs/pkg/protocol"
	"github.com/portalsfs/portalsfs/pkg/schema"
	"github.com/portalsfs/portalsfs/pkg/telemetry"
)

// RefreshStatus is the outcome of an etag refresh.
type RefreshStatus int

const (
	RefreshFailed RefreshStatus = iota
	RefreshUnchanged
	RefreshUpdated
)

func (s RefreshStatus) String() string {
	switch s {
	case RefreshUnchanged:
		return "unchanged"
	case RefreshUpdated:
		return "updated"
	default:
		return "failed"
	}
}

// EtagHandler reconciles tracked files with their remote records.
type EtagHandler struct {
	d Deps
}

// NewEtagHandler creates an etag handler.
func NewEtagHandler(d Deps) *EtagHandler {
	d.defaults()
	return &EtagHandler{d: d}
}

// Refresh issues a conditional GET for the record behind p. Failures are
// reported through telemetry only.
func (h *EtagHandler) Refresh(ctx context.Context, p string) RefreshStatus {
	start := time.Now()
	url, entityType, err := h.refresh(ctx, p)
	switch {
	case err == nil:
		h.d.Telemetry.Success(telemetry.Event{
			Name:       telemetry.EventEtagContentChanged,
			URL:        url,
			EntityType: entityType,
			Method:     http.MethodGet,
			Duration:   time.Since(start),
		})
		return RefreshUpdated
	case errors.Is(err, errNotModified):
		h.d.Telemetry.Info(telemetry.Event{
			Name:       telemetry.EventEtagContentSame,
			URL:        url,
			EntityType: entityType,
			Method:     http.MethodGet,
			Duration:   time.Since(start),
		})
		return RefreshUnchanged
	default:
		e := telemetry.Event{
			Name:       telemetry.EventEtagFailed,
			URL:        url,
			EntityType: entityType,
			Method:     http.MethodGet,
			Duration:   time.Since(start),
			Error:      err.Error(),
		}
		if se, ok := protocol.AsStatusError(err); ok {
			e.StatusCode = se.StatusCode
		}
		h.d.Telemetry.Failure(e)
		logging.Debug("etag refresh failed", logging.Path(p), logging.Err(err))
		return RefreshFailed
	}
}

var errNotModified = errors.New("not modified")

func (h *EtagHandler) refresh(ctx context.Context, p string) (string, string, error) {
	fd, ok := h.d.Files.File(p)
	if !ok {
		return "", "", fmt.Errorf("%s is not tracked", p)
	}
	et, ok := h.d.Schema.Entity(fd.EntityType)
	if !ok {
		return "", fd.EntityType, fmt.Errorf("%w: %q", ErrUnknownEntityType, fd.EntityType)
	}
	attr, ok := et.Attribute(fd.AttributePath)
	if !ok {
		return "", et.Name, ErrAttributePathMissing
	}

	tok, err := h.d.token(ctx, et.Name)
	if err != nil {
		return "", et.Name, err
	}

	sel := attr.Source
	if attr.Kind == schema.KindMapped {
		sel = et.IDField
	}
	url := protocol.EntityURL(h.d.OrgURL, et.EntitySet, fd.EntityID) + "?$select=" + sel

	header := h.d.Auth.AuthHeader(tok)
	if etag := h.d.Entities.EntityEtag(fd.EntityID); etag != "" {
		header.Set(protocol.HeaderIfNone, etag)
	}

	resp, err := h.d.Requests.HandleRequest(ctx, protocol.Request{
		Method: http.MethodGet,
		URL:    url,
		Header: header,
	})
	if err != nil {
		return url, et.Name, err
	}
	if resp.NotModified() {
		return url, et.Name, errNotModified
	}
	if !resp.OK() {
		return url, et.Name, &protocol.StatusError{
			Method:     http.MethodGet,
			URL:        url,
			StatusCode: resp.StatusCode,
			Message:    protocol.ErrorMessage(resp),
		}
	}

	records, err := protocol.ParseRecords(resp.Body)
	if err != nil {
		return url, et.Name, err
	}
	if len(records) == 0 {
		return url, et.Name, protocol.ErrEmptyPayload
	}
	rec := records[0]

	etag := rec.Etag()
	if etag == "" {
		etag = resp.ETag()
	}
	if etag != "" {
		h.d.Entities.UpdateEntityEtag(fd.EntityID, etag)
		h.d.Files.SetEntityEtag(fd.EntityID, etag)
	}
	if attr.Kind != schema.KindMapped && rec.Has(attr.Source) {
		h.d.Entities.UpdateEntityColumn(fd.EntityID, attr.Path(), rec.String(attr.Source))
	}
	h.d.Files.SetFileDirty(p, false)
	return url, et.Name, nil
}
