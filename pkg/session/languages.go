package session

import (
	"context"
	"net/http"
	"strings"

	"github.com/portalsfs/portalsfs/internal/logging"
	"github.com/portalsfs/portalsfs/pkg/protocol"
)

// languageSource describes where language codes live for a schema version.
type languageSource struct {
	set, idField, codeField string
	// website maps website language ids to portal language ids. Empty when
	// records reference site languages directly.
	websiteSet, websiteIDField, websiteLanguageField string
}

var languageSources = map[string]languageSource{
	"portal_schema_v1": {
		set:                  "adx_portallanguages",
		idField:              "adx_portallanguageid",
		codeField:            "adx_languagecode",
		websiteSet:           "adx_websitelanguages",
		websiteIDField:       "adx_websitelanguageid",
		websiteLanguageField: "_adx_portallanguageid_value",
	},
	"portal_schema_v2": {
		set:       "powerpagesitelanguages",
		idField:   "powerpagesitelanguageid",
		codeField: "languagecode",
	},
}

// loadLanguages fetches the language maps used for file naming. Failures are
// logged and yield empty maps; files are then named without a language code.
func (s *Session) loadLanguages(ctx context.Context, token string) (map[string]string, map[string]string) {
	src, ok := languageSources[strings.ToLower(s.cfg.SchemaVersion)]
	if !ok {
		return nil, nil
	}

	languages, err := s.listPairs(ctx, token, src.set,
		"?$select="+src.idField+","+src.codeField, src.idField, src.codeField)
	if err != nil {
		logging.Warn("could not load languages", logging.Err(err))
		return nil, nil
	}
	if src.websiteSet == "" {
		return languages, nil
	}

	query := "?$select=" + src.websiteIDField + "," + src.websiteLanguageField
	if s.cfg.WebsiteID != "" {
		query += "&$filter=_adx_websiteid_value eq " + s.cfg.WebsiteID
	}
	website, err := s.listPairs(ctx, token, src.websiteSet, query, src.websiteIDField, src.websiteLanguageField)
	if err != nil {
		logging.Warn("could not load website languages", logging.Err(err))
		return languages, nil
	}
	return languages, website
}

func (s *Session) listPairs(ctx context.Context, token, set, query, keyField, valueField string) (map[string]string, error) {
	url := protocol.EntitySetURL(s.cfg.OrgURL, set, query)
	resp, err := s.Requests.HandleRequest(ctx, protocol.Request{
		Method: http.MethodGet,
		URL:    url,
		Header: s.Auth.AuthHeader(token),
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, &protocol.StatusError{
			Method:     http.MethodGet,
			URL:        url,
			StatusCode: resp.StatusCode,
			Message:    protocol.ErrorMessage(resp),
		}
	}
	records, err := protocol.ParseRecords(resp.Body)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(records))
	for _, r := range records {
		if k := r.String(keyField); k != "" {
			out[k] = r.String(valueField)
		}
	}
	return out, nil
}
