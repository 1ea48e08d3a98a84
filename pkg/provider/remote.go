package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cuemby/configcore/pkg/coreerr"
	"github.com/google/uuid"
)

// RemotePriority is the default priority for records contributed by the
// remote provider; remote records normally carry their own per-record
// priority, so this only applies when a record omits one.
const RemotePriority int64 = 0

// remoteDeletion mirrors the wire shape of one element in the response's
// "deleted" array.
type remoteDeletion struct {
	Key      string `json:"key"`
	Priority int64  `json:"priority"`
}

// remoteResponse is the wire shape returned by the built-in remote
// endpoint: the same per-record shape as the file provider's array, plus
// deletions and an opaque version string for the next incremental Load.
type remoteResponse struct {
	Settings []wireRecord     `json:"settings"`
	Deleted  []remoteDeletion `json:"deleted"`
	Version  string           `json:"version"`
}

// RemoteProvider polls the built-in remote configuration endpoint:
// GET <base>/v3/get-runtime-settings/ with runtime/version/application/
// mcs_run_env query parameters, attaching a fresh X-OperationId correlation
// header on every request via github.com/google/uuid.
type RemoteProvider struct {
	baseURL      string
	runtimeToken string
	application  string
	runEnv       *string

	httpClient *http.Client
}

// NewRemoteProvider returns a provider polling baseURL for application's
// runtime settings. runEnv may be nil to omit the mcs_run_env parameter.
func NewRemoteProvider(baseURL, runtimeToken, application string, runEnv *string) *RemoteProvider {
	return &RemoteProvider{
		baseURL:      baseURL,
		runtimeToken: runtimeToken,
		application:  application,
		runEnv:       runEnv,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Name implements Provider.
func (p *RemoteProvider) Name() string { return "remote" }

// DefaultPriority implements Provider.
func (p *RemoteProvider) DefaultPriority() int64 { return RemotePriority }

// Load implements Provider.
func (p *RemoteProvider) Load(ctx context.Context, lastVersion string) ([]Record, []Deletion, string, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return nil, nil, "", coreerr.Wrap(coreerr.RemoteRequest, "invalid base URL", err)
	}
	u.Path = joinPath(u.Path, "v3", "get-runtime-settings")

	q := u.Query()
	q.Set("runtime", p.runtimeToken)
	q.Set("version", lastVersion)
	q.Set("application", p.application)
	if p.runEnv != nil {
		q.Set("mcs_run_env", *p.runEnv)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, nil, "", coreerr.Wrap(coreerr.RemoteRequest, "building request", err)
	}
	req.Header.Set("X-OperationId", uuid.New().String())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, nil, "", coreerr.Wrap(coreerr.RemoteRequest, "contacting "+p.baseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, "", coreerr.Wrap(coreerr.RemoteRequest, "reading response body", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, "", coreerr.RemoteResponseError(resp.StatusCode, body)
	}

	var decoded remoteResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, nil, "", coreerr.Wrap(coreerr.Parse, "parsing remote response", err)
	}

	adds := make([]Record, 0, len(decoded.Settings))
	for _, r := range decoded.Settings {
		priority := p.DefaultPriority()
		if r.Priority != nil {
			priority = *r.Priority
		}
		adds = append(adds, Record{
			Name:     r.Key,
			Priority: priority,
			Filter:   r.Filter,
			Value:    r.Value,
		})
	}

	dels := make([]Deletion, 0, len(decoded.Deleted))
	for _, d := range decoded.Deleted {
		dels = append(dels, Deletion{Name: d.Key, Priority: d.Priority})
	}

	return adds, dels, decoded.Version, nil
}

func joinPath(elems ...string) string {
	out := ""
	for _, e := range elems {
		if e == "" {
			continue
		}
		for len(e) > 0 && e[0] == '/' {
			e = e[1:]
		}
		for len(e) > 0 && e[len(e)-1] == '/' {
			e = e[:len(e)-1]
		}
		out += "/" + e
	}
	return fmt.Sprintf("%s/", out)
}
