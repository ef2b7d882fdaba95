// Package thingsboard speaks the device-side HTTP API of a ThingsBoard style
// attribute store: shared attributes flow down to the device, client
// attributes and telemetry flow back up. The device authenticates by access
// token embedded in the path, so endpoints never appear in logs.
package thingsboard

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/roehann/cota/pkg/logging"
	"github.com/roehann/cota/pkg/marker"
)

// ErrUnavailable is the sentinel for any failure to read from or write to the
// store: transport errors, timeouts and unexpected statuses all look the same
// to the caller, which must fail closed either way.
var ErrUnavailable = errors.New("attribute store unavailable")

const defaultTimeout = 30 * time.Second

// Config locates the store and the device's identity on it.
type Config struct {
	// URL is the store's base URL including scheme, without the API path.
	URL string
	// Port optionally overrides the port. Leave zero when URL already
	// carries one or the scheme default applies.
	Port int
	// Token is the device access token. It becomes part of the request path.
	Token string
	// Timeout bounds each request. Zero means defaultTimeout.
	Timeout time.Duration
}

// Client is a single-attempt store client. Calls are never retried here;
// callers own the decision of what a failed read or post means.
type Client struct {
	log      logging.Logger
	http     *http.Client
	endpoint string
	host     string
}

func New(log logging.Logger, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("store URL must be provided")
	}
	if cfg.Token == "" {
		return nil, errors.New("device access token must be provided")
	}
	parsed, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "store URL did not parse")
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, errors.Errorf("store URL %q must carry scheme and host", cfg.URL)
	}
	if parsed.Port() != "" && cfg.Port != 0 {
		return nil, errors.Errorf("port given both in URL %q and separately", cfg.URL)
	}

	endpoint := strings.TrimRight(cfg.URL, "/")
	if cfg.Port != 0 {
		endpoint += ":" + strconv.Itoa(cfg.Port)
	}
	endpoint += "/api/v1/" + cfg.Token

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	return &Client{
		log:      log,
		http:     &http.Client{Timeout: timeout},
		endpoint: endpoint,
		host:     parsed.Host,
	}, nil
}

// attributesResponse is the store's shape for a filtered attribute read.
type attributesResponse struct {
	Client marker.Record `json:"client"`
	Shared marker.Record `json:"shared"`
}

// Attributes reads the named client and shared attributes in one round trip.
// Either key set may be empty. Missing attributes are simply absent from the
// returned records.
func (c *Client) Attributes(ctx context.Context, clientKeys, sharedKeys []marker.Key) (marker.Record, marker.Record, error) {
	u := c.endpoint + "/attributes"
	q := url.Values{}
	if len(clientKeys) > 0 {
		q.Set("clientKeys", strings.Join(clientKeys, ","))
	}
	if len(sharedKeys) > 0 {
		q.Set("sharedKeys", strings.Join(sharedKeys, ","))
	}
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, nil, errors.Wrap(err, "building attributes request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, errors.Wrapf(ErrUnavailable, "attributes read against %s: %v", c.host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, nil, errors.Wrapf(ErrUnavailable, "attributes read against %s returned %s", c.host, resp.Status)
	}

	// UseNumber keeps operator-posted numeric values intact instead of
	// flattening them through float64.
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var body attributesResponse
	if err := dec.Decode(&body); err != nil {
		return nil, nil, errors.Wrapf(ErrUnavailable, "decoding attributes from %s: %v", c.host, err)
	}

	if logging.Debuggable {
		c.log.WithFields(logrus.Fields{
			"client": body.Client,
			"shared": body.Shared,
		}).Debug("attributes read")
	}

	return body.Client, body.Shared, nil
}

// PostAttributes publishes client attributes.
func (c *Client) PostAttributes(ctx context.Context, rec marker.Record) error {
	return c.post(ctx, "attributes", rec)
}

// PostTelemetry publishes a telemetry point.
func (c *Client) PostTelemetry(ctx context.Context, rec marker.Record) error {
	return c.post(ctx, "telemetry", rec)
}

func (c *Client) post(ctx context.Context, kind string, rec marker.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrapf(err, "encoding %s", kind)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/"+kind, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrapf(err, "building %s request", kind)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(ErrUnavailable, "%s post against %s: %v", kind, c.host, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Wrapf(ErrUnavailable, "%s post against %s returned %s", kind, c.host, resp.Status)
	}

	c.log.WithField(kind, keyNames(rec)).Debugf("posted %s", kind)
	return nil
}

func keyNames(rec marker.Record) []string {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	return keys
}
