package findnet

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// BrokerInfo is what the broker knows about a peer.
type BrokerInfo struct {
	ID    ID     `json:"id"`
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
	TTL   int64  `json:"ttl,omitempty"`
}

// Broker is the central registry the network bootstraps from.
//
// *Implementations* MUST wrap their errors with `ErrBrokerResolve` or
// `ErrBrokerList` so callers can tell a broker failure from a peer failure.
type Broker interface {
	// Resolve returns how to reach the peer id.
	Resolve(ctx context.Context, id ID) (BrokerInfo, error)
	// List returns the ids of every registered peer of the given kind.
	List(ctx context.Context, kind Kind) ([]ID, error)
}

var _ Broker = (*HTTPBroker)(nil)

// HTTPBroker talks to a broker over HTTP:
//
//   - `GET {base}/resolve/{id}` answers a `BrokerInfo`,
//   - `GET {base}/list/{kind}` answers a JSON array of ids.
type HTTPBroker struct {
	base   string
	client *http.Client
}

func NewHTTPBroker(base string, client *http.Client) *HTTPBroker {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &HTTPBroker{
		base:   strings.TrimRight(base, "/"),
		client: client,
	}
}

func (b *HTTPBroker) Resolve(ctx context.Context, id ID) (BrokerInfo, error) {
	var info BrokerInfo
	if err := b.get(ctx, "/resolve/"+id.String(), &info); err != nil {
		return BrokerInfo{}, fmt.Errorf("%w: %s: %w", ErrBrokerResolve, id.Short(), err)
	}
	if info.ID != id {
		return BrokerInfo{}, fmt.Errorf("%w: asked for %s, got %s", ErrBrokerResolve, id.Short(), info.ID.Short())
	}
	if _, err := url.Parse(info.URL); err != nil || info.URL == "" {
		return BrokerInfo{}, fmt.Errorf("%w: %s: invalid url %q", ErrBrokerResolve, id.Short(), info.URL)
	}
	info.URL = strings.TrimRight(info.URL, "/")
	return info, nil
}

func (b *HTTPBroker) List(ctx context.Context, kind Kind) ([]ID, error) {
	var ids []ID
	if err := b.get(ctx, "/list/"+url.PathEscape(string(kind)), &ids); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBrokerList, kind, err)
	}
	return ids, nil
}

func (b *HTTPBroker) get(ctx context.Context, path string, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &StatusError{URL: req.URL.String(), Code: resp.StatusCode}
	}
	return json.NewDecoder(resp.Body).Decode(into)
}

// cachedBroker remembers resolutions forever: the url a broker assigns to a
// peer is stable for its whole lifetime. The LRU only bounds memory, an
// evicted peer is just resolved again. Listings are never cached.
type cachedBroker struct {
	inner Broker
	cache *lru.Cache[ID, BrokerInfo]
}

func newCachedBroker(inner Broker, size int) (*cachedBroker, error) {
	cache, err := lru.New[ID, BrokerInfo](size)
	if err != nil {
		return nil, err
	}
	return &cachedBroker{inner: inner, cache: cache}, nil
}

func (cb *cachedBroker) Resolve(ctx context.Context, id ID) (BrokerInfo, error) {
	if info, ok := cb.cache.Get(id); ok {
		return info, nil
	}
	info, err := cb.inner.Resolve(ctx, id)
	if err != nil {
		return BrokerInfo{}, err
	}
	cb.cache.Add(id, info)
	return info, nil
}

func (cb *cachedBroker) List(ctx context.Context, kind Kind) ([]ID, error) {
	return cb.inner.List(ctx, kind)
}
