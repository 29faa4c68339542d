package findnet

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"
)

const (
	defaultLookupWidth     = 20
	defaultStaleAfter      = 60 * time.Second
	defaultValidateMin     = 5 * time.Second
	defaultValidateMax     = 10 * time.Second
	defaultBrokerCacheSize = 4096
	defaultHTTPTimeout     = 10 * time.Second
	defaultStoragePath     = "/storage/"
)

type config struct {
	localID         ID
	broker          Broker
	brokerURL       string
	brokerCacheSize int
	dataDir         string
	httpClient      *http.Client
	logHandler      slog.Handler
	msink           metrics.MetricSink
	metricLabels    []metrics.Label
	clk             clock.Clock
	lookupWidth     int
	fanoutLimit     int
	staleAfter      time.Duration
	validateMin     time.Duration
	validateMax     time.Duration
	persistInterval time.Duration
	storagePath     string
}

func defaultConfig() config {
	return config{
		brokerCacheSize: defaultBrokerCacheSize,
		clk:             clock.New(),
		lookupWidth:     defaultLookupWidth,
		staleAfter:      defaultStaleAfter,
		validateMin:     defaultValidateMin,
		validateMax:     defaultValidateMax,
		persistInterval: defaultPersistInterval,
		storagePath:     defaultStoragePath,
	}
}

// Option to pass to `Create`
type Option func(*config) error

// WithLocalID sets the identity of the node. It is mandatory.
func WithLocalID(id ID) Option {
	return func(c *config) error {
		if id.IsZero() {
			return errors.New("local id must not be zero")
		}
		c.localID = id
		return nil
	}
}

// WithBroker uses a custom `Broker` implementation. Answers are cached by
// the node regardless of the implementation.
func WithBroker(broker Broker) Option {
	return func(c *config) error {
		c.broker = broker
		return nil
	}
}

// WithBrokerURL uses the HTTP broker reachable at url.
func WithBrokerURL(url string) Option {
	return func(c *config) error {
		url = strings.TrimRight(strings.TrimSpace(url), "/")
		if url == "" {
			return errors.New("broker url must not be empty")
		}
		c.brokerURL = url
		return nil
	}
}

// WithBrokerCacheSize bounds how many peers the broker cache remembers.
func WithBrokerCacheSize(size int) Option {
	return func(c *config) error {
		if size <= 0 {
			size = defaultBrokerCacheSize
		}
		c.brokerCacheSize = size
		return nil
	}
}

// WithDataDir enables persistence of the knowledge base in dir. Without it,
// the node forgets everything on restart.
func WithDataDir(dir string) Option {
	return func(c *config) error {
		c.dataDir = dir
		return nil
	}
}

// WithHTTPClient specifies the client used for peer, broker and storage calls.
// Timeouts are the client's responsibility.
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) error {
		c.httpClient = client
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the node.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the node.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithClock replaces the wall clock, mostly useful in tests.
func WithClock(clk clock.Clock) Option {
	return func(c *config) error {
		if clk == nil {
			clk = clock.New()
		}
		c.clk = clk
		return nil
	}
}

// WithLookupWidth controls how many peers seed a lookup, and how many
// CLOSER answers we give to others.
func WithLookupWidth(width int) Option {
	return func(c *config) error {
		if width <= 0 {
			width = defaultLookupWidth
		}
		c.lookupWidth = width
		return nil
	}
}

// WithFanoutLimit caps the number of concurrent peer calls a single lookup
// or validation issues. Zero, the default, means unbounded.
func WithFanoutLimit(limit int) Option {
	return func(c *config) error {
		if limit < 0 {
			return errors.New("fanout limit must not be negative")
		}
		c.fanoutLimit = limit
		return nil
	}
}

// WithStaleAfter controls how old a validation can be before the holders of
// a content id are eligible to be validated again.
func WithStaleAfter(age time.Duration) Option {
	return func(c *config) error {
		if age <= 0 {
			age = defaultStaleAfter
		}
		c.staleAfter = age
		return nil
	}
}

// WithValidateEvery sets the bounds of the jittered interval between two
// picks of a stale content id.
func WithValidateEvery(lo, hi time.Duration) Option {
	return func(c *config) error {
		if lo <= 0 || hi < lo {
			return errors.New("validation interval bounds must satisfy 0 < lo <= hi")
		}
		c.validateMin = lo
		c.validateMax = hi
		return nil
	}
}

// WithPersistInterval is the minimum time between two writes of the state
// file.
func WithPersistInterval(interval time.Duration) Option {
	return func(c *config) error {
		if interval <= 0 {
			interval = defaultPersistInterval
		}
		c.persistInterval = interval
		return nil
	}
}

// WithStoragePath sets the path prefix, on storage peers, under which
// content ids are probed.
func WithStoragePath(prefix string) Option {
	return func(c *config) error {
		if !strings.HasPrefix(prefix, "/") {
			prefix = "/" + prefix
		}
		if !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		c.storagePath = prefix
		return nil
	}
}
