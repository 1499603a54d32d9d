// Package statsd emits orchestrator metrics over UDP using the StatsD line
// protocol with DogStatsD-style tags. Emission is fire-and-forget: a broken
// socket is logged at debug level and never fails the caller.
package statsd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Sink describes the minimal interface required to emit StatsD-style metrics.
type Sink interface {
	Count(name string, value int64, tags map[string]string)
	Gauge(name string, value float64, tags map[string]string)
	Timing(name string, value time.Duration, tags map[string]string)
}

const dialTimeout = 5 * time.Second

// Options configures a Client.
type Options struct {
	// Enabled gates dialing; a disabled client swallows every metric.
	Enabled bool
	// Address is the host:port of the StatsD endpoint.
	Address string
	// Prefix is prepended to every metric name, dot-separated.
	Prefix string
	// ConstantTags ride along on every metric. Per-call tags with the
	// same key win.
	ConstantTags map[string]string
	Logger       *slog.Logger
}

// Client emits metrics over UDP. Safe for concurrent use. A nil *Client is a
// valid no-op sink.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	enabled bool

	prefix   string
	constant map[string]string
	logger   *slog.Logger
}

var _ Sink = (*Client)(nil)

// NewClient dials the configured endpoint unless disabled. A disabled client
// is returned ready to use and drops everything.
func NewClient(opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		prefix:   escapeName(opts.Prefix),
		constant: sanitizeTags(opts.ConstantTags),
		logger:   logger,
	}

	address := strings.TrimSpace(opts.Address)
	if !opts.Enabled || address == "" {
		return c, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	conn, err := (&net.Dialer{}).DialContext(ctx, "udp", address)
	if err != nil {
		return nil, fmt.Errorf("statsd dial %s: %w", address, err)
	}
	c.conn = conn
	c.enabled = true

	return c, nil
}

// Enabled reports whether the client actively emits metrics.
func (c *Client) Enabled() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled && c.conn != nil
}

// Count increments a counter metric.
func (c *Client) Count(name string, value int64, tags map[string]string) {
	c.emit(name, strconv.FormatInt(value, 10), "c", tags)
}

// Gauge records the current value for a gauge metric.
func (c *Client) Gauge(name string, value float64, tags map[string]string) {
	c.emit(name, formatFloat(value), "g", tags)
}

// Timing records a timing metric in milliseconds.
func (c *Client) Timing(name string, value time.Duration, tags map[string]string) {
	ms := float64(value) / float64(time.Millisecond)
	c.emit(name, formatFloat(ms), "ms", tags)
}

// Close releases the underlying UDP connection if one was established.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.enabled = false
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) emit(name, value, kind string, tags map[string]string) {
	if c == nil {
		return
	}

	metric := c.qualify(name)
	if metric == "" {
		return
	}

	var b strings.Builder
	b.WriteString(metric)
	b.WriteByte(':')
	b.WriteString(value)
	b.WriteByte('|')
	b.WriteString(kind)
	writeTags(&b, c.constant, tags)

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled || c.conn == nil {
		return
	}
	if _, err := c.conn.Write([]byte(b.String())); err != nil {
		c.logger.Debug("statsd write failed", "error", err)
	}
}

// qualify joins the prefix and the escaped metric name with a single dot.
func (c *Client) qualify(name string) string {
	n := escapeName(name)
	switch {
	case n == "":
		return c.prefix
	case c.prefix == "":
		return n
	default:
		return c.prefix + "." + n
	}
}

// reservedMetricChars are the bytes with protocol meaning in a StatsD line.
// They are replaced with underscores so values like ISO timestamps or URL
// paths cannot corrupt the datagram.
const reservedMetricChars = ":|#,@ /\n"

// escapeName produces a protocol-safe metric segment: reserved bytes become
// underscores, repeated dots collapse, leading and trailing dots drop.
func escapeName(name string) string {
	n := replaceReserved(strings.TrimSpace(name))
	for strings.Contains(n, "..") {
		n = strings.ReplaceAll(n, "..", ".")
	}
	return strings.Trim(n, ".")
}

// escapeTagPart escapes a tag key or value. Dots are fine inside tags.
func escapeTagPart(s string) string {
	return replaceReserved(strings.TrimSpace(s))
}

func replaceReserved(s string) string {
	if !strings.ContainsAny(s, reservedMetricChars) {
		return s
	}
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(reservedMetricChars, r) {
			return '_'
		}
		return r
	}, s)
}

// sanitizeTags escapes keys and values and drops entries with empty keys.
func sanitizeTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		key := escapeTagPart(k)
		if key == "" {
			continue
		}
		out[key] = escapeTagPart(v)
	}
	return out
}

// writeTags renders the merged constant and per-call tags as a sorted
// DogStatsD suffix, "|#k:v,k:v".
func writeTags(b *strings.Builder, constant, local map[string]string) {
	merged := make(map[string]string, len(constant)+len(local))
	for k, v := range constant {
		merged[k] = v
	}
	for k, v := range sanitizeTags(local) {
		merged[k] = v
	}
	if len(merged) == 0 {
		return
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteString("|#")
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(merged[k])
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
