// Package config loads and validates the on-disk YAML configuration: one or
// more upstream proxies, each with an ordered rule list, decoded with
// gopkg.in/yaml.v3 and checked against validate.Interface before anything
// downstream ever sees it.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/validate"
	"gopkg.in/yaml.v3"

	"github.com/ndproxy/ndproxy/internal/ndaddr"
	"github.com/ndproxy/ndproxy/internal/proxy"
	"github.com/ndproxy/ndproxy/internal/rules"
	"github.com/ndproxy/ndproxy/internal/session"
)

// Config is the root of the on-disk configuration file.
type Config struct {
	// Proxies lists every upstream proxy, keyed by its upstream interface
	// name.  It must not be empty.
	Proxies map[string]*ProxyConfig `yaml:"proxies"`
}

// type check
var _ validate.Interface = (*Config)(nil)

// Validate implements the validate.Interface interface for *Config.
func (c *Config) Validate() (err error) {
	if c == nil {
		return errors.ErrNoValue
	}

	if len(c.Proxies) == 0 {
		return fmt.Errorf("proxies: %w", errors.ErrEmptyValue)
	}

	var errs []error
	for name, pc := range c.Proxies {
		errs = validate.Append(errs, fmt.Sprintf("proxies.%s", name), pc)
	}

	return errors.Join(errs...)
}

// ProxyConfig is the on-disk shape of one proxy.Config, plus the session
// timing parameters that apply to every session it creates.
type ProxyConfig struct {
	// Router sets the R flag on every NA the proxy emits.
	Router bool `yaml:"router"`

	// Promiscuous sets PROMISC instead of ALLMULTI for solicited-node
	// multicast capture.
	Promiscuous bool `yaml:"promiscuous"`

	// Rules is the ordered list of (prefix, mode) rules, evaluated
	// first-match-wins.
	Rules []*RuleConfig `yaml:"rules"`

	// InvalidTTL is how long an INVALID target suppresses repeat probes.
	InvalidTTL time.Duration `yaml:"invalid_ttl"`

	// ValidTTL is how long a VALID session persists before renewal or
	// expiry.
	ValidTTL time.Duration `yaml:"valid_ttl"`

	// Renew is how early before ValidTTL elapses RENEWING begins, when
	// Keepalive is set.
	Renew time.Duration `yaml:"renew"`

	// RetransLimit is the maximum number of downstream NS retries before a
	// CHECKING/RENEWING session gives up.
	RetransLimit int `yaml:"retrans_limit"`

	// RetransTime is the interval between downstream NS retries.
	RetransTime time.Duration `yaml:"retrans_time"`

	// Keepalive enables the VALID→RENEWING transition; without it, a VALID
	// session simply expires at ValidTTL.
	Keepalive bool `yaml:"keepalive"`
}

// type check
var _ validate.Interface = (*ProxyConfig)(nil)

// Validate implements the validate.Interface interface for *ProxyConfig.
func (pc *ProxyConfig) Validate() (err error) {
	if pc == nil {
		return errors.ErrNoValue
	}

	errs := []error{
		validate.NotNegative("invalid_ttl", pc.InvalidTTL),
		validate.NotNegative("valid_ttl", pc.ValidTTL),
		validate.NotNegative("renew", pc.Renew),
		validate.NotNegative("retrans_time", pc.RetransTime),
	}

	if pc.RetransLimit < 0 {
		errs = append(errs, fmt.Errorf("retrans_limit: %w", errors.ErrOutOfRange))
	}

	if len(pc.Rules) == 0 {
		errs = append(errs, fmt.Errorf("rules: %w", errors.ErrEmptyValue))
	}

	for i, rc := range pc.Rules {
		errs = validate.Append(errs, fmt.Sprintf("rules[%d]", i), rc)
	}

	return errors.Join(errs...)
}

// SessionConfig converts the timing fields into a session.Config.
func (pc *ProxyConfig) SessionConfig() (sc session.Config) {
	return session.Config{
		InvalidTTL:   pc.InvalidTTL,
		ValidTTL:     pc.ValidTTL,
		Renew:        pc.Renew,
		RetransLimit: pc.RetransLimit,
		RetransTime:  pc.RetransTime,
		Keepalive:    pc.Keepalive,
	}
}

// RuleConfig is the on-disk shape of one rules.Rule.
type RuleConfig struct {
	// Prefix is the network matched against solicited targets, in
	// CIDR notation.
	Prefix string `yaml:"prefix"`

	// Mode is one of "static", "auto" or "iface".
	Mode string `yaml:"mode"`

	// Iface is the downstream interface name.  Required when Mode is
	// "iface"; must be empty otherwise.
	Iface string `yaml:"iface"`

	// AutoVia enables gateway-address probing for "auto" rules whose
	// routing-table match is itself a via-route.  It is accepted on "iface"
	// rules but has no effect there.
	AutoVia bool `yaml:"autovia"`
}

// type check
var _ validate.Interface = (*RuleConfig)(nil)

// Validate implements the validate.Interface interface for *RuleConfig.
func (rc *RuleConfig) Validate() (err error) {
	if rc == nil {
		return errors.ErrNoValue
	}

	errs := []error{
		validate.NotEmpty("prefix", rc.Prefix),
	}

	if _, _, perr := parsePrefix(rc.Prefix); perr != nil {
		errs = append(errs, fmt.Errorf("prefix: %w", perr))
	}

	switch rc.Mode {
	case "static", "auto", "iface":
	case "":
		errs = append(errs, fmt.Errorf("mode: %w", errors.ErrEmptyValue))
	default:
		errs = append(errs, fmt.Errorf("mode %q: %w", rc.Mode, errors.ErrBadEnumValue))
	}

	if rc.Mode == "iface" && rc.Iface == "" {
		errs = append(errs, fmt.Errorf("iface: %w", errors.ErrEmptyValue))
	}
	if rc.Mode != "" && rc.Mode != "iface" && rc.Iface != "" {
		errs = append(errs, fmt.Errorf("iface set for mode %q: %w", rc.Mode, errors.ErrBadEnumValue))
	}

	return errors.Join(errs...)
}

// parsePrefix parses s with ndaddr.ParsePrefix for Validate, reporting ok
// alongside the error.
func parsePrefix(s string) (p ndaddr.Prefix, ok bool, err error) {
	p, err = ndaddr.ParsePrefix(s)

	return p, err == nil, err
}

// Rule converts rc into a *rules.Rule. rc must already have passed
// Validate.
func (rc *RuleConfig) Rule() (r *rules.Rule, err error) {
	prefix, err := ndaddr.ParsePrefix(rc.Prefix)
	if err != nil {
		return nil, fmt.Errorf("prefix: %w", err)
	}

	var mode rules.Mode
	switch rc.Mode {
	case "static":
		mode = rules.ModeStatic
	case "auto":
		mode = rules.ModeAuto
	case "iface":
		mode = rules.ModeIface
	default:
		return nil, fmt.Errorf("mode %q: %w", rc.Mode, errors.ErrBadEnumValue)
	}

	return &rules.Rule{
		Prefix:     prefix,
		Downstream: rc.Iface,
		Mode:       mode,
		AutoVia:    rc.AutoVia,
	}, nil
}

// ProxyConfigs converts every configured proxy into a proxy.Config, keyed by
// upstream interface name, ready to hand to proxy.New. c must already have
// passed Validate.
func (c *Config) ProxyConfigs() (out map[string]proxy.Config, err error) {
	out = make(map[string]proxy.Config, len(c.Proxies))

	for upstream, pc := range c.Proxies {
		ruleList := make([]*rules.Rule, 0, len(pc.Rules))
		for i, rc := range pc.Rules {
			var r *rules.Rule
			r, err = rc.Rule()
			if err != nil {
				return nil, fmt.Errorf("proxies.%s.rules[%d]: %w", upstream, i, err)
			}

			ruleList = append(ruleList, r)
		}

		out[upstream] = proxy.Config{
			Upstream:    upstream,
			Router:      pc.Router,
			Promiscuous: pc.Promiscuous,
			Rules:       rules.NewSet(ruleList...),
			Session:     pc.SessionConfig(),
		}
	}

	return out, nil
}

// Load reads and parses the YAML configuration file at path, returning it
// unvalidated; callers should call Validate before ProxyConfigs or any other
// use of the result, since ProxyConfigs does not validate.
func Load(path string) (c *Config, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	c = &Config{}
	if err = yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	return c, nil
}

// logAttrPath is the slog attribute key used for the configuration file
// path throughout this package's logging.
const logAttrPath = "path"

// logLoadError logs a failed reload attempt at warn level without
// interrupting whatever configuration is already running.
func logLoadError(l *slog.Logger, path string, err error) {
	l.Warn("reloading configuration", logAttrPath, path, slogutil.KeyError, err)
}
