package lifetime

import (
	"errors"
	"regexp"
	"time"
)

// MaxTTL is the hard ceiling applied to every session expiry.
const MaxTTL = 30 * 24 * time.Hour

// Config holds the lifetimes the policy chooses between. Zero-valued
// Bot, BotFirst, and First lifetimes disable the corresponding rule.
type Config struct {
	Lifetime         time.Duration
	MinLifetime      time.Duration
	MaxLifetime      time.Duration
	BotLifetime      time.Duration
	BotFirstLifetime time.Duration
	FirstLifetime    time.Duration
}

// Classification is supplied by the host for each request.
type Classification struct {
	Bot bool
	New bool
}

// Policy maps a [Classification] to a record TTL.
type Policy struct {
	cfg Config
}

// New returns a [Policy]. It rejects negative durations and an inverted
// min/max range.
func New(cfg Config) (*Policy, error) {
	if cfg.Lifetime < 0 || cfg.MinLifetime < 0 || cfg.MaxLifetime < 0 ||
		cfg.BotLifetime < 0 || cfg.BotFirstLifetime < 0 || cfg.FirstLifetime < 0 {
		return nil, errors.New("lifetimes must be >= 0")
	}
	if cfg.MaxLifetime > 0 && cfg.MinLifetime > cfg.MaxLifetime {
		return nil, errors.New("MinLifetime must be <= MaxLifetime")
	}
	return &Policy{cfg: cfg}, nil
}

// TTL returns the expiry to apply for c, clamped to
// [MinLifetime, MaxLifetime] and never above [MaxTTL].
func (p *Policy) TTL(c Classification) time.Duration {
	var ttl time.Duration
	switch {
	case c.Bot && c.New && p.cfg.BotFirstLifetime > 0:
		ttl = p.cfg.BotFirstLifetime
	case c.Bot && p.cfg.BotLifetime > 0:
		ttl = p.cfg.BotLifetime
	case c.New && p.cfg.FirstLifetime > 0:
		ttl = p.cfg.FirstLifetime
	default:
		ttl = p.cfg.Lifetime
	}
	return p.clamp(ttl)
}

func (p *Policy) clamp(ttl time.Duration) time.Duration {
	if ttl < p.cfg.MinLifetime {
		ttl = p.cfg.MinLifetime
	}
	if p.cfg.MaxLifetime > 0 && ttl > p.cfg.MaxLifetime {
		ttl = p.cfg.MaxLifetime
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

var botPattern = regexp.MustCompile(`(?i)^alexa|^blitz\.io|bot|^browsermob|crawl|^curl|^facebookexternalhit|feed|google web preview|^ia_archiver|indexer|^java|jakarta|^libwww-perl|^load impact|^magespeedtest|monitor|^Mozilla$|nagios|^\.net|^pinterest|postrank|slurp|spider|uptime|^wget|yandex`)

// IsBot reports whether userAgent looks like automated traffic. An empty
// user agent counts as a bot.
func IsBot(userAgent string) bool {
	if userAgent == "" {
		return true
	}
	return botPattern.MatchString(userAgent)
}
