package storage

import (
	"time"
)

// BlocklistMode selects between enforcing and observe-only blocklists.
type BlocklistMode string

const (
	ModeActive BlocklistMode = "ACTIVE"
	ModeShadow BlocklistMode = "SHADOW"
)

// Blocklist is a remote hostlist registration. The blocklist owns every rule
// whose category is "Blocklist:<id>".
type Blocklist struct {
	ID            int64         `json:"id"`
	Name          string        `json:"name"`
	URL           string        `json:"url"`
	Enabled       bool          `json:"enabled"`
	Mode          BlocklistMode `json:"mode"`
	LastUpdatedAt *time.Time    `json:"lastUpdatedAt,omitempty"`
	LastError     string        `json:"lastError,omitempty"`
	LastRuleCount int64         `json:"lastRuleCount"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// ClientProfile describes a device or subnet and its policy knobs.
type ClientProfile struct {
	Type                string     `json:"type"` // laptop, smartphone, tv, game, iot, tablet, subnet
	Name                string     `json:"name,omitempty"`
	IP                  string     `json:"ip,omitempty"`
	CIDR                string     `json:"cidr,omitempty"`
	IsInternetPaused    bool       `json:"isInternetPaused"`
	UseGlobalSettings   bool       `json:"useGlobalSettings"`
	UseGlobalCategories bool       `json:"useGlobalCategories"`
	UseGlobalApps       bool       `json:"useGlobalApps"`
	AssignedBlocklists  []int64    `json:"assignedBlocklists,omitempty"`
	BlockedCategories   []string   `json:"blockedCategories,omitempty"`
	BlockedApps         []string   `json:"blockedApps,omitempty"`
	Schedules           []Schedule `json:"schedules,omitempty"`
}

// Client is a stored client or subnet profile.
type Client struct {
	ID        int64         `json:"id"`
	Profile   ClientProfile `json:"profile"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// Schedule is a recurring time window with its own blocking policy.
// StartTime/EndTime are "HH:MM"; a window whose start is after its end wraps
// midnight.
type Schedule struct {
	ID                string   `json:"id"`
	Days              []string `json:"days"` // Mon..Sun three-letter names
	StartTime         string   `json:"startTime"`
	EndTime           string   `json:"endTime"`
	Active            bool     `json:"active"`
	Mode              string   `json:"mode"` // sleep, custom
	BlockAll          bool     `json:"blockAll,omitempty"`
	BlockedCategories []string `json:"blockedCategories,omitempty"`
	BlockedApps       []string `json:"blockedApps,omitempty"`
}

// Decision statuses recorded in the query log.
const (
	StatusPermitted     = "PERMITTED"
	StatusBlocked       = "BLOCKED"
	StatusShadowBlocked = "SHADOW_BLOCKED"
	StatusCached        = "CACHED"
)

// LogEntry is one resolved query.
type LogEntry struct {
	ID               int64     `json:"id,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
	Domain           string    `json:"domain"`
	Type             string    `json:"type"`
	Client           string    `json:"client,omitempty"`
	ClientIP         string    `json:"clientIp"`
	Status           string    `json:"status"`
	DurationMs       float64   `json:"durationMs"`
	AnswerIPs        []string  `json:"answerIps,omitempty"`
	BlocklistID      string    `json:"blocklistId,omitempty"`
	ProtectionPaused bool      `json:"protectionPaused,omitempty"`
}

// LogFilter selects query log entries.
type LogFilter struct {
	Domain string
	Status string
	Hours  int
	Limit  int
}

// LogTotals is the headline aggregation over a window.
type LogTotals struct {
	Total         int64   `json:"total"`
	Blocked       int64   `json:"blocked"`
	ShadowBlocked int64   `json:"shadowBlocked"`
	Cached        int64   `json:"cached"`
	UniqueClients int64   `json:"uniqueClients"`
	AvgDurationMs float64 `json:"avgDurationMs"`
}

// DomainCount is one row of a top-domains aggregation.
type DomainCount struct {
	Domain string `json:"domain"`
	Count  int64  `json:"count"`
}

// ClientActivity summarizes one client's traffic.
type ClientActivity struct {
	ClientIP string    `json:"clientIp"`
	Total    int64     `json:"total"`
	Blocked  int64     `json:"blocked"`
	LastSeen time.Time `json:"lastSeen"`
}

// TimeBucket is a five-minute aggregation bucket.
type TimeBucket struct {
	Start   time.Time `json:"start"`
	Total   int64     `json:"total"`
	Blocked int64     `json:"blocked"`
	Cached  int64     `json:"cached"`
}
