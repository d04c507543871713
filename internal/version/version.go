/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package version provides version information and update checking.
package version

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Version is the current version of Grimnir Relay.
// This is set at build time via ldflags:
//
//	-X github.com/friendsincode/grimnir_relay/internal/version.Version=X.Y.Z
var Version = "0.4.0"

// GitHubRepo is the repository to check for updates
const GitHubRepo = "friendsincode/grimnir_relay"

// UpdateInfo contains information about available updates.
type UpdateInfo struct {
	CurrentVersion  string    `json:"current_version"`
	LatestVersion   string    `json:"latest_version,omitempty"`
	UpdateAvailable bool      `json:"update_available"`
	ReleaseURL      string    `json:"release_url,omitempty"`
	CheckedAt       time.Time `json:"checked_at,omitempty"`
}

// Checker periodically checks for updates.
type Checker struct {
	mu          sync.RWMutex
	info        UpdateInfo
	logger      zerolog.Logger
	checkPeriod time.Duration
	releasesURL string
	httpClient  *http.Client
	cancel      context.CancelFunc
}

type githubRelease struct {
	TagName string `json:"tag_name"`
	HTMLURL string `json:"html_url"`
}

// NewChecker creates a new update checker.
func NewChecker(logger zerolog.Logger) *Checker {
	return &Checker{
		logger:      logger.With().Str("component", "update-checker").Logger(),
		checkPeriod: 12 * time.Hour,
		releasesURL: fmt.Sprintf("https://api.github.com/repos/%s/releases/latest", GitHubRepo),
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		info:        UpdateInfo{CurrentVersion: Version},
	}
}

// Start checks once and then every check period until ctx is done or Stop.
func (c *Checker) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	go func() {
		c.check(ctx)

		ticker := time.NewTicker(c.checkPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.check(ctx)
			}
		}
	}()
}

// Stop stops the update checker.
func (c *Checker) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// Info returns the latest update information.
func (c *Checker) Info() UpdateInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

func (c *Checker) check(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.releasesURL, nil)
	if err != nil {
		c.logger.Debug().Err(err).Msg("failed to create request")
		return
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "Grimnir-Relay/"+Version)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Msg("failed to fetch releases")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Debug().Int("status", resp.StatusCode).Msg("unexpected status from GitHub")
		return
	}

	var release githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		c.logger.Debug().Err(err).Msg("failed to decode release")
		return
	}

	latest := strings.TrimPrefix(release.TagName, "v")
	info := UpdateInfo{
		CurrentVersion:  Version,
		LatestVersion:   latest,
		UpdateAvailable: compareVersions(Version, latest) < 0,
		ReleaseURL:      release.HTMLURL,
		CheckedAt:       time.Now(),
	}

	c.mu.Lock()
	c.info = info
	c.mu.Unlock()

	if info.UpdateAvailable {
		c.logger.Info().Str("current", Version).Str("latest", latest).Msg("new version available")
	}
}

// compareVersions compares two semver versions.
// Returns -1 if a < b, 0 if a == b, 1 if a > b
func compareVersions(a, b string) int {
	aParts, bParts := parseVersion(a), parseVersion(b)
	for i := range aParts {
		switch {
		case aParts[i] < bParts[i]:
			return -1
		case aParts[i] > bParts[i]:
			return 1
		}
	}
	return 0
}

// parseVersion parses "major.minor.patch", ignoring any pre-release suffix.
func parseVersion(v string) [3]int {
	v = strings.TrimPrefix(v, "v")
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		v = v[:i]
	}

	var result [3]int
	for i, part := range strings.SplitN(v, ".", 3) {
		fmt.Sscanf(part, "%d", &result[i])
	}
	return result
}
