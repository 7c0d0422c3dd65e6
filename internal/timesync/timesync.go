// Package timesync tracks the offset of the local clock against an NTP
// server and the configured display timezone.
package timesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/beevik/ntp"
	"k8s.io/utils/clock"
)

const queryTimeout = 5 * time.Second

// ErrUnknownTimezone is returned for names missing from the tz database.
var ErrUnknownTimezone = errors.New("timesync: unknown timezone")

// QueryFunc matches ntp.QueryWithOptions.
type QueryFunc func(host string, opt ntp.QueryOptions) (*ntp.Response, error)

// Status is a read-only view for the dashboard.
type Status struct {
	Server   string        `json:"server"`
	Synced   bool          `json:"synced"`
	LastSync time.Time     `json:"last_sync,omitempty"`
	Offset   time.Duration `json:"offset_ns"`
	Timezone string        `json:"timezone"`
}

// Syncer is owned by the gateway run loop and not safe for concurrent use.
type Syncer struct {
	server string
	query  QueryFunc
	clock  clock.PassiveClock
	logger *slog.Logger

	offset   time.Duration
	lastSync time.Time
	synced   bool
	tz       string
	loc      *time.Location
}

// New returns a Syncer. An unknown timezone falls back to UTC.
func New(server, timezone string, clk clock.PassiveClock, logger *slog.Logger) *Syncer {
	s := &Syncer{
		server: server,
		query:  ntp.QueryWithOptions,
		clock:  clk,
		logger: logger.With("component", "timesync"),
		tz:     "UTC",
		loc:    time.UTC,
	}
	if err := s.SetTimezone(timezone); err != nil {
		s.logger.Warn("invalid timezone, using UTC", "timezone", timezone, "err", err)
	}
	return s
}

// SetQuery replaces the NTP query function.
func (s *Syncer) SetQuery(q QueryFunc) { s.query = q }

// Sync queries the server once and records the clock offset.
func (s *Syncer) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	resp, err := s.query(s.server, ntp.QueryOptions{Timeout: queryTimeout})
	if err != nil {
		s.logger.Warn("ntp query failed", "server", s.server, "err", err)
		return fmt.Errorf("query %s: %w", s.server, err)
	}
	if err := resp.Validate(); err != nil {
		s.logger.Warn("ntp response rejected", "server", s.server, "err", err)
		return fmt.Errorf("validate %s: %w", s.server, err)
	}

	s.offset = resp.ClockOffset
	s.lastSync = s.clock.Now()
	s.synced = true
	s.logger.Info("time synced", "server", s.server, "offset", s.offset, "stratum", resp.Stratum)
	return nil
}

// SetTimezone switches the display timezone to an IANA name.
func (s *Syncer) SetTimezone(name string) error {
	if name == "" {
		name = "UTC"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return fmt.Errorf("%w %q: %v", ErrUnknownTimezone, name, err)
	}
	s.tz = name
	s.loc = loc
	return nil
}

// Location returns the display timezone.
func (s *Syncer) Location() *time.Location { return s.loc }

// Now returns the corrected time in the display timezone.
func (s *Syncer) Now() time.Time {
	return s.clock.Now().Add(s.offset).In(s.loc)
}

func (s *Syncer) Status() Status {
	return Status{
		Server:   s.server,
		Synced:   s.synced,
		LastSync: s.lastSync,
		Offset:   s.offset,
		Timezone: s.tz,
	}
}
