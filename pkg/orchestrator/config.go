package orchestrator

import (
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/solarsync/pkg/archive"
	"github.com/raterudder/solarsync/pkg/audit"
	"github.com/raterudder/solarsync/pkg/provider"
	"github.com/raterudder/solarsync/pkg/secrets"
	"github.com/raterudder/solarsync/pkg/storage"
)

// Configured returns an Orchestrator whose metrics zone is set from flags.
func Configured(registry *provider.Registry, db storage.Database, box *secrets.Box, trail archive.Trail, sink audit.Sink) *Orchestrator {
	o := New(registry, db, box, trail, sink)
	tz := lflag.String("metrics-timezone", "UTC", "IANA zone used to pick the date of daily metrics")

	lflag.Do(func() {
		loc, err := time.LoadLocation(*tz)
		if err != nil {
			panic(fmt.Sprintf("invalid --metrics-timezone: %v", err))
		}
		o.location = loc
	})

	return o
}
