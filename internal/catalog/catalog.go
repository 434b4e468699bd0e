// Package catalog seeds plans, upgrades and hypervisor hosts into the
// store from a YAML file and a set of built-in plans.
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ByeonDoHyeon06/vibehost/internal/store"
)

// File is the on-disk catalog layout.
type File struct {
	Plans    []store.PlanSpec    `yaml:"plans"`
	Upgrades []store.UpgradeSpec `yaml:"upgrades"`
	Hosts    []store.HostConfig  `yaml:"hosts"`
}

// DefaultPlans are seeded when the plan table is empty.
func DefaultPlans() []store.PlanSpec {
	return []store.PlanSpec{
		{
			Name: "basic", VCPU: 1, MemoryMB: 1024, DiskGB: 20,
			Location: "kr-central", DiskStorage: "local-lvm",
			Price: 5000, ExpireInDays: 30,
			Description: "1 vCPU / 1 GB RAM / 20 GB disk",
		},
		{
			Name: "pro", VCPU: 2, MemoryMB: 4096, DiskGB: 80,
			Location: "kr-central", DiskStorage: "local-lvm",
			Price: 12000, ExpireInDays: 30,
			Description: "2 vCPU / 4 GB RAM / 80 GB disk",
		},
	}
}

// Load reads and validates a catalog file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return f, nil
}

// Parse decodes catalog YAML. Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks that every entry is named and has sane resources.
func (f *File) Validate() error {
	var errs []error
	seen := map[string]bool{}
	for i, p := range f.Plans {
		switch {
		case strings.TrimSpace(p.Name) == "":
			errs = append(errs, fmt.Errorf("plans[%d]: name is required", i))
		case seen["plan/"+p.Name]:
			errs = append(errs, fmt.Errorf("plans[%d]: duplicate plan %q", i, p.Name))
		case p.VCPU <= 0 || p.MemoryMB <= 0 || p.DiskGB <= 0:
			errs = append(errs, fmt.Errorf("plan %q: vcpu, memory_mb and disk_gb must be positive", p.Name))
		case p.Location == "":
			errs = append(errs, fmt.Errorf("plan %q: location is required", p.Name))
		}
		seen["plan/"+p.Name] = true
	}
	for i, u := range f.Upgrades {
		if strings.TrimSpace(u.Name) == "" {
			errs = append(errs, fmt.Errorf("upgrades[%d]: name is required", i))
		}
	}
	for i, h := range f.Hosts {
		switch {
		case strings.TrimSpace(h.ID) == "":
			errs = append(errs, fmt.Errorf("hosts[%d]: id is required", i))
		case h.BaseURL == "":
			errs = append(errs, fmt.Errorf("host %q: base_url is required", h.ID))
		case h.Location == "":
			errs = append(errs, fmt.Errorf("host %q: location is required", h.ID))
		case h.TokenID == "" && h.Username == "":
			errs = append(errs, fmt.Errorf("host %q: token_id or username is required", h.ID))
		}
	}
	return errors.Join(errs...)
}

// Report counts what Seed wrote.
type Report struct {
	Plans    int
	Upgrades int
	Hosts    int
	Defaults bool
}

// Seed upserts every entry of f (which may be nil) and then installs the
// default plans if the plan table is still empty.
func Seed(ctx context.Context, st store.DataStore, f *File, logger *slog.Logger) (Report, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var rep Report
	if f != nil {
		for i := range f.Hosts {
			if err := st.UpsertHost(ctx, &f.Hosts[i]); err != nil {
				return rep, fmt.Errorf("seed host %s: %w", f.Hosts[i].ID, err)
			}
			rep.Hosts++
		}
		for i := range f.Plans {
			if err := st.UpsertPlan(ctx, &f.Plans[i]); err != nil {
				return rep, fmt.Errorf("seed plan %s: %w", f.Plans[i].Name, err)
			}
			rep.Plans++
		}
		for i := range f.Upgrades {
			if err := st.UpsertUpgrade(ctx, &f.Upgrades[i]); err != nil {
				return rep, fmt.Errorf("seed upgrade %s: %w", f.Upgrades[i].Name, err)
			}
			rep.Upgrades++
		}
	}

	plans, err := st.ListPlans(ctx)
	if err != nil {
		return rep, fmt.Errorf("list plans: %w", err)
	}
	if len(plans) == 0 {
		for _, p := range DefaultPlans() {
			if err := st.UpsertPlan(ctx, &p); err != nil {
				return rep, fmt.Errorf("seed default plan %s: %w", p.Name, err)
			}
			rep.Plans++
		}
		rep.Defaults = true
	}
	logger.Info("catalog seeded", "plans", rep.Plans, "upgrades", rep.Upgrades, "hosts", rep.Hosts, "defaults", rep.Defaults)
	return rep, nil
}
