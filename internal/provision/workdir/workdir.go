// Package workdir manages per-VM directories on the host.
//
// Every directory carries a JSON record naming the process that created it.
// Sweep removes directories whose owner is no longer running, which is how
// sandboxes leaked by a crashed process are reclaimed.
package workdir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
)

// RecordFile is the name of the record inside each work directory.
const RecordFile = ".vmsandbox.json"

// ErrNoRecord is returned by Read for directories without a record.
var ErrNoRecord = errors.New("workdir: no record")

// Record describes the owner of a work directory.
type Record struct {
	ID        string            `json:"id" yaml:"id"`
	Resource  string            `json:"resource" yaml:"resource"`
	Driver    string            `json:"driver" yaml:"driver"`
	PID       int               `json:"pid" yaml:"pid"`
	Hostname  string            `json:"hostname" yaml:"hostname"`
	CreatedAt time.Time         `json:"created_at" yaml:"created_at"`
	Extra     map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// Create makes base/id and writes rec into it. PID, Hostname and CreatedAt
// are filled in when unset.
func Create(base, id string, rec Record) (string, error) {
	if id == "" || filepath.Base(id) != id {
		return "", fmt.Errorf("workdir: invalid id %q", id)
	}
	dir := filepath.Join(base, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("workdir: create %s: %w", dir, err)
	}

	rec.ID = id
	if rec.PID == 0 {
		rec.PID = os.Getpid()
	}
	if rec.Hostname == "" {
		rec.Hostname, _ = os.Hostname()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if err := Write(dir, rec); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return dir, nil
}

// Write replaces the record of dir.
func Write(dir string, rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("workdir: encode record: %w", err)
	}
	tmp := filepath.Join(dir, RecordFile+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("workdir: write record: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, RecordFile)); err != nil {
		return fmt.Errorf("workdir: write record: %w", err)
	}
	return nil
}

// Read loads the record of dir.
func Read(dir string) (Record, error) {
	var rec Record
	data, err := os.ReadFile(filepath.Join(dir, RecordFile))
	if errors.Is(err, os.ErrNotExist) {
		return rec, fmt.Errorf("%w in %s", ErrNoRecord, dir)
	}
	if err != nil {
		return rec, fmt.Errorf("workdir: read record: %w", err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("workdir: decode record in %s: %w", dir, err)
	}
	return rec, nil
}

// Remove deletes dir and everything in it. A missing dir is not an error.
func Remove(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("workdir: remove %s: %w", dir, err)
	}
	return nil
}

// Orphan is a work directory whose owner is gone.
type Orphan struct {
	Dir    string `json:"dir" yaml:"dir"`
	Record Record `json:"record" yaml:"record"`
}

// SweepOptions configures Sweep.
type SweepOptions struct {
	// DryRun reports orphans without removing them.
	DryRun bool

	// Cleanup runs before an orphan's directory is removed, for backends
	// that own resources outside the directory. An error keeps the directory.
	Cleanup func(ctx context.Context, o Orphan) error

	Log logr.Logger

	// alive overrides the process check in tests.
	alive func(pid int) bool
}

// Sweep removes the subdirectories of base whose owning process on this host
// has exited. Directories without a record, or owned by another host, are
// left alone. It returns the orphans found.
func Sweep(ctx context.Context, base string, opts SweepOptions) ([]Orphan, error) {
	log := opts.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	alive := opts.alive
	if alive == nil {
		alive = ProcessAlive
	}
	host, _ := os.Hostname()

	entries, err := os.ReadDir(base)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("workdir: sweep %s: %w", base, err)
	}

	var orphans []Orphan
	var errs []error
	for _, e := range entries {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(base, e.Name())
		rec, err := Read(dir)
		if err != nil {
			log.V(1).Info("skipping directory", "dir", dir, "reason", err.Error())
			continue
		}
		if rec.Hostname != host || rec.PID == os.Getpid() || alive(rec.PID) {
			continue
		}

		o := Orphan{Dir: dir, Record: rec}
		orphans = append(orphans, o)
		if opts.DryRun {
			continue
		}
		if opts.Cleanup != nil {
			if err := opts.Cleanup(ctx, o); err != nil {
				errs = append(errs, fmt.Errorf("workdir: clean up %s: %w", dir, err))
				continue
			}
		}
		if err := Remove(dir); err != nil {
			errs = append(errs, err)
			continue
		}
		log.Info("removed orphaned work directory", "dir", dir, "vm", rec.ID, "pid", rec.PID)
	}
	return orphans, errors.Join(errs...)
}
