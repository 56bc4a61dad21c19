// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

// Package hotswap replaces plugin code at runtime: update from a new
// artifact, reload in place, and rollback to an archived snapshot.
// Requests are serialized through a single worker so two swaps can
// never interleave.
package hotswap

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/samber/oops"
)

// Operation identifies a swap request kind.
type Operation string

const (
	OpUpdate   Operation = "update"
	OpReload   Operation = "reload"
	OpRollback Operation = "rollback"
)

// Strategy controls how running plugins are taken down around a swap.
type Strategy string

const (
	// StrategyGraceful stops dependents first, swaps, then restarts
	// them in reverse order.
	StrategyGraceful Strategy = "graceful"
	// StrategyImmediate swaps the target alone and leaves dependents
	// running against the new code.
	StrategyImmediate Strategy = "immediate"
)

var swapsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "plugforge_hotswaps_total",
	Help: "Hot-swap operations by kind and result.",
}, []string{"operation", "result"})

// Result reports the outcome of one swap request.
type Result struct {
	Operation         Operation
	PluginID          string
	Success           bool
	Duration          time.Duration
	BackupPath        string
	RollbackPerformed bool
	AffectedPlugins   []string
	Err               error
}

// Controller is the slice of the plugin registry the swap manager
// drives. The registry satisfies it; tests stub it.
type Controller interface {
	StopPlugin(ctx context.Context, pluginID string) error
	StartPlugin(ctx context.Context, pluginID string) error
	ReloadPlugin(ctx context.Context, pluginID string) error
	PluginDir(pluginID string) (string, error)
	PluginVersion(pluginID string) (string, error)
	Dependents(pluginID string) []string
}

type request struct {
	id          ulid.ULID
	op          Operation
	pluginID    string
	artifactDir string
	checksum    string // rollback target; empty means latest
	strategy    Strategy
	done        chan Result

	mu        sync.Mutex
	cancelled bool
}

func (r *request) cancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return false
	}
	r.cancelled = true
	return true
}

func (r *request) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// Manager executes swap requests one at a time.
type Manager struct {
	ctrl    Controller
	backups *BackupStore
	timeout time.Duration

	mu      sync.Mutex
	pending map[ulid.ULID]*request
	closed  bool

	queue chan *request
	wg    sync.WaitGroup
}

// NewManager starts the worker. timeout bounds each swap operation;
// zero means 30s.
func NewManager(ctrl Controller, backups *BackupStore, queueSize int, timeout time.Duration) *Manager {
	if queueSize <= 0 {
		queueSize = 16
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	m := &Manager{
		ctrl:    ctrl,
		backups: backups,
		timeout: timeout,
		pending: make(map[ulid.ULID]*request),
		queue:   make(chan *request, queueSize),
	}
	m.wg.Add(1)
	go m.work()
	return m
}

// Close drains nothing: queued requests are failed and the worker
// stops after its current request.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	close(m.queue)
	m.wg.Wait()
}

// Update swaps the plugin's directory contents with artifactDir,
// backing up first and rolling back automatically if the swap fails.
func (m *Manager) Update(ctx context.Context, pluginID, artifactDir string, strategy Strategy) Result {
	return m.submitAndWait(ctx, &request{
		op:          OpUpdate,
		pluginID:    pluginID,
		artifactDir: artifactDir,
		strategy:    strategy,
	})
}

// Reload restarts the plugin from its current on-disk code. The code
// is archived first; if the restart fails, the last known-good backup
// is restored and reloaded.
func (m *Manager) Reload(ctx context.Context, pluginID string, strategy Strategy) Result {
	return m.submitAndWait(ctx, &request{op: OpReload, pluginID: pluginID, strategy: strategy})
}

// Rollback restores the newest backup and reloads. The tree being
// overwritten is archived first.
func (m *Manager) Rollback(ctx context.Context, pluginID string) Result {
	return m.submitAndWait(ctx, &request{op: OpRollback, pluginID: pluginID, strategy: StrategyGraceful})
}

// RollbackTo restores the backup whose archive checksum matches
// checksum instead of the newest one.
func (m *Manager) RollbackTo(ctx context.Context, pluginID, checksum string) Result {
	return m.submitAndWait(ctx, &request{op: OpRollback, pluginID: pluginID, checksum: checksum, strategy: StrategyGraceful})
}

// EnqueueReload queues a reload without waiting, typically fed by the
// watcher. The returned id can cancel the request while it is still
// queued; the channel delivers the result.
func (m *Manager) EnqueueReload(pluginID string, strategy Strategy) (ulid.ULID, <-chan Result, error) {
	r := &request{op: OpReload, pluginID: pluginID, strategy: strategy}
	if err := m.submit(r); err != nil {
		return ulid.ULID{}, nil, err
	}
	return r.id, r.done, nil
}

// Cancel marks a queued request cancelled. Requests already executing
// cannot be cancelled; Cancel then returns false.
func (m *Manager) Cancel(id ulid.ULID) bool {
	m.mu.Lock()
	r, ok := m.pending[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return r.cancel()
}

func (m *Manager) submit(r *request) error {
	r.id = ulid.Make()
	r.done = make(chan Result, 1)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return oops.In("hotswap").Code("EXECUTION_FAILED").New("swap manager is closed")
	}
	m.pending[r.id] = r
	m.mu.Unlock()

	select {
	case m.queue <- r:
		return nil
	default:
		m.mu.Lock()
		delete(m.pending, r.id)
		m.mu.Unlock()
		return oops.In("hotswap").
			Code("EXECUTION_FAILED").
			With("plugin_id", r.pluginID).
			New("swap queue is full")
	}
}

func (m *Manager) submitAndWait(ctx context.Context, r *request) Result {
	if err := m.submit(r); err != nil {
		return Result{Operation: r.op, PluginID: r.pluginID, Err: err}
	}
	select {
	case res := <-r.done:
		return res
	case <-ctx.Done():
		r.cancel()
		return Result{Operation: r.op, PluginID: r.pluginID, Err: oops.In("hotswap").
			Code("EXECUTION_FAILED").
			With("plugin_id", r.pluginID).
			Wrap(ctx.Err())}
	}
}

func (m *Manager) work() {
	defer m.wg.Done()
	for r := range m.queue {
		m.mu.Lock()
		delete(m.pending, r.id)
		m.mu.Unlock()

		if r.isCancelled() {
			r.done <- Result{Operation: r.op, PluginID: r.pluginID, Err: oops.In("hotswap").
				Code("EXECUTION_FAILED").
				With("plugin_id", r.pluginID).
				New("request cancelled")}
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		res := m.execute(ctx, r)
		cancel()

		result := "success"
		if !res.Success {
			result = "failure"
		}
		swapsTotal.WithLabelValues(string(r.op), result).Inc()
		slog.Info("hot swap finished",
			"operation", r.op,
			"plugin_id", r.pluginID,
			"success", res.Success,
			"rollback", res.RollbackPerformed,
			"duration", res.Duration)

		r.done <- res
	}
}

func (m *Manager) execute(ctx context.Context, r *request) Result {
	start := time.Now()
	res := Result{Operation: r.op, PluginID: r.pluginID}

	switch r.op {
	case OpUpdate:
		res = m.doUpdate(ctx, r)
	case OpReload:
		res = m.doReload(ctx, r)
	case OpRollback:
		res = m.doRollback(ctx, r)
	default:
		res.Err = oops.In("hotswap").Code("VALIDATION_FAILED").With("operation", r.op).New("unknown swap operation")
	}

	res.Duration = time.Since(start)
	return res
}

// doUpdate: backup, take down, replace code, reload, bring dependents
// back. Any failure after the backup triggers an automatic rollback.
func (m *Manager) doUpdate(ctx context.Context, r *request) Result {
	res := Result{Operation: OpUpdate, PluginID: r.pluginID}

	backup, dir, err := m.snapshot(ctx, r.pluginID)
	if err != nil {
		res.Err = err
		return res
	}
	res.BackupPath = backup.Path

	dependents := m.takeDown(ctx, r)
	m.stopTarget(ctx, r.pluginID)

	swapErr := func() error {
		if err := replaceDirFrom(dir, r.artifactDir); err != nil {
			return err
		}
		return m.ctrl.ReloadPlugin(ctx, r.pluginID)
	}()

	if swapErr != nil {
		res.Err = swapErr
		m.rollbackAfterFailure(ctx, r.pluginID, backup, dir, &res)
		m.bringBack(ctx, dependents)
		return res
	}

	m.bringBack(ctx, dependents)
	res.Success = true
	res.AffectedPlugins = append([]string{r.pluginID}, dependents...)
	return res
}

// doReload archives the current tree, restarts the plugin from disk,
// and on failure restores the last backup that predates this reload
// (falling back to the entry snapshot when none exists).
func (m *Manager) doReload(ctx context.Context, r *request) Result {
	res := Result{Operation: OpReload, PluginID: r.pluginID}

	prev, hasPrev := m.backups.Latest(r.pluginID)
	backup, dir, err := m.snapshot(ctx, r.pluginID)
	if err != nil {
		res.Err = err
		return res
	}
	res.BackupPath = backup.Path

	dependents := m.takeDown(ctx, r)
	defer m.bringBack(ctx, dependents)

	if err := m.ctrl.ReloadPlugin(ctx, r.pluginID); err != nil {
		res.Err = err
		restore := backup
		if hasPrev {
			restore = prev
		}
		m.rollbackAfterFailure(ctx, r.pluginID, restore, dir, &res)
		return res
	}

	res.Success = true
	res.AffectedPlugins = append([]string{r.pluginID}, dependents...)
	return res
}

func (m *Manager) doRollback(ctx context.Context, r *request) Result {
	res := Result{Operation: OpRollback, PluginID: r.pluginID}

	// Resolve the target first: the snapshot below becomes the newest
	// record, and a latest-backup rollback must not restore itself.
	target, ok := m.selectBackup(r.pluginID, r.checksum)
	if !ok {
		res.Err = oops.In("hotswap").
			Code("DEPENDENCY_MISSING").
			With("plugin_id", r.pluginID).
			With("checksum", r.checksum).
			New("no matching backup")
		return res
	}

	_, dir, err := m.snapshot(ctx, r.pluginID)
	if err != nil {
		res.Err = err
		return res
	}

	dependents := m.takeDown(ctx, r)
	defer m.bringBack(ctx, dependents)

	if err := m.backups.Restore(ctx, target, dir); err != nil {
		res.Err = err
		return res
	}
	if err := m.ctrl.ReloadPlugin(ctx, r.pluginID); err != nil {
		res.Err = err
		return res
	}

	res.Success = true
	res.BackupPath = target.Path
	res.RollbackPerformed = true
	res.AffectedPlugins = append([]string{r.pluginID}, dependents...)
	return res
}

// snapshot archives the plugin's current directory under its running
// version and returns the record together with the directory.
func (m *Manager) snapshot(ctx context.Context, pluginID string) (BackupRecord, string, error) {
	dir, err := m.ctrl.PluginDir(pluginID)
	if err != nil {
		return BackupRecord{}, "", err
	}
	version, err := m.ctrl.PluginVersion(pluginID)
	if err != nil {
		return BackupRecord{}, "", err
	}
	backup, err := m.backups.Create(ctx, pluginID, version, dir)
	if err != nil {
		return BackupRecord{}, "", err
	}
	return backup, dir, nil
}

// selectBackup resolves a rollback target: the newest record when no
// checksum is given, otherwise the record with that checksum.
func (m *Manager) selectBackup(pluginID, checksum string) (BackupRecord, bool) {
	if checksum == "" {
		return m.backups.Latest(pluginID)
	}
	for _, rec := range m.backups.List(pluginID) {
		if rec.Checksum == checksum {
			return rec, true
		}
	}
	return BackupRecord{}, false
}

// takeDown stops dependents (graceful strategy only) and returns the
// list to restart afterwards, dependency-near first.
func (m *Manager) takeDown(ctx context.Context, r *request) []string {
	if r.strategy != StrategyGraceful {
		return nil
	}
	dependents := m.ctrl.Dependents(r.pluginID)
	for _, dep := range dependents {
		if err := m.ctrl.StopPlugin(ctx, dep); err != nil {
			slog.Warn("failed to stop dependent before swap",
				"plugin_id", dep, "target", r.pluginID, "error", err)
		}
	}
	return dependents
}

// stopTarget stops the plugin itself before its directory is mutated
// so no host is executing code out of the tree mid-replace. A plugin
// that is not running makes this a no-op; the reload that follows the
// swap brings it back.
func (m *Manager) stopTarget(ctx context.Context, pluginID string) {
	if err := m.ctrl.StopPlugin(ctx, pluginID); err != nil {
		slog.Debug("target not stopped before swap",
			"plugin_id", pluginID, "error", err)
	}
}

// bringBack restarts dependents in reverse stop order.
func (m *Manager) bringBack(ctx context.Context, dependents []string) {
	for i := len(dependents) - 1; i >= 0; i-- {
		if err := m.ctrl.StartPlugin(ctx, dependents[i]); err != nil {
			slog.Warn("failed to restart dependent after swap",
				"plugin_id", dependents[i], "error", err)
		}
	}
}

// rollbackAfterFailure restores backup into dir and reloads the old
// code. RollbackPerformed reports that the on-disk restore happened;
// the reload of the restored code may still fail independently.
func (m *Manager) rollbackAfterFailure(ctx context.Context, pluginID string, backup BackupRecord, dir string, res *Result) {
	if err := m.backups.Restore(ctx, backup, dir); err != nil {
		slog.Error("rollback restore failed; plugin directory may be inconsistent",
			"plugin_id", pluginID, "backup", backup.Path, "error", err)
		return
	}
	res.RollbackPerformed = true
	if err := m.ctrl.ReloadPlugin(ctx, pluginID); err != nil {
		slog.Error("rollback reload failed",
			"plugin_id", pluginID, "error", err)
	}
}

// replaceDirFrom swaps dstDir's contents with srcDir's.
func replaceDirFrom(dstDir, srcDir string) error {
	if _, err := os.Stat(srcDir); err != nil {
		return oops.In("hotswap").Code("IO_FAILED").With("artifact", srcDir).Wrap(err)
	}
	if err := os.RemoveAll(dstDir); err != nil {
		return oops.In("hotswap").Code("IO_FAILED").With("dst", dstDir).Wrap(err)
	}
	if err := copyTree(dstDir, srcDir); err != nil {
		return oops.In("hotswap").Code("IO_FAILED").With("dst", dstDir).With("src", srcDir).Wrap(err)
	}
	return nil
}

func copyTree(dstDir, srcDir string) error {
	return filepath.WalkDir(srcDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dstDir, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		src, err := os.Open(p)
		if err != nil {
			return err
		}
		defer src.Close()
		info, err := d.Info()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, src); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	})
}
