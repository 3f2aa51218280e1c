// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cpu implements a backend whose devices live in host memory.
//
// It simulates a multi-process topology: the devices are split among a configurable number of processes,
// and only the devices of the local process are addressable. Each device exposes the memory kinds
// "device" (default) and "pinned_host", or the ones given in the configuration.
//
// Configuration (comma separated, e.g. "cpu:devices=4,processes=2"):
//
//   - devices=<n>: devices per process (default 2).
//   - processes=<n>: number of simulated processes (default 1).
//   - process=<i>: index of the local process (default 0).
//   - parallelism=<n>: transfer workers; 0 runs transfers synchronously, -1 is unlimited (default runtime.NumCPU()).
//   - memories=<kind>|<kind>...: memory kinds of each device, the first is the default.
//   - zerocopy=<bool>: whether host data can be aliased by buffers (default true).
package cpu

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/ifrt/backends"
	"github.com/gomlx/ifrt/internal/workerspool"
	"github.com/gomlx/ifrt/pkg/core/devices"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName to be used in IFRT_BACKEND to specify this backend.
const BackendName = "cpu"

// DeviceKind is the kind of all devices of this backend.
const DeviceKind = "cpu"

// Default memory kinds.
const (
	DeviceMemory     devices.MemoryKind = "device"
	PinnedHostMemory devices.MemoryKind = "pinned_host"
)

// Registers New() as the constructor for the "cpu" backend.
func init() {
	backends.Register(BackendName, New)
}

// Config of the CPU backend. See package documentation for the string form.
type Config struct {
	DevicesPerProcess int
	NumProcesses      int
	ProcessIndex      int
	Parallelism       int
	MemoryKinds       []devices.MemoryKind
	SharedBuffers     bool
}

// DefaultConfig returns the configuration used for an empty configuration string.
func DefaultConfig() Config {
	return Config{
		DevicesPerProcess: 2,
		NumProcesses:      1,
		Parallelism:       runtime.NumCPU(),
		MemoryKinds:       []devices.MemoryKind{DeviceMemory, PinnedHostMemory},
		SharedBuffers:     true,
	}
}

// ParseConfig parses the configuration string, starting from DefaultConfig.
func ParseConfig(config string) (Config, error) {
	cfg := DefaultConfig()
	if config == "" {
		return cfg, nil
	}
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return cfg, errors.Errorf("invalid configuration option %q for %q backend, expected <key>=<value>", part, BackendName)
		}
		var err error
		switch key {
		case "devices":
			cfg.DevicesPerProcess, err = strconv.Atoi(value)
		case "processes":
			cfg.NumProcesses, err = strconv.Atoi(value)
		case "process":
			cfg.ProcessIndex, err = strconv.Atoi(value)
		case "parallelism":
			cfg.Parallelism, err = strconv.Atoi(value)
		case "zerocopy":
			cfg.SharedBuffers, err = strconv.ParseBool(value)
		case "memories":
			cfg.MemoryKinds = nil
			for _, kind := range strings.Split(value, "|") {
				cfg.MemoryKinds = append(cfg.MemoryKinds, devices.MemoryKind(kind))
			}
		default:
			return cfg, errors.Errorf("unknown configuration option %q for %q backend", key, BackendName)
		}
		if err != nil {
			return cfg, errors.Wrapf(err, "failed to parse configuration option %q for %q backend", part, BackendName)
		}
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	if cfg.DevicesPerProcess <= 0 {
		return errors.Errorf("%q backend requires devices > 0, got %d", BackendName, cfg.DevicesPerProcess)
	}
	if cfg.NumProcesses <= 0 {
		return errors.Errorf("%q backend requires processes > 0, got %d", BackendName, cfg.NumProcesses)
	}
	if cfg.ProcessIndex < 0 || cfg.ProcessIndex >= cfg.NumProcesses {
		return errors.Errorf("%q backend process index %d out of range [0, %d)", BackendName, cfg.ProcessIndex, cfg.NumProcesses)
	}
	if len(cfg.MemoryKinds) == 0 {
		return errors.Errorf("%q backend requires at least one memory kind", BackendName)
	}
	for _, kind := range cfg.MemoryKinds {
		if kind == devices.DefaultMemoryKind {
			return errors.Errorf("%q backend memory kinds cannot be empty", BackendName)
		}
	}
	return nil
}

// New constructs a new CPU Backend from a configuration string.
func New(config string) (backends.Backend, error) {
	cfg, err := ParseConfig(config)
	if err != nil {
		return nil, err
	}
	return NewWithConfig(cfg)
}

// NewWithConfig constructs a new CPU Backend.
func NewWithConfig(cfg Config) (*Backend, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	b := &Backend{
		id:      uuid.New(),
		config:  cfg,
		workers: workerspool.New(),
	}
	b.workers.SetMaxParallelism(cfg.Parallelism)
	numDevices := cfg.DevicesPerProcess * cfg.NumProcesses
	b.devices = make([]devices.Device, 0, numDevices)
	for id := range numDevices {
		device := &Device{
			backend: b,
			id:      devices.ID(id),
			process: id / cfg.DevicesPerProcess,
		}
		for kindIdx, kind := range cfg.MemoryKinds {
			device.memories = append(device.memories, &Memory{
				id:   id*len(cfg.MemoryKinds) + kindIdx,
				kind: kind,
			})
		}
		b.devices = append(b.devices, device)
		if device.IsAddressable() {
			b.addressable = append(b.addressable, device)
		}
	}
	klog.V(1).Infof("created %s", b.Description())
	return b, nil
}

// Backend implements the backends.Backend interface.
type Backend struct {
	id          uuid.UUID
	config      Config
	devices     []devices.Device
	addressable []devices.Device

	// bufferPools are a map to pools of buffers that can be reused.
	// The underlying type is map[bufferPoolKey]*sync.Pool.
	bufferPools sync.Map

	workers *workerspool.Pool

	liveBuffers, liveBytes atomic.Int64

	muFailure       sync.Mutex
	transferFailure error

	isFinalized atomic.Bool
}

// Compile-time check that cpu.Backend implements backends.Backend.
var _ backends.Backend = (*Backend)(nil)

// Name returns the short name of the backend.
func (b *Backend) Name() string {
	return BackendName
}

// String implements fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	return fmt.Sprintf("CPU backend %s: %d devices (%d addressable), %d processes, local process %d",
		b.id, len(b.devices), len(b.addressable), b.config.NumProcesses, b.config.ProcessIndex)
}

// Config returns the configuration of the backend.
func (b *Backend) Config() Config { return b.config }

// ProcessIndex implements backends.Backend.
func (b *Backend) ProcessIndex() int { return b.config.ProcessIndex }

// Devices implements backends.Backend.
func (b *Backend) Devices() []devices.Device {
	return append([]devices.Device(nil), b.devices...)
}

// AddressableDevices implements backends.Backend.
func (b *Backend) AddressableDevices() []devices.Device {
	return append([]devices.Device(nil), b.addressable...)
}

// Go runs task on the transfer workers. With parallelism 0 it runs inline.
func (b *Backend) Go(task func()) {
	b.workers.WaitToStart(task)
}

// LiveBuffers returns the number of buffers allocated and not yet finalized.
func (b *Backend) LiveBuffers() int {
	return int(b.liveBuffers.Load())
}

// LiveBytes returns the memory held by live buffers of fixed-size dtypes.
func (b *Backend) LiveBytes() int64 {
	return b.liveBytes.Load()
}

// SetTransferFailure makes all following host-to-device transfers fail with err, until it is called with nil.
//
// It is used to test the propagation of transfer errors.
func (b *Backend) SetTransferFailure(err error) {
	b.muFailure.Lock()
	defer b.muFailure.Unlock()
	b.transferFailure = err
}

func (b *Backend) getTransferFailure() error {
	b.muFailure.Lock()
	defer b.muFailure.Unlock()
	return b.transferFailure
}

// Finalize releases all the associated resources immediately, and makes the backend invalid.
func (b *Backend) Finalize() {
	if !b.isFinalized.CompareAndSwap(false, true) {
		return
	}
	if live := b.liveBuffers.Load(); live > 0 {
		klog.Warningf("%s finalized with %d live buffers (%s)", b.id, live, humanize.Bytes(uint64(b.liveBytes.Load())))
	}
	b.bufferPools.Clear()
}

// IsFinalized implements backends.Backend.
func (b *Backend) IsFinalized() bool {
	return b.isFinalized.Load()
}

func (b *Backend) checkOk() error {
	if b.isFinalized.Load() {
		return errors.Errorf("backend %q has already been finalized", BackendName)
	}
	return nil
}
