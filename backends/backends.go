// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the interface a device runtime needs to implement to hold the shards of arrays:
// the registry of devices and memories, and the transfer of buffers to/from them.
//
// Backends are registered by name (see Register) and created with New or NewWithConfig. The CPU backend
// in package github.com/gomlx/ifrt/backends/cpu registers itself as "cpu".
package backends

import (
	"os"
	"strings"

	"github.com/gomlx/ifrt/pkg/core/devices"
	"github.com/pkg/errors"
)

// Backend is the API that needs to be implemented by a device runtime.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "cpu".
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// ProcessIndex is the index of the local process. Devices of other processes are not addressable.
	ProcessIndex() int

	// Devices returns all the devices of the backend, across all processes, ordered by device id.
	Devices() []devices.Device

	// AddressableDevices returns the devices owned by the local process, ordered by device id.
	AddressableDevices() []devices.Device

	// DataInterface is the sub-interface that defines the API to transfer Buffer to/from devices.
	DataInterface

	// Go runs task asynchronously on the backend's transfer workers.
	//
	// The backend may run it inline if it is configured without parallelism.
	Go(task func())

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()

	// IsFinalized returns whether Finalize has been called.
	IsFinalized() bool
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a default constructor that takes as input a configuration string that is
// passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List returns the names of the registered backends.
func List() []string {
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	return names
}

// DefaultConfig is the name of the default backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// ConfigEnvVar is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "cpu") and
// "<backend_configuration>" is backend specific (e.g.: for cpu backend, "devices=4,processes=2").
const ConfigEnvVar = "IFRT_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment IFRT_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
func New() (Backend, error) {
	config, found := os.LookupEnv(ConfigEnvVar)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig takes a configurations string formated as "<backend_name>:<backend_configuration>".
//
// If "<backend_name>" is omitted (there is no ":"), the first registered backend is used, and config
// is passed as its configuration.
func NewWithConfig(config string) (Backend, error) {
	if len(registeredConstructors) == 0 {
		return nil, errors.Errorf(`no registered backends -- maybe import the CPU one with import _ "github.com/gomlx/ifrt/backends/cpu"?`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	} else if _, found := registeredConstructors[config]; found {
		backendName = config
		backendConfig = ""
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		return nil, errors.Errorf("can't find backend %q for configuration %q given", backendName, config)
	}
	backend, err := constructor(backendConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create backend %q with configuration %q", backendName, backendConfig)
	}
	return backend, nil
}
