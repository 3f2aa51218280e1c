// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sharding

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/ifrt/pkg/core/devices"
	"github.com/gomlx/ifrt/pkg/core/status"
	"github.com/gomlx/ifrt/pkg/support/sets"
	"github.com/gomlx/ifrt/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Mesh is a logical topology of devices: a grid with named axes.
//
// It is used with Spec to describe shardings per tensor axis, instead of the lower level ShardingParam.
type Mesh struct {
	axesNames  []string
	axesSizes  []int
	nameToAxis map[string]int
	numDevices int

	// logicalDeviceAssignment maps each mesh position (row-major over the mesh axes) to a position in the
	// device list the mesh is bound to. If nil, it is the identity.
	logicalDeviceAssignment []int
}

// IsNameValid checks whether a name is a valid identifier for a mesh axis name.
func IsNameValid(name string) bool {
	if name == "" {
		return false
	}
	if name[0] >= '0' && name[0] <= '9' {
		return false
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			continue
		}
		return false
	}
	return true
}

// NewMesh creates a new logical topology of devices.
//
//   - axesSizes: the number of devices along each mesh axis, one value per axis.
//   - axesNames: the names of the mesh axes, one value per axis. They must be valid identifiers.
//
// Example:
//
//	mesh, err := sharding.NewMesh([]int{2, 2}, []string{"data", "model"})
func NewMesh(axesSizes []int, axesNames []string) (*Mesh, error) {
	if len(axesSizes) != len(axesNames) {
		return nil, status.InvalidArgumentf("axesSizes and axesNames must have the same length, got %d and %d",
			len(axesSizes), len(axesNames))
	}
	if len(axesSizes) == 0 {
		return nil, status.InvalidArgumentf("Mesh axesSizes cannot be empty")
	}
	numDevices := 1
	nameToAxis := make(map[string]int, len(axesSizes))
	for i, name := range axesNames {
		if !IsNameValid(name) {
			return nil, status.InvalidArgumentf(
				"Mesh axis name %q at index %d is not a valid identifier, it must start with a ASCII letter "+
					"and be followed only by letters, numbers or underscore", name, i)
		}
		if _, found := nameToAxis[name]; found {
			return nil, status.InvalidArgumentf("Mesh axis name %q is duplicated", name)
		}
		if axesSizes[i] <= 0 {
			return nil, status.InvalidArgumentf("Mesh axis %q has invalid size %d", name, axesSizes[i])
		}
		nameToAxis[name] = i
		numDevices *= axesSizes[i]
	}
	return &Mesh{
		axesNames:  slices.Clone(axesNames),
		axesSizes:  slices.Clone(axesSizes),
		nameToAxis: nameToAxis,
		numDevices: numDevices,
	}, nil
}

// NumDevices returns the total number of devices in the mesh.
func (m *Mesh) NumDevices() int {
	return m.numDevices
}

// Rank returns the number of axes in the mesh.
func (m *Mesh) Rank() int {
	return len(m.axesSizes)
}

// AxesNames returns a copy of the mesh's axis names.
func (m *Mesh) AxesNames() []string {
	return slices.Clone(m.axesNames)
}

// AxesSizes returns a copy of the mesh's axesSizes.
func (m *Mesh) AxesSizes() []int {
	return slices.Clone(m.axesSizes)
}

// AxisSize returns the number of devices along the given mesh axis.
func (m *Mesh) AxisSize(axisName string) (int, error) {
	idx, found := m.nameToAxis[axisName]
	if !found {
		return 0, errors.Errorf("mesh axis %q not found", axisName)
	}
	return m.axesSizes[idx], nil
}

// String implements the fmt.Stringer interface.
func (m *Mesh) String() string {
	var sb strings.Builder
	sb.WriteString("Mesh(axesSizes={")
	for i, name := range m.axesNames {
		if i > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%s: %d", name, m.axesSizes[i])
	}
	sb.WriteString("})")
	return sb.String()
}

// SetLogicalDeviceAssignment sets which position of the bound device list each mesh position uses.
//
// The length of assignment must be equal to NumDevices(), and it must be a permutation of 0 to NumDevices()-1.
// An empty assignment resets it to the identity.
func (m *Mesh) SetLogicalDeviceAssignment(assignment ...int) error {
	if len(assignment) == 0 {
		m.logicalDeviceAssignment = nil
		return nil
	}
	if len(assignment) != m.numDevices {
		return status.InvalidArgumentf("device assignment must have %d elements, got %d", m.numDevices, len(assignment))
	}
	seen := sets.Make[int](m.numDevices)
	for _, device := range assignment {
		if device < 0 || device >= m.numDevices {
			return status.InvalidArgumentf("device assignment must be between 0 and %d (NumDevices()-1), got %d",
				m.numDevices-1, device)
		}
		if !seen.InsertNew(device) {
			return status.InvalidArgumentf("device #%d is duplicated in the device assignment", device)
		}
	}
	m.logicalDeviceAssignment = slices.Clone(assignment)
	return nil
}

// LogicalDeviceAssignment returns the device assignment, or nil if it is the identity.
func (m *Mesh) LogicalDeviceAssignment() []int {
	return slices.Clone(m.logicalDeviceAssignment)
}

// BindDevices returns the device list in mesh order: the i-th device is devs.At(LogicalDeviceAssignment()[i]).
func (m *Mesh) BindDevices(devs *devices.List) (*devices.List, error) {
	if devs.Len() != m.numDevices {
		return nil, status.InvalidArgumentf("%s requires %d devices, got %d devices %s", m, m.numDevices, devs.Len(), devs)
	}
	if m.logicalDeviceAssignment == nil {
		return devs, nil
	}
	return devices.NewList(xslices.Map(m.logicalDeviceAssignment, devs.At)...)
}
