// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package command

import (
	"fmt"
	"strings"
)

// LockType is the strength of a lock. The numeric order is the
// precedence order: a higher value wins.
type LockType int

const (
	LockSoft LockType = iota + 1
	LockHard
	LockPermanent
)

func (t LockType) String() string {
	switch t {
	case LockSoft:
		return "Soft"
	case LockHard:
		return "Hard"
	case LockPermanent:
		return "Permanent"
	default:
		return fmt.Sprintf("LockType(%d)", int(t))
	}
}

// ParseLockType accepts "Soft", "Hard", or "Permanent" in any case.
func ParseLockType(value string) (LockType, error) {
	switch strings.ToLower(value) {
	case "soft":
		return LockSoft, nil
	case "hard":
		return LockHard, nil
	case "permanent":
		return LockPermanent, nil
	default:
		return 0, fmt.Errorf("unknown lock type %q", value)
	}
}

// Parameter keys used on the wire.
const (
	ParamLockType = "lockType"
	ParamMessage  = "message"
	ParamURL      = "url"
	ParamChecksum = "checksum"

	// ParamReason is optional on lock commands and is shown on the
	// lock overlay.
	ParamReason = "reason"

	// ParamLockUntil is optional on LockDevice: Unix seconds after which
	// the resulting lock expires on its own.
	ParamLockUntil = "lockUntil"
)

// Kind is the closed set of command variants.
type Kind interface {
	// Name is the wire name, e.g. "LockDevice".
	Name() string

	// Parameters returns the wire parameters that reconstruct this
	// kind through ParseKind.
	Parameters() map[string]string

	kind()
}

// LockDevice applies a Soft or Hard lock. Permanent locks use
// PermanentLock.
type LockDevice struct {
	LockType LockType
}

// UnlockDevice clears Soft and Hard locks. It cannot clear a Permanent
// lock.
type UnlockDevice struct{}

// AdminOverrideUnlock clears every lock, including Permanent.
type AdminOverrideUnlock struct{}

// DowngradeLock replaces a Hard lock with a Soft one. It is always
// recorded as an anomaly.
type DowngradeLock struct {
	LockType LockType
}

// Warn shows a message without locking.
type Warn struct {
	Message string
}

// PermanentLock applies the strongest lock.
type PermanentLock struct{}

// WipeData factory-resets the device.
type WipeData struct{}

// UpdateApp installs an application update.
type UpdateApp struct {
	URL      string
	Checksum string
}

// RebootDevice restarts the device.
type RebootDevice struct{}

func (LockDevice) Name() string { return "LockDevice" }
func (UnlockDevice) Name() string { return "UnlockDevice" }
func (AdminOverrideUnlock) Name() string { return "AdminOverrideUnlock" }
func (DowngradeLock) Name() string { return "DowngradeLock" }
func (Warn) Name() string { return "Warn" }
func (PermanentLock) Name() string { return "PermanentLock" }
func (WipeData) Name() string { return "WipeData" }
func (UpdateApp) Name() string { return "UpdateApp" }
func (RebootDevice) Name() string { return "RebootDevice" }

func (k LockDevice) Parameters() map[string]string {
	return map[string]string{ParamLockType: k.LockType.String()}
}
func (UnlockDevice) Parameters() map[string]string { return map[string]string{} }
func (AdminOverrideUnlock) Parameters() map[string]string { return map[string]string{} }
func (k DowngradeLock) Parameters() map[string]string {
	return map[string]string{ParamLockType: k.LockType.String()}
}
func (k Warn) Parameters() map[string]string {
	return map[string]string{ParamMessage: k.Message}
}
func (PermanentLock) Parameters() map[string]string { return map[string]string{} }
func (WipeData) Parameters() map[string]string { return map[string]string{} }
func (k UpdateApp) Parameters() map[string]string {
	return map[string]string{ParamURL: k.URL, ParamChecksum: k.Checksum}
}
func (RebootDevice) Parameters() map[string]string { return map[string]string{} }

func (LockDevice) kind() {}
func (UnlockDevice) kind() {}
func (AdminOverrideUnlock) kind() {}
func (DowngradeLock) kind() {}
func (Warn) kind() {}
func (PermanentLock) kind() {}
func (WipeData) kind() {}
func (UpdateApp) kind() {}
func (RebootDevice) kind() {}

// ParseKind builds a Kind from its wire name and parameters. Extra
// parameters are ignored here; they are still covered by the signature.
func ParseKind(name string, parameters map[string]string) (Kind, error) {
	switch name {
	case "LockDevice":
		lockType, err := requireLockType(name, parameters)
		if err != nil {
			return nil, err
		}
		if lockType == LockPermanent {
			return nil, fmt.Errorf("LockDevice cannot request a Permanent lock; use PermanentLock")
		}
		return LockDevice{LockType: lockType}, nil

	case "UnlockDevice":
		return UnlockDevice{}, nil

	case "AdminOverrideUnlock":
		return AdminOverrideUnlock{}, nil

	case "DowngradeLock":
		lockType, err := requireLockType(name, parameters)
		if err != nil {
			return nil, err
		}
		if lockType != LockSoft {
			return nil, fmt.Errorf("DowngradeLock target must be Soft, got %s", lockType)
		}
		return DowngradeLock{LockType: lockType}, nil

	case "Warn":
		message, err := requireParameter(name, parameters, ParamMessage)
		if err != nil {
			return nil, err
		}
		return Warn{Message: message}, nil

	case "PermanentLock":
		return PermanentLock{}, nil

	case "WipeData":
		return WipeData{}, nil

	case "UpdateApp":
		url, err := requireParameter(name, parameters, ParamURL)
		if err != nil {
			return nil, err
		}
		checksum, err := requireParameter(name, parameters, ParamChecksum)
		if err != nil {
			return nil, err
		}
		return UpdateApp{URL: url, Checksum: checksum}, nil

	case "RebootDevice":
		return RebootDevice{}, nil

	case "":
		return nil, fmt.Errorf("command kind is empty")

	default:
		return nil, fmt.Errorf("unknown command kind %q", name)
	}
}

func requireParameter(kind string, parameters map[string]string, key string) (string, error) {
	value := parameters[key]
	if value == "" {
		return "", fmt.Errorf("%s requires parameter %q", kind, key)
	}
	return value, nil
}

func requireLockType(kind string, parameters map[string]string) (LockType, error) {
	value, err := requireParameter(kind, parameters, ParamLockType)
	if err != nil {
		return 0, err
	}
	return ParseLockType(value)
}
