package secure

import (
	"fmt"
	"strings"
)

// Accessibility is the protection class applied to every item a Storage
// writes. It decides under which device conditions the item can be read or
// written, and whether it may leave the device through backup or sync.
type Accessibility int

const (
	// WhenUnlocked items are usable only while the device is unlocked.
	WhenUnlocked Accessibility = iota
	// AfterFirstUnlock items are usable once the device has been unlocked
	// after boot, even if it has locked again since.
	AfterFirstUnlock
	// WhenUnlockedThisDeviceOnly is WhenUnlocked without sync or backup.
	WhenUnlockedThisDeviceOnly
	// AfterFirstUnlockThisDeviceOnly is AfterFirstUnlock without sync or
	// backup.
	AfterFirstUnlockThisDeviceOnly
	// WhenPasscodeSetThisDeviceOnly items require an unlocked device with a
	// passcode configured. They never leave the device.
	WhenPasscodeSetThisDeviceOnly
)

var accessibilityNames = map[Accessibility]string{
	WhenUnlocked:                   "when-unlocked",
	AfterFirstUnlock:               "after-first-unlock",
	WhenUnlockedThisDeviceOnly:     "when-unlocked-this-device-only",
	AfterFirstUnlockThisDeviceOnly: "after-first-unlock-this-device-only",
	WhenPasscodeSetThisDeviceOnly:  "when-passcode-set-this-device-only",
}

func (a Accessibility) String() string {
	if s, ok := accessibilityNames[a]; ok {
		return s
	}
	return fmt.Sprintf("accessibility(%d)", int(a))
}

// ParseAccessibility accepts the names produced by String. Underscores and
// case are ignored.
func ParseAccessibility(s string) (Accessibility, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	if norm == "" {
		return WhenUnlocked, nil
	}
	for a, name := range accessibilityNames {
		if name == norm {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown accessibility %q", s)
}

// Valid reports whether a is one of the defined levels.
func (a Accessibility) Valid() bool {
	_, ok := accessibilityNames[a]
	return ok
}

// ThisDeviceOnly reports whether items of this class are excluded from
// sync and backup.
func (a Accessibility) ThisDeviceOnly() bool {
	switch a {
	case WhenUnlockedThisDeviceOnly, AfterFirstUnlockThisDeviceOnly, WhenPasscodeSetThisDeviceOnly:
		return true
	default:
		return false
	}
}

// DeviceState is the lock state the keychain checks before touching an
// item.
type DeviceState struct {
	Unlocked          bool
	UnlockedSinceBoot bool
	PasscodeSet       bool
}

// Unlocked is the state of an unlocked device with a passcode. Every
// accessibility level allows access in it.
var Unlocked = DeviceState{Unlocked: true, UnlockedSinceBoot: true, PasscodeSet: true}

// Allows reports whether items of class a can be used in state.
func (a Accessibility) Allows(state DeviceState) bool {
	switch a {
	case WhenUnlocked, WhenUnlockedThisDeviceOnly:
		return state.Unlocked
	case AfterFirstUnlock, AfterFirstUnlockThisDeviceOnly:
		return state.Unlocked || state.UnlockedSinceBoot
	case WhenPasscodeSetThisDeviceOnly:
		return state.Unlocked && state.PasscodeSet
	default:
		return false
	}
}
