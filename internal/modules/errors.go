package modules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/wolfeidau/remotebuild/internal/i18n"
)

// ErrUnknownModule indicates no factory is registered for a locator
var ErrUnknownModule = errors.New("no module registered for locator")

// ModuleLoadError reports a module that could not be created.
type ModuleLoadError struct {
	Module  string
	Locator string
	Err     error
}

func (e *ModuleLoadError) Error() string {
	return e.Localize(i18n.DefaultLang)
}

func (e *ModuleLoadError) Localize(lang string) string {
	return i18n.Sprintf(lang, i18n.ModuleLoad, e.Module, e.Err)
}

func (e *ModuleLoadError) Unwrap() error {
	return e.Err
}

// MountConflictError reports a mount path that cannot be used. Modules lists the
// modules involved, in configuration order.
type MountConflictError struct {
	MountPath string
	Modules   []string
	Reason    MountConflictReason
}

// MountConflictReason says why a mount path was rejected.
type MountConflictReason int

const (
	MountDuplicate MountConflictReason = iota
	MountReserved
	MountEmpty
	MountInvalid
)

func (e *MountConflictError) Error() string {
	return e.Localize(i18n.DefaultLang)
}

func (e *MountConflictError) Localize(lang string) string {
	switch e.Reason {
	case MountReserved:
		return i18n.Sprintf(lang, i18n.ModuleMountReserved, e.MountPath, strings.Join(e.Modules, ", "))
	case MountInvalid:
		return i18n.Sprintf(lang, i18n.ModuleMountInvalid, e.MountPath, strings.Join(e.Modules, ", "))
	case MountEmpty:
		return i18n.Sprintf(lang, i18n.ModuleMountEmpty, strings.Join(e.Modules, ", "))
	default:
		return i18n.Sprintf(lang, i18n.ModuleMountConflict, e.MountPath, e.Modules)
	}
}

func unknownModule(locator string) error {
	return fmt.Errorf("%w %q", ErrUnknownModule, locator)
}
