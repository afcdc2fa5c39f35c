package modules

import (
	"path"
	"strings"

	"github.com/wolfeidau/remotebuild/internal/config"
)

// reserved are first path segments the server routes itself.
var reserved = map[string]bool{
	"certs": true,
}

// CheckMounts rejects empty, unroutable, reserved and duplicate mount paths.
// It has no side effects so it can run before any module is created.
func CheckMounts(configs []config.ModuleConfig) error {
	owners := make(map[string]string, len(configs))

	for _, cfg := range configs {
		mount := config.NormalizeMountPath(cfg.MountPath)

		if mount == "" {
			return &MountConflictError{Modules: []string{cfg.Name}, Reason: MountEmpty}
		}

		if unroutable(mount) {
			return &MountConflictError{MountPath: mount, Modules: []string{cfg.Name}, Reason: MountInvalid}
		}

		if first, _, _ := strings.Cut(mount, "/"); reserved[first] {
			return &MountConflictError{MountPath: mount, Modules: []string{cfg.Name}, Reason: MountReserved}
		}

		if prev, ok := owners[mount]; ok {
			return &MountConflictError{MountPath: mount, Modules: []string{prev, cfg.Name}, Reason: MountDuplicate}
		}
		owners[mount] = cfg.Name
	}

	return nil
}

// unroutable reports whether ServeMux would clean, redirect or treat mount as a
// pattern rather than serve it as a literal prefix.
func unroutable(mount string) bool {
	if strings.ContainsAny(mount, " \t\r\n{}?#%") || path.Clean(mount) != mount {
		return true
	}

	for _, segment := range strings.Split(mount, "/") {
		if segment == "." || segment == ".." {
			return true
		}
	}

	return false
}

// Prefix returns the URL prefix a module is mounted under, without a trailing slash.
func Prefix(cfg config.ModuleConfig) string {
	return "/" + config.NormalizeMountPath(cfg.MountPath)
}
