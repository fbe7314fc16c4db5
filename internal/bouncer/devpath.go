package bouncer

import (
	"fmt"
	"path"
	"strings"

	"go.chromium.org/vmtools/internal/vmerr"
)

// normalizeDevpath validates devpath per spec.md §4.3: non-empty, no
// parent-directory escapes, and — once prefixed with /sys — a descendant of
// /sys/devices. It returns the normalized absolute form.
func normalizeDevpath(devpath string) (string, error) {
	if devpath == "" {
		return "", fmt.Errorf("%w: BAD_DEVPATH: empty devpath", vmerr.BadInput)
	}
	for _, part := range strings.Split(devpath, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: BAD_DEVPATH: parent-directory escape in %q", vmerr.BadInput, devpath)
		}
	}
	full := path.Clean("/sys/" + strings.TrimPrefix(devpath, "/"))
	if full != "/sys/devices" && !strings.HasPrefix(full, "/sys/devices/") {
		return "", fmt.Errorf("%w: BAD_DEVPATH: %q does not resolve under /sys/devices", vmerr.BadInput, devpath)
	}
	return full, nil
}

// validateRule checks a rule string against the policy-rule grammar: a
// single line (no embedded newline), non-empty, beginning with one of the
// two decision keywords the host policy daemon understands.
func validateRule(rule string) error {
	if rule == "" {
		return fmt.Errorf("%w: BAD_RULE: empty rule", vmerr.BadInput)
	}
	if strings.ContainsAny(rule, "\n\r") {
		return fmt.Errorf("%w: BAD_RULE: rule contains a newline", vmerr.BadInput)
	}
	if !strings.HasPrefix(rule, "allow") && !strings.HasPrefix(rule, "block") {
		return fmt.Errorf("%w: BAD_RULE: rule must start with allow/block: %q", vmerr.BadInput, rule)
	}
	return nil
}

// RuleSource resolves a devpath to the policy rule string a mode-switching
// or otherwise newly admitted USB device should be given. cmd/usb-bouncer
// derives it from the device's sysfs vendor/product id only; that device
// tree inspection lives outside this package's scope (spec.md §1), so
// callers inject their own implementation.
type RuleSource interface {
	RuleFromDevpath(devpath string) (string, error)
}

// RuleSourceFunc adapts a function to RuleSource.
type RuleSourceFunc func(devpath string) (string, error)

func (f RuleSourceFunc) RuleFromDevpath(devpath string) (string, error) { return f(devpath) }
