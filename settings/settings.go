// Package settings holds the user-tunable optimizer settings, the loose patch
// format the presentation layer sends, and the YAML file they persist to.
package settings

import (
	"fmt"
	"strings"

	"github.com/spf13/cast"
)

// Settings is the flat, process-wide configuration record.
type Settings struct {
	AutoOptimize    bool     `yaml:"autoOptimize" json:"autoOptimize"`
	MemoryThreshold int      `yaml:"memoryThreshold" json:"memoryThreshold"`
	CheckInterval   int      `yaml:"checkInterval" json:"checkInterval"`
	MinProcessSize  int      `yaml:"minProcessSize" json:"minProcessSize"`
	Cooldown        int      `yaml:"cooldown" json:"cooldown"`
	AlertThreshold  int      `yaml:"alertThreshold" json:"alertThreshold"`
	AlertTray       bool     `yaml:"alertTray" json:"alertTray"`
	AlertSound      bool     `yaml:"alertSound" json:"alertSound"`
	Theme           string   `yaml:"theme" json:"theme"`
	Blacklist       []string `yaml:"blacklist" json:"blacklist"`
}

// Defaults returns the settings used when nothing has been persisted.
func Defaults() Settings {
	return Settings{
		AutoOptimize:    false,
		MemoryThreshold: 80,
		CheckInterval:   30,
		MinProcessSize:  100,
		Cooldown:        5,
		AlertThreshold:  70,
		AlertTray:       true,
		AlertSound:      true,
		Theme:           "dark",
		Blacklist: []string{
			"System", "smss.exe", "csrss.exe", "wininit.exe",
			"services.exe", "lsass.exe", "svchost.exe",
			"explorer.exe", "dwm.exe", "sihost.exe",
			"SecurityHealthService.exe", "Memory Optimizer",
		},
	}
}

// Clone returns a deep copy so callers can't alias the blacklist.
func (s Settings) Clone() Settings {
	s.Blacklist = append([]string(nil), s.Blacklist...)
	return s
}

// Normalize clamps out-of-range values.
func (s *Settings) Normalize() {
	s.MemoryThreshold = clamp(s.MemoryThreshold, 0, 100)
	s.AlertThreshold = clamp(s.AlertThreshold, 0, 100)
	if s.CheckInterval < 1 {
		s.CheckInterval = 1
	}
	if s.MinProcessSize < 0 {
		s.MinProcessSize = 0
	}
	if s.Cooldown < 0 {
		s.Cooldown = 0
	}
	if s.Blacklist == nil {
		s.Blacklist = []string{}
	}
}

// Blacklisted reports whether a process name matches an entry in the blacklist.
// Matching is case-insensitive and ignores a trailing ".exe" on either side.
func (s Settings) Blacklisted(name string) bool {
	n := NormalizeName(name)
	for _, b := range s.Blacklist {
		if NormalizeName(b) == n {
			return true
		}
	}
	return false
}

// NormalizeName lower-cases a process name and strips a ".exe" suffix.
func NormalizeName(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".exe")
}

// Apply merges a loosely typed patch (as decoded from JSON or parsed from the
// command line) over s. Unknown keys are ignored. A value that can't be
// converted fails the whole patch and leaves s untouched.
func (s Settings) Apply(patch map[string]any) (Settings, error) {
	out := s.Clone()
	for key, v := range patch {
		var err error
		switch key {
		case "autoOptimize":
			out.AutoOptimize, err = cast.ToBoolE(v)
		case "memoryThreshold":
			out.MemoryThreshold, err = cast.ToIntE(v)
		case "checkInterval":
			out.CheckInterval, err = cast.ToIntE(v)
		case "minProcessSize":
			out.MinProcessSize, err = cast.ToIntE(v)
		case "cooldown":
			out.Cooldown, err = cast.ToIntE(v)
		case "alertThreshold":
			out.AlertThreshold, err = cast.ToIntE(v)
		case "alertTray":
			out.AlertTray, err = cast.ToBoolE(v)
		case "alertSound":
			out.AlertSound, err = cast.ToBoolE(v)
		case "theme":
			out.Theme, err = cast.ToStringE(v)
		case "blacklist":
			out.Blacklist, err = toList(v)
		default:
			continue
		}
		if err != nil {
			return s, fmt.Errorf("settings: %s: %w", key, err)
		}
	}
	out.Normalize()
	return out, nil
}

//toList accepts a list or a comma separated string
func toList(v any) ([]string, error) {
	if str, ok := v.(string); ok {
		var out []string
		for _, part := range strings.Split(str, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	}
	return cast.ToStringSliceE(v)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
