package featureflag

import (
	"slices"
	"strings"
)

// FeatureFlag is the set of scheduler behaviours switched off at runtime.
type FeatureFlag map[Flag]struct{}

// New returns the feature flags named in the given list. Names are trimmed
// and upper-cased; empty names are ignored.
func New(flags []string) FeatureFlag {
	featureFlag := make(FeatureFlag)
	for _, f := range flags {
		if f = strings.ToUpper(strings.TrimSpace(f)); f != "" {
			featureFlag[Flag(f)] = struct{}{}
		}
	}
	return featureFlag
}

// IsSet reports whether the given flag is set. A nil FeatureFlag has no flag
// set.
func (f FeatureFlag) IsSet(flag Flag) bool {
	_, ok := f[flag]
	return ok
}

// IfSet runs do when the flag is set.
func (f FeatureFlag) IfSet(flag Flag, do func()) {
	if f.IsSet(flag) {
		do()
	}
}

// IfNotSet runs do when the flag is not set.
func (f FeatureFlag) IfNotSet(flag Flag, do func()) {
	if !f.IsSet(flag) {
		do()
	}
}

// Strings returns the set flags, sorted.
func (f FeatureFlag) Strings() []string {
	flags := make([]string, 0, len(f))
	for flag := range f {
		flags = append(flags, string(flag))
	}
	slices.Sort(flags)
	return flags
}

// Unknown returns the set flags that no component reads, sorted.
func (f FeatureFlag) Unknown() []string {
	var unknown []string
	for _, flag := range f.Strings() {
		if !slices.Contains(knownFlags, Flag(flag)) {
			unknown = append(unknown, flag)
		}
	}
	return unknown
}
