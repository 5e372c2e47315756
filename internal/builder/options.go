// Copyright 2025 The Crucible Authors
// SPDX-License-Identifier: MIT

package builder

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"crucible.build/pkg/sets"
	"crucible.build/pkg/store"
)

// Derivation option environment variables.
// These are conventions understood by the builder
// rather than ordinary environment bindings.
const (
	noChrootVar          = "__noChroot"
	sandboxProfileVar    = "__sandboxProfile"
	impureHostDepsVar    = "__impureHostDeps"
	impureEnvVarsVar     = "impureEnvVars"
	passAsFileVar        = "passAsFile"
	requiredFeaturesVar  = "requiredSystemFeatures"
	structuredAttrsVar   = "__json"
	localNetworkingVar   = "__darwinAllowLocalNetworking"
	allowedReferencesVar = "allowedReferences"
	allowedRequisitesVar = "allowedRequisites"
	disallowedRefsVar    = "disallowedReferences"
	disallowedReqsVar    = "disallowedRequisites"
)

// System features a derivation may require.
const (
	// FeatureRecursive enables the in-sandbox store daemon.
	FeatureRecursive = "recursive-nix"
	// FeatureKVM exposes /dev/kvm inside the sandbox.
	FeatureKVM = "kvm"
	// FeatureUIDRange leases 65536 UIDs instead of one.
	FeatureUIDRange = "uid-range"
)

// outputChecks is the policy applied to one output after registration.
type outputChecks struct {
	maxSize        int64 // 0 means unlimited
	maxClosureSize int64 // 0 means unlimited

	// nil means "no allow list"; an empty non-nil list forbids all references.
	allowedReferences []string
	allowedRequisites []string

	disallowedReferences []string
	disallowedRequisites []string

	ignoreSelfRefs bool
}

// derivationOptions are the builder conventions
// parsed out of a derivation's environment.
type derivationOptions struct {
	noChroot             bool
	sandboxProfile       string
	impureHostDeps       []string
	impureEnvVars        []string
	passAsFile           sets.Set[string]
	requiredFeatures     sets.Set[string]
	allowLocalNetworking bool

	// structuredAttrs is the parsed __json document, or nil for a flat env.
	structuredAttrs map[string]any

	// checks maps output name to its policy.
	// The empty key applies to every output (flat form).
	checks map[string]*outputChecks

	// unsafeDiscardReferences disables reference scanning per output name.
	unsafeDiscardReferences map[string]bool
}

func (opts *derivationOptions) checksFor(outputName string) *outputChecks {
	if c := opts.checks[outputName]; c != nil {
		return c
	}
	return opts.checks[""]
}

func (opts *derivationOptions) useUIDRange() bool {
	return opts.requiredFeatures.Has(FeatureUIDRange)
}

func parseDerivationOptions(drv *store.Derivation) (*derivationOptions, error) {
	opts := &derivationOptions{
		passAsFile:              make(sets.Set[string]),
		requiredFeatures:        make(sets.Set[string]),
		checks:                  make(map[string]*outputChecks),
		unsafeDiscardReferences: make(map[string]bool),
	}

	if doc, ok := drv.Env[structuredAttrsVar]; ok {
		if err := json.Unmarshal([]byte(doc), &opts.structuredAttrs); err != nil {
			return nil, fmt.Errorf("parse %s derivation options: %s: %v", drv.Name, structuredAttrsVar, err)
		}
		if err := opts.parseStructured(drv); err != nil {
			return nil, fmt.Errorf("parse %s derivation options: %v", drv.Name, err)
		}
		return opts, nil
	}

	opts.noChroot = drv.Env[noChrootVar] == "1" || drv.Env[noChrootVar] == "true"
	opts.sandboxProfile = drv.Env[sandboxProfileVar]
	opts.allowLocalNetworking = drv.Env[localNetworkingVar] == "1" || drv.Env[localNetworkingVar] == "true"
	opts.impureHostDeps = splitFields(drv.Env[impureHostDepsVar])
	opts.impureEnvVars = splitFields(drv.Env[impureEnvVarsVar])
	opts.passAsFile.AddSeq(fieldsSeq(drv.Env[passAsFileVar]))
	opts.requiredFeatures.AddSeq(fieldsSeq(drv.Env[requiredFeaturesVar]))

	flat := new(outputChecks)
	used := false
	if v, ok := drv.Env[allowedReferencesVar]; ok {
		flat.allowedReferences = splitFieldsNonNil(v)
		used = true
	}
	if v, ok := drv.Env[allowedRequisitesVar]; ok {
		flat.allowedRequisites = splitFieldsNonNil(v)
		used = true
	}
	if v, ok := drv.Env[disallowedRefsVar]; ok {
		flat.disallowedReferences = splitFields(v)
		used = true
	}
	if v, ok := drv.Env[disallowedReqsVar]; ok {
		flat.disallowedRequisites = splitFields(v)
		used = true
	}
	if used {
		opts.checks[""] = flat
	}
	return opts, nil
}

// parseStructured fills in options from the __json document.
func (opts *derivationOptions) parseStructured(drv *store.Derivation) error {
	attrs := opts.structuredAttrs
	opts.noChroot = boolAttr(attrs[noChrootVar])
	opts.allowLocalNetworking = boolAttr(attrs[localNetworkingVar])
	if s, ok := attrs[sandboxProfileVar].(string); ok {
		opts.sandboxProfile = s
	}
	opts.impureHostDeps = stringListAttr(attrs[impureHostDepsVar])
	opts.impureEnvVars = stringListAttr(attrs[impureEnvVarsVar])
	for _, f := range stringListAttr(attrs[requiredFeaturesVar]) {
		opts.requiredFeatures.Add(f)
	}

	if udr, ok := attrs["unsafeDiscardReferences"].(map[string]any); ok {
		for outputName, v := range udr {
			opts.unsafeDiscardReferences[outputName] = boolAttr(v)
		}
	}

	checksDoc, ok := attrs["outputChecks"].(map[string]any)
	if !ok {
		return nil
	}
	for outputName, rawChecks := range checksDoc {
		if _, isOutput := drv.Outputs[outputName]; !isOutput {
			return fmt.Errorf("outputChecks: no such output %q", outputName)
		}
		checksAttrs, ok := rawChecks.(map[string]any)
		if !ok {
			return fmt.Errorf("outputChecks: %s: not an attribute set", outputName)
		}
		c := new(outputChecks)
		var err error
		if c.maxSize, err = intAttr(checksAttrs["maxSize"]); err != nil {
			return fmt.Errorf("outputChecks: %s: maxSize: %v", outputName, err)
		}
		if c.maxClosureSize, err = intAttr(checksAttrs["maxClosureSize"]); err != nil {
			return fmt.Errorf("outputChecks: %s: maxClosureSize: %v", outputName, err)
		}
		if v, present := checksAttrs["allowedReferences"]; present {
			c.allowedReferences = stringListAttrNonNil(v)
		}
		if v, present := checksAttrs["allowedRequisites"]; present {
			c.allowedRequisites = stringListAttrNonNil(v)
		}
		c.disallowedReferences = stringListAttr(checksAttrs["disallowedReferences"])
		c.disallowedRequisites = stringListAttr(checksAttrs["disallowedRequisites"])
		c.ignoreSelfRefs = boolAttr(checksAttrs["ignoreSelfRefs"])
		opts.checks[outputName] = c
	}
	return nil
}

func boolAttr(v any) bool {
	b, _ := v.(bool)
	return b
}

func intAttr(v any) (int64, error) {
	switch v := v.(type) {
	case nil:
		return 0, nil
	case float64:
		if v < 0 || v > math.MaxInt64 || v != math.Trunc(v) {
			return 0, fmt.Errorf("%v is not a non-negative integer", v)
		}
		return int64(v), nil
	default:
		return 0, fmt.Errorf("%v is not an integer", v)
	}
}

func stringListAttr(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	var result []string
	for _, elem := range list {
		if s, ok := elem.(string); ok {
			result = append(result, s)
		}
	}
	return result
}

func stringListAttrNonNil(v any) []string {
	if result := stringListAttr(v); result != nil {
		return result
	}
	return []string{}
}

func splitFields(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}

func splitFieldsNonNil(s string) []string {
	if result := splitFields(s); result != nil {
		return result
	}
	return []string{}
}

func fieldsSeq(s string) func(yield func(string) bool) {
	return func(yield func(string) bool) {
		for _, f := range strings.Fields(s) {
			if !yield(f) {
				return
			}
		}
	}
}
