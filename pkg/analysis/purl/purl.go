// Copyright 2025 The Packamal Authors
// SPDX-License-Identifier: Apache-2.0

// Package purl parses Package URLs into analysis targets.
//
// Only the purl types that map onto a supported ecosystem are accepted.
// Parsing follows the purl-spec decomposition order: scheme, type, then
// qualifiers, then version, then namespace and name.
package purl

import (
	"net/url"
	"strings"

	"github.com/pakaremon/packamal/pkg/analysis/analysis"
	"github.com/pkg/errors"
)

// Scheme is the required purl scheme prefix.
const Scheme = "pkg:"

// ecosystems maps purl type tokens to canonical ecosystem names.
var ecosystems = map[string]analysis.Ecosystem{
	"pypi":      analysis.PyPI,
	"npm":       analysis.NPM,
	"gem":       analysis.RubyGems,
	"maven":     analysis.Maven,
	"packagist": analysis.Packagist,
}

// Package is a decomposed Package URL.
type Package struct {
	Ecosystem  analysis.Ecosystem
	Namespace  string
	Name       string
	Version    string
	Qualifiers map[string]string
	// Original is the purl as submitted, used as the deduplication key.
	Original string
}

// Parse decomposes a Package URL of the form
// pkg:<type>/[namespace/]name@version[?qualifiers].
//
// The version component is required. Percent-encoded sequences in the
// namespace, name, version, and qualifier values are decoded; sequences
// that do not decode are kept verbatim.
func Parse(s string) (*Package, error) {
	if !strings.HasPrefix(s, Scheme) {
		return nil, errors.Errorf("missing %q scheme prefix", Scheme)
	}
	rest := strings.TrimPrefix(s, Scheme)
	token, remainder, found := strings.Cut(rest, "/")
	if !found {
		return nil, errors.New("missing ecosystem separator")
	}
	eco, ok := ecosystems[token]
	if !ok {
		return nil, errors.Errorf("unsupported ecosystem %q", token)
	}
	p := &Package{Ecosystem: eco, Original: s, Qualifiers: map[string]string{}}
	if before, quals, found := strings.Cut(remainder, "?"); found {
		remainder = before
		p.Qualifiers = parseQualifiers(quals)
	}
	namePart := remainder
	if before, version, found := strings.Cut(remainder, "@"); found {
		namePart = before
		p.Version = unescape(version)
	}
	if p.Version == "" {
		return nil, errors.New("version is required")
	}
	if ns, name, found := strings.Cut(namePart, "/"); found {
		p.Namespace = unescape(ns)
		p.Name = unescape(name)
	} else {
		p.Name = unescape(namePart)
	}
	if p.Name == "" && p.Namespace == "" {
		return nil, errors.New("name is required")
	}
	if eco == analysis.Maven {
		// Maven artifacts are addressed as group:artifact.
		switch {
		case p.Namespace != "" && p.Name != "":
			p.Name = p.Namespace + ":" + p.Name
		case p.Name == "":
			p.Name = p.Namespace
		}
		p.Namespace = ""
	}
	return p, nil
}

// PackageName returns the name in the form the sandbox expects: npm scopes
// are rejoined with their namespace, maven names are already group:artifact.
func (p *Package) PackageName() string {
	if p.Namespace != "" && p.Ecosystem == analysis.NPM {
		return p.Namespace + "/" + p.Name
	}
	return p.Name
}

// Target binds the parsed coordinates into an analysis target.
func (p *Package) Target() analysis.Target {
	return analysis.Target{Ecosystem: p.Ecosystem, Package: p.PackageName(), Version: p.Version}
}

func parseQualifiers(s string) map[string]string {
	quals := map[string]string{}
	for _, pair := range strings.Split(s, "&") {
		k, v, found := strings.Cut(pair, "=")
		if !found || k == "" {
			continue
		}
		quals[unescape(k)] = unescape(v)
	}
	return quals
}

// unescape percent-decodes s, keeping the raw text when decoding fails.
func unescape(s string) string {
	if decoded, err := url.PathUnescape(s); err == nil {
		return decoded
	}
	return s
}
