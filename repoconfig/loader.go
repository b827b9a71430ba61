// Copyright 2024 Ridgelines, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package repoconfig loads per-repository configuration files for GitHub
// apps. Files are read from a repository through the GitHub contents API,
// with an optional fallback to an owner-level defaults repository when the
// target repository does not define its own file. The content itself can be
// in any format; Unmarshal and Merge provide the YAML handling used by most
// callers.
package repoconfig

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/go-github/v65/github"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	// DefaultOwnerRepository is the conventional repository that holds
	// owner-level default configuration.
	DefaultOwnerRepository = ".github"
)

// FetchedConfig contains unparsed configuration content and metadata about
// where it was found.
type FetchedConfig struct {
	Content []byte

	// Source contains the repository and ref in "owner/name@ref" format.
	// The ref component ("@ref") is optional and may not be present.
	Source string
	Path   string

	// Exists is false when no file was found at the path in the repository
	// or in the owner defaults repository.
	Exists bool

	// IsDefault is true when the content came from the owner defaults
	// repository instead of the target repository.
	IsDefault bool
}

func (fc FetchedConfig) String() string {
	return fmt.Sprintf("%s in %s", fc.Path, fc.Source)
}

// Option configures a Loader.
type Option func(*Loader)

// WithOwnerDefaults sets the repository checked for default configuration
// when a repository does not define its own file. Set an empty name to
// disable owner defaults.
func WithOwnerDefaults(name string) Option {
	return func(ld *Loader) {
		ld.defaultRepo = name
	}
}

// Loader loads configuration files from repositories.
type Loader struct {
	defaultRepo string
}

// NewLoader creates a Loader. By default, the loader falls back to the
// owner's ".github" repository for files the target repository does not
// define.
func NewLoader(opts ...Option) *Loader {
	ld := Loader{
		defaultRepo: DefaultOwnerRepository,
	}

	for _, opt := range opts {
		opt(&ld)
	}

	return &ld
}

// Load reads the file at path in owner/repo at ref. An empty ref reads from
// the repository's default branch. When the file does not exist and owner
// defaults are enabled, Load also tries the same path, minus any ".github/"
// prefix, in the owner's defaults repository. A missing file in both places
// is not an error; the returned config has Exists set to false.
func (ld *Loader) Load(ctx context.Context, client *github.Client, owner, repo, ref, path string) (FetchedConfig, error) {
	logger := zerolog.Ctx(ctx)

	fc := FetchedConfig{
		Source: source(owner, repo, ref),
		Path:   path,
	}

	logger.Debug().Msgf("Trying configuration at %s in %s", fc.Path, fc.Source)
	content, exists, err := getFileContents(ctx, client, owner, repo, ref, path)
	if err != nil {
		return fc, err
	}
	if exists {
		fc.Content = content
		fc.Exists = true
		return fc, nil
	}

	if ld.defaultRepo != "" && repo != ld.defaultRepo {
		return ld.loadOwnerDefault(ctx, client, owner, path, fc)
	}

	return fc, nil
}

func (ld *Loader) loadOwnerDefault(ctx context.Context, client *github.Client, owner, path string, fc FetchedConfig) (FetchedConfig, error) {
	logger := zerolog.Ctx(ctx)

	r, _, err := client.Repositories.Get(ctx, owner, ld.defaultRepo)
	if err != nil {
		if isNotFound(err) {
			// the owner has no defaults repository, report the original miss
			return fc, nil
		}
		fc.Source = source(owner, ld.defaultRepo, "")
		return fc, errors.Wrap(err, "failed to get owner defaults repository")
	}

	ref := r.GetDefaultBranch()
	defaultPath := strings.TrimPrefix(path, ".github/")

	dfc := FetchedConfig{
		Source:    source(owner, r.GetName(), ref),
		Path:      defaultPath,
		IsDefault: true,
	}

	logger.Debug().Msgf("Trying default configuration at %s in %s", dfc.Path, dfc.Source)
	content, exists, err := getFileContents(ctx, client, owner, r.GetName(), ref, defaultPath)
	if err != nil {
		return dfc, err
	}
	if !exists {
		// report the miss against the original repository
		return fc, nil
	}

	dfc.Content = content
	dfc.Exists = true
	return dfc, nil
}

func source(owner, repo, ref string) string {
	if ref == "" {
		return fmt.Sprintf("%s/%s", owner, repo)
	}
	return fmt.Sprintf("%s/%s@%s", owner, repo, ref)
}

func getFileContents(ctx context.Context, client *github.Client, owner, repo, ref, path string) ([]byte, bool, error) {
	file, _, _, err := client.Repositories.GetContents(ctx, owner, repo, path, &github.RepositoryContentGetOptions{
		Ref: ref,
	})
	if err != nil {
		switch {
		case isNotFound(err):
			return nil, false, nil
		case isTooLargeError(err):
			b, err := getLargeFileContents(ctx, client, owner, repo, ref, path)
			return b, true, err
		}
		return nil, false, errors.Wrap(err, "failed to read file")
	}

	// file will be nil if the path exists but is a directory
	if file == nil {
		return nil, false, nil
	}

	content, err := file.GetContent()
	if err != nil {
		return nil, true, errors.Wrap(err, "failed to decode file content")
	}

	return []byte(content), true, nil
}

// getLargeFileContents is similar to getFileContents, but works for files
// up to 100MB. Unlike getFileContents, it returns an error if the file does
// not exist.
func getLargeFileContents(ctx context.Context, client *github.Client, owner, repo, ref, path string) ([]byte, error) {
	body, res, err := client.Repositories.DownloadContents(ctx, owner, repo, path, &github.RepositoryContentGetOptions{
		Ref: ref,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to read file")
	}
	defer func() {
		_ = body.Close()
	}()

	if res.StatusCode != http.StatusOK {
		return nil, errors.Errorf("failed to read file: unexpected status code %d", res.StatusCode)
	}

	b, err := io.ReadAll(body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read file")
	}
	return b, nil
}

func isNotFound(err error) bool {
	if rerr, ok := err.(*github.ErrorResponse); ok {
		return rerr.Response.StatusCode == http.StatusNotFound
	}
	return false
}

func isTooLargeError(err error) bool {
	if rerr, ok := err.(*github.ErrorResponse); ok {
		for _, err := range rerr.Errors {
			if err.Code == "too_large" {
				return true
			}
		}
	}
	return false
}
