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

package handler

import (
	"net/http"

	"github.com/palantir/go-baseapp/baseapp"
	"github.com/pkg/errors"
	"goji.io/pat"

	"github.com/ridgelines/go-appbot/appbot"
	"github.com/ridgelines/go-appbot/server/apierror"
)

// Installations reports the installations of the GitHub App. It is mainly
// useful for checking that app credentials are valid.
type Installations struct {
	Installations appbot.InstallationsService
}

func (h *Installations) ServeHTTP(w http.ResponseWriter, r *http.Request) error {
	installations, err := h.Installations.ListAll(r.Context())
	if err != nil {
		return errors.Wrap(err, "failed to list installations")
	}

	baseapp.WriteJSON(w, http.StatusOK, installations)
	return nil
}

// InstallationByOwner reports the installation for a single owner.
type InstallationByOwner struct {
	Installations appbot.InstallationsService
}

func (h *InstallationByOwner) ServeHTTP(w http.ResponseWriter, r *http.Request) error {
	owner := pat.Param(r, "owner")

	installation, err := h.Installations.GetByOwner(r.Context(), owner)
	if err != nil {
		var notFound appbot.InstallationNotFound
		if errors.As(err, &notFound) {
			return apierror.WriteAPIError(w, http.StatusNotFound, err.Error())
		}
		return errors.Wrapf(err, "failed to get installation for %s", owner)
	}

	baseapp.WriteJSON(w, http.StatusOK, installation)
	return nil
}
