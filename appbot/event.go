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

package appbot

import (
	"encoding/json"

	"github.com/google/go-github/v65/github"
	"github.com/pkg/errors"
)

// Event is a single webhook delivery: the event type from the
// X-GitHub-Event header, the unique delivery ID, and the raw JSON payload.
type Event struct {
	Type       string
	DeliveryID string
	Payload    []byte
}

// Key returns the dispatch key for the event, including the payload action
// when one is present: "issues" becomes "issues.opened" for an opened
// action. Key parses the payload on every call; dispatch uses the parsed
// form directly.
func (e Event) Key() string {
	p, err := parsePayload(e.Payload)
	if err != nil || p.Action == "" {
		return e.Type
	}
	return e.Type + "." + p.Action
}

// eventPayload is the subset of a webhook payload shared by all event
// types. Fields that do not appear in a given payload are left nil.
type eventPayload struct {
	Action       string               `json:"action"`
	Repository   *github.Repository   `json:"repository"`
	Issue        *github.Issue        `json:"issue"`
	PullRequest  *github.PullRequest  `json:"pull_request"`
	Number       int                  `json:"number"`
	Sender       *github.User         `json:"sender"`
	Installation *github.Installation `json:"installation"`
}

func parsePayload(raw []byte) (*eventPayload, error) {
	var p eventPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.Wrap(err, "failed to parse event payload")
	}
	return &p, nil
}
