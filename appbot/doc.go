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

// Package appbot implements a small framework for building GitHub Apps.
// Applications subscribe callbacks to webhook events with App.On, mount
// additional HTTP endpoints with App.Route, and create authenticated API
// clients with App.Auth or a ClientCreator. Each delivered event is wrapped
// in a Context that exposes the identity of the repository and issue the
// payload refers to, along with per-repository YAML configuration loaded
// from the target's .github directory.
//
// The HTTP edge is provided by Dispatcher, which validates webhook
// signatures and hands deliveries to a Scheduler for synchronous or
// asynchronous processing. Logging uses zerolog loggers stored in contexts
// and metrics are collected in go-metrics registries.
package appbot
