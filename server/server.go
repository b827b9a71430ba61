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

package server

import (
	"fmt"
	"time"

	"github.com/bluekeyes/hatpear"
	"github.com/c2h5oh/datasize"
	"github.com/die-net/lrucache"
	"github.com/gregjones/httpcache"
	"github.com/palantir/go-baseapp/baseapp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"goji.io/pat"

	"github.com/ridgelines/go-appbot/appbot"
	"github.com/ridgelines/go-appbot/metrics"
	"github.com/ridgelines/go-appbot/server/handler"
	"github.com/ridgelines/go-appbot/version"
)

const (
	DefaultGitHubTimeout = 10 * time.Second

	DefaultWebhookWorkers   = 10
	DefaultWebhookQueueSize = 100

	DefaultHTTPCacheSize = 50 * datasize.MB
)

type Server struct {
	config *Config
	base   *baseapp.Server
}

// New instantiates a new Server.
// Callers must then invoke Start to run the Server.
func New(c *Config) (*Server, error) {
	logger := baseapp.NewLogger(baseapp.LoggingConfig{
		Level:  c.Logging.Level,
		Pretty: c.Logging.Text,
	})

	base, err := baseapp.NewServer(c.Server, baseapp.DefaultParams(logger, "appbot.")...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize base server")
	}

	maxSize := int64(DefaultHTTPCacheSize)
	if c.Cache.MaxSize != 0 {
		maxSize = int64(c.Cache.MaxSize)
	}

	githubTimeout := c.Workers.GithubTimeout
	if githubTimeout == 0 {
		githubTimeout = DefaultGitHubTimeout
	}

	githubCache := lrucache.New(maxSize, 0)
	metrics.SetRegistry(base.Registry())
	metrics.GitHubCacheApproxSize(githubCache.Size)

	userAgent := fmt.Sprintf("go-appbot/%s", version.GetVersion())
	cc, err := appbot.NewDefaultCachingClientCreator(
		c.Github,
		appbot.WithClientUserAgent(userAgent),
		appbot.WithClientTimeout(githubTimeout),
		appbot.WithClientCaching(true, func() httpcache.Cache {
			return githubCache
		}),
		appbot.WithClientMiddleware(
			appbot.ClientLogging(zerolog.DebugLevel),
			appbot.ClientMetrics(base.Registry()),
		),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize client creator")
	}

	app := appbot.New(cc, appbot.WithMux(base.Mux()))

	welcome := &handler.Welcome{Config: c.Welcome}
	welcome.Register(app)

	queueSize := c.Workers.QueueSize
	if queueSize < 1 {
		queueSize = DefaultWebhookQueueSize
	}

	workers := c.Workers.Workers
	if workers < 1 {
		workers = DefaultWebhookWorkers
	}

	dispatcher := appbot.NewDispatcher(
		app,
		c.Github.App.WebhookSecret,
		appbot.WithErrorCallback(appbot.MetricsErrorCallback(base.Registry())),
		appbot.WithScheduler(
			appbot.QueueAsyncScheduler(
				queueSize, workers,
				appbot.WithSchedulingMetrics(base.Registry()),
				appbot.WithAsyncErrorCallback(appbot.MetricsAsyncErrorCallback(base.Registry())),
			),
		),
	)

	// webhook route
	base.Mux().Handle(pat.Post(appbot.DefaultWebhookRoute), dispatcher)

	// additional API routes
	api, err := app.Route("/api")
	if err != nil {
		return nil, err
	}
	api.Handle(pat.Get("/health"), handler.Health())

	appClient, err := app.Auth()
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize GitHub app client")
	}

	installations := appbot.NewInstallationsService(appClient)
	api.Handle(pat.Get("/installations"), hatpear.Try(&handler.Installations{
		Installations: installations,
	}))
	api.Handle(pat.Get("/installations/:owner"), hatpear.Try(&handler.InstallationByOwner{
		Installations: installations,
	}))

	return &Server{
		config: c,
		base:   base,
	}, nil
}

// Start is blocking and long-running
func (s *Server) Start() error {
	return s.base.Start()
}
