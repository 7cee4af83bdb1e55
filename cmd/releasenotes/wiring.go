package main

import (
	"github.com/odvcencio/releasenotes/pkg/config"
	"github.com/odvcencio/releasenotes/pkg/generate"
	"github.com/odvcencio/releasenotes/pkg/history"
	"github.com/odvcencio/releasenotes/pkg/ipc"
	"github.com/odvcencio/releasenotes/pkg/logging"
	"github.com/odvcencio/releasenotes/pkg/model"
	"github.com/odvcencio/releasenotes/pkg/prompts"
	"github.com/odvcencio/releasenotes/pkg/repo"
)

func (a *app) reposCache() *repo.Cache {
	return repo.NewCache(config.ResolveReposDir(a.cfg, ""),
		repo.WithClonePolicy(a.cfg.Repos.GitClone),
		repo.WithTimeout(a.cfg.Repos.FetchTimeout),
		repo.WithLogger(logging.For(a.logger, logging.CategoryGit)),
	)
}

func (a *app) extractor(source history.Source) *history.Extractor {
	return history.NewExtractor(source, a.cfg.Repos.MaxWalk, logging.For(a.logger, logging.CategoryGit))
}

func (a *app) assembler() (*prompts.Assembler, error) {
	return prompts.New(prompts.Options{
		TemplateFile:     a.cfg.Generation.TemplateFile,
		SystemPromptFile: a.cfg.Generation.SystemPromptFile,
	})
}

func (a *app) modelClient(assembler *prompts.Assembler) (*model.Client, error) {
	temperature := a.cfg.Generation.Temperature
	return model.NewClient(a.cfg.Generation.APIKey, model.ClientOptions{
		BaseURL:           a.cfg.Generation.BaseURL,
		Model:             a.cfg.Generation.Model,
		MaxTokens:         a.cfg.Generation.MaxTokens,
		Temperature:       &temperature,
		SystemPrompt:      assembler.System(),
		RequestsPerMinute: a.cfg.Generation.RequestsPerMinute,
		NetworkLogDir:     config.NetworkLogDir(a.cfg),
		Logger:            logging.For(a.logger, logging.CategoryModel),
	})
}

// components is the fully wired service. Close releases the network journal.
type components struct {
	cache     *repo.Cache
	assembler *prompts.Assembler
	client    *model.Client
	job       *generate.Job
	server    *ipc.Server
}

func (c *components) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (a *app) build() (*components, error) {
	cache := a.reposCache()
	assembler, err := a.assembler()
	if err != nil {
		return nil, withExitCode(err, exitCodeConfig)
	}
	client, err := a.modelClient(assembler)
	if err != nil {
		return nil, err
	}

	job := generate.New(generate.Deps{
		History:  a.extractor(cache),
		Prompts:  assembler,
		Streamer: client,
		APIKey:   a.cfg.Generation.APIKey,
		Timeout:  a.cfg.Generation.JobTimeout,
		Logger:   logging.For(a.logger, logging.CategorySession),
	})

	server := ipc.NewServer(ipc.Config{
		BindAddress:    a.cfg.Server.Bind,
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
		MaxSessions:    a.cfg.Server.MaxSessions,
		PublicMetrics:  a.cfg.Server.PublicMetrics,
		WriteTimeout:   a.cfg.Server.WriteTimeout,
	}, job, cache, assembler, logging.For(a.logger, logging.CategoryServer))

	return &components{
		cache:     cache,
		assembler: assembler,
		client:    client,
		job:       job,
		server:    server,
	}, nil
}
