// Package main is the orchestration engine entrypoint: one long-running
// process hosting the store, scheduler, container runtime, and gateway.
package main

import (
	"context"
	"log"

	"agentengine/internal/agentcli"
	"agentengine/internal/config"
	"agentengine/internal/eventbus"
	"agentengine/internal/gateway"
	"agentengine/internal/gitmgr"
	"agentengine/internal/model"
	"agentengine/internal/plan"
	"agentengine/internal/runtime/docker"
	"agentengine/internal/scheduler"
	"agentengine/internal/store"
	"agentengine/internal/supervisor"
)

func main() {
	cfg := config.Load()
	log.Printf("Starting engine... [%s]", cfg.String())

	st := store.New(cfg.DataDir, model.SystemClock{})
	bus := eventbus.NewMemoryBus()
	st.SetEventSink(func(ev model.DispatcherEvent) {
		bus.Publish(eventbus.SystemTopic, ev)
	})
	git := gitmgr.New()

	rt, err := docker.New()
	if err != nil {
		log.Fatalf("Failed to connect to Docker: %v", err)
	}
	defer rt.Close()
	if err := rt.Ping(context.Background()); err != nil {
		log.Fatalf("Docker daemon unreachable: %v", err)
	}
	log.Println("Connected to Docker")

	agent := agentcli.New(cfg.AgentCLI, cfg.AgentAPIKey, cfg.AgentBaseURL, cfg.AgentModel)
	plans := plan.New(st, agent, bus, model.SystemClock{})
	sched := scheduler.New(cfg, st, git, rt, bus, agent, model.SystemClock{})
	api := gateway.NewHandler(cfg, st, bus, git, sched, plans, agent)

	sup := supervisor.New(cfg, st, git, bus, sched, api.Router(), model.SystemClock{})
	if err := sup.Run(context.Background()); err != nil {
		log.Fatalf("Engine failed: %v", err)
	}
}
