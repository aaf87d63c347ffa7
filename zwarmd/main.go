// zwarmd is the daemon binary: it wires Clock, ApiClient, the log
// sink, the configuration store, and SchedulerManager together exactly
// the way control_plane/main.go wires its own collaborators, then hands
// off to the cobra command tree.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/glmwarm/zwarmd/apiclient"
	"github.com/glmwarm/zwarmd/clock"
	"github.com/glmwarm/zwarmd/config"
	"github.com/glmwarm/zwarmd/eventbus"
	"github.com/glmwarm/zwarmd/logsink"
	"github.com/glmwarm/zwarmd/scheduler"
)

func defaultConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "zwarmd", "config.json")
	}
	return "zwarmd-config.json"
}

func defaultLogDirectory() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "zwarmd", "logs")
	}
	return "zwarmd-logs"
}

func main() {
	configPath := os.Getenv("ZWARMD_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath()
	}

	store := config.New(configPath)
	doc, err := store.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "zwarmd: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logDir := doc.Global.LogDirectory
	if logDir == "" {
		logDir = defaultLogDirectory()
	}
	sink, err := logsink.New(logDir, doc.Global.MaxLogDays)
	if err != nil {
		fmt.Fprintf(os.Stderr, "zwarmd: failed to open log sink: %v\n", err)
		os.Exit(1)
	}
	defer sink.Close()

	var apiOpts []apiclient.Option
	if doc.Global.DebugMode && doc.Global.MockBaseURL != "" {
		apiOpts = append(apiOpts, apiclient.WithDebugMode(doc.Global.MockBaseURL))
	}
	api := apiclient.New(apiOpts...)

	clk := clock.Real{}
	emitter := scheduler.NewChannelEmitter(64)
	mgr := scheduler.New(clk, api, sink, emitter, doc.Global)

	cmds := NewCommands(store, mgr, api, clk, sink)
	if _, err := cmds.LoadSettings(); err != nil {
		fmt.Fprintf(os.Stderr, "zwarmd: failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := store.Watch(cmds.applyExternalReload); err != nil {
		// Live reload is best-effort: a watch failure (e.g. read-only
		// filesystem) degrades to explicit `zwarmd reload` only.
		fmt.Fprintf(os.Stderr, "zwarmd: config watch disabled: %v\n", err)
	}
	defer store.Close()

	hub := eventbus.NewHub()

	root := newRootCmd(cmds, hub, emitter.Events())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
