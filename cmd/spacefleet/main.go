package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kardianos/service"

	"github.com/spacefleet/collector/internal/agent"
	"github.com/spacefleet/collector/internal/config"
)

var version = "dev"

// program adapts the agent to the service manager
type program struct {
	configPath string
	agent      *agent.Agent
}

func (p *program) Start(s service.Service) error {
	a, err := agent.New(p.configPath, version)
	if err != nil {
		return err
	}
	if err := a.Start(); err != nil {
		a.Shutdown()
		return err
	}
	p.agent = a
	return nil
}

func (p *program) Stop(s service.Service) error {
	if p.agent == nil {
		return nil
	}
	return p.agent.Shutdown()
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("spacefleet", flag.ContinueOnError)
	fs.SetOutput(errOut)
	configPath := fs.String("config", config.GetDefaultConfigPath(), "path to configuration file")
	control := fs.String("service", "", "service control: install, uninstall, start, stop, restart")
	collect := fs.String("collect", "", "run one collection and print the results; \"all\" or comma-separated host ids")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *showVersion {
		fmt.Fprintf(out, "spacefleet %s\n", version)
		return 0
	}

	if *collect != "" {
		return runCollect(*configPath, *collect, out, errOut)
	}

	svcConfig := &service.Config{
		Name:        "spacefleet",
		DisplayName: "Spacefleet Collector",
		Description: "Collects filesystem usage from the server fleet over SSH",
		Arguments:   []string{"-config", *configPath},
	}

	prg := &program{configPath: *configPath}
	s, err := service.New(prg, svcConfig)
	if err != nil {
		fmt.Fprintf(errOut, "create service: %v\n", err)
		return 1
	}

	if *control != "" {
		if err := service.Control(s, *control); err != nil {
			fmt.Fprintf(errOut, "service %s: %v (valid actions: %s)\n",
				*control, err, strings.Join(service.ControlAction[:], ", "))
			return 1
		}
		fmt.Fprintf(out, "service %s: ok\n", *control)
		return 0
	}

	if err := s.Run(); err != nil {
		fmt.Fprintf(errOut, "run: %v\n", err)
		return 1
	}
	return 0
}

func runCollect(configPath, hosts string, out, errOut io.Writer) int {
	ids, err := parseHostIDs(hosts)
	if err != nil {
		fmt.Fprintf(errOut, "%v\n", err)
		return 2
	}

	a, err := agent.New(configPath, version)
	if err != nil {
		fmt.Fprintf(errOut, "start collector: %v\n", err)
		return 1
	}
	defer a.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Hour)
	defer cancel()

	results, err := a.CollectOnce(ctx, ids)
	if err != nil {
		fmt.Fprintf(errOut, "collect: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		fmt.Fprintf(errOut, "encode results: %v\n", err)
		return 1
	}
	return 0
}

// parseHostIDs turns "all" into nil and "3,1,2" into ids in the given order
func parseHostIDs(s string) ([]int64, error) {
	if strings.EqualFold(strings.TrimSpace(s), "all") {
		return nil, nil
	}
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid host id %q", part)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no host ids given")
	}
	return ids, nil
}
